package ports

import "github.com/ilyaradko/PicoScope/internal/domain"

type Transformer interface {
	Transform(samples []*domain.Sample) []*domain.Sample
	Name() string
}

// FlushingTransformer holds samples between batches. Flush hands back
// whatever it still holds once the stream ends.
type FlushingTransformer interface {
	Transformer
	Flush() []*domain.Sample
}
