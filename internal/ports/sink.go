package ports

import (
	"context"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

type Sink interface {
	WriteBatch(ctx context.Context, b *domain.Batch) error
	Name() string
}

// ReadySink is implemented by sinks that can report backpressure. The
// dispatcher leaves samples in the ring while Ready returns false.
type ReadySink interface {
	Ready() bool
}
