package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// Fanout writes every batch to each of its sinks in order. A failure in one
// sink does not keep the others from receiving the batch; the joined error
// is returned so the dispatcher treats the batch as rejected.
type Fanout struct {
	sinks []ports.Sink
}

func NewFanout(sinks ...ports.Sink) *Fanout {
	out := make([]ports.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) Name() string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

func (f *Fanout) Sinks() []ports.Sink { return append([]ports.Sink(nil), f.sinks...) }

func (f *Fanout) WriteBatch(ctx context.Context, b *domain.Batch) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.WriteBatch(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Ready is true only when every sink that reports readiness is ready.
func (f *Fanout) Ready() bool {
	for _, s := range f.sinks {
		if r, ok := s.(ports.ReadySink); ok && !r.Ready() {
			return false
		}
	}
	return true
}

var (
	_ ports.Sink      = (*Fanout)(nil)
	_ ports.ReadySink = (*Fanout)(nil)
)
