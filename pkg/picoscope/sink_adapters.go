package picoscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ilyaradko/PicoScope/internal/adapters/journal"
	"github.com/ilyaradko/PicoScope/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("picoscope: channel sink closed")

// NewCallbackSink adapts a BatchHandler into a Sink so callers can plug
// arbitrary functions without defining structs.
func NewCallbackSink(name string, fn BatchHandler) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel; it returns the sink, the read-only channel,
// and a close function that the caller should invoke during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan Batch, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Batch, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   BatchHandler
}

func (s *callbackSink) WriteBatch(_ context.Context, b *domain.Batch) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if b.Empty() {
		return nil
	}
	return s.fn(batchFromDomain(b))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	mu     sync.RWMutex
	ch     chan Batch
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) WriteBatch(ctx context.Context, b *domain.Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if b.Empty() {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- batchFromDomain(b):
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

// Ready reports false while the channel buffer is full, so the dispatcher
// leaves data in the ring instead of timing out a write.
func (s *channelSink) Ready() bool {
	return cap(s.ch) == 0 || len(s.ch) < cap(s.ch)
}

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// NewTextSink writes "timestamp channel volts" lines to w, one per sample.
func NewTextSink(name string, w io.Writer) Sink {
	if name == "" {
		name = "text"
	}
	return &textSink{name: name, w: w}
}

type textSink struct {
	name string
	mu   sync.Mutex
	w    io.Writer
}

func (s *textSink) WriteBatch(_ context.Context, b *domain.Batch) error {
	if b.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return journal.WriteText(s.w, b)
}

func (s *textSink) Name() string { return s.name }
