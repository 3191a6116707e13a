package queue

import (
	"sync"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// Ring is a bounded FIFO of raw blocks. When full, Push overwrites the
// oldest unread block and records an OverflowEvent instead of blocking.
type Ring struct {
	mu      sync.Mutex
	buf     []domain.Block
	head    int // index of the oldest unread block
	n       int
	pending []domain.OverflowEvent
	stats   ports.QueueStats
	now     func() time.Time
}

// NewRing returns a ring holding up to capacity blocks. A capacity below 1
// is raised to 1.
func NewRing(capacity int) *Ring {
	return NewRingWithClock(capacity, time.Now)
}

// NewRingWithClock is NewRing with an injectable clock for overflow
// timestamps.
func NewRingWithClock(capacity int, now func() time.Time) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Ring{
		buf: make([]domain.Block, capacity),
		now: now,
	}
}

func (r *Ring) Push(b domain.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Pushed++
	if r.n == len(r.buf) {
		evicted := r.buf[r.head]
		lost := evicted.SampleCount()
		r.pending = append(r.pending, domain.OverflowEvent{
			Cause:      domain.OverflowRingEvicted,
			Lost:       lost,
			FirstIndex: evicted.FirstIndex,
			DetectedAt: r.now(),
		})
		r.stats.Evicted++
		r.stats.LostSamples += lost
		r.buf[r.head] = b
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.n)%len(r.buf)] = b
	r.n++
}

// Note records an overflow detected outside the ring, e.g. a stream index
// gap reported by the driver.
func (r *Ring) Note(ev domain.OverflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = r.now()
	}
	r.pending = append(r.pending, ev)
	r.stats.LostSamples += ev.Lost
}

// Drain removes up to max blocks (all when max <= 0) and every pending
// overflow event. It never blocks and returns nil slices when empty.
func (r *Ring) Drain(max int) ([]domain.Block, []domain.OverflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []domain.OverflowEvent
	if len(r.pending) > 0 {
		events = r.pending
		r.pending = nil
	}
	if r.n == 0 {
		return nil, events
	}
	if max <= 0 || max > r.n {
		max = r.n
	}
	out := make([]domain.Block, max)
	for i := 0; i < max; i++ {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = domain.Block{}
	}
	r.head = (r.head + max) % len(r.buf)
	r.n -= max
	return out, events
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

func (r *Ring) Stats() ports.QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

var _ ports.BlockQueue = (*Ring)(nil)
