package ports

import "github.com/ilyaradko/PicoScope/internal/domain"

// BlockQueue is the bounded buffer between the delivery callback and the
// dispatcher. Push is called only by the producer, Drain only by the
// consumer.
type BlockQueue interface {
	Push(b domain.Block)
	Note(ev domain.OverflowEvent)
	Drain(max int) ([]domain.Block, []domain.OverflowEvent)
	Len() int
	Cap() int
	Stats() QueueStats
}

// QueueStats are cumulative counters for a queue.
type QueueStats struct {
	Pushed      uint64
	Evicted     uint64
	LostSamples uint64
}
