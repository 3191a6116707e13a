package picoscope

import (
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
	"github.com/ilyaradko/PicoScope/internal/scope"
)

// Sink consumes dispatched batches.
type Sink = ports.Sink

// Transformer rewrites converted samples before they reach the sink.
type Transformer = ports.Transformer

// Observability emits metrics and logs about throughput, overflow and faults.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Policy tunes the dispatcher cadence.
type Policy = ports.Policy

// Driver opens units of one vendor driver (sim, ps2000 or your own).
type Driver = ports.Driver

type (
	OverflowEvent = domain.OverflowEvent
	OverflowCause = domain.OverflowCause
	ChannelID     = domain.ChannelID
	State         = domain.State
	UnitInfo      = domain.UnitInfo
	// PipelineSample is the internal sample type custom transformers see.
	PipelineSample = domain.Sample
	// PipelineBatch is the internal batch type custom sinks see.
	PipelineBatch = domain.Batch
)

// Error kinds for errors.Is against capture errors.
var (
	ErrNotFound             = scope.ErrNotFound
	ErrBusy                 = scope.ErrBusy
	ErrUnsupportedRange     = scope.ErrUnsupportedRange
	ErrNoChannelsEnabled    = scope.ErrNoChannelsEnabled
	ErrIntervalUnachievable = scope.ErrIntervalUnachievable
	ErrInvalidChannel       = scope.ErrInvalidChannelReference
	ErrThresholdOutOfRange  = scope.ErrThresholdOutOfRange
	ErrDriverFault          = scope.ErrDriverFault
	ErrTimeout              = scope.ErrTimeout
	ErrInvalidState         = scope.ErrInvalidState
	ErrSessionFaulted       = scope.ErrSessionFaulted
)

// Sample is one reading in a form safe to hand to external code.
type Sample struct {
	Channel   string
	Timestamp time.Time
	Index     uint64
	Raw       int16
	Volts     float64
}

// Batch is what callback and channel sinks receive.
type Batch struct {
	Samples   []Sample
	Overflows []OverflowEvent
	// Fault is set on the final batch of a session that faulted.
	Fault error
}

// BatchHandler is invoked with every dispatched batch.
type BatchHandler func(Batch) error

func sampleFromDomain(s *domain.Sample) Sample {
	return Sample{
		Channel:   s.ChannelID.String(),
		Timestamp: s.Timestamp,
		Index:     s.Index,
		Raw:       s.Raw,
		Volts:     s.Volts,
	}
}

func batchFromDomain(b *domain.Batch) Batch {
	out := Batch{Fault: b.Fault}
	if len(b.Samples) > 0 {
		out.Samples = make([]Sample, len(b.Samples))
		for i, s := range b.Samples {
			out.Samples[i] = sampleFromDomain(s)
		}
	}
	if len(b.Overflows) > 0 {
		out.Overflows = append([]OverflowEvent(nil), b.Overflows...)
	}
	return out
}
