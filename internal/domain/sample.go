package domain

import "time"

// Sample is one converted reading of one channel.
type Sample struct {
	ChannelID ChannelID `json:"channel"`
	Timestamp time.Time `json:"ts"`
	Index     uint64    `json:"index"`
	Raw       int16     `json:"raw"`
	Volts     float64   `json:"volts"`
}

// OverflowCause tells where samples were lost.
type OverflowCause string

const (
	// OverflowRingEvicted means the dispatcher fell behind and the ring
	// buffer overwrote an unread block.
	OverflowRingEvicted OverflowCause = "ring_evicted"
	// OverflowDeviceGap means the driver skipped stream indices.
	OverflowDeviceGap OverflowCause = "device_gap"
	// OverflowSinkRejected means a drained batch could not be written.
	OverflowSinkRejected OverflowCause = "sink_rejected"
)

// OverflowEvent marks a gap in the sample stream.
type OverflowEvent struct {
	Cause      OverflowCause `json:"cause"`
	Lost       uint64        `json:"lost"`
	FirstIndex uint64        `json:"first_index"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Block is a raw multi-channel chunk as delivered by the driver. All
// channel slices have the same length.
type Block struct {
	FirstIndex uint64
	Channels   []ChannelID
	Counts     [][]int16
	// RangeVolts is the full scale of each entry in Channels when the
	// block was captured. Nil means the session's current ranges apply.
	RangeVolts []float64
	// OverRange is a bitmask of channels whose input exceeded the range.
	OverRange  uint16
	Triggered  bool
	TriggerAt  uint32
	ReceivedAt time.Time
}

// Len is the number of samples per channel.
func (b *Block) Len() int {
	if b == nil || len(b.Counts) == 0 {
		return 0
	}
	return len(b.Counts[0])
}

// SampleCount is the total number of samples across all channels.
func (b *Block) SampleCount() uint64 {
	return uint64(b.Len() * len(b.Channels))
}

// Clone deep-copies the block so the driver can reuse its buffers.
func (b *Block) Clone() Block {
	out := *b
	out.Channels = append([]ChannelID(nil), b.Channels...)
	if b.RangeVolts != nil {
		out.RangeVolts = append([]float64(nil), b.RangeVolts...)
	}
	out.Counts = make([][]int16, len(b.Counts))
	for i, c := range b.Counts {
		out.Counts[i] = append([]int16(nil), c...)
	}
	return out
}

// FullScale returns the capture-time range of the i-th channel, or
// fallback if the block does not carry one.
func (b *Block) FullScale(i int, fallback float64) float64 {
	if i < len(b.RangeVolts) && b.RangeVolts[i] > 0 {
		return b.RangeVolts[i]
	}
	return fallback
}

// Batch is the unit handed to sinks on every dispatcher tick.
type Batch struct {
	Samples   []*Sample
	Overflows []OverflowEvent
	// Fault is set on the last batch of a session that ended in Faulted.
	Fault error
}

// Empty reports whether the batch carries nothing worth writing.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Samples) == 0 && len(b.Overflows) == 0 && b.Fault == nil)
}

// Lost sums the lost-sample estimates of all overflow events in the batch.
func (b *Batch) Lost() uint64 {
	var n uint64
	for _, ev := range b.Overflows {
		n += ev.Lost
	}
	return n
}
