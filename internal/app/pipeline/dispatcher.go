package pipeline

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/ilyaradko/PicoScope/internal/calib"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

const minPollInterval = time.Millisecond

// Source is a running capture the dispatcher drains. *scope.Session
// implements it.
type Source interface {
	Drain(max int) ([]domain.Block, []domain.OverflowEvent)
	Info() domain.SessionInfo
	State() domain.State
	Fault() error
}

type queueLen interface {
	QueueLen() int
}

type Options struct {
	Policy      ports.Policy
	Transformer ports.Transformer
	Obs         ports.Observability
	Clock       func() time.Time
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Ticks        uint64
	Batches      uint64
	Samples      uint64
	Skipped      uint64
	Rejected     uint64
	OverflowSeen uint64
}

// Dispatcher drains a Source on a fixed cadence, converts raw counts to
// volts, stamps them and hands batches to a sink.
type Dispatcher struct {
	src  Source
	sink ports.Sink
	tr   ports.Transformer
	obs  ports.Observability
	pol  ports.Policy
	now  func() time.Time

	lastTS  time.Time
	pending []domain.OverflowEvent

	ticks, batches, samples, skipped, rejected, overflows atomic.Uint64
}

func NewDispatcher(src Source, sink ports.Sink, opts Options) *Dispatcher {
	obs := opts.Obs
	if obs == nil {
		obs = nopObs{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		src:  src,
		sink: sink,
		tr:   opts.Transformer,
		obs:  obs,
		pol:  opts.Policy,
		now:  now,
	}
}

// PollInterval is the tick cadence: the policy's value if set, else the
// sample interval times the block size, never below 1ms.
func PollInterval(pol ports.Policy, info domain.SessionInfo) time.Duration {
	d := pol.PollInterval
	if d <= 0 {
		d = time.Duration(info.IntervalNanos) * time.Duration(info.BlockSize)
	}
	if d < minPollInterval {
		d = minPollInterval
	}
	return d
}

// Run ticks until ctx ends or the source stops or faults. On a fault the
// last batch carries the fault and Run returns it.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := PollInterval(d.pol, d.src.Info())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.obs.LogInfo("dispatcher_started",
		ports.Field{Key: "sink", Value: d.sink.Name()},
		ports.Field{Key: "poll_interval", Value: interval.String()},
	)

	for {
		select {
		case <-ctx.Done():
			d.flush(interval)
			return nil
		case <-ticker.C:
		}

		st := d.src.State()
		d.obs.SetGauge(ports.MetricSessionState, float64(st))
		switch st {
		case domain.StateFaulted:
			return d.finishFaulted(interval)
		case domain.StateStopped:
			d.flush(interval)
			return nil
		}
		d.Tick(ctx, interval)
	}
}

// Tick runs one drain/convert/write cycle. It returns false if the sink
// was not ready and nothing was drained.
func (d *Dispatcher) Tick(ctx context.Context, writeTimeout time.Duration) bool {
	d.ticks.Add(1)
	if r, ok := d.sink.(ports.ReadySink); ok && !r.Ready() {
		d.skipped.Add(1)
		d.obs.IncCounter(ports.MetricSinkBackpressure, 1)
		return false
	}
	d.cycle(ctx, d.pol.MaxBlocksPerTick, writeTimeout, nil, false)
	return true
}

// cycle drains once and writes the result; it reports whether anything
// was drained. A final cycle also writes what the transformer still holds.
func (d *Dispatcher) cycle(ctx context.Context, max int, writeTimeout time.Duration, fault error, final bool) bool {
	blocks, events := d.src.Drain(max)
	if ql, ok := d.src.(queueLen); ok {
		d.obs.SetGauge(ports.MetricRingBlocks, float64(ql.QueueLen()))
	}
	if len(d.pending) > 0 {
		events = append(d.pending, events...)
		d.pending = nil
	}

	info := d.src.Info()
	samples, raw := d.convert(info, blocks)
	if d.tr != nil && len(samples) > 0 {
		samples = d.tr.Transform(samples)
	}
	if f, ok := d.tr.(ports.FlushingTransformer); ok && final {
		samples = append(samples, f.Flush()...)
	}

	batch := &domain.Batch{Samples: samples, Overflows: events, Fault: fault}
	if batch.Empty() {
		return len(blocks) > 0
	}

	if d.pol.WriteTimeout > 0 {
		writeTimeout = d.pol.WriteTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	start := d.now()
	err := d.sink.WriteBatch(wctx, batch)
	cancel()
	d.obs.ObserveLatency(ports.MetricSinkLatency, d.now().Sub(start).Seconds())

	if err != nil {
		d.rejected.Add(1)
		d.obs.LogError("sink_write_failed", err,
			ports.Field{Key: "sink", Value: d.sink.Name()},
			ports.Field{Key: "samples", Value: len(samples)},
		)
		// carry the loss, and the events the sink never saw, into the next batch
		d.pending = append(d.pending, events...)
		if raw > 0 {
			d.pending = append(d.pending, domain.OverflowEvent{
				Cause:      domain.OverflowSinkRejected,
				Lost:       raw,
				FirstIndex: blocks[0].FirstIndex,
				DetectedAt: d.now(),
			})
		}
		return len(blocks) > 0
	}

	d.batches.Add(1)
	d.samples.Add(uint64(len(samples)))
	d.obs.IncCounter(ports.MetricSamplesDispatched, float64(len(samples)))
	for _, ev := range events {
		d.overflows.Add(1)
		d.obs.RecordOverflow(ev)
	}
	return len(blocks) > 0
}

// convert turns blocks into samples in stream order and stamps them with
// StartedAt + index*interval, never letting a stamp go backwards. Counts
// are scaled with the ranges the block was captured on.
func (d *Dispatcher) convert(info domain.SessionInfo, blocks []domain.Block) ([]*domain.Sample, uint64) {
	var total uint64
	for i := range blocks {
		total += blocks[i].SampleCount()
	}
	if total == 0 {
		return nil, 0
	}

	interval := info.Interval()
	out := make([]*domain.Sample, 0, total)
	for i := range blocks {
		b := &blocks[i]
		if b.OverRange != 0 {
			d.obs.IncCounter(ports.MetricOverRange, float64(bits.OnesCount16(b.OverRange)))
			d.obs.LogWarn("adc_over_range",
				ports.Field{Key: "mask", Value: fmt.Sprintf("%#x", b.OverRange)},
				ports.Field{Key: "first_index", Value: b.FirstIndex},
			)
		}
		volts := make([]float64, len(b.Channels))
		for ci, ch := range b.Channels {
			volts[ci] = b.FullScale(ci, info.RangeVolts(ch))
		}
		for si := 0; si < b.Len(); si++ {
			idx := b.FirstIndex + uint64(si)
			ts := info.StartedAt.Add(time.Duration(idx) * interval)
			if ts.Before(d.lastTS) {
				ts = d.lastTS
			}
			d.lastTS = ts
			for ci, ch := range b.Channels {
				raw := b.Counts[ci][si]
				out = append(out, &domain.Sample{
					ChannelID: ch,
					Timestamp: ts,
					Index:     idx,
					Raw:       raw,
					Volts:     calib.ToVoltage(int32(raw), volts[ci], info.MaxCount),
				})
			}
		}
	}
	return out, total
}

// flush drains whatever is left after the source stopped.
func (d *Dispatcher) flush(writeTimeout time.Duration) {
	ctx := context.Background()
	for d.cycle(ctx, d.pol.MaxBlocksPerTick, writeTimeout, nil, false) {
	}
	d.cycle(ctx, 0, writeTimeout, nil, true)
	d.dropPending()
	d.obs.LogInfo("dispatcher_stopped", ports.Field{Key: "samples", Value: d.samples.Load()})
}

func (d *Dispatcher) finishFaulted(writeTimeout time.Duration) error {
	fault := d.src.Fault()
	if fault == nil {
		fault = fmt.Errorf("capture session faulted")
	}
	d.obs.IncCounter(ports.MetricFaults, 1)
	d.obs.LogCritical("session_faulted", fault)
	d.cycle(context.Background(), 0, writeTimeout, fault, true)
	d.dropPending()
	return fault
}

// dropPending accounts for overflow events no sink will ever see.
func (d *Dispatcher) dropPending() {
	n := len(d.pending)
	if n == 0 {
		return
	}
	lost := (&domain.Batch{Overflows: d.pending}).Lost()
	d.obs.LogError("overflow_events_undelivered", fmt.Errorf("%d events, %d samples", n, lost))
	for _, ev := range d.pending {
		d.overflows.Add(1)
		d.obs.RecordOverflow(ev)
	}
	d.pending = nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Ticks:        d.ticks.Load(),
		Batches:      d.batches.Load(),
		Samples:      d.samples.Load(),
		Skipped:      d.skipped.Load(),
		Rejected:     d.rejected.Load(),
		OverflowSeen: d.overflows.Load(),
	}
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogWarn(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) RecordOverflow(domain.OverflowEvent)       {}
