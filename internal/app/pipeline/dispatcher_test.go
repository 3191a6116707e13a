package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ilyaradko/PicoScope/internal/adapters/queue"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type mockSource struct {
	*queue.Ring
	mu    sync.Mutex
	info  domain.SessionInfo
	state domain.State
	fault error
}

func newMockSource() *mockSource {
	return &mockSource{
		Ring: queue.NewRing(16),
		info: domain.SessionInfo{
			IntervalNanos: 1000,
			BlockSize:     4,
			MaxCount:      32767,
			StartedAt:     t0,
			Channels: []domain.Channel{
				{ID: domain.ChannelA, Enabled: true, Range: domain.Range{Label: "2V", Volts: 2}},
				{ID: domain.ChannelB, Enabled: true, Range: domain.Range{Label: "5V", Volts: 5}},
			},
		},
		state: domain.StateRunning,
	}
}

func (m *mockSource) Info() domain.SessionInfo { return m.info }

func (m *mockSource) QueueLen() int { return m.Len() }

func (m *mockSource) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSource) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

func (m *mockSource) set(st domain.State, fault error) {
	m.mu.Lock()
	m.state, m.fault = st, fault
	m.mu.Unlock()
}

func twoChannelBlock(first uint64, a, b []int16) domain.Block {
	return domain.Block{
		FirstIndex: first,
		Channels:   []domain.ChannelID{domain.ChannelA, domain.ChannelB},
		Counts:     [][]int16{a, b},
	}
}

type mockSink struct {
	mu      sync.Mutex
	batches []*domain.Batch
	fails   int
	notOK   bool
	block   bool
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.notOK
}

func (m *mockSink) WriteBatch(ctx context.Context, b *domain.Batch) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("sink unavailable")
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *mockSink) all() []*domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Batch(nil), m.batches...)
}

type mockObs struct {
	mu        sync.Mutex
	counters  map[string]float64
	overflows []domain.OverflowEvent
	errors    []error
}

func newMockObs() *mockObs { return &mockObs{counters: make(map[string]float64)} }

func (m *mockObs) LogInfo(string, ...ports.Field) {}
func (m *mockObs) LogWarn(string, ...ports.Field) {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, err)
	m.mu.Unlock()
}
func (m *mockObs) LogCritical(string, error, ...ports.Field) {}
func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	m.counters[name] += v
	m.mu.Unlock()
}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64)       {}
func (m *mockObs) RecordOverflow(ev domain.OverflowEvent) {
	m.mu.Lock()
	m.overflows = append(m.overflows, ev)
	m.mu.Unlock()
}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func TestDispatcherConvertsAndStampsInOrder(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	obs := newMockObs()
	d := NewDispatcher(src, sink, Options{Obs: obs})

	src.Push(twoChannelBlock(0, []int16{0, 16384}, []int16{32767, -32767}))
	src.Push(twoChannelBlock(2, []int16{1, 2}, []int16{3, 4}))
	d.Tick(context.Background(), time.Second)
	// a late block with an older index must not move time backwards
	src.Push(twoChannelBlock(1, []int16{5}, []int16{6}))
	d.Tick(context.Background(), time.Second)

	batches := sink.all()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	first := batches[0].Samples
	if len(first) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(first))
	}
	if first[0].ChannelID != domain.ChannelA || first[1].ChannelID != domain.ChannelB {
		t.Fatalf("channels should be interleaved per index")
	}
	if v := first[2].Volts; v < 0.999 || v > 1.001 {
		t.Fatalf("16384 on ±2V should be ~1V, got %v", v)
	}
	if first[1].Volts != 5 || first[3].Volts != -5 {
		t.Fatalf("channel B uses its own range: %v %v", first[1].Volts, first[3].Volts)
	}
	if !first[2].Timestamp.Equal(t0.Add(time.Microsecond)) {
		t.Fatalf("index 1 should be stamped at +1µs, got %v", first[2].Timestamp)
	}

	var last time.Time
	for bi, b := range batches {
		for i, s := range b.Samples {
			if s.Timestamp.Before(last) {
				t.Fatalf("batch %d sample %d goes back in time", bi, i)
			}
			last = s.Timestamp
		}
	}
	if got := obs.counter(ports.MetricSamplesDispatched); got != 10 {
		t.Fatalf("dispatched counter = %v", got)
	}
}

func TestDispatcherSkipsTickWhenSinkNotReady(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{notOK: true}
	obs := newMockObs()
	d := NewDispatcher(src, sink, Options{Obs: obs})

	src.Push(twoChannelBlock(0, []int16{1}, []int16{2}))
	if d.Tick(context.Background(), time.Second) {
		t.Fatalf("tick should report a skip")
	}
	if src.Len() != 1 {
		t.Fatalf("skipped tick must leave blocks in the ring")
	}
	if obs.counter(ports.MetricSinkBackpressure) != 1 || d.Stats().Skipped != 1 {
		t.Fatalf("backpressure not counted")
	}

	sink.mu.Lock()
	sink.notOK = false
	sink.mu.Unlock()
	d.Tick(context.Background(), time.Second)
	if src.Len() != 0 || len(sink.all()) != 1 {
		t.Fatalf("ready sink should receive the held block")
	}
}

func TestDispatcherSinkFailureBecomesOverflow(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{fails: 1}
	obs := newMockObs()
	d := NewDispatcher(src, sink, Options{Obs: obs})

	src.Note(domain.OverflowEvent{Cause: domain.OverflowDeviceGap, Lost: 3})
	src.Push(twoChannelBlock(7, []int16{1, 2}, []int16{3, 4}))
	d.Tick(context.Background(), time.Second)
	if len(sink.all()) != 0 || len(obs.errors) != 1 {
		t.Fatalf("failed write should be logged and not recorded")
	}

	d.Tick(context.Background(), time.Second)
	batches := sink.all()
	if len(batches) != 1 {
		t.Fatalf("expected the next tick to deliver, got %d batches", len(batches))
	}
	evs := batches[0].Overflows
	if len(evs) != 2 {
		t.Fatalf("expected carried gap + rejection events, got %+v", evs)
	}
	if evs[0].Cause != domain.OverflowDeviceGap || evs[1].Cause != domain.OverflowSinkRejected {
		t.Fatalf("unexpected causes: %+v", evs)
	}
	if evs[1].Lost != 4 || evs[1].FirstIndex != 7 {
		t.Fatalf("rejection should account for 4 samples from index 7: %+v", evs[1])
	}
	if len(obs.overflows) != 2 || d.Stats().Rejected != 1 {
		t.Fatalf("overflow metrics not recorded")
	}
}

func TestDispatcherWriteDeadlineIsOneTick(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{block: true}
	d := NewDispatcher(src, sink, Options{})

	src.Push(twoChannelBlock(0, []int16{1}, []int16{2}))
	start := time.Now()
	d.Tick(context.Background(), 20*time.Millisecond)
	if el := time.Since(start); el > time.Second {
		t.Fatalf("blocked sink held the dispatcher for %v", el)
	}
	if d.Stats().Rejected != 1 || len(d.pending) != 1 {
		t.Fatalf("timed out write should become a pending overflow event")
	}
}

type halve struct{}

func (halve) Name() string { return "halve" }
func (halve) Transform(in []*domain.Sample) []*domain.Sample {
	return in[:len(in)/2]
}

func TestDispatcherAppliesTransformer(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	d := NewDispatcher(src, sink, Options{Transformer: halve{}})

	src.Push(twoChannelBlock(0, []int16{1, 2}, []int16{3, 4}))
	d.Tick(context.Background(), time.Second)
	if got := len(sink.all()[0].Samples); got != 2 {
		t.Fatalf("transformer not applied, got %d samples", got)
	}
}

func TestDispatcherRunStopsWithFinalDrain(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	d := NewDispatcher(src, sink, Options{Policy: ports.Policy{PollInterval: time.Millisecond, MaxBlocksPerTick: 1}})

	for i := 0; i < 5; i++ {
		src.Push(twoChannelBlock(uint64(i), []int16{1}, []int16{2}))
	}
	src.set(domain.StateStopped, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	var n int
	for _, b := range sink.all() {
		n += len(b.Samples)
	}
	if n != 10 {
		t.Fatalf("expected all 10 samples flushed, got %d", n)
	}
}

func TestDispatcherRunEmitsFaultBatch(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	obs := newMockObs()
	d := NewDispatcher(src, sink, Options{Obs: obs, Policy: ports.Policy{PollInterval: time.Millisecond}})

	src.Push(twoChannelBlock(0, []int16{1}, []int16{2}))
	boom := errors.New("unit disconnected")
	src.set(domain.StateFaulted, boom)

	err := d.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected fault, got %v", err)
	}
	batches := sink.all()
	if len(batches) != 1 {
		t.Fatalf("expected one final batch, got %d", len(batches))
	}
	if batches[0].Fault != boom || len(batches[0].Samples) != 2 {
		t.Fatalf("final batch should carry the fault and the remaining samples: %+v", batches[0])
	}
	if obs.counter(ports.MetricFaults) != 1 {
		t.Fatalf("fault not counted")
	}
}

func TestDispatcherRunReturnsOnCancel(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	d := NewDispatcher(src, sink, Options{Policy: ports.Policy{PollInterval: time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	src.Push(twoChannelBlock(0, []int16{1}, []int16{2}))
	time.Sleep(5 * time.Millisecond)
	src.Push(twoChannelBlock(1, []int16{1}, []int16{2}))
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	var n int
	for _, b := range sink.all() {
		n += len(b.Samples)
	}
	if n != 4 {
		t.Fatalf("expected 4 samples after final drain, got %d", n)
	}
}

func TestPollInterval(t *testing.T) {
	info := domain.SessionInfo{IntervalNanos: 10240, BlockSize: 1000}
	if got := PollInterval(ports.Policy{}, info); got != 10240*time.Microsecond {
		t.Fatalf("derived cadence = %v", got)
	}
	if got := PollInterval(ports.Policy{PollInterval: 50 * time.Millisecond}, info); got != 50*time.Millisecond {
		t.Fatalf("policy cadence = %v", got)
	}
	if got := PollInterval(ports.Policy{}, domain.SessionInfo{IntervalNanos: 10, BlockSize: 10}); got != time.Millisecond {
		t.Fatalf("cadence should be clamped to 1ms, got %v", got)
	}
}

func TestDispatcherUsesCaptureTimeRanges(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	d := NewDispatcher(src, sink, Options{})

	// captured while A was on 5V; the session has since moved A to 2V
	b := twoChannelBlock(0, []int16{16384}, []int16{32767})
	b.RangeVolts = []float64{5, 5}
	src.Push(b)
	// no recorded ranges: fall back to the session's
	src.Push(twoChannelBlock(1, []int16{16384}, []int16{32767}))
	d.Tick(context.Background(), time.Second)

	samples := sink.all()[0].Samples
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	if v := samples[0].Volts; v < 2.499 || v > 2.501 {
		t.Fatalf("half scale on 5V should be ~2.5V, got %v", v)
	}
	if v := samples[2].Volts; v < 0.999 || v > 1.001 {
		t.Fatalf("block without ranges should use the session's 2V, got %v", v)
	}
}

func TestDispatcherFaultAccountsUndeliveredOverflows(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{fails: 1}
	obs := newMockObs()
	d := NewDispatcher(src, sink, Options{Obs: obs, Policy: ports.Policy{PollInterval: time.Millisecond}})

	src.Note(domain.OverflowEvent{Cause: domain.OverflowRingEvicted, Lost: 8})
	src.Push(twoChannelBlock(0, []int16{1}, []int16{2}))
	src.set(domain.StateFaulted, errors.New("usb reset"))

	if err := d.Run(context.Background()); err == nil {
		t.Fatalf("expected the fault back")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("the final write failed, nothing should be recorded")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.overflows) != 2 {
		t.Fatalf("expected eviction and rejection accounted, got %+v", obs.overflows)
	}
	if obs.overflows[1].Cause != domain.OverflowSinkRejected || obs.overflows[1].Lost != 2 {
		t.Fatalf("unexpected rejection event %+v", obs.overflows[1])
	}
	if len(obs.errors) != 2 {
		t.Fatalf("expected write failure and undelivered events logged, got %v", obs.errors)
	}
	if d.Stats().OverflowSeen != 2 {
		t.Fatalf("overflow stat = %d", d.Stats().OverflowSeen)
	}
}

// holdLast keeps the newest sample of each call back until the next one.
type holdLast struct{ held []*domain.Sample }

func (h *holdLast) Name() string { return "hold" }
func (h *holdLast) Transform(in []*domain.Sample) []*domain.Sample {
	out := append(h.held, in[:len(in)-1]...)
	h.held = []*domain.Sample{in[len(in)-1]}
	return out
}
func (h *holdLast) Flush() []*domain.Sample {
	out := h.held
	h.held = nil
	return out
}

func TestDispatcherFlushesTransformerOnStop(t *testing.T) {
	src := newMockSource()
	sink := &mockSink{}
	tr := &holdLast{}
	d := NewDispatcher(src, sink, Options{Transformer: tr, Policy: ports.Policy{PollInterval: time.Millisecond}})

	src.Push(twoChannelBlock(0, []int16{1, 2}, []int16{3, 4}))
	src.set(domain.StateStopped, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []int16
	for _, b := range sink.all() {
		for _, s := range b.Samples {
			got = append(got, s.Raw)
		}
	}
	if len(got) != 4 || got[3] != 4 {
		t.Fatalf("expected the held sample written last, got %v", got)
	}
	if len(tr.held) != 0 {
		t.Fatalf("transformer still holds samples")
	}
}
