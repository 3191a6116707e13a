package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ilyaradko/PicoScope/internal/adapters/queue"
	"github.com/ilyaradko/PicoScope/internal/calib"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// Block capture polls the unit for completion at this cadence once the
// driver's busy estimate has elapsed.
const blockPollInterval = 5 * time.Millisecond

// ErrCaptureCancelled is wrapped into the error Start returns when Stop
// ends a block capture early.
var ErrCaptureCancelled = errors.New("capture cancelled")

// SessionConfig describes one capture session.
type SessionConfig struct {
	Mode     domain.Mode
	Channels *ConfiguredChannels

	IntervalNanos    int64
	MaxIntervalNanos int64

	// BlockSize is the samples per channel per block. In block mode a
	// trigger with pre/post samples overrides it. Defaults to 1000.
	BlockSize int
	// BufferBlocks is the ring capacity in blocks. Defaults to 64.
	BufferBlocks int
	// Oversample is forwarded to block captures. Defaults to 1.
	Oversample int

	StartTimeout time.Duration
	StopTimeout  time.Duration
	BlockTimeout time.Duration

	// Queue overrides the ring buffer; when nil a queue.Ring of
	// BufferBlocks is used.
	Queue ports.BlockQueue
	Clock func() time.Time
}

func (c *SessionConfig) applyDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = 1000
	}
	if c.BufferBlocks <= 0 {
		c.BufferBlocks = 64
	}
	if c.Oversample <= 0 {
		c.Oversample = 1
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Queue == nil {
		c.Queue = queue.NewRingWithClock(c.BufferBlocks, c.Clock)
	}
}

// Session is the capture state machine for one device. Streaming blocks
// arrive on the driver's goroutine and are copied into the queue; the
// consumer drains them with Drain.
type Session struct {
	dev   *Device
	cfg   SessionConfig
	cc    *ConfiguredChannels
	res   Resolution
	queue ports.BlockQueue
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	state       domain.State
	fault       error
	startedAt   time.Time
	blockCancel context.CancelFunc
	blockDone   chan struct{}
	lastBlock   []domain.Sample
	nextIndex   uint64

	// gate guards delivery. Callbacks hold it shared; Stop takes it
	// exclusively to close it, which waits out in-flight callbacks.
	gate     sync.RWMutex
	gateOpen bool
	expected uint64
	faulted  atomic.Bool
}

// NewSession resolves the timebase, pushes the channel and trigger setup
// to the unit and returns a Configured session bound to dev.
func NewSession(dev *Device, cfg SessionConfig) (*Session, error) {
	const op = "new session"
	if dev == nil {
		return nil, errorf(KindInvalidState, op, "no device")
	}
	if cfg.Channels == nil {
		return nil, errorf(KindInvalidState, op, "channels not configured")
	}
	cfg.applyDefaults()

	enabled := cfg.Channels.Enabled()
	if len(enabled) == 0 {
		return nil, newError(KindNoChannelsEnabled, op, nil)
	}
	res, err := ResolveWithin(dev.caps, cfg.IntervalNanos, len(enabled), cfg.MaxIntervalNanos)
	if err != nil {
		return nil, err
	}
	if cfg.Mode == domain.ModeBlock {
		if t := cfg.Channels.Trigger(); t != nil && t.PreSamples+t.PostSamples > 0 {
			cfg.BlockSize = int(t.PreSamples + t.PostSamples)
		}
	}

	s := &Session{
		dev:   dev,
		cfg:   cfg,
		cc:    cfg.Channels,
		res:   res,
		queue: cfg.Queue,
		now:   cfg.Clock,
		state: domain.StateIdle,
	}
	s.log = dev.log.With("mode", cfg.Mode.String())

	if err := dev.attach(s); err != nil {
		return nil, err
	}
	if err := s.apply(); err != nil {
		dev.detach(s)
		return nil, err
	}
	s.state = domain.StateConfigured

	if !res.Exact() {
		s.log.Warn("sampling slower than requested",
			"requested", time.Duration(res.RequestedNanos),
			"actual", time.Duration(res.IntervalNanos),
			"timebase", res.Timebase.Index,
		)
	}
	s.log.Info("session configured",
		"timebase", res.Timebase.Index,
		"interval", time.Duration(res.IntervalNanos),
		"channels", len(enabled),
		"block_size", cfg.BlockSize,
		"buffer_blocks", s.queue.Cap(),
	)
	return s, nil
}

// apply pushes the channel and trigger settings to the unit.
func (s *Session) apply() error {
	const op = "configure"
	for _, ch := range s.cc.Channels() {
		if err := s.dev.unit.SetChannel(ch.ID, ch.Enabled, ch.Range, ch.Coupling); err != nil {
			return classify(op, fmt.Errorf("channel %s: %w", ch.ID, err))
		}
	}
	if err := s.dev.unit.SetTrigger(s.cc.Trigger()); err != nil {
		return classify(op, fmt.Errorf("trigger: %w", err))
	}
	return nil
}

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fault returns the error that moved the session to Faulted, if any.
func (s *Session) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *Session) Resolution() Resolution { return s.res }

// Info is the snapshot needed to convert and stamp drained blocks.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		Mode:          s.cfg.Mode,
		Timebase:      s.res.Timebase,
		IntervalNanos: s.res.IntervalNanos,
		BlockSize:     s.cfg.BlockSize,
		Capacity:      s.queue.Cap(),
		MaxCount:      s.dev.caps.MaxCount,
		Channels:      s.cc.Channels(),
		StartedAt:     s.startedAt,
	}
}

// Drain hands queued blocks and overflow events to the consumer.
func (s *Session) Drain(max int) ([]domain.Block, []domain.OverflowEvent) {
	return s.queue.Drain(max)
}

// QueueStats exposes the ring counters.
func (s *Session) QueueStats() ports.QueueStats { return s.queue.Stats() }

// QueueLen is the number of undrained blocks.
func (s *Session) QueueLen() int { return s.queue.Len() }

// BlockSamples returns the converted samples of the last completed block
// capture.
func (s *Session) BlockSamples() []domain.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Sample(nil), s.lastBlock...)
}

// SetRange changes a channel's range while the session is not running.
func (s *Session) SetRange(ch domain.ChannelID, spec RangeSpec) (domain.Range, error) {
	const op = "set range"
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.StateIdle, domain.StateConfigured:
	case domain.StateFaulted:
		return domain.Range{}, newError(KindSessionFaulted, op, s.fault)
	default:
		return domain.Range{}, errorf(KindInvalidState, op, "session is %s", s.state)
	}

	rng, err := s.cc.SetRange(ch, spec)
	if err != nil {
		return domain.Range{}, err
	}
	if err := s.apply(); err != nil {
		s.faulted.Store(true)
		s.faultLocked(err)
		return domain.Range{}, err
	}
	return rng, nil
}

// Start begins acquisition. In streaming mode it returns once the driver
// accepted the request. In block mode it blocks until the capture is read
// back, ctx ends, or Stop cancels it, then returns to Configured.
func (s *Session) Start(ctx context.Context) error {
	const op = "start"
	s.mu.Lock()
	switch s.state {
	case domain.StateConfigured:
	case domain.StateFaulted:
		err := s.fault
		s.mu.Unlock()
		return newError(KindSessionFaulted, op, err)
	default:
		st := s.state
		s.mu.Unlock()
		return errorf(KindInvalidState, op, "session is %s", st)
	}
	s.state = domain.StateRunning
	now := s.now()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}

	if s.cfg.Mode == domain.ModeBlock {
		bctx, cancel := context.WithCancel(ctx)
		s.blockCancel = cancel
		s.blockDone = make(chan struct{})
		s.mu.Unlock()
		return s.runBlock(bctx, cancel)
	}
	s.mu.Unlock()

	s.gate.Lock()
	s.gateOpen = true
	s.expected = 0
	s.gate.Unlock()

	req := ports.StreamRequest{
		IntervalNanos: s.res.IntervalNanos,
		Timebase:      s.res.Timebase.Index,
		BlockSize:     s.cfg.BlockSize,
		Channels:      s.cc.Enabled(),
	}
	err := callWithTimeout(ctx, s.cfg.StartTimeout, func() error {
		return s.dev.unit.StartStreaming(req, s.deliver)
	}, s.stopLate)
	if err != nil {
		err = classify(op, err)
		s.fail(err)
		return err
	}
	s.log.Info("streaming started", "interval", time.Duration(s.res.IntervalNanos))
	return nil
}

func (s *Session) runBlock(ctx context.Context, cancel context.CancelFunc) error {
	const op = "block capture"
	defer cancel()

	n := s.cfg.BlockSize
	err := s.captureBlock(ctx, n)

	s.mu.Lock()
	close(s.blockDone)
	s.blockCancel = nil
	stoppedByUser := s.state == domain.StateStopping
	s.mu.Unlock()

	switch {
	case stoppedByUser:
		return newError(KindInvalidState, op, ErrCaptureCancelled)
	case err != nil:
		err = classify(op, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == domain.StateRunning {
		s.state = domain.StateConfigured
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) captureBlock(ctx context.Context, n int) error {
	unit := s.dev.unit
	req := ports.BlockRequest{
		Samples:    n,
		Timebase:   s.res.Timebase.Index,
		Oversample: s.cfg.Oversample,
	}

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BlockTimeout)
	defer cancel()

	armedAt := s.now()
	var busy time.Duration
	err := callWithTimeout(bctx, 0, func() error {
		d, err := unit.RunBlock(req)
		busy = d
		return err
	}, s.stopLate)
	if err != nil {
		return err
	}

	if busy > 0 {
		t := time.NewTimer(busy)
		select {
		case <-bctx.Done():
			t.Stop()
			_ = unit.Stop()
			return bctx.Err()
		case <-t.C:
		}
	}

	ticker := time.NewTicker(blockPollInterval)
	defer ticker.Stop()
	for {
		ready, err := unit.Ready()
		if err != nil {
			return err
		}
		if ready {
			break
		}
		select {
		case <-bctx.Done():
			_ = unit.Stop()
			return bctx.Err()
		case <-ticker.C:
		}
	}

	block, err := unit.Values(s.cc.Enabled(), n)
	if err != nil {
		return err
	}
	if err := unit.Stop(); err != nil {
		return err
	}
	if err := validateBlock(block, s.dev.caps.Channels, s.cc.Enabled()); err != nil {
		return err
	}

	out := block.Clone()
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = s.now()
	}

	s.mu.Lock()
	// Place the block on the session's time axis so stamps stay real and
	// ordered across repeated captures.
	first := s.nextIndex
	if elapsed := armedAt.Sub(s.startedAt); elapsed > 0 && s.res.IntervalNanos > 0 {
		if at := uint64(elapsed.Nanoseconds() / s.res.IntervalNanos); at > first {
			first = at
		}
	}
	out.FirstIndex = first
	s.nextIndex = first + uint64(out.Len())
	out.RangeVolts = s.rangesOf(out.Channels)
	s.lastBlock = s.convert(&out)
	s.mu.Unlock()

	if out.OverRange != 0 {
		s.log.Warn("input over range", "mask", fmt.Sprintf("%#x", out.OverRange))
	}
	s.queue.Push(out)
	return nil
}

// convert turns a block into samples in stream order, channels
// interleaved per index. Caller holds s.mu.
func (s *Session) convert(b *domain.Block) []domain.Sample {
	out := make([]domain.Sample, 0, b.SampleCount())
	interval := time.Duration(s.res.IntervalNanos)
	for i := 0; i < b.Len(); i++ {
		idx := b.FirstIndex + uint64(i)
		ts := s.startedAt.Add(time.Duration(idx) * interval)
		for ci, ch := range b.Channels {
			raw := b.Counts[ci][i]
			out = append(out, domain.Sample{
				ChannelID: ch,
				Timestamp: ts,
				Index:     idx,
				Raw:       raw,
				Volts:     calib.ToVoltage(int32(raw), b.FullScale(ci, s.cc.channels[ch].Range.Volts), s.dev.caps.MaxCount),
			})
		}
	}
	return out
}

// deliver is the streaming callback. It runs on the driver's goroutine,
// copies the block into the queue and returns; it never calls into sinks.
func (s *Session) deliver(d ports.Delivery) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.gateOpen || s.faulted.Load() {
		return
	}

	if d.Err != nil {
		s.faultFromDelivery(classify("stream", d.Err))
		return
	}
	if d.Block == nil {
		return
	}
	if err := validateBlock(d.Block, s.dev.caps.Channels, nil); err != nil {
		s.faultFromDelivery(err)
		return
	}

	b := d.Block.Clone()
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = s.now()
	}
	// ranges only change while the gate is closed
	b.RangeVolts = s.rangesOf(b.Channels)
	switch {
	case b.FirstIndex > s.expected:
		s.queue.Note(domain.OverflowEvent{
			Cause:      domain.OverflowDeviceGap,
			Lost:       (b.FirstIndex - s.expected) * uint64(len(b.Channels)),
			FirstIndex: s.expected,
			DetectedAt: b.ReceivedAt,
		})
	case b.FirstIndex < s.expected:
		s.faultFromDelivery(errorf(KindDriverFault, "stream", "block index %d behind expected %d", b.FirstIndex, s.expected))
		return
	}
	s.expected = b.FirstIndex + uint64(b.Len())
	s.queue.Push(b)
}

// stopLate halts a driver that accepted a start after the session gave up
// waiting for it.
func (s *Session) stopLate() {
	if err := s.dev.unit.Stop(); err != nil {
		s.log.Warn("stop after late start failed", "err", err)
		return
	}
	s.log.Warn("driver started after timeout, stopped it")
}

// rangesOf snapshots the full scale of each channel.
func (s *Session) rangesOf(channels []domain.ChannelID) []float64 {
	out := make([]float64, len(channels))
	for i, ch := range channels {
		if int(ch) < len(s.cc.channels) {
			out[i] = s.cc.channels[ch].Range.Volts
		}
	}
	return out
}

func validateBlock(b *domain.Block, channels int, want []domain.ChannelID) error {
	const op = "stream"
	if b == nil {
		return errorf(KindDriverFault, op, "driver returned no block")
	}
	if len(b.Counts) != len(b.Channels) {
		return errorf(KindDriverFault, op, "block has %d channels but %d buffers", len(b.Channels), len(b.Counts))
	}
	n := b.Len()
	for i, c := range b.Counts {
		if len(c) != n {
			return errorf(KindDriverFault, op, "channel %s has %d samples, expected %d", b.Channels[i], len(c), n)
		}
	}
	for _, ch := range b.Channels {
		if int(ch) >= channels {
			return errorf(KindDriverFault, op, "block references channel %d", ch)
		}
	}
	if want != nil && len(want) != len(b.Channels) {
		return errorf(KindDriverFault, op, "block has %d channels, %d enabled", len(b.Channels), len(want))
	}
	return nil
}

// faultFromDelivery marks the session Faulted from inside a callback. The
// gate is held shared here, so closing it is left to a separate goroutine.
func (s *Session) faultFromDelivery(err error) {
	if !s.faulted.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.faultLocked(err)
	s.mu.Unlock()
	go s.teardown()
}

// fail marks the session Faulted from a caller goroutine.
func (s *Session) fail(err error) {
	s.faulted.Store(true)
	s.mu.Lock()
	s.faultLocked(err)
	s.mu.Unlock()
	s.teardown()
}

func (s *Session) faultLocked(err error) {
	if s.state == domain.StateFaulted || s.state == domain.StateStopped {
		return
	}
	s.state = domain.StateFaulted
	s.fault = err
	s.log.Error("session faulted", "err", err)
}

// teardown halts the driver after a fault, closes the gate and frees the
// device for a new session.
func (s *Session) teardown() {
	_ = callWithTimeout(context.Background(), s.cfg.StopTimeout, s.dev.unit.Stop, nil)
	s.closeGate()
	s.dev.detach(s)
}

func (s *Session) closeGate() {
	s.gate.Lock()
	s.gateOpen = false
	s.gate.Unlock()
}

// Stop halts acquisition and waits until no delivery callback can touch
// the queue any more. Stopping a Stopped or Faulted session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	const op = "stop"
	s.mu.Lock()
	switch s.state {
	case domain.StateStopped, domain.StateFaulted, domain.StateStopping:
		s.mu.Unlock()
		return nil
	case domain.StateIdle, domain.StateConfigured:
		s.state = domain.StateStopped
		s.mu.Unlock()
		s.closeGate()
		s.dev.detach(s)
		s.log.Info("session stopped")
		return nil
	}
	s.state = domain.StateStopping
	cancel, done := s.blockCancel, s.blockDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	err := callWithTimeout(ctx, s.cfg.StopTimeout, s.dev.unit.Stop, nil)
	s.closeGate()

	if err != nil {
		err = classify(op, err)
		s.faulted.Store(true)
		s.mu.Lock()
		s.faultLocked(err)
		s.mu.Unlock()
		s.dev.detach(s)
		return err
	}

	s.mu.Lock()
	if s.state == domain.StateStopping {
		s.state = domain.StateStopped
	}
	s.mu.Unlock()
	s.dev.detach(s)
	s.log.Info("session stopped", "queue", s.queue.Stats())
	return nil
}
