// Package sim is an in-process stand-in for a PicoScope 2204A. It reports
// the real unit's ranges, timebases and ADC scale, synthesises waveforms and
// can inject gaps and disconnects.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

const (
	MaxADC       int32 = 32767
	maxTimebase        = 23
	baseInterval       = 10 // ns at timebase 0
	minTick            = time.Millisecond
)

// Ranges lists the 2204A input ranges with their driver codes.
var Ranges = []domain.Range{
	{Code: 2, Label: "50mV", Volts: 0.05},
	{Code: 3, Label: "100mV", Volts: 0.1},
	{Code: 4, Label: "200mV", Volts: 0.2},
	{Code: 5, Label: "500mV", Volts: 0.5},
	{Code: 6, Label: "1V", Volts: 1},
	{Code: 7, Label: "2V", Volts: 2},
	{Code: 8, Label: "5V", Volts: 5},
	{Code: 9, Label: "10V", Volts: 10},
	{Code: 10, Label: "20V", Volts: 20},
}

// Timebases returns interval 10ns*2^i for each timebase; timebase 0 only
// runs with a single channel enabled.
func Timebases() []domain.Timebase {
	out := make([]domain.Timebase, 0, maxTimebase+1)
	for i := 0; i <= maxTimebase; i++ {
		tb := domain.Timebase{Index: i, IntervalNanos: baseInterval << i}
		if i == 0 {
			tb.MaxChannels = 1
		}
		out = append(out, tb)
	}
	return out
}

// Waveform returns the input voltage of ch at offset t into the capture.
type Waveform func(ch domain.ChannelID, t time.Duration) float64

// Sine is a sine of amplitude volts at hz around offset, phase shifted per
// channel.
func Sine(offset, amplitude, hz float64) Waveform {
	return func(ch domain.ChannelID, t time.Duration) float64 {
		phase := float64(ch) * math.Pi / 2
		return offset + amplitude*math.Sin(2*math.Pi*hz*t.Seconds()+phase)
	}
}

// Constant holds every channel at v.
func Constant(v float64) Waveform {
	return func(domain.ChannelID, time.Duration) float64 { return v }
}

// UnitConfig describes one simulated unit.
type UnitConfig struct {
	Serial   string
	Model    string
	Channels int
	Waveform Waveform
	// Noise is the standard deviation of added gaussian noise in volts.
	Noise float64
	Seed  int64
	// DropEvery skips one block of stream indices every n blocks.
	DropEvery int
	// FailAfterBlocks reports a disconnect after n streamed blocks.
	FailAfterBlocks int
}

func (c *UnitConfig) applyDefaults() {
	if c.Serial == "" {
		c.Serial = "SIM0001"
	}
	if c.Model == "" {
		c.Model = "2204A"
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.Waveform == nil {
		c.Waveform = Sine(0.5, 0.25, 5)
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// Driver serves simulated units by serial.
type Driver struct {
	mu     sync.Mutex
	units  map[string]UnitConfig
	order  []string
	opened map[string]*Unit
}

// New returns a driver with the given units, or one default unit.
func New(units ...UnitConfig) *Driver {
	if len(units) == 0 {
		units = []UnitConfig{{}}
	}
	d := &Driver{
		units:  make(map[string]UnitConfig, len(units)),
		opened: make(map[string]*Unit),
	}
	for _, u := range units {
		u.applyDefaults()
		d.units[u.Serial] = u
		d.order = append(d.order, u.Serial)
	}
	sort.Strings(d.order)
	return d
}

func (d *Driver) Name() string { return "sim" }

// Serials lists the simulated units.
func (d *Driver) Serials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func (d *Driver) Open(ctx context.Context, selector string) (ports.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	serial := selector
	if serial == "" {
		for _, s := range d.order {
			if d.opened[s] == nil {
				serial = s
				break
			}
		}
		if serial == "" {
			return nil, ports.ErrUnitInUse
		}
	}
	cfg, ok := d.units[serial]
	if !ok {
		return nil, fmt.Errorf("%w: serial %q", ports.ErrUnitNotFound, serial)
	}
	if d.opened[serial] != nil {
		return nil, ports.ErrUnitInUse
	}
	u := newUnit(d, cfg)
	d.opened[serial] = u
	return u, nil
}

// Unit returns the open unit with serial, for fault injection.
func (d *Driver) Unit(serial string) *Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[serial]
}

func (d *Driver) release(serial string) {
	d.mu.Lock()
	delete(d.opened, serial)
	d.mu.Unlock()
}

type channelState struct {
	enabled  bool
	rng      domain.Range
	coupling domain.Coupling
}

// Unit is one open simulated scope.
type Unit struct {
	drv *Driver
	cfg UnitConfig

	mu           sync.Mutex
	rnd          *rand.Rand
	channels     []channelState
	trigger      *domain.Trigger
	closed       bool
	disconnected bool

	armed   bool
	armedAt time.Time
	busy    time.Duration
	block   ports.BlockRequest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newUnit(d *Driver, cfg UnitConfig) *Unit {
	u := &Unit{
		drv:      d,
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		channels: make([]channelState, cfg.Channels),
	}
	for i := range u.channels {
		u.channels[i].rng = Ranges[len(Ranges)-1]
	}
	return u
}

func (u *Unit) check() error {
	if u.closed {
		return errors.New("sim: unit closed")
	}
	if u.disconnected {
		return ports.ErrDisconnected
	}
	return nil
}

func (u *Unit) Info() (domain.UnitInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return domain.UnitInfo{}, err
	}
	return domain.UnitInfo{
		Model:           u.cfg.Model,
		Serial:          u.cfg.Serial,
		CalibrationDate: "01Jan24",
		DriverVersion:   "sim",
	}, nil
}

func (u *Unit) MaxADC() (int32, error) { return MaxADC, nil }

func (u *Unit) Channels() (int, error) { return u.cfg.Channels, nil }

func (u *Unit) Ranges() ([]domain.Range, error) {
	return append([]domain.Range(nil), Ranges...), nil
}

func (u *Unit) Timebases() ([]domain.Timebase, error) { return Timebases(), nil }

func (u *Unit) SetChannel(ch domain.ChannelID, enabled bool, rng domain.Range, coupling domain.Coupling) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return err
	}
	if int(ch) >= len(u.channels) {
		return fmt.Errorf("sim: channel %s not present", ch)
	}
	u.channels[ch] = channelState{enabled: enabled, rng: rng, coupling: coupling}
	return nil
}

func (u *Unit) SetTrigger(t *domain.Trigger) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return err
	}
	if t != nil {
		c := *t
		u.trigger = &c
	} else {
		u.trigger = nil
	}
	return nil
}

func (u *Unit) RunBlock(req ports.BlockRequest) (time.Duration, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return 0, err
	}
	if req.Samples <= 0 {
		return 0, fmt.Errorf("sim: block of %d samples", req.Samples)
	}
	if req.Timebase < 0 || req.Timebase > maxTimebase {
		return 0, fmt.Errorf("sim: timebase %d out of range", req.Timebase)
	}
	if req.Oversample <= 0 {
		req.Oversample = 1
	}
	u.block = req
	u.armed = true
	u.armedAt = time.Now()
	u.busy = time.Duration(int64(req.Samples)*int64(req.Oversample)) * interval(req.Timebase)
	return u.busy, nil
}

func (u *Unit) Ready() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return false, err
	}
	if !u.armed {
		return false, errors.New("sim: no capture armed")
	}
	return time.Since(u.armedAt) >= u.busy, nil
}

func (u *Unit) Values(channels []domain.ChannelID, n int) (*domain.Block, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return nil, err
	}
	if !u.armed {
		return nil, errors.New("sim: no capture armed")
	}
	if n > u.block.Samples {
		n = u.block.Samples
	}
	b := &domain.Block{
		Channels: append([]domain.ChannelID(nil), channels...),
		Counts:   make([][]int16, len(channels)),
	}
	for i := range channels {
		b.Counts[i] = make([]int16, n)
	}
	u.fill(b, 0, interval(u.block.Timebase), u.block.Oversample)
	b.ReceivedAt = time.Now()
	return b, nil
}

func (u *Unit) StartStreaming(req ports.StreamRequest, deliver ports.DeliveryFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return err
	}
	if u.cancel != nil {
		return errors.New("sim: already streaming")
	}
	if req.BlockSize <= 0 || len(req.Channels) == 0 {
		return fmt.Errorf("sim: invalid stream request %+v", req)
	}
	step := time.Duration(req.IntervalNanos)
	if step <= 0 {
		step = interval(req.Timebase)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.wg.Add(1)
	go u.stream(ctx, req, step, deliver)
	return nil
}

// stream delivers one block per tick, reusing its buffers like a real
// driver does.
func (u *Unit) stream(ctx context.Context, req ports.StreamRequest, step time.Duration, deliver ports.DeliveryFunc) {
	defer u.wg.Done()

	period := step * time.Duration(req.BlockSize)
	if period < minTick {
		period = minTick
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	b := &domain.Block{
		Channels: append([]domain.ChannelID(nil), req.Channels...),
		Counts:   make([][]int16, len(req.Channels)),
	}
	for i := range b.Counts {
		b.Counts[i] = make([]int16, req.BlockSize)
	}

	var next uint64
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		u.mu.Lock()
		lost := u.disconnected || (u.cfg.FailAfterBlocks > 0 && n > u.cfg.FailAfterBlocks)
		if lost {
			u.disconnected = true
			u.mu.Unlock()
			deliver(ports.Delivery{Err: ports.ErrDisconnected})
			return
		}
		if u.cfg.DropEvery > 0 && n%u.cfg.DropEvery == 0 {
			next += uint64(req.BlockSize)
		}
		b.FirstIndex = next
		b.OverRange = 0
		u.fill(b, time.Duration(next)*step, step, 1)
		u.mu.Unlock()

		b.ReceivedAt = time.Now()
		deliver(ports.Delivery{Block: b})
		next += uint64(req.BlockSize)
	}
}

// fill synthesises counts for b. Caller holds u.mu.
func (u *Unit) fill(b *domain.Block, start, step time.Duration, oversample int) {
	for ci, ch := range b.Channels {
		st := channelState{rng: Ranges[len(Ranges)-1]}
		if int(ch) < len(u.channels) {
			st = u.channels[ch]
		}
		for i := range b.Counts[ci] {
			v := u.cfg.Waveform(ch, start+time.Duration(i)*step)
			if st.coupling == domain.CouplingAC {
				v -= u.cfg.Waveform(ch, 0)
			}
			if u.cfg.Noise > 0 {
				v += u.rnd.NormFloat64() * u.cfg.Noise / math.Sqrt(float64(oversample))
			}
			counts := math.Round(v / st.rng.Volts * float64(MaxADC))
			if counts > float64(MaxADC) || counts < -float64(MaxADC) {
				b.OverRange |= 1 << uint(ch)
				counts = math.Max(-float64(MaxADC), math.Min(float64(MaxADC), counts))
			}
			b.Counts[ci][i] = int16(counts)
		}
	}
}

// Stop halts acquisition and waits for the streaming goroutine, so no
// delivery happens after it returns.
func (u *Unit) Stop() error {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.armed = false
	u.mu.Unlock()

	if cancel != nil {
		cancel()
		u.wg.Wait()
	}
	return nil
}

func (u *Unit) Ping() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.check()
}

// Disconnect makes every further call fail as if the cable was pulled.
func (u *Unit) Disconnect() {
	u.mu.Lock()
	u.disconnected = true
	u.mu.Unlock()
}

func (u *Unit) Close() error {
	_ = u.Stop()
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	u.drv.release(u.cfg.Serial)
	return nil
}

func interval(tb int) time.Duration {
	return time.Duration(int64(baseInterval) << tb)
}

var _ ports.Driver = (*Driver)(nil)
var _ ports.Unit = (*Unit)(nil)
