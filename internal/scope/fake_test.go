package scope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

var testRanges = []domain.Range{
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

type fakeDriver struct {
	unit      *fakeUnit
	openErr   error
	openDelay time.Duration
	opens     atomic.Int32
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context, selector string) (ports.Unit, error) {
	d.opens.Add(1)
	if d.openDelay > 0 {
		time.Sleep(d.openDelay)
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	if selector != "" && selector != d.unit.info.Serial {
		return nil, ports.ErrUnitNotFound
	}
	return d.unit, nil
}

type fakeUnit struct {
	mu        sync.Mutex
	info      domain.UnitInfo
	maxADC    int32
	channels  int
	ranges    []domain.Range
	timebases []domain.Timebase

	set     map[domain.ChannelID]domain.Channel
	trigger *domain.Trigger

	deliver    ports.DeliveryFunc
	streamReq  ports.StreamRequest
	startErr   error
	startBlock chan struct{}
	stopCalls  int
	stopErr    error
	stopBlock  chan struct{}

	blockReq    ports.BlockRequest
	busy        time.Duration
	readyAfter  int
	readyPolls  int
	neverReady  bool
	valueCounts []int16

	closed int
}

func newFakeUnit(serial string) *fakeUnit {
	return &fakeUnit{
		info:     domain.UnitInfo{Model: "2204A", Serial: serial, CalibrationDate: "01Jan20", DriverVersion: "test"},
		maxADC:   32767,
		channels: 2,
		ranges:   testRanges,
		timebases: []domain.Timebase{
			{Index: 0, IntervalNanos: 10, MaxChannels: 1},
			{Index: 1, IntervalNanos: 20},
			{Index: 2, IntervalNanos: 40},
			{Index: 10, IntervalNanos: 10240},
		},
		set: make(map[domain.ChannelID]domain.Channel),
	}
}

func (u *fakeUnit) Info() (domain.UnitInfo, error) { return u.info, nil }
func (u *fakeUnit) MaxADC() (int32, error)         { return u.maxADC, nil }
func (u *fakeUnit) Channels() (int, error)         { return u.channels, nil }
func (u *fakeUnit) Ranges() ([]domain.Range, error) {
	return u.ranges, nil
}
func (u *fakeUnit) Timebases() ([]domain.Timebase, error) {
	return u.timebases, nil
}

func (u *fakeUnit) SetChannel(ch domain.ChannelID, enabled bool, rng domain.Range, coupling domain.Coupling) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.set[ch] = domain.Channel{ID: ch, Enabled: enabled, Range: rng, Coupling: coupling}
	return nil
}

func (u *fakeUnit) SetTrigger(t *domain.Trigger) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.trigger = t
	return nil
}

func (u *fakeUnit) RunBlock(req ports.BlockRequest) (time.Duration, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blockReq = req
	u.readyPolls = 0
	return u.busy, nil
}

func (u *fakeUnit) Ready() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.neverReady {
		return false, nil
	}
	u.readyPolls++
	return u.readyPolls > u.readyAfter, nil
}

func (u *fakeUnit) Values(channels []domain.ChannelID, n int) (*domain.Block, error) {
	b := &domain.Block{Channels: channels}
	for range channels {
		counts := make([]int16, n)
		copy(counts, u.valueCounts)
		b.Counts = append(b.Counts, counts)
	}
	return b, nil
}

func (u *fakeUnit) StartStreaming(req ports.StreamRequest, deliver ports.DeliveryFunc) error {
	if u.startBlock != nil {
		<-u.startBlock
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.startErr != nil {
		return u.startErr
	}
	u.streamReq = req
	u.deliver = deliver
	return nil
}

func (u *fakeUnit) Stop() error {
	if u.stopBlock != nil {
		<-u.stopBlock
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopCalls++
	return u.stopErr
}

func (u *fakeUnit) Ping() error { return nil }

func (u *fakeUnit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed++
	return nil
}

// emit plays the driver's delivery goroutine. It keeps calling the
// registered callback even after Stop, like a misbehaving driver would.
func (u *fakeUnit) emit(d ports.Delivery) {
	u.mu.Lock()
	fn := u.deliver
	u.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func testBlock(first uint64, n int, channels ...domain.ChannelID) *domain.Block {
	b := &domain.Block{FirstIndex: first, Channels: channels}
	for range channels {
		counts := make([]int16, n)
		for i := range counts {
			counts[i] = int16(first) + int16(i)
		}
		b.Counts = append(b.Counts, counts)
	}
	return b
}

var serialSeq atomic.Int32

func openFake(t *testing.T) (*Device, *fakeUnit) {
	t.Helper()
	u := newFakeUnit(fmt.Sprintf("FAKE%04d", serialSeq.Add(1)))
	dev, err := Open(context.Background(), &fakeDriver{unit: u}, u.info.Serial, OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev, u
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
