//go:build ps2000 && cgo

package ps2000

/*
#cgo LDFLAGS: -lps2000
#include <stdint.h>

int16_t ps2000_open_unit(void);
int16_t ps2000_close_unit(int16_t handle);
int16_t ps2000_get_unit_info(int16_t handle, int8_t *string, int16_t string_length, int16_t line);
int16_t ps2000_set_channel(int16_t handle, int16_t channel, int16_t enabled, int16_t dc, int16_t range);
int16_t ps2000_set_trigger(int16_t handle, int16_t source, int16_t threshold, int16_t direction,
	int16_t delay, int16_t auto_trigger_ms);
int32_t ps2000_set_ets(int16_t handle, int16_t mode, int16_t ets_cycles, int16_t ets_interleave);
int16_t ps2000_get_timebase(int16_t handle, int16_t timebase, int32_t no_of_samples,
	int32_t *time_interval, int16_t *time_units, int16_t oversample, int32_t *max_samples);
int16_t ps2000_run_block(int16_t handle, int32_t no_of_values, int16_t timebase,
	int16_t oversample, int32_t *time_indisposed_ms);
int16_t ps2000_ready(int16_t handle);
int32_t ps2000_get_values(int16_t handle, int16_t *buffer_a, int16_t *buffer_b,
	int16_t *buffer_c, int16_t *buffer_d, int16_t *overflow, int32_t no_of_values);
int16_t ps2000_stop(int16_t handle);
int16_t ps2000PingUnit(int16_t handle);
int16_t ps2000_run_streaming_ns(int16_t handle, uint32_t sample_interval, int32_t time_units,
	uint32_t max_samples, int16_t auto_stop, uint32_t noOfSamplesPerAggregate,
	uint32_t overview_buffer_size);
int16_t picoscope_poll_streaming(int16_t handle);
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ilyaradko/PicoScope/internal/adapters/usbprobe"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

const (
	infoDriverVersion = 0
	infoModel         = 3
	infoSerial        = 4
	infoCalibration   = 5
	infoErrorCode     = 6

	timeUnitsNS        = 2
	overviewBufferSize = 1 << 16
)

// Driver opens units through libps2000.
type Driver struct {
	opts Options
	// the library is not safe for concurrent opens
	mu sync.Mutex
}

func New(opts Options) *Driver {
	opts.applyDefaults()
	return &Driver{opts: opts}
}

func (d *Driver) Name() string { return "ps2000" }

// Open opens units until one matches selector; the others are closed again.
func (d *Driver) Open(ctx context.Context, selector string) (ports.Unit, error) {
	if d.opts.ProbeUSB {
		if _, err := usbprobe.Probe(selector); err != nil {
			if errors.Is(err, usbprobe.ErrNoUnits) {
				return nil, fmt.Errorf("%w: %v", ports.ErrUnitNotFound, err)
			}
			if selector != "" && strings.Contains(err.Error(), "no unit with serial") {
				return nil, fmt.Errorf("%w: %v", ports.ErrUnitNotFound, err)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var skipped []C.int16_t
	defer func() {
		for _, h := range skipped {
			C.ps2000_close_unit(h)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := C.ps2000_open_unit()
		switch {
		case h == 0 && len(skipped) == 0:
			return nil, ports.ErrUnitNotFound
		case h == 0:
			return nil, fmt.Errorf("%w: no unit with serial %q", ports.ErrUnitNotFound, selector)
		case h < 0:
			return nil, fmt.Errorf("%w: ps2000_open_unit failed", ports.ErrUnitInUse)
		}
		u := &Unit{handle: h, poll: d.opts.PollInterval}
		if selector == "" || strings.EqualFold(u.info(infoSerial), selector) {
			return u, nil
		}
		skipped = append(skipped, h)
	}
}

// Unit is one open ps2000 handle. Every library call is serialised on mu.
type Unit struct {
	handle C.int16_t
	poll   time.Duration

	mu       sync.Mutex
	channels [4]struct {
		enabled bool
		rng     domain.Range
	}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (u *Unit) info(line int) string {
	var buf [256]C.int8_t
	n := C.ps2000_get_unit_info(u.handle, &buf[0], C.int16_t(len(buf)), C.int16_t(line))
	if n <= 0 {
		return ""
	}
	return C.GoStringN((*C.char)(unsafe.Pointer(&buf[0])), C.int(n))
}

func (u *Unit) fail(call string) error {
	code := strings.TrimSpace(u.info(infoErrorCode))
	n, err := strconv.Atoi(code)
	if err != nil {
		return fmt.Errorf("ps2000: %s failed", call)
	}
	if n == 3 || n == 5 {
		return fmt.Errorf("ps2000: %s failed: %s: %w", call, unitErrors[n], ports.ErrDisconnected)
	}
	return fmt.Errorf("ps2000: %s failed: %s", call, unitErrors[n])
}

func (u *Unit) Info() (domain.UnitInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	info := domain.UnitInfo{
		Model:           u.info(infoModel),
		Serial:          u.info(infoSerial),
		CalibrationDate: u.info(infoCalibration),
		DriverVersion:   u.info(infoDriverVersion),
	}
	if info.Model == "" {
		return info, u.fail("get_unit_info")
	}
	return info, nil
}

func (u *Unit) MaxADC() (int32, error) { return maxADC, nil }

// Channels probes channel C; two-channel models reject it.
func (u *Unit) Channels() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if C.ps2000_set_channel(u.handle, 2, 0, 1, 10) == 0 {
		return 2, nil
	}
	return 4, nil
}

// Ranges probes every range code on channel A and keeps what the unit
// accepts.
func (u *Unit) Ranges() ([]domain.Range, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []domain.Range
	for code, r := range rangeTable {
		if C.ps2000_set_channel(u.handle, 0, 0, 1, C.int16_t(code)) != 0 {
			out = append(out, domain.Range{Code: int16(code), Label: r.label, Volts: r.volts})
		}
	}
	if len(out) == 0 {
		return nil, u.fail("set_channel")
	}
	return out, nil
}

// Timebases enumerates timebases with one and with two channels enabled;
// those only valid with one are marked single-channel.
func (u *Unit) Timebases() ([]domain.Timebase, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	single := u.enumerate(1)
	dual := u.enumerate(2)
	C.ps2000_set_channel(u.handle, 0, 0, 1, 10)
	C.ps2000_set_channel(u.handle, 1, 0, 1, 10)

	var out []domain.Timebase
	for tb := 0; tb <= maxTimebase; tb++ {
		ns, ok := single[tb]
		if !ok {
			continue
		}
		t := domain.Timebase{Index: tb, IntervalNanos: ns}
		if _, both := dual[tb]; !both {
			t.MaxChannels = 1
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, u.fail("get_timebase")
	}
	return out, nil
}

func (u *Unit) enumerate(enabled int) map[int]int64 {
	for ch := 0; ch < 2; ch++ {
		on := C.int16_t(0)
		if ch < enabled {
			on = 1
		}
		C.ps2000_set_channel(u.handle, C.int16_t(ch), on, 1, 10)
	}
	out := make(map[int]int64)
	for tb := 0; tb <= maxTimebase; tb++ {
		var interval, maxSamples C.int32_t
		var units C.int16_t
		if C.ps2000_get_timebase(u.handle, C.int16_t(tb), 1000, &interval, &units, 1, &maxSamples) != 0 && interval > 0 {
			out[tb] = int64(interval)
		}
	}
	return out
}

func (u *Unit) SetChannel(ch domain.ChannelID, enabled bool, rng domain.Range, coupling domain.Coupling) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ch) >= len(u.channels) {
		return fmt.Errorf("ps2000: channel %s", ch)
	}
	on, dc := C.int16_t(0), C.int16_t(1)
	if enabled {
		on = 1
	}
	if coupling == domain.CouplingAC {
		dc = 0
	}
	if C.ps2000_set_channel(u.handle, C.int16_t(ch), on, dc, C.int16_t(rng.Code)) == 0 {
		return u.fail("set_channel")
	}
	u.channels[ch].enabled = enabled
	u.channels[ch].rng = rng
	return nil
}

func (u *Unit) SetTrigger(t *domain.Trigger) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	source, threshold, direction, delay, auto := C.int16_t(triggerNone), C.int16_t(0), C.int16_t(0), C.int16_t(0), C.int16_t(0)
	if t != nil {
		switch t.Direction {
		case domain.TriggerRising:
		case domain.TriggerFalling:
			direction = 1
		default:
			return fmt.Errorf("ps2000: trigger direction %s: %w", t.Direction, ports.ErrNotSupported)
		}
		source = C.int16_t(t.Channel)
		threshold = C.int16_t(t.ThresholdCounts)
		delay = C.int16_t(t.DelayPercent)
		auto = C.int16_t(t.AutoTrigger / time.Millisecond)
	}
	if C.ps2000_set_trigger(u.handle, source, threshold, direction, delay, auto) == 0 {
		return u.fail("set_trigger")
	}
	C.ps2000_set_ets(u.handle, 0, 0, 0)
	return nil
}

func (u *Unit) RunBlock(req ports.BlockRequest) (time.Duration, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var indisposed C.int32_t
	if C.ps2000_run_block(u.handle, C.int32_t(req.Samples), C.int16_t(req.Timebase), C.int16_t(req.Oversample), &indisposed) == 0 {
		return 0, u.fail("run_block")
	}
	return time.Duration(indisposed) * time.Millisecond, nil
}

func (u *Unit) Ready() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := C.ps2000_ready(u.handle)
	if r < 0 {
		return false, fmt.Errorf("ps2000: ready: %w", ports.ErrDisconnected)
	}
	return r > 0, nil
}

func (u *Unit) Values(channels []domain.ChannelID, n int) (*domain.Block, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var bufs [4][]C.int16_t
	var ptrs [4]*C.int16_t
	for _, ch := range channels {
		bufs[ch] = make([]C.int16_t, n)
		ptrs[ch] = &bufs[ch][0]
	}
	var overflow C.int16_t
	got := C.ps2000_get_values(u.handle, ptrs[0], ptrs[1], ptrs[2], ptrs[3], &overflow, C.int32_t(n))
	if got <= 0 {
		return nil, u.fail("get_values")
	}

	b := &domain.Block{
		Channels:   append([]domain.ChannelID(nil), channels...),
		Counts:     make([][]int16, len(channels)),
		OverRange:  uint16(overflow),
		ReceivedAt: time.Now(),
	}
	for i, ch := range channels {
		counts := make([]int16, got)
		for j := range counts {
			counts[j] = int16(bufs[ch][j])
		}
		b.Counts[i] = counts
	}
	return b, nil
}

func (u *Unit) StartStreaming(req ports.StreamRequest, deliver ports.DeliveryFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		return errors.New("ps2000: already streaming")
	}
	st, err := claimStream(req, deliver)
	if err != nil {
		return err
	}
	ok := C.ps2000_run_streaming_ns(u.handle, C.uint32_t(req.IntervalNanos), timeUnitsNS,
		C.uint32_t(req.BlockSize*4), 0, 1, overviewBufferSize)
	if ok == 0 {
		releaseStream(st)
		return u.fail("run_streaming_ns")
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.wg.Add(1)
	go u.pollStream(ctx, st)
	return nil
}

// pollStream fetches buffered values; the library invokes
// goStreamingCallback synchronously from inside the poll call.
func (u *Unit) pollStream(ctx context.Context, st *stream) {
	defer u.wg.Done()
	defer releaseStream(st)

	ticker := time.NewTicker(u.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		u.mu.Lock()
		ok := C.picoscope_poll_streaming(u.handle)
		var err error
		if ok == 0 && C.ps2000PingUnit(u.handle) == 0 {
			err = fmt.Errorf("ps2000: streaming: %w", ports.ErrDisconnected)
		}
		u.mu.Unlock()

		if err != nil {
			st.deliver(ports.Delivery{Err: err})
			return
		}
		st.flush()
	}
}

// Stop ends block or streaming acquisition and joins the poller.
func (u *Unit) Stop() error {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
		u.wg.Wait()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if C.ps2000_stop(u.handle) == 0 {
		return u.fail("stop")
	}
	return nil
}

func (u *Unit) Ping() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if C.ps2000PingUnit(u.handle) == 0 {
		return fmt.Errorf("ps2000: ping: %w", ports.ErrDisconnected)
	}
	return nil
}

func (u *Unit) Close() error {
	_ = u.Stop()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handle <= 0 {
		return nil
	}
	C.ps2000_close_unit(u.handle)
	u.handle = 0
	return nil
}

var _ ports.Unit = (*Unit)(nil)
