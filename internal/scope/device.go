package scope

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// OpenOptions tune Open. The zero value is usable.
type OpenOptions struct {
	// Timeout bounds the driver open call; zero means only ctx applies.
	Timeout time.Duration
	// StopTimeout bounds the forced stop Close performs on an active
	// session. Defaults to 5s.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// registry enforces one live handle per physical unit.
var registry = struct {
	sync.Mutex
	units map[string]*Device
}{units: make(map[string]*Device)}

func registryKey(driver, id string) string {
	return driver + "/" + id
}

// Device is an open handle to one physical unit.
type Device struct {
	driver   string
	selector string
	unit     ports.Unit
	caps     domain.Capabilities
	log      *slog.Logger
	stopWait time.Duration
	keys     []string

	mu      sync.Mutex
	closed  bool
	session *Session
}

// Open opens the unit matching selector through drv, validates everything
// the driver reports about it and registers the handle. Opening a unit that
// already has a live handle fails with Busy.
func Open(ctx context.Context, drv ports.Driver, selector string, opts OpenOptions) (*Device, error) {
	const op = "open"
	if drv == nil {
		return nil, errorf(KindDriverFault, op, "no driver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	if selector != "" {
		registry.Lock()
		_, taken := registry.units[registryKey(drv.Name(), selector)]
		registry.Unlock()
		if taken {
			return nil, errorf(KindBusy, op, "unit %q already open", selector)
		}
	}

	var unit ports.Unit
	err := callWithTimeout(ctx, opts.Timeout, func() error {
		u, err := drv.Open(ctx, selector)
		unit = u
		return err
	}, func() {
		// the driver finished after we gave up on it
		if unit != nil {
			_ = unit.Close()
		}
	})
	if err != nil {
		return nil, classify(op, err)
	}

	caps, err := readCapabilities(unit)
	if err != nil {
		_ = unit.Close()
		return nil, err
	}

	d := &Device{
		driver:   drv.Name(),
		selector: selector,
		unit:     unit,
		caps:     caps,
		log:      logger.With("driver", drv.Name(), "serial", caps.Serial),
		stopWait: opts.StopTimeout,
	}

	registry.Lock()
	keys := []string{registryKey(d.driver, caps.Serial)}
	if selector != "" && selector != caps.Serial {
		keys = append(keys, registryKey(d.driver, selector))
	}
	for _, k := range keys {
		if _, taken := registry.units[k]; taken {
			registry.Unlock()
			_ = unit.Close()
			return nil, errorf(KindBusy, op, "unit %q already open", caps.Serial)
		}
	}
	for _, k := range keys {
		registry.units[k] = d
	}
	d.keys = keys
	registry.Unlock()

	d.log.Info("device opened",
		"model", caps.Model,
		"calibration_date", caps.CalibrationDate,
		"driver_version", caps.DriverVersion,
		"max_count", caps.MaxCount,
		"channels", caps.Channels,
		"ranges", len(caps.Ranges),
		"timebases", len(caps.Timebases),
	)
	return d, nil
}

func readCapabilities(u ports.Unit) (domain.Capabilities, error) {
	const op = "open"
	var caps domain.Capabilities

	info, err := u.Info()
	if err != nil {
		return caps, classify(op, err)
	}
	maxCount, err := u.MaxADC()
	if err != nil {
		return caps, classify(op, err)
	}
	if maxCount <= 0 {
		return caps, errorf(KindDriverFault, op, "driver reported max count %d", maxCount)
	}
	channels, err := u.Channels()
	if err != nil {
		return caps, classify(op, err)
	}
	if channels < 1 || channels > domain.MaxChannels {
		return caps, errorf(KindDriverFault, op, "driver reported %d channels", channels)
	}

	ranges, err := u.Ranges()
	if err != nil {
		return caps, classify(op, err)
	}
	if len(ranges) == 0 {
		return caps, errorf(KindDriverFault, op, "driver reported no ranges")
	}
	ranges = append([]domain.Range(nil), ranges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Volts < ranges[j].Volts })
	seenCode := make(map[int16]bool, len(ranges))
	for _, r := range ranges {
		if !(r.Volts > 0) {
			return caps, errorf(KindDriverFault, op, "range %q has full scale %v", r.Label, r.Volts)
		}
		if seenCode[r.Code] {
			return caps, errorf(KindDriverFault, op, "duplicate range code %d", r.Code)
		}
		seenCode[r.Code] = true
	}

	timebases, err := u.Timebases()
	if err != nil {
		return caps, classify(op, err)
	}
	if len(timebases) == 0 {
		return caps, errorf(KindDriverFault, op, "driver reported no timebases")
	}
	timebases = append([]domain.Timebase(nil), timebases...)
	sort.Slice(timebases, func(i, j int) bool {
		if timebases[i].IntervalNanos == timebases[j].IntervalNanos {
			return timebases[i].Index < timebases[j].Index
		}
		return timebases[i].IntervalNanos < timebases[j].IntervalNanos
	})
	seenIndex := make(map[int]bool, len(timebases))
	for _, tb := range timebases {
		if tb.IntervalNanos <= 0 {
			return caps, errorf(KindDriverFault, op, "timebase %d has interval %dns", tb.Index, tb.IntervalNanos)
		}
		if tb.MaxChannels < 0 {
			return caps, errorf(KindDriverFault, op, "timebase %d has max channels %d", tb.Index, tb.MaxChannels)
		}
		if seenIndex[tb.Index] {
			return caps, errorf(KindDriverFault, op, "duplicate timebase index %d", tb.Index)
		}
		seenIndex[tb.Index] = true
	}

	caps = domain.Capabilities{
		UnitInfo:  info,
		MaxCount:  maxCount,
		Ranges:    ranges,
		Timebases: timebases,
		Channels:  channels,
	}
	return caps, nil
}

// Capabilities returns a copy of what the unit advertised at open.
func (d *Device) Capabilities() domain.Capabilities {
	c := d.caps
	c.Ranges = append([]domain.Range(nil), d.caps.Ranges...)
	c.Timebases = append([]domain.Timebase(nil), d.caps.Timebases...)
	return c
}

func (d *Device) Info() domain.UnitInfo { return d.caps.UnitInfo }

func (d *Device) Logger() *slog.Logger { return d.log }

// Ping checks that the unit still answers.
func (d *Device) Ping(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errorf(KindInvalidState, "ping", "device closed")
	}
	return classify("ping", callWithTimeout(ctx, 0, d.unit.Ping, nil))
}

// Session returns the session currently bound to the device, if any.
func (d *Device) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Close stops any active session, releases the unit and the registry
// entry. It is safe to call more than once and from any state.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.session
	d.mu.Unlock()

	var errs []error
	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.stopWait)
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := d.unit.Close(); err != nil {
		errs = append(errs, classify("close", err))
	}

	registry.Lock()
	for _, k := range d.keys {
		if registry.units[k] == d {
			delete(registry.units, k)
		}
	}
	registry.Unlock()

	if len(errs) > 0 {
		d.log.Warn("device closed with errors", "err", errors.Join(errs...))
	} else {
		d.log.Info("device closed")
	}
	return nil
}

func (d *Device) attach(s *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errorf(KindInvalidState, "new session", "device closed")
	}
	if d.session != nil && !d.session.State().Terminal() {
		return errorf(KindInvalidState, "new session", "device already has a %s session", d.session.State())
	}
	d.session = s
	return nil
}

func (d *Device) detach(s *Session) {
	d.mu.Lock()
	if d.session == s {
		d.session = nil
	}
	d.mu.Unlock()
}

// classify maps driver and context errors to a scope error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, ports.ErrUnitNotFound):
		return newError(KindNotFound, op, err)
	case errors.Is(err, ports.ErrUnitInUse):
		return newError(KindBusy, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindTimeout, op, err)
	default:
		return newError(KindDriverFault, op, err)
	}
}

// callWithTimeout runs fn and waits for it, ctx, or timeout, whichever ends
// first. If ctx wins, late runs once fn finally returns without error.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func() error, late func()) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		abandoned bool
		done      = make(chan error, 1)
	)
	go func() {
		err := fn()
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if late != nil && err == nil {
				late()
			}
			return
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		select {
		case err := <-done:
			return err
		default:
		}
		abandoned = true
		return ctx.Err()
	}
}
