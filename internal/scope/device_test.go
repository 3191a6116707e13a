package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

func TestOpenValidatesAndSortsCapabilities(t *testing.T) {
	u := newFakeUnit("SORT0001")
	u.ranges = []domain.Range{testRanges[5], testRanges[0], testRanges[3]}
	u.timebases = []domain.Timebase{{Index: 2, IntervalNanos: 40}, {Index: 1, IntervalNanos: 20}}

	dev, err := Open(context.Background(), &fakeDriver{unit: u}, "", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	caps := dev.Capabilities()
	if caps.MaxCount != 32767 || caps.Serial != "SORT0001" || caps.Channels != 2 {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
	if caps.Ranges[0].Label != "50mV" || caps.Ranges[2].Label != "2V" {
		t.Fatalf("ranges not sorted: %+v", caps.Ranges)
	}
	if caps.Timebases[0].Index != 1 {
		t.Fatalf("timebases not sorted: %+v", caps.Timebases)
	}

	caps.Ranges[0].Volts = 99
	if dev.Capabilities().Ranges[0].Volts == 99 {
		t.Fatalf("capabilities must be returned by copy")
	}
}

func TestOpenSameUnitTwiceIsBusy(t *testing.T) {
	u := newFakeUnit("BUSY0001")
	drv := &fakeDriver{unit: u}

	dev, err := Open(context.Background(), drv, "BUSY0001", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = Open(context.Background(), drv, "BUSY0001", OpenOptions{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy by selector, got %v", err)
	}
	if drv.opens.Load() != 1 {
		t.Fatalf("driver should not be asked to open a registered unit")
	}

	_, err = Open(context.Background(), drv, "", OpenOptions{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy by serial, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("busy should be retryable")
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := Open(context.Background(), drv, "BUSY0001", OpenOptions{})
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	again.Close()
}

func TestOpenNotFound(t *testing.T) {
	drv := &fakeDriver{openErr: ports.ErrUnitNotFound}
	_, err := Open(context.Background(), drv, "NOPE", OpenOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if Retryable(err) || Fatal(err) {
		t.Fatalf("not found is neither retryable nor fatal")
	}
}

func TestOpenRejectsBadCapabilities(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(u *fakeUnit)
	}{
		{"zero max count", func(u *fakeUnit) { u.maxADC = 0 }},
		{"negative max count", func(u *fakeUnit) { u.maxADC = -1 }},
		{"no channels", func(u *fakeUnit) { u.channels = 0 }},
		{"no ranges", func(u *fakeUnit) { u.ranges = nil }},
		{"zero range", func(u *fakeUnit) { u.ranges = []domain.Range{{Code: 1, Label: "0V"}} }},
		{"duplicate range code", func(u *fakeUnit) {
			u.ranges = []domain.Range{{Code: 1, Label: "1V", Volts: 1}, {Code: 1, Label: "2V", Volts: 2}}
		}},
		{"no timebases", func(u *fakeUnit) { u.timebases = nil }},
		{"zero interval", func(u *fakeUnit) { u.timebases = []domain.Timebase{{Index: 0}} }},
		{"duplicate timebase", func(u *fakeUnit) {
			u.timebases = []domain.Timebase{{Index: 1, IntervalNanos: 10}, {Index: 1, IntervalNanos: 20}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := newFakeUnit("BAD-" + tc.name)
			tc.mutate(u)
			_, err := Open(context.Background(), &fakeDriver{unit: u}, "", OpenOptions{})
			if !errors.Is(err, ErrDriverFault) {
				t.Fatalf("expected driver fault, got %v", err)
			}
			if u.closed != 1 {
				t.Fatalf("rejected unit must be closed, closed=%d", u.closed)
			}
		})
	}
}

func TestOpenTimeout(t *testing.T) {
	u := newFakeUnit("SLOW0001")
	drv := &fakeDriver{unit: u, openDelay: 100 * time.Millisecond}

	_, err := Open(context.Background(), drv, "", OpenOptions{Timeout: 10 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// the late unit is released once the driver returns it
	eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.closed == 1
	})
}

func TestCloseIsIdempotentAndStopsSession(t *testing.T) {
	dev, u := openFake(t)
	cc, err := Configure(dev, []ChannelSpec{{ID: domain.ChannelA, Enabled: true, Range: RangeSpec{Label: "2V"}}})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	s, err := NewSession(dev, SessionConfig{Channels: cc, IntervalNanos: 1000})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := dev.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if s.State() != domain.StateStopped {
		t.Fatalf("session should be stopped by close, got %s", s.State())
	}
	if u.closed != 1 {
		t.Fatalf("unit closed %d times", u.closed)
	}
	if err := dev.Ping(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ping on closed device: %v", err)
	}
}

func TestErrorMatching(t *testing.T) {
	err := errorf(KindThresholdOutOfRange, "configure trigger", "too big")
	if !errors.Is(err, ErrThresholdOutOfRange) {
		t.Fatalf("sentinel should match regardless of op")
	}
	if errors.Is(err, ErrUnsupportedRange) {
		t.Fatalf("different kinds must not match")
	}
	if KindOf(err) != KindThresholdOutOfRange {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	wrapped := classify("stream", ports.ErrDisconnected)
	if !errors.Is(wrapped, ErrDriverFault) || !errors.Is(wrapped, ports.ErrDisconnected) || !Fatal(wrapped) {
		t.Fatalf("disconnect should be a fatal driver fault wrapping the cause: %v", wrapped)
	}
}
