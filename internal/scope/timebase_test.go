package scope

import (
	"errors"
	"testing"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

func TestResolveRoundsUpToFastestSupported(t *testing.T) {
	caps := domain.Capabilities{Timebases: []domain.Timebase{
		{Index: 3, IntervalNanos: 2000},
		{Index: 4, IntervalNanos: 4000},
	}}

	res, err := Resolve(caps, 1000, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.IntervalNanos != 2000 || res.Timebase.Index != 3 {
		t.Fatalf("expected 2000ns on timebase 3, got %+v", res)
	}
	if res.Exact() || res.Deviation() != 1000 {
		t.Fatalf("deviation should be reported: %v", res.Deviation())
	}
}

func TestResolve(t *testing.T) {
	caps := domain.Capabilities{Timebases: []domain.Timebase{
		{Index: 0, IntervalNanos: 10, MaxChannels: 1},
		{Index: 1, IntervalNanos: 20},
		{Index: 2, IntervalNanos: 40},
		{Index: 3, IntervalNanos: 80},
	}}

	cases := []struct {
		name     string
		desired  int64
		channels int
		max      int64
		want     int
		err      error
	}{
		{"exact", 40, 1, 0, 2, nil},
		{"between", 30, 1, 0, 2, nil},
		{"fastest single channel", 5, 1, 0, 0, nil},
		{"fastest two channels", 5, 2, 0, 1, nil},
		{"slower than slowest", 81, 1, 0, 0, ErrIntervalUnachievable},
		{"zero", 0, 1, 0, 0, ErrIntervalUnachievable},
		{"negative", -10, 1, 0, 0, ErrIntervalUnachievable},
		{"within bound", 30, 1, 40, 2, nil},
		{"bound exceeded", 30, 1, 35, 0, ErrIntervalUnachievable},
		{"no channels", 30, 0, 0, 0, ErrNoChannelsEnabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ResolveWithin(caps, tc.desired, tc.channels, tc.max)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Timebase.Index != tc.want {
				t.Fatalf("expected timebase %d, got %+v", tc.want, res)
			}
			if res.IntervalNanos < tc.desired {
				t.Fatalf("interval %d faster than requested %d", res.IntervalNanos, tc.desired)
			}
		})
	}
}
