package scope

import (
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

// Resolution is the outcome of mapping a requested interval to a timebase.
type Resolution struct {
	Timebase       domain.Timebase
	RequestedNanos int64
	IntervalNanos  int64
}

// Deviation is how much slower than requested the unit will sample.
func (r Resolution) Deviation() time.Duration {
	return time.Duration(r.IntervalNanos - r.RequestedNanos)
}

// Exact reports whether the requested interval is achieved as is.
func (r Resolution) Exact() bool { return r.IntervalNanos == r.RequestedNanos }

// Resolve picks the fastest timebase whose interval is not shorter than
// desiredNanos and that can run with enabledChannels inputs. If the request
// is faster than anything the unit can do, the fastest usable timebase is
// returned and the deviation is reported through Resolution.
func Resolve(caps domain.Capabilities, desiredNanos int64, enabledChannels int) (Resolution, error) {
	return ResolveWithin(caps, desiredNanos, enabledChannels, 0)
}

// ResolveWithin is Resolve with a hard upper bound on the achieved
// interval; zero means no bound.
func ResolveWithin(caps domain.Capabilities, desiredNanos int64, enabledChannels int, maxNanos int64) (Resolution, error) {
	const op = "resolve timebase"
	if desiredNanos <= 0 {
		return Resolution{}, errorf(KindIntervalUnachievable, op, "interval must be positive, got %dns", desiredNanos)
	}
	if enabledChannels < 1 {
		return Resolution{}, newError(KindNoChannelsEnabled, op, nil)
	}

	var (
		best  domain.Timebase
		found bool
	)
	for _, tb := range caps.Timebases {
		if !tb.Supports(enabledChannels) || tb.IntervalNanos < desiredNanos {
			continue
		}
		if !found || tb.IntervalNanos < best.IntervalNanos ||
			(tb.IntervalNanos == best.IntervalNanos && tb.Index < best.Index) {
			best, found = tb, true
		}
	}
	if !found {
		return Resolution{}, errorf(KindIntervalUnachievable, op,
			"no timebase reaches %s with %d channels enabled", time.Duration(desiredNanos), enabledChannels)
	}
	if maxNanos > 0 && best.IntervalNanos > maxNanos {
		return Resolution{}, errorf(KindIntervalUnachievable, op,
			"closest interval %s exceeds the %s limit", time.Duration(best.IntervalNanos), time.Duration(maxNanos))
	}
	return Resolution{
		Timebase:       best,
		RequestedNanos: desiredNanos,
		IntervalNanos:  best.IntervalNanos,
	}, nil
}
