package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelID names an input channel (A..D).
type ChannelID uint8

const (
	ChannelA ChannelID = iota
	ChannelB
	ChannelC
	ChannelD
)

// MaxChannels is the widest channel set the supported device class has.
const MaxChannels = 4

func (c ChannelID) String() string {
	if c < MaxChannels {
		return string(rune('A' + c))
	}
	return fmt.Sprintf("ch%d", uint8(c))
}

// ParseChannelID accepts "A".."D" (any case) or "0".."3".
func ParseChannelID(s string) (ChannelID, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if len(s) == 1 {
		switch {
		case s[0] >= 'A' && s[0] < 'A'+MaxChannels:
			return ChannelID(s[0] - 'A'), nil
		case s[0] >= '0' && s[0] < '0'+MaxChannels:
			return ChannelID(s[0] - '0'), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// Coupling is the input coupling of a channel.
type Coupling uint8

const (
	CouplingDC Coupling = iota
	CouplingAC
)

func (c Coupling) String() string {
	if c == CouplingAC {
		return "AC"
	}
	return "DC"
}

// ParseCoupling maps "AC"/"DC" to a Coupling; empty means DC.
func ParseCoupling(s string) (Coupling, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DC":
		return CouplingDC, nil
	case "AC":
		return CouplingAC, nil
	default:
		return 0, fmt.Errorf("unknown coupling %q", s)
	}
}

// Range is one selectable input range. Volts is the full-scale magnitude,
// the channel reads -Volts..+Volts.
type Range struct {
	Code  int16   `json:"code"`
	Label string  `json:"label"`
	Volts float64 `json:"volts"`
}

// Timebase is a device timebase index and the interval it achieves.
type Timebase struct {
	Index         int   `json:"index"`
	IntervalNanos int64 `json:"interval_ns"`
	// MaxChannels is the largest number of enabled channels this timebase
	// can serve. Zero means no restriction.
	MaxChannels int `json:"max_channels"`
}

// Supports reports whether the timebase can run with n enabled channels.
func (t Timebase) Supports(n int) bool {
	return t.MaxChannels == 0 || n <= t.MaxChannels
}

// UnitInfo is the identity block reported by the driver.
type UnitInfo struct {
	Model           string
	Serial          string
	CalibrationDate string
	DriverVersion   string
}

// Capabilities describes what an opened unit can do. It never changes
// while the unit is open.
type Capabilities struct {
	UnitInfo
	MaxCount  int32
	Ranges    []Range
	Timebases []Timebase
	Channels  int
}

// RangeByLabel looks up a supported range ("2V", "500mV").
func (c *Capabilities) RangeByLabel(label string) (Range, bool) {
	want := strings.ToLower(strings.ReplaceAll(label, " ", ""))
	for _, r := range c.Ranges {
		if strings.ToLower(r.Label) == want {
			return r, true
		}
	}
	return Range{}, false
}

// RangeByVolts finds the supported range with exactly this full scale.
func (c *Capabilities) RangeByVolts(v float64) (Range, bool) {
	for _, r := range c.Ranges {
		if nearlyEqual(r.Volts, v) {
			return r, true
		}
	}
	return Range{}, false
}

// SmallestRangeCovering returns the narrowest range whose full scale is at
// least v. Ranges must be sorted ascending.
func (c *Capabilities) SmallestRangeCovering(v float64) (Range, bool) {
	for _, r := range c.Ranges {
		if r.Volts >= v || nearlyEqual(r.Volts, v) {
			return r, true
		}
	}
	return Range{}, false
}

func nearlyEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*(1+b)
}

// Channel is the configured state of one input.
type Channel struct {
	ID       ChannelID `json:"id"`
	Enabled  bool      `json:"enabled"`
	Range    Range     `json:"range"`
	Coupling Coupling  `json:"coupling"`
}

// TriggerDirection selects which edge fires the trigger.
type TriggerDirection uint8

const (
	TriggerRising TriggerDirection = iota
	TriggerFalling
	TriggerEither
)

func (d TriggerDirection) String() string {
	switch d {
	case TriggerFalling:
		return "falling"
	case TriggerEither:
		return "either"
	default:
		return "rising"
	}
}

// ParseTriggerDirection maps a config string to a direction.
func ParseTriggerDirection(s string) (TriggerDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rising", "rise":
		return TriggerRising, nil
	case "falling", "fall":
		return TriggerFalling, nil
	case "either", "both":
		return TriggerEither, nil
	default:
		return 0, fmt.Errorf("unknown trigger direction %q", s)
	}
}

// Trigger is a validated trigger setting. A nil *Trigger means free-running.
type Trigger struct {
	Channel         ChannelID        `json:"channel"`
	ThresholdCounts int32            `json:"threshold_counts"`
	Direction       TriggerDirection `json:"direction"`
	PreSamples      uint32           `json:"pre_samples"`
	PostSamples     uint32           `json:"post_samples"`
	// DelayPercent shifts the capture window relative to the trigger
	// event, in percent of the block length (-100..100).
	DelayPercent int16         `json:"delay_percent"`
	AutoTrigger  time.Duration `json:"auto_trigger"`
}

// Mode is the acquisition mode of a capture session.
type Mode uint8

const (
	ModeStreaming Mode = iota
	ModeBlock
)

func (m Mode) String() string {
	if m == ModeBlock {
		return "block"
	}
	return "streaming"
}

// ParseMode maps a config string to a Mode; empty means streaming.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "streaming", "stream":
		return ModeStreaming, nil
	case "block":
		return ModeBlock, nil
	default:
		return 0, fmt.Errorf("unknown capture mode %q", s)
	}
}

// State is the capture engine state.
type State uint8

const (
	StateIdle State = iota
	StateConfigured
	StateRunning
	StateStopping
	StateStopped
	StateFaulted
)

var stateNames = [...]string{"idle", "configured", "running", "stopping", "stopped", "faulted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether a new session may replace this one.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFaulted
}

// SessionInfo is the snapshot the dispatcher needs to convert and stamp
// samples.
type SessionInfo struct {
	Mode          Mode
	Timebase      Timebase
	IntervalNanos int64
	BlockSize     int
	Capacity      int
	MaxCount      int32
	Channels      []Channel
	StartedAt     time.Time
}

// Interval returns the achieved sample interval as a Duration.
func (i SessionInfo) Interval() time.Duration {
	return time.Duration(i.IntervalNanos)
}

// RangeVolts returns the configured full scale of ch, or 0 if unknown.
func (i SessionInfo) RangeVolts(ch ChannelID) float64 {
	for _, c := range i.Channels {
		if c.ID == ch {
			return c.Range.Volts
		}
	}
	return 0
}
