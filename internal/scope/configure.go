package scope

import (
	"time"

	"github.com/ilyaradko/PicoScope/internal/calib"
	"github.com/ilyaradko/PicoScope/internal/domain"
)

// RangeSpec selects an input range. Exactly one field should be set:
// Label ("2V"), Volts (full scale), or MaxVoltage, which picks the
// narrowest range that still covers the expected signal.
type RangeSpec struct {
	Label      string
	Volts      float64
	MaxVoltage float64
}

func (r RangeSpec) empty() bool {
	return r.Label == "" && r.Volts == 0 && r.MaxVoltage == 0
}

// ChannelSpec is the requested setting for one input.
type ChannelSpec struct {
	ID       domain.ChannelID
	Enabled  bool
	Range    RangeSpec
	Coupling domain.Coupling
}

// TriggerSpec is a requested trigger. The threshold is given in counts
// unless InVolts is set, in which case it is converted with the channel's
// range and recomputed whenever that range changes.
type TriggerSpec struct {
	Channel         domain.ChannelID
	ThresholdCounts int32
	ThresholdVolts  float64
	InVolts         bool
	Direction       domain.TriggerDirection
	PreSamples      uint32
	PostSamples     uint32
	DelayPercent    int16
	AutoTrigger     time.Duration
}

// ConfiguredChannels is a validated channel set for one device. It covers
// every input of the unit; inputs not named in the request are disabled.
type ConfiguredChannels struct {
	caps     domain.Capabilities
	channels []domain.Channel
	trigSpec *TriggerSpec
	trigger  *domain.Trigger
}

// Configure validates specs against the device's capabilities.
func Configure(dev *Device, specs []ChannelSpec) (*ConfiguredChannels, error) {
	return configure(dev.Capabilities(), specs)
}

func configure(caps domain.Capabilities, specs []ChannelSpec) (*ConfiguredChannels, error) {
	const op = "configure"
	if len(caps.Ranges) == 0 {
		return nil, errorf(KindUnsupportedRange, op, "device advertises no ranges")
	}
	widest := caps.Ranges[len(caps.Ranges)-1]

	cc := &ConfiguredChannels{
		caps:     caps,
		channels: make([]domain.Channel, caps.Channels),
	}
	for i := range cc.channels {
		cc.channels[i] = domain.Channel{ID: domain.ChannelID(i), Range: widest}
	}

	seen := make(map[domain.ChannelID]bool, len(specs))
	enabled := 0
	for _, spec := range specs {
		if int(spec.ID) >= caps.Channels {
			return nil, errorf(KindInvalidChannelReference, op, "channel %s not present on %s", spec.ID, caps.Model)
		}
		if seen[spec.ID] {
			return nil, errorf(KindInvalidChannelReference, op, "channel %s configured twice", spec.ID)
		}
		seen[spec.ID] = true

		rng := widest
		if !spec.Range.empty() || spec.Enabled {
			r, err := resolveRange(&caps, spec.Range)
			if err != nil {
				return nil, newError(KindUnsupportedRange, op, err.(*Error).Err)
			}
			rng = r
		}
		cc.channels[spec.ID] = domain.Channel{
			ID:       spec.ID,
			Enabled:  spec.Enabled,
			Range:    rng,
			Coupling: spec.Coupling,
		}
		if spec.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return nil, newError(KindNoChannelsEnabled, op, nil)
	}
	return cc, nil
}

func resolveRange(caps *domain.Capabilities, spec RangeSpec) (domain.Range, error) {
	const op = "range"
	switch {
	case spec.Label != "":
		if r, ok := caps.RangeByLabel(spec.Label); ok {
			return r, nil
		}
		return domain.Range{}, errorf(KindUnsupportedRange, op, "range %q not supported", spec.Label)
	case spec.Volts != 0:
		if r, ok := caps.RangeByVolts(spec.Volts); ok {
			return r, nil
		}
		return domain.Range{}, errorf(KindUnsupportedRange, op, "range ±%gV not supported", spec.Volts)
	case spec.MaxVoltage > 0:
		if r, ok := caps.SmallestRangeCovering(spec.MaxVoltage); ok {
			return r, nil
		}
		return domain.Range{}, errorf(KindUnsupportedRange, op, "no range covers %gV", spec.MaxVoltage)
	default:
		return domain.Range{}, errorf(KindUnsupportedRange, op, "no range given")
	}
}

// Channels returns a copy of every input's setting, indexed by channel id.
func (cc *ConfiguredChannels) Channels() []domain.Channel {
	return append([]domain.Channel(nil), cc.channels...)
}

// Enabled lists the enabled inputs in id order.
func (cc *ConfiguredChannels) Enabled() []domain.ChannelID {
	var ids []domain.ChannelID
	for _, c := range cc.channels {
		if c.Enabled {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (cc *ConfiguredChannels) Capabilities() domain.Capabilities { return cc.caps }

// Trigger returns the current trigger, nil when free-running.
func (cc *ConfiguredChannels) Trigger() *domain.Trigger {
	if cc.trigger == nil {
		return nil
	}
	t := *cc.trigger
	return &t
}

// ConfigureTrigger validates spec against cc and binds it. A nil spec
// clears the trigger.
func ConfigureTrigger(cc *ConfiguredChannels, spec *TriggerSpec) (*domain.Trigger, error) {
	if spec == nil {
		cc.trigSpec, cc.trigger = nil, nil
		return nil, nil
	}
	t, err := cc.buildTrigger(spec, cc.channels)
	if err != nil {
		return nil, err
	}
	s := *spec
	cc.trigSpec, cc.trigger = &s, t
	out := *t
	return &out, nil
}

func (cc *ConfiguredChannels) buildTrigger(spec *TriggerSpec, channels []domain.Channel) (*domain.Trigger, error) {
	const op = "configure trigger"
	if int(spec.Channel) >= len(channels) {
		return nil, errorf(KindInvalidChannelReference, op, "channel %s not present", spec.Channel)
	}
	ch := channels[spec.Channel]
	if !ch.Enabled {
		return nil, errorf(KindInvalidChannelReference, op, "channel %s is disabled", spec.Channel)
	}

	counts := int64(spec.ThresholdCounts)
	if spec.InVolts {
		counts = calib.ToCounts(spec.ThresholdVolts, ch.Range.Volts, cc.caps.MaxCount)
	}
	max := int64(cc.caps.MaxCount)
	if counts > max || counts < -max {
		if spec.InVolts {
			return nil, errorf(KindThresholdOutOfRange, op, "%gV is %d counts on the %s range, limit ±%d", spec.ThresholdVolts, counts, ch.Range.Label, max)
		}
		return nil, errorf(KindThresholdOutOfRange, op, "%d counts exceeds ±%d", counts, max)
	}

	return &domain.Trigger{
		Channel:         spec.Channel,
		ThresholdCounts: int32(counts),
		Direction:       spec.Direction,
		PreSamples:      spec.PreSamples,
		PostSamples:     spec.PostSamples,
		DelayPercent:    spec.DelayPercent,
		AutoTrigger:     spec.AutoTrigger,
	}, nil
}

// SetRange changes the range of ch and re-validates the trigger against
// it. On error nothing changes.
func (cc *ConfiguredChannels) SetRange(ch domain.ChannelID, spec RangeSpec) (domain.Range, error) {
	const op = "set range"
	if int(ch) >= len(cc.channels) {
		return domain.Range{}, errorf(KindInvalidChannelReference, op, "channel %s not present", ch)
	}
	rng, err := resolveRange(&cc.caps, spec)
	if err != nil {
		return domain.Range{}, newError(KindUnsupportedRange, op, err.(*Error).Err)
	}

	next := cc.Channels()
	next[ch].Range = rng

	var trig *domain.Trigger
	if cc.trigSpec != nil {
		t, err := cc.buildTrigger(cc.trigSpec, next)
		if err != nil {
			return domain.Range{}, newError(KindOf(err), op, err.(*Error).Err)
		}
		trig = t
	}
	cc.channels = next
	cc.trigger = trig
	return rng, nil
}
