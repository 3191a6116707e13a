package picoscope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

// Flow builds a Runtime in three steps: Conf loads the configuration,
// StreamIN adjusts the device and capture side, StreamOUT adjusts the
// sinks and returns the Runtime. Changes made through options are
// validated together when StreamOUT runs.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
	errs []error
}

// FlowOption mutates the Flow right after the configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption adjusts the device, channels and acquisition.
type StreamInOption func(*Flow)

// StreamOutOption adjusts sinks, averaging and observability.
type StreamOutOption func(*Flow)

// Conf loads the YAML file at path and returns a Flow over it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig returns a Flow over cfg. The Flow edits cfg in place.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	apply(f, opts)
	return f, nil
}

func apply[O ~func(*Flow)](f *Flow, opts []O) {
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
}

// runtimeOption turns a RuntimeOption into a Flow edit.
func runtimeOption(o RuntimeOption) func(*Flow) {
	return func(f *Flow) { f.opts = append(f.opts, o) }
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options adds RuntimeOptions directly.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f != nil {
		for _, o := range opts {
			if o != nil {
				f.opts = append(f.opts, o)
			}
		}
	}
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f != nil {
		apply(f, opts)
	}
	return f
}

// StreamOUT applies opts, re-validates the configuration and builds the
// Runtime. Errors from earlier options are reported here.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	apply(f, opts)
	if err := errors.Join(f.errs...); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}
	if err := f.cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("flow config: %w", err)
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the Runtime and runs it until ctx ends or the capture fails.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) { f.Options(opts...) }
}

// StreamInDriver replaces the configured driver, e.g. with a simulator.
func StreamInDriver(d Driver) StreamInOption {
	if d == nil {
		return nil
	}
	return runtimeOption(WithDriver(d))
}

func StreamInObservability(obs Observability) StreamInOption {
	if obs == nil {
		return nil
	}
	return runtimeOption(WithObservability(obs))
}

// StreamInSelector picks the unit by serial number.
func StreamInSelector(serial string) StreamInOption {
	return func(f *Flow) { f.cfg.Device.Selector = serial }
}

// StreamInChannel enables a channel on the range with the given label
// ("2V", "500mV").
func StreamInChannel(id, rangeLabel string) StreamInOption {
	return func(f *Flow) {
		f.setChannel(id, func(c *ChannelConfig) { c.Range, c.MaxVoltage = rangeLabel, 0 })
	}
}

// StreamInChannelMax enables a channel on the narrowest range that covers
// maxVolts.
func StreamInChannelMax(id string, maxVolts float64) StreamInOption {
	return func(f *Flow) {
		f.setChannel(id, func(c *ChannelConfig) { c.Range, c.MaxVoltage = "", maxVolts })
	}
}

// StreamInDisable turns a channel off.
func StreamInDisable(id string) StreamInOption {
	return func(f *Flow) {
		if i := f.channelIndex(id); i >= 0 && i < len(f.cfg.Channels) {
			off := false
			f.cfg.Channels[i].Enabled = &off
		}
	}
}

// StreamInStreaming selects streaming at the given sample interval.
func StreamInStreaming(interval time.Duration) StreamInOption {
	return func(f *Flow) {
		f.cfg.Capture.Mode = domain.ModeStreaming.String()
		f.cfg.Capture.Interval = interval
	}
}

// StreamInBlock selects repeated block captures of samples per channel.
func StreamInBlock(interval time.Duration, samples int) StreamInOption {
	return func(f *Flow) {
		f.cfg.Capture.Mode = domain.ModeBlock.String()
		f.cfg.Capture.Interval, f.cfg.Capture.BlockSize = interval, samples
	}
}

// StreamInTrigger arms a trigger on channel at thresholdVolts. direction
// is rising, falling or either.
func StreamInTrigger(channel string, thresholdVolts float64, direction string) StreamInOption {
	return func(f *Flow) {
		v := thresholdVolts
		f.cfg.Trigger = &TriggerConfig{Channel: channel, ThresholdVolts: &v, Direction: direction}
	}
}

// StreamOutSink adds a sink. Once any sink is added this way the
// configured sinks are not built.
func StreamOutSink(sk Sink) StreamOutOption {
	if sk == nil {
		return nil
	}
	return runtimeOption(WithSink(sk))
}

// StreamOutCallback adds a sink that calls fn with every batch.
func StreamOutCallback(name string, fn BatchHandler) StreamOutOption {
	return runtimeOption(WithSink(NewCallbackSink(name, fn)))
}

// StreamOutTransformer replaces the averaging transformer.
func StreamOutTransformer(tr Transformer) StreamOutOption {
	if tr == nil {
		return nil
	}
	return runtimeOption(WithTransformer(tr))
}

func StreamOutObservability(obs Observability) StreamOutOption {
	if obs == nil {
		return nil
	}
	return runtimeOption(WithObservability(obs))
}

// StreamOutJournal writes batches to an on-disk journal in dir.
func StreamOutJournal(dir string, sync bool) StreamOutOption {
	return func(f *Flow) { f.cfg.Sinks.Journal = &JournalConfig{Dir: dir, Sync: sync} }
}

// StreamOutTimescale inserts samples into a TimescaleDB/PostgreSQL table.
func StreamOutTimescale(connString, table string) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Sinks.Timescale = &TimescaleConfig{ConnString: connString, Table: table, EnsureSchema: true}
	}
}

func StreamOutStdout(on bool) StreamOutOption {
	return func(f *Flow) { f.cfg.Sinks.Stdout = on }
}

// StreamOutAveraging averages every window samples per channel.
func StreamOutAveraging(window int) StreamOutOption {
	return func(f *Flow) { f.cfg.Averaging.Window = window }
}

// StreamOutMetrics serves /metrics on addr; MetricsDisabled turns it off.
func StreamOutMetrics(addr string) StreamOutOption {
	return func(f *Flow) { f.cfg.Metrics.Addr = addr }
}

func (f *Flow) channelIndex(id string) int {
	want, err := domain.ParseChannelID(id)
	if err != nil {
		f.errs = append(f.errs, err)
		return -1
	}
	for i, c := range f.cfg.Channels {
		if got, err := domain.ParseChannelID(c.ID); err == nil && got == want {
			return i
		}
	}
	return len(f.cfg.Channels)
}

func (f *Flow) setChannel(id string, set func(*ChannelConfig)) {
	i := f.channelIndex(id)
	if i < 0 {
		return
	}
	if i == len(f.cfg.Channels) {
		f.cfg.Channels = append(f.cfg.Channels, ChannelConfig{ID: strings.ToUpper(strings.TrimSpace(id))})
	}
	on := true
	f.cfg.Channels[i].Enabled = &on
	set(&f.cfg.Channels[i])
}
