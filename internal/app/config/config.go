package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ilyaradko/PicoScope/internal/adapters/driver/sim"
	"github.com/ilyaradko/PicoScope/internal/adapters/opcua"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/logging"
	"github.com/ilyaradko/PicoScope/internal/ports"
	"github.com/ilyaradko/PicoScope/internal/scope"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Capture   CaptureConfig   `yaml:"capture"`
	Channels  []ChannelConfig `yaml:"channels"`
	Trigger   *TriggerConfig  `yaml:"trigger"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Averaging AveragingConfig `yaml:"averaging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       logging.Config  `yaml:"log"`
}

type DeviceConfig struct {
	// Driver is "sim" or "ps2000".
	Driver      string        `yaml:"driver"`
	Selector    string        `yaml:"selector"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	ProbeUSB    bool          `yaml:"probe_usb"`
	Sim         SimConfig     `yaml:"sim"`
}

// SimConfig shapes the simulated unit used when driver is "sim".
type SimConfig struct {
	Serial          string  `yaml:"serial"`
	Channels        int     `yaml:"channels"`
	Waveform        string  `yaml:"waveform"`
	Offset          float64 `yaml:"offset"`
	Amplitude       float64 `yaml:"amplitude"`
	Frequency       float64 `yaml:"frequency"`
	Noise           float64 `yaml:"noise"`
	Seed            int64   `yaml:"seed"`
	DropEvery       int     `yaml:"drop_every"`
	FailAfterBlocks int     `yaml:"fail_after_blocks"`
}

type CaptureConfig struct {
	Mode             string        `yaml:"mode"`
	Interval         time.Duration `yaml:"interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	BlockSize        int           `yaml:"block_size"`
	BufferBlocks     int           `yaml:"buffer_blocks"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	Oversample       int           `yaml:"oversample"`
	MaxBlocksPerTick int           `yaml:"max_blocks_per_tick"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	BlockTimeout     time.Duration `yaml:"block_timeout"`
}

type ChannelConfig struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`
	// Range is a label such as "5V" or "500mV".
	Range      string  `yaml:"range"`
	MaxVoltage float64 `yaml:"max_voltage"`
	Coupling   string  `yaml:"coupling"`
}

type TriggerConfig struct {
	Channel         string        `yaml:"channel"`
	ThresholdVolts  *float64      `yaml:"threshold_volts"`
	ThresholdCounts *int32        `yaml:"threshold_counts"`
	Direction       string        `yaml:"direction"`
	PreSamples      uint32        `yaml:"pre_samples"`
	PostSamples     uint32        `yaml:"post_samples"`
	DelayPercent    int16         `yaml:"delay_percent"`
	AutoTrigger     time.Duration `yaml:"auto_trigger"`
}

type SinksConfig struct {
	Timescale *TimescaleConfig `yaml:"timescale"`
	Journal   *JournalConfig   `yaml:"journal"`
	OPCUA     *opcua.Config    `yaml:"opcua"`
	Stdout    bool             `yaml:"stdout"`
}

type TimescaleConfig struct {
	ConnString    string `yaml:"conn_string"`
	Table         string `yaml:"table"`
	OverflowTable string `yaml:"overflow_table"`
	EnsureSchema  bool   `yaml:"ensure_schema"`
	Hypertable    bool   `yaml:"hypertable"`
}

type JournalConfig struct {
	Dir  string `yaml:"dir"`
	Sync bool   `yaml:"sync"`
}

// AveragingConfig enables the mean reducer; Window samples per channel
// collapse into one.
type AveragingConfig struct {
	Window int `yaml:"window"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates. Call it again after changing a
// loaded Config in code.
func (c *Config) Normalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Device.Driver == "" {
		c.Device.Driver = "sim"
	}
	if c.Device.OpenTimeout == 0 {
		c.Device.OpenTimeout = 5 * time.Second
	}
	if c.Capture.Mode == "" {
		c.Capture.Mode = "streaming"
	}
	if c.Capture.Interval == 0 {
		c.Capture.Interval = time.Millisecond
	}
	if c.Capture.BlockSize == 0 {
		c.Capture.BlockSize = 1000
	}
	if c.Capture.BufferBlocks == 0 {
		c.Capture.BufferBlocks = 64
	}
	if c.Capture.Oversample == 0 {
		c.Capture.Oversample = 1
	}
	if c.Capture.StartTimeout == 0 {
		c.Capture.StartTimeout = 5 * time.Second
	}
	if c.Capture.StopTimeout == 0 {
		c.Capture.StopTimeout = 5 * time.Second
	}
	if c.Capture.BlockTimeout == 0 {
		c.Capture.BlockTimeout = 10 * time.Second
	}
	if len(c.Channels) == 0 {
		c.Channels = []ChannelConfig{{ID: "A", Range: "5V"}}
	}
	if c.Sinks.Timescale != nil {
		if c.Sinks.Timescale.Table == "" {
			c.Sinks.Timescale.Table = "scope_samples"
		}
	}
	if c.Sinks.Journal != nil && c.Sinks.Journal.Dir == "" {
		c.Sinks.Journal.Dir = "./data/journal"
	}
	if c.Sinks.OPCUA != nil {
		c.Sinks.OPCUA.ApplyDefaults()
	}
	if c.Sinks.Timescale == nil && c.Sinks.Journal == nil && c.Sinks.OPCUA == nil {
		c.Sinks.Stdout = true
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) validate() error {
	switch c.Device.Driver {
	case "sim", "ps2000":
	default:
		return fmt.Errorf("device.driver must be sim or ps2000, got %q", c.Device.Driver)
	}
	switch strings.ToLower(c.Device.Sim.Waveform) {
	case "", "sine", "constant":
	default:
		return fmt.Errorf("device.sim.waveform must be sine or constant, got %q", c.Device.Sim.Waveform)
	}
	if _, err := domain.ParseMode(c.Capture.Mode); err != nil {
		return fmt.Errorf("capture.mode: %w", err)
	}
	if c.Capture.Interval < 0 {
		return errors.New("capture.interval must be positive")
	}
	if c.Capture.MaxInterval != 0 && c.Capture.MaxInterval < c.Capture.Interval {
		return errors.New("capture.max_interval is below capture.interval")
	}
	if c.Capture.BlockSize < 0 || c.Capture.BufferBlocks < 0 || c.Capture.MaxBlocksPerTick < 0 {
		return errors.New("capture sizes must not be negative")
	}
	if _, err := c.ChannelSpecs(); err != nil {
		return err
	}
	if _, err := c.TriggerSpec(); err != nil {
		return err
	}
	if c.Averaging.Window < 0 {
		return errors.New("averaging.window must not be negative")
	}
	if ts := c.Sinks.Timescale; ts != nil && ts.ConnString == "" {
		return errors.New("sinks.timescale.conn_string is required")
	}
	if c.Sinks.OPCUA != nil {
		if err := c.Sinks.OPCUA.Validate(); err != nil {
			return fmt.Errorf("sinks.opcua: %w", err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ChannelSpecs converts the channel list for scope.Configure.
func (c *Config) ChannelSpecs() ([]scope.ChannelSpec, error) {
	out := make([]scope.ChannelSpec, 0, len(c.Channels))
	for i, ch := range c.Channels {
		id, err := domain.ParseChannelID(ch.ID)
		if err != nil {
			return nil, fmt.Errorf("channels[%d]: %w", i, err)
		}
		coupling, err := domain.ParseCoupling(ch.Coupling)
		if err != nil {
			return nil, fmt.Errorf("channels[%d]: %w", i, err)
		}
		if ch.Range != "" && ch.MaxVoltage != 0 {
			return nil, fmt.Errorf("channels[%d]: set range or max_voltage, not both", i)
		}
		if ch.MaxVoltage < 0 {
			return nil, fmt.Errorf("channels[%d]: max_voltage must be positive", i)
		}
		enabled := ch.Enabled == nil || *ch.Enabled
		out = append(out, scope.ChannelSpec{
			ID:       id,
			Enabled:  enabled,
			Range:    scope.RangeSpec{Label: strings.TrimSpace(ch.Range), MaxVoltage: ch.MaxVoltage},
			Coupling: coupling,
		})
	}
	return out, nil
}

// TriggerSpec returns nil when no trigger is configured.
func (c *Config) TriggerSpec() (*scope.TriggerSpec, error) {
	t := c.Trigger
	if t == nil {
		return nil, nil
	}
	id, err := domain.ParseChannelID(t.Channel)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	dir, err := domain.ParseTriggerDirection(t.Direction)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	if (t.ThresholdVolts == nil) == (t.ThresholdCounts == nil) {
		return nil, errors.New("trigger: set exactly one of threshold_volts and threshold_counts")
	}
	if t.DelayPercent < -100 || t.DelayPercent > 100 {
		return nil, errors.New("trigger: delay_percent must be within -100..100")
	}
	spec := &scope.TriggerSpec{
		Channel:      id,
		Direction:    dir,
		PreSamples:   t.PreSamples,
		PostSamples:  t.PostSamples,
		DelayPercent: t.DelayPercent,
		AutoTrigger:  t.AutoTrigger,
	}
	if t.ThresholdVolts != nil {
		spec.InVolts = true
		spec.ThresholdVolts = *t.ThresholdVolts
	} else {
		spec.ThresholdCounts = *t.ThresholdCounts
	}
	return spec, nil
}

// SessionConfig builds the capture session settings around cc.
func (c *Config) SessionConfig(cc *scope.ConfiguredChannels) scope.SessionConfig {
	mode, _ := domain.ParseMode(c.Capture.Mode)
	return scope.SessionConfig{
		Mode:             mode,
		Channels:         cc,
		IntervalNanos:    c.Capture.Interval.Nanoseconds(),
		MaxIntervalNanos: c.Capture.MaxInterval.Nanoseconds(),
		BlockSize:        c.Capture.BlockSize,
		BufferBlocks:     c.Capture.BufferBlocks,
		Oversample:       c.Capture.Oversample,
		StartTimeout:     c.Capture.StartTimeout,
		StopTimeout:      c.Capture.StopTimeout,
		BlockTimeout:     c.Capture.BlockTimeout,
	}
}

func (c *Config) Policy() ports.Policy {
	return ports.Policy{
		PollInterval:     c.Capture.PollInterval,
		MaxBlocksPerTick: c.Capture.MaxBlocksPerTick,
		WriteTimeout:     c.Capture.WriteTimeout,
	}
}

// SimUnit describes the simulated unit for driver "sim".
func (c *Config) SimUnit() sim.UnitConfig {
	s := c.Device.Sim
	u := sim.UnitConfig{
		Serial:          s.Serial,
		Channels:        s.Channels,
		Noise:           s.Noise,
		Seed:            s.Seed,
		DropEvery:       s.DropEvery,
		FailAfterBlocks: s.FailAfterBlocks,
	}
	switch strings.ToLower(s.Waveform) {
	case "constant":
		u.Waveform = sim.Constant(s.Offset)
	case "sine":
		u.Waveform = sim.Sine(s.Offset, s.Amplitude, s.Frequency)
	}
	return u
}
