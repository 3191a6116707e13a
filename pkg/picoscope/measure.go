package picoscope

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/scope"
)

// Measurement is the result of one block capture.
type Measurement struct {
	Info     UnitInfo
	Interval time.Duration
	Samples  int
	// Volts is the mean voltage per enabled channel, keyed "A", "B", ...
	Volts map[string]float64
	// OverRange lists channels whose input exceeded the range.
	OverRange []string
}

// Channels returns the measured channel names in order.
func (m *Measurement) Channels() []string {
	out := make([]string, 0, len(m.Volts))
	for ch := range m.Volts {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Measure opens the configured unit, takes one block of
// capture.block_size samples per channel and returns the mean voltage of
// each enabled channel. Capture mode in cfg is ignored.
func Measure(ctx context.Context, cfg *Config, opts ...RuntimeOption) (*Measurement, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := applyOptions(opts)
	logger, err := buildLogger(cfg, o)
	if err != nil {
		return nil, err
	}
	drv := o.driver
	if drv == nil {
		drv = newDriver(cfg)
	}

	dev, err := scope.Open(ctx, drv, cfg.Device.Selector, scope.OpenOptions{
		Timeout:     cfg.Device.OpenTimeout,
		StopTimeout: cfg.Capture.StopTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	block := *cfg
	block.Capture.Mode = domain.ModeBlock.String()
	sess, err := configureSession(dev, &block)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("block capture: %w", err)
	}
	samples := sess.BlockSamples()
	blocks, _ := sess.Drain(0)
	if err := sess.Stop(ctx); err != nil {
		return nil, err
	}

	info := sess.Info()
	m := &Measurement{
		Info:     dev.Info(),
		Interval: info.Interval(),
		Volts:    make(map[string]float64),
	}
	sums := make(map[domain.ChannelID]float64)
	counts := make(map[domain.ChannelID]int)
	for _, s := range samples {
		sums[s.ChannelID] += s.Volts
		counts[s.ChannelID]++
	}
	for ch, n := range counts {
		m.Volts[ch.String()] = sums[ch] / float64(n)
		if n > m.Samples {
			m.Samples = n
		}
	}
	var mask uint16
	for _, b := range blocks {
		mask |= b.OverRange
	}
	for ch := domain.ChannelID(0); ch < domain.MaxChannels; ch++ {
		if mask&(1<<uint(ch)) != 0 {
			m.OverRange = append(m.OverRange, ch.String())
		}
	}
	return m, nil
}
