package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// LevelCritical sits above slog.LevelError for faults that end a session.
const LevelCritical = slog.LevelError + 4

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer

	overflows *prometheus.CounterVec
	lost      *prometheus.CounterVec
}

// NewPromObs registers the capture metrics on reg. A nil reg means
// prometheus.DefaultRegisterer, a nil logger slog.Default().
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricSamplesDispatched,
		Help: "Samples converted and accepted by the sink.",
	})
	backpressure := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricSinkBackpressure,
		Help: "Dispatcher ticks skipped because the sink was not ready.",
	})
	faults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricFaults,
		Help: "Capture sessions that ended in the faulted state.",
	})
	overRange := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricOverRange,
		Help: "Blocks per channel where the ADC input exceeded the range.",
	})
	ring := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricRingBlocks,
		Help: "Blocks currently buffered in the ring.",
	})
	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricSessionState,
		Help: "Capture session state (0 idle .. 5 faulted).",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricSinkLatency,
		Help:    "Time spent in one sink write.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	overflows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ports.MetricOverflowEvents,
		Help: "Overflow events by cause.",
	}, []string{"cause"})
	lost := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ports.MetricSamplesLost,
		Help: "Estimated samples lost, by cause.",
	}, []string{"cause"})

	reg.MustRegister(dispatched, backpressure, faults, overRange, ring, state, latency, overflows, lost)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricSamplesDispatched: dispatched,
			ports.MetricSinkBackpressure:  backpressure,
			ports.MetricFaults:            faults,
			ports.MetricOverRange:         overRange,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricRingBlocks:   ring,
			ports.MetricSessionState: state,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricSinkLatency: latency,
		},
		overflows: overflows,
		lost:      lost,
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelError, msg, withErr(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), LevelCritical, msg, withErr(err, fields)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordOverflow(ev domain.OverflowEvent) {
	cause := string(ev.Cause)
	p.overflows.WithLabelValues(cause).Inc()
	p.lost.WithLabelValues(cause).Add(float64(ev.Lost))
	p.log.LogAttrs(context.Background(), slog.LevelWarn, "overflow",
		slog.String("cause", cause),
		slog.Uint64("lost", ev.Lost),
		slog.Uint64("first_index", ev.FirstIndex),
		slog.Time("detected_at", ev.DetectedAt),
	)
}

func attrs(fields []ports.Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func withErr(err error, fields []ports.Field) []slog.Attr {
	out := attrs(fields)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
