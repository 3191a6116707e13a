package ports

import "github.com/ilyaradko/PicoScope/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordOverflow(ev domain.OverflowEvent)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the pipeline and observability adapters.
const (
	MetricSamplesDispatched = "picoscope_samples_dispatched_total"
	MetricOverflowEvents    = "picoscope_overflow_events_total"
	MetricSamplesLost       = "picoscope_samples_lost_total"
	MetricSinkBackpressure  = "picoscope_sink_backpressure_total"
	MetricFaults            = "picoscope_faults_total"
	MetricOverRange         = "picoscope_adc_over_range_total"
	MetricRingBlocks        = "picoscope_ring_blocks"
	MetricSessionState      = "picoscope_session_state"
	MetricSinkLatency       = "picoscope_sink_latency_seconds"
)
