package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

func newTestObs(t *testing.T) (*PromObs, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewPromObs(prometheus.NewRegistry(), logger), &buf
}

func TestPromObsMetrics(t *testing.T) {
	obs, _ := newTestObs(t)

	obs.IncCounter(ports.MetricSamplesDispatched, 5)
	if got := testutil.ToFloat64(obs.counters[ports.MetricSamplesDispatched]); got != 5 {
		t.Fatalf("expected dispatched counter 5, got %f", got)
	}

	obs.IncCounter(ports.MetricSinkBackpressure, 2)
	if got := testutil.ToFloat64(obs.counters[ports.MetricSinkBackpressure]); got != 2 {
		t.Fatalf("expected backpressure counter 2, got %f", got)
	}

	obs.IncCounter("unknown_metric", 1)

	obs.SetGauge(ports.MetricRingBlocks, 42)
	if got := testutil.ToFloat64(obs.gauges[ports.MetricRingBlocks]); got != 42 {
		t.Fatalf("expected ring gauge 42, got %f", got)
	}

	obs.ObserveLatency(ports.MetricSinkLatency, 0.5)
	hCollector := obs.histos[ports.MetricSinkLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}
}

func TestPromObsRecordOverflow(t *testing.T) {
	obs, buf := newTestObs(t)

	obs.RecordOverflow(domain.OverflowEvent{Cause: domain.OverflowRingEvicted, Lost: 1000, FirstIndex: 7})
	obs.RecordOverflow(domain.OverflowEvent{Cause: domain.OverflowRingEvicted, Lost: 500})
	obs.RecordOverflow(domain.OverflowEvent{Cause: domain.OverflowDeviceGap, Lost: 3})

	if got := testutil.ToFloat64(obs.overflows.WithLabelValues("ring_evicted")); got != 2 {
		t.Fatalf("expected 2 ring events, got %f", got)
	}
	if got := testutil.ToFloat64(obs.lost.WithLabelValues("ring_evicted")); got != 1500 {
		t.Fatalf("expected 1500 lost, got %f", got)
	}
	if got := testutil.ToFloat64(obs.lost.WithLabelValues("device_gap")); got != 3 {
		t.Fatalf("expected 3 lost by gap, got %f", got)
	}
	if !strings.Contains(buf.String(), "cause=ring_evicted") {
		t.Fatalf("expected overflow log line, got %q", buf.String())
	}
}

func TestPromObsLogging(t *testing.T) {
	obs, buf := newTestObs(t)
	obs.LogInfo("started", ports.Field{Key: "serial", Value: "JO123"})
	obs.LogCritical("session_faulted", errors.New("usb reset"))

	out := buf.String()
	if !strings.Contains(out, "serial=JO123") {
		t.Fatalf("missing info field: %q", out)
	}
	if !strings.Contains(out, "level=ERROR+4") || !strings.Contains(out, `error="usb reset"`) {
		t.Fatalf("missing critical line: %q", out)
	}
}
