package transfer

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelRole:     "active",
		labelProvider: "loopback",
		labelDevice:   "loop0",
	}
	metrics.SessionOpened(base)
	metrics.SessionClosed(base)

	withPhase := map[string]string{
		labelRole:     "active",
		labelProvider: "loopback",
		labelDevice:   "loop0",
		labelPhase:    PhaseRead,
		labelStatus:   "ok",
	}
	metrics.StateEntered(map[string]string{labelRole: "active", labelState: "RTS"})
	metrics.PhaseCompleted(withPhase)
	metrics.PhaseFailed(errors.New("read failed"), withPhase)
	metrics.CompletionError("read", verbs.WCRemAccessErr, base)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"rdmaxchg.session.opened":    1,
		"rdmaxchg.session.closed":    1,
		"rdmaxchg.qp.state_entered":  1,
		"rdmaxchg.phase.completed":   1,
		"rdmaxchg.phase.failed":      1,
		"rdmaxchg.completion.errors": 1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestOTelMetricsFromFailedRead(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider, InstrumentationName: "rdmaxchg-test"})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}
	cfg := testConfig()
	cfg.Metrics = metrics
	fab := verbs.NewLoopback(verbs.WithCompletionFault(verbs.OpcodeRDMARead, verbs.WCRemAccessErr))
	if _, err := RunLoopbackPair(context.Background(), fab, cfg, cfg); !errors.Is(err, verbs.WCRemAccessErr) {
		t.Fatalf("RunLoopbackPair: got %v want %v", err, verbs.WCRemAccessErr)
	}

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := otelCounterValue(rm, "rdmaxchg.completion.errors"); got != 1 {
		t.Fatalf("completion errors: got %v want 1", got)
	}
	if got := otelCounterValue(rm, "rdmaxchg.session.closed"); got != 2 {
		t.Fatalf("sessions closed: got %v want 2", got)
	}
	if len(rm.ScopeMetrics) == 0 || rm.ScopeMetrics[0].Scope.Name != "rdmaxchg-test" {
		t.Fatalf("unexpected instrumentation scope: %+v", rm.ScopeMetrics)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
