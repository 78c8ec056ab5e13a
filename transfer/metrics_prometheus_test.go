package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelRole:     "passive",
		labelProvider: "loopback",
		labelDevice:   "loop0",
	}
	metrics.SessionOpened(base)
	metrics.SessionClosed(base)

	state := map[string]string{labelRole: "passive", labelProvider: "loopback", labelDevice: "loop0", labelState: "RTR"}
	metrics.StateEntered(state)

	phase := map[string]string{
		labelRole:     "passive",
		labelProvider: "loopback",
		labelDevice:   "loop0",
		labelPhase:    PhaseWrite,
		labelStatus:   "ok",
	}
	metrics.PhaseCompleted(phase)
	metrics.PhaseFailed(errors.New("timeout"), phase)
	metrics.CompletionError("receive", verbs.WCRemInvReqErr, map[string]string{
		labelRole:     "passive",
		labelProvider: "loopback",
		labelDevice:   "loop0",
		labelStatus:   verbs.WCRemInvReqErr.String(),
	})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"rdmaxchg_session_opened_total":    1,
		"rdmaxchg_session_closed_total":    1,
		"rdmaxchg_qp_state_entered_total":  1,
		"rdmaxchg_phase_completed_total":   1,
		"rdmaxchg_phase_failed_total":      1,
		"rdmaxchg_completion_errors_total": 1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabeledCounter(mfs, "rdmaxchg_completion_errors_total", labelKind, "receive"); got != 1 {
		t.Fatalf("completion error kind label: got %v want 1", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelRole: "active", labelProvider: "loopback", labelDevice: "loop0"}
	first.SessionOpened(attrs)
	second.SessionOpened(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "rdmaxchg_session_opened_total"); got != 2 {
		t.Fatalf("shared counter: got %v want 2", got)
	}
}

func TestPrometheusMetricsFromLoopbackPair(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	cfg := testConfig()
	cfg.Metrics = metrics
	if _, err := RunLoopbackPair(context.Background(), verbs.NewLoopback(), cfg, cfg); err != nil {
		t.Fatalf("RunLoopbackPair: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"rdmaxchg_session_opened_total":   2,
		"rdmaxchg_session_closed_total":   2,
		"rdmaxchg_qp_state_entered_total": 5,
		"rdmaxchg_phase_completed_total":  4,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabeledCounter(mfs, "rdmaxchg_qp_state_entered_total", labelState, "RTS"); got != 1 {
		t.Fatalf("RTS transitions: got %v want 1", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabeledCounter(mfs []*dto.MetricFamily, name, key, value string) float64 {
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == key && lp.GetValue() == value {
					sum += m.GetCounter().GetValue()
				}
			}
		}
	}
	return sum
}
