package transfer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter           metric.Meter
	sessionOpened   metric.Int64Counter
	sessionClosed   metric.Int64Counter
	stateEntered    metric.Int64Counter
	phaseCompleted  metric.Int64Counter
	phaseFailed     metric.Int64Counter
	completionError metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdmaxchg-go/transfer"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.sessionOpened, "rdmaxchg.session.opened", "Sessions whose resources were acquired"},
		{&o.sessionClosed, "rdmaxchg.session.closed", "Sessions torn down"},
		{&o.stateEntered, "rdmaxchg.qp.state_entered", "Queue pair state transitions"},
		{&o.phaseCompleted, "rdmaxchg.phase.completed", "Transfer phases that completed"},
		{&o.phaseFailed, "rdmaxchg.phase.failed", "Transfer phases that failed"},
		{&o.completionError, "rdmaxchg.completion.errors", "Completions carrying a non-success status"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// SessionOpened records that a session acquired its resources.
func (o *OTelMetrics) SessionOpened(attrs map[string]string) {
	o.sessionOpened.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SessionClosed records that a session was torn down.
func (o *OTelMetrics) SessionClosed(attrs map[string]string) {
	o.sessionClosed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// StateEntered records a queue pair state transition.
func (o *OTelMetrics) StateEntered(attrs map[string]string) {
	o.stateEntered.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelState)...))
}

// PhaseCompleted records a completed transfer phase.
func (o *OTelMetrics) PhaseCompleted(attrs map[string]string) {
	o.phaseCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelPhase, labelStatus)...))
}

// PhaseFailed records a failed transfer phase.
func (o *OTelMetrics) PhaseFailed(_ error, attrs map[string]string) {
	o.phaseFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelPhase)...))
}

// CompletionError counts completions with a non-success status.
func (o *OTelMetrics) CompletionError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrsWith(attrs, labelStatus), attribute.String(labelKind, kind))
	o.completionError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelRole, attrs[labelRole]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	return kvs
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
