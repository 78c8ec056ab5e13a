package transfer

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	sessionOpened   *prometheus.CounterVec
	sessionClosed   *prometheus.CounterVec
	stateEntered    *prometheus.CounterVec
	phaseCompleted  *prometheus.CounterVec
	phaseFailed     *prometheus.CounterVec
	completionError *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters. Counters
// already registered with the same registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		sessionOpened:   counter("rdmaxchg_session_opened_total", "Number of sessions whose resources were acquired", sessionLabelKeys),
		sessionClosed:   counter("rdmaxchg_session_closed_total", "Number of sessions torn down", sessionLabelKeys),
		stateEntered:    counter("rdmaxchg_qp_state_entered_total", "Number of queue pair state transitions", stateLabelKeys),
		phaseCompleted:  counter("rdmaxchg_phase_completed_total", "Number of transfer phases that completed", phaseLabelKeys),
		phaseFailed:     counter("rdmaxchg_phase_failed_total", "Number of transfer phases that failed", failureLabelKeys),
		completionError: counter("rdmaxchg_completion_errors_total", "Number of completions carrying a non-success status", cqErrorLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.sessionOpened,
		&p.sessionClosed,
		&p.stateEntered,
		&p.phaseCompleted,
		&p.phaseFailed,
		&p.completionError,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	sessionLabelKeys = []string{labelRole, labelProvider, labelDevice}
	stateLabelKeys   = []string{labelRole, labelProvider, labelDevice, labelState}
	phaseLabelKeys   = []string{labelRole, labelProvider, labelDevice, labelPhase, labelStatus}
	failureLabelKeys = []string{labelRole, labelProvider, labelDevice, labelPhase}
	cqErrorLabelKeys = []string{labelRole, labelProvider, labelDevice, labelKind, labelStatus}
)

func (p *PrometheusMetrics) SessionOpened(attrs map[string]string) {
	p.sessionOpened.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SessionClosed(attrs map[string]string) {
	p.sessionClosed.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) StateEntered(attrs map[string]string) {
	p.stateEntered.With(labels(attrs, stateLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PhaseCompleted(attrs map[string]string) {
	p.phaseCompleted.With(labels(attrs, phaseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PhaseFailed(_ error, attrs map[string]string) {
	p.phaseFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, cqErrorLabelKeys...)
	labs[labelKind] = kind
	p.completionError.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
