package transfer

import (
	"fmt"
	"strings"
	"sync"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

// logEvents returns the values of the "event" field for entries logged by role.
func logEvents(logs *observer.ObservedLogs, role string) []string {
	var events []string
	for _, entry := range logs.All() {
		fields := entry.ContextMap()
		if r, _ := fields[labelRole].(string); r != role {
			continue
		}
		if evt, ok := fields["event"].(string); ok {
			events = append(events, evt)
		}
	}
	return events
}

func spanHasEvent(recorder *tracetest.SpanRecorder, role, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != spanName {
			continue
		}
		matched := false
		for _, attr := range span.Attributes() {
			if string(attr.Key) == labelRole && attr.Value.AsString() == role {
				matched = true
			}
		}
		if !matched {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type metricRecorder struct {
	mu               sync.Mutex
	sessionOpened    int
	sessionClosed    int
	states           []string
	phaseCompleted   []string
	phaseFailed      []string
	completionErrors []string
}

type metricSnapshot struct {
	SessionOpened    int
	SessionClosed    int
	States           []string
	PhaseCompleted   []string
	PhaseFailed      []string
	CompletionErrors []string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) SessionOpened(_ map[string]string) {
	m.mu.Lock()
	m.sessionOpened++
	m.mu.Unlock()
}

func (m *metricRecorder) SessionClosed(_ map[string]string) {
	m.mu.Lock()
	m.sessionClosed++
	m.mu.Unlock()
}

func (m *metricRecorder) StateEntered(attrs map[string]string) {
	m.mu.Lock()
	m.states = append(m.states, attrs[labelRole]+":"+attrs[labelState])
	m.mu.Unlock()
}

func (m *metricRecorder) PhaseCompleted(attrs map[string]string) {
	m.mu.Lock()
	m.phaseCompleted = append(m.phaseCompleted, attrs[labelRole]+":"+attrs[labelPhase])
	m.mu.Unlock()
}

func (m *metricRecorder) PhaseFailed(_ error, attrs map[string]string) {
	m.mu.Lock()
	m.phaseFailed = append(m.phaseFailed, attrs[labelRole]+":"+attrs[labelPhase])
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionError(kind string, _ error, attrs map[string]string) {
	m.mu.Lock()
	m.completionErrors = append(m.completionErrors, attrs[labelRole]+":"+kind+":"+attrs[labelStatus])
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		SessionOpened:    m.sessionOpened,
		SessionClosed:    m.sessionClosed,
		States:           append([]string(nil), m.states...),
		PhaseCompleted:   append([]string(nil), m.phaseCompleted...),
		PhaseFailed:      append([]string(nil), m.phaseFailed...),
		CompletionErrors: append([]string(nil), m.completionErrors...),
	}
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debugf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *lineLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
