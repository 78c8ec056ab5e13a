package transfer

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for a session.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to session spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap a session.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records session lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures session telemetry events.
type MetricHook interface {
	SessionOpened(attrs map[string]string)
	SessionClosed(attrs map[string]string)
	StateEntered(attrs map[string]string)
	PhaseCompleted(attrs map[string]string)
	PhaseFailed(err error, attrs map[string]string)
	CompletionError(kind string, err error, attrs map[string]string)
}

const (
	labelRole     = "role"
	labelProvider = "provider"
	labelDevice   = "device"
	labelPhase    = "phase"
	labelState    = "state"
	labelStatus   = "status"
	labelKind     = "kind"
)

const spanName = "rdmaxchg-session"

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (s *Session) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelRole] = s.cfg.Role.String()
	attrs[labelProvider] = s.provider
	attrs[labelDevice] = s.device
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (s *Session) logEvent(event string, fields ...logField) {
	if s == nil {
		return
	}
	if s.cfg.StructuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelRole, s.cfg.Role.String())
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		s.cfg.StructuredLogger.Debugw("rdmaxchg session", kv...)
		return
	}
	if s.cfg.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	s.cfg.Logger.Debugf("%s session %s", s.cfg.Role, b.String())
}

// record logs an event and mirrors it onto the session span.
func (s *Session) record(event string, fields ...logField) {
	s.logEvent(event, fields...)
	spanAddEvent(s.span, event, fields...)
}

func (s *Session) metricSessionOpened() {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.SessionOpened(s.metricAttrs())
}

func (s *Session) metricSessionClosed() {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.SessionClosed(s.metricAttrs())
}

func (s *Session) metricStateEntered(state string) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.StateEntered(s.metricAttrs(logKV(labelState, state)))
}

func (s *Session) metricPhaseCompleted(phase string) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.PhaseCompleted(s.metricAttrs(logKV(labelPhase, phase), logKV(labelStatus, "ok")))
}

func (s *Session) metricPhaseFailed(phase string, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.PhaseFailed(err, s.metricAttrs(logKV(labelPhase, phase)))
}

func (s *Session) metricCompletionError(kind string, status string, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.CompletionError(kind, err, s.metricAttrs(logKV(labelStatus, status)))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
