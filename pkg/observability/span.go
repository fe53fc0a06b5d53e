package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Engine semantic convention attributes.
var (
	AttrComponent = attribute.Key("monolith.component")
	AttrWorker    = attribute.Key("monolith.worker")
	AttrGroup     = attribute.Key("monolith.group")
	AttrPhase     = attribute.Key("monolith.phase")
	AttrAttempt   = attribute.Key("monolith.attempt")
	AttrErrorKind = attribute.Key("monolith.error_kind")
	AttrCycleID   = attribute.Key("monolith.cycle.id")
	AttrStatus    = attribute.Key("monolith.status")
)

// SpanStatus is the final status of a span.
type SpanStatus string

const (
	SpanUnset SpanStatus = "UNSET"
	SpanOK    SpanStatus = "OK"
	SpanError SpanStatus = "ERROR"
)

// Span is a finished unit of work.
type Span struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Status       SpanStatus        `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Events       []SpanEvent       `json:"events,omitempty"`
}

// Duration returns the span's wall time.
func (s Span) Duration() time.Duration { return s.End.Sub(s.Start) }

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// recorder is an sdktrace.SpanProcessor keeping the last n finished spans.
type recorder struct {
	mu   sync.Mutex
	ring []Span
	next int
	full bool
}

var _ sdktrace.SpanProcessor = (*recorder)(nil)

func newRecorder(n int) *recorder {
	return &recorder{ring: make([]Span, n)}
}

func (r *recorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *recorder) OnEnd(s sdktrace.ReadOnlySpan) {
	span := Span{
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		Name:       s.Name(),
		Start:      s.StartTime(),
		End:        s.EndTime(),
		Status:     statusOf(s.Status().Code),
		Attributes: attrMap(s.Attributes()),
	}
	if p := s.Parent(); p.IsValid() {
		span.ParentSpanID = p.SpanID().String()
	}
	for _, e := range s.Events() {
		span.Events = append(span.Events, SpanEvent{
			Name:       e.Name,
			Time:       e.Time,
			Attributes: attrMap(e.Attributes),
		})
	}

	r.mu.Lock()
	r.ring[r.next] = span
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *recorder) Shutdown(context.Context) error   { return nil }
func (r *recorder) ForceFlush(context.Context) error { return nil }

// spans returns recorded spans oldest first, filtered by trace id when set.
func (r *recorder) spans(traceID string) []Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Span
	if r.full {
		ordered = append(ordered, r.ring[r.next:]...)
	}
	ordered = append(ordered, r.ring[:r.next]...)

	if traceID == "" {
		return ordered
	}
	out := ordered[:0]
	for _, s := range ordered {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

func statusOf(c codes.Code) SpanStatus {
	switch c {
	case codes.Ok:
		return SpanOK
	case codes.Error:
		return SpanError
	default:
		return SpanUnset
	}
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
