// Package observability provides OpenTelemetry-based tracing and metrics for
// the orchestration engine.
//
// Every span is recorded by the OTel SDK and mirrored into an in-memory ring
// so cycle reports and the CLI can inspect traces without a collector. When an
// OTLP endpoint is configured, spans and metrics are also exported over gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "monolith.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string  // e.g. "localhost:4317"; empty disables export
	SampleRate     float64 // 0.0 to 1.0, applies only when exporting
	BatchTimeout   time.Duration
	Insecure       bool
	SpanBuffer     int // spans kept in memory
}

// DefaultConfig returns local-only defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "monolith",
		ServiceVersion: "4.5.0",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
		SpanBuffer:     1000,
	}
}

// Tracer records spans, counters and latency aggregates for the engine.
type Tracer struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	recorder       *recorder
	logger         *slog.Logger

	mu         sync.Mutex
	counters   map[string]int64
	latencies  map[string]*Latency
	otelCount  map[string]metric.Int64Counter
	otelHist   map[string]metric.Float64Histogram
	errCounter metric.Int64Counter
}

// Latency is the running aggregate for one named operation.
type Latency struct {
	Count   int64         `json:"count"`
	Last    time.Duration `json:"last"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
}

// New creates a tracer. Export is enabled only when config.OTLPEndpoint is set.
func New(ctx context.Context, config *Config) (*Tracer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SpanBuffer <= 0 {
		config.SpanBuffer = DefaultConfig().SpanBuffer
	}

	t := &Tracer{
		config:    config,
		recorder:  newRecorder(config.SpanBuffer),
		logger:    slog.Default().With("component", "observability"),
		counters:  make(map[string]int64),
		latencies: make(map[string]*Latency),
		otelCount: make(map[string]metric.Int64Counter),
		otelHist:  make(map[string]metric.Float64Histogram),
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("monolith.component", "engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := t.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	t.tracer = t.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	t.meter = t.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	t.errCounter, err = t.meter.Int64Counter("monolith.errors.total",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	t.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return t, nil
}

// NewNop returns a tracer with no exporters, for tests and tools.
func NewNop() *Tracer {
	t, err := New(context.Background(), DefaultConfig())
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tracer) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(t.recorder),
	}

	if t.config.OTLPEndpoint == "" {
		opts = append(opts, sdktrace.WithSampler(sdktrace.AlwaysSample()))
		t.tracerProvider = sdktrace.NewTracerProvider(opts...)
		return nil
	}

	expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint)}
	if t.config.Insecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, expOpts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case t.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case t.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(t.config.SampleRate)
	}

	opts = append(opts,
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(t.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	t.tracerProvider = sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (t *Tracer) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	if t.config.OTLPEndpoint == "" {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(t.config.OTLPEndpoint)}
	if t.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

// Shutdown flushes and stops the providers.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			t.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			t.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// StartSpan starts a span. Spans started from a context that already carries
// a span become its children and share its trace id.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// TrackOperation starts a span and returns a function that ends it, counts the
// call and records its latency. Pass the operation's error to the function.
func (t *Tracer) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := t.StartSpan(ctx, name, attrs...)
	t.Inc(ctx, name+".calls", 1)

	return ctx, func(err error) {
		t.ObserveLatency(ctx, name, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.Inc(ctx, name+".errors", 1)
			t.errCounter.Add(ctx, 1, metric.WithAttributes(
				append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...,
			))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Inc adds delta to the named counter.
func (t *Tracer) Inc(ctx context.Context, name string, delta int64) {
	t.mu.Lock()
	t.counters[name] += delta
	c, ok := t.otelCount[name]
	if !ok {
		var err error
		c, err = t.meter.Int64Counter(name)
		if err != nil {
			t.mu.Unlock()
			t.logger.WarnContext(ctx, "counter registration failed", "name", name, "error", err)
			return
		}
		t.otelCount[name] = c
	}
	t.mu.Unlock()
	c.Add(ctx, delta)
}

// ObserveLatency folds d into the named latency aggregate.
func (t *Tracer) ObserveLatency(ctx context.Context, name string, d time.Duration) {
	t.mu.Lock()
	l, ok := t.latencies[name]
	if !ok {
		l = &Latency{}
		t.latencies[name] = l
	}
	l.Count++
	l.Last = d
	l.Average += (d - l.Average) / time.Duration(l.Count)
	if d > l.Max {
		l.Max = d
	}
	h, ok := t.otelHist[name]
	if !ok {
		var err error
		h, err = t.meter.Float64Histogram(name+".duration", metric.WithUnit("s"))
		if err != nil {
			t.mu.Unlock()
			t.logger.WarnContext(ctx, "histogram registration failed", "name", name, "error", err)
			return
		}
		t.otelHist[name] = h
	}
	t.mu.Unlock()
	h.Record(ctx, d.Seconds())
}

// Counter returns the current value of a counter.
func (t *Tracer) Counter(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[name]
}

// Snapshot is a point-in-time copy of everything the tracer holds.
type Snapshot struct {
	Spans     []Span             `json:"spans"`
	Counters  map[string]int64   `json:"counters"`
	Latencies map[string]Latency `json:"latencies"`
}

// Snapshot copies the recorded spans, counters and latencies.
func (t *Tracer) Snapshot() Snapshot {
	t.mu.Lock()
	counters := make(map[string]int64, len(t.counters))
	for k, v := range t.counters {
		counters[k] = v
	}
	latencies := make(map[string]Latency, len(t.latencies))
	for k, v := range t.latencies {
		latencies[k] = *v
	}
	t.mu.Unlock()

	return Snapshot{
		Spans:     t.recorder.spans(""),
		Counters:  counters,
		Latencies: latencies,
	}
}

// Trace returns the finished spans of one trace, oldest first.
func (t *Tracer) Trace(traceID string) []Span {
	return t.recorder.spans(traceID)
}
