// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TracerName is the instrumentation scope used by every FeedForge span.
const TracerName = "github.com/lvonguyen/feedforge"

// Telemetry provides unified observability for FeedForge
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	registry     *prometheus.Registry
	config       Config
	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// Config configures telemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Logging
	LogLevel  string
	LogFormat string // json, console

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
	SamplingRate   float64

	// Metrics
	MetricsEnabled bool
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.TracingEnabled {
		if err := t.initTracer(); err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(TracerName)

	if cfg.MetricsEnabled {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}

	return t, nil
}

// NewLogger builds the structured logger described by cfg.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var config zap.Config

	if cfg.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	return config.Build()
}

// initTracer initializes OpenTelemetry tracing
func (t *Telemetry) initTracer() error {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			attribute.String("environment", t.config.Environment),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.config.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	return nil
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics, or nil when metrics are disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus metrics handler
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector samples goroutine count until ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil {
				err = e
			}
		}
		_ = t.logger.Sync()
	})
	return err
}

// Metrics holds Prometheus metrics for FeedForge. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Feed run metrics
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunsActive   prometheus.Gauge
	FeedsDue     prometheus.Gauge

	// IOC metrics
	IOCsIngested *prometheus.CounterVec
	IOCsExpired  prometheus.Counter
	ImportRows   *prometheus.CounterVec

	// Enrichment metrics
	EnrichmentDuration *prometheus.HistogramVec
	EnrichmentRequests *prometheus.CounterVec
	EnrichmentCacheHit *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge

	// API metrics
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RateLimitRejected *prometheus.CounterVec
}

// NewMetrics registers the FeedForge metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	namespace := "feedforge"
	factory := promauto.With(reg)

	return &Metrics{
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_runs_total",
				Help:      "Finished feed update runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_run_duration_seconds",
				Help:      "Feed update run duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"feed_type"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_runs_active",
				Help:      "Feed update runs currently executing in this process",
			},
		),
		FeedsDue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feeds_due",
				Help:      "Feeds found due on the last scheduler tick",
			},
		),
		IOCsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iocs_ingested_total",
				Help:      "IOC records ingested by outcome",
			},
			[]string{"outcome"},
		),
		IOCsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iocs_expired_total",
				Help:      "IOCs deactivated after their expiry passed",
			},
		),
		ImportRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "import_rows_total",
				Help:      "Bulk import rows by format and outcome",
			},
			[]string{"format", "outcome"},
		),
		EnrichmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enrichment_duration_seconds",
				Help:      "Enrichment duration by source type",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"source_type"},
		),
		EnrichmentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_requests_total",
				Help:      "Total enrichment requests",
			},
			[]string{"source_type", "status"},
		),
		EnrichmentCacheHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_cache_hits_total",
				Help:      "Enrichment cache hits",
			},
			[]string{"source_type"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
		RateLimitRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// RunFinished records the end of a feed run.
func (m *Metrics) RunFinished(trigger, status, feedType string, took time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(trigger, status).Inc()
	m.RunDuration.WithLabelValues(feedType).Observe(took.Seconds())
}

// RunStarted adjusts the active-run gauge by delta.
func (m *Metrics) RunStarted(delta int) {
	if m == nil {
		return
	}
	m.RunsActive.Add(float64(delta))
}

// Ingested counts n records with the given outcome (added, updated, rejected).
func (m *Metrics) Ingested(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IOCsIngested.WithLabelValues(outcome).Add(float64(n))
}

// Enriched records one enrichment attempt.
func (m *Metrics) Enriched(sourceType, status string, took time.Duration, cached bool) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(sourceType, status).Inc()
	m.EnrichmentDuration.WithLabelValues(sourceType).Observe(took.Seconds())
	if cached {
		m.EnrichmentCacheHit.WithLabelValues(sourceType).Inc()
	}
}

// Imported counts bulk import rows.
func (m *Metrics) Imported(format, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ImportRows.WithLabelValues(format, outcome).Add(float64(n))
}

// Expired counts swept indicators.
func (m *Metrics) Expired(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.IOCsExpired.Add(float64(n))
}

// Due records how many feeds the last tick found due.
func (m *Metrics) Due(n int) {
	if m == nil {
		return
	}
	m.FeedsDue.Set(float64(n))
}

// Request records a served HTTP request.
func (m *Metrics) Request(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitRejected.WithLabelValues(route).Inc()
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
	}
}

// Tracer returns the global FeedForge tracer. Spans are no-ops until a
// provider is installed by New.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
