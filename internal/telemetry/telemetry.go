// Package telemetry wires metrics and tracing for the engine. Both are
// optional: with no endpoint configured the tracer is a no-op and metrics
// simply never get scraped.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"otto/internal/logging"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	PlansCreated     prometheus.Counter
	TasksExecuted    *prometheus.CounterVec
	TaskDuration     prometheus.Histogram
	StepsRun         *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
	RetryAttempts    prometheus.Counter
	SafetyRejections prometheus.Counter
}

// NewMetrics registers the engine instruments on reg. Pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otto_plans_created_total",
			Help: "Plans produced by the planner.",
		}),
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otto_tasks_executed_total",
			Help: "Task executions by result status.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otto_task_duration_seconds",
			Help:    "Wall time of task executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		StepsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otto_steps_run_total",
			Help: "Steps run by command kind.",
		}, []string{"kind"}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otto_approvals_total",
			Help: "Approval outcomes.",
		}, []string{"outcome"}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otto_task_retries_total",
			Help: "Task execution retries.",
		}),
		SafetyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otto_safety_rejections_total",
			Help: "Commands rejected by the safety classifier.",
		}),
	}
	reg.MustRegister(m.PlansCreated, m.TasksExecuted, m.TaskDuration, m.StepsRun, m.Approvals, m.RetryAttempts, m.SafetyRejections)
	return m
}

// ObserveTask records one task execution outcome.
func (m *Metrics) ObserveTask(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksExecuted.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(duration.Seconds())
}

// ServeMetrics exposes the registry on addr. Blocks; run in a goroutine.
func ServeMetrics(addr string, reg *prometheus.Registry, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logging.OrNop(logger).Info("metrics listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// TracingConfig configures the exporter.
type TracingConfig struct {
	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Empty
	// disables tracing.
	OTLPEndpoint string
	ServiceName  string
}

// SetupTracing installs a tracer provider and returns its shutdown hook.
// With no endpoint the provider is a no-op and shutdown does nothing.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger logging.Logger) (trace.Tracer, func(context.Context) error, error) {
	log := logging.OrNop(logger)
	if cfg.OTLPEndpoint == "" {
		return noop.NewTracerProvider().Tracer("otto"), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "otto"
	}
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	log.Info("tracing exports to %s", cfg.OTLPEndpoint)
	return provider.Tracer("otto"), provider.Shutdown, nil
}
