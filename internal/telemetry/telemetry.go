// Package telemetry records engine metrics with OpenTelemetry and exports
// them to an OTLP collector.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "ccbot"

// Config selects the OTLP collector. An empty Endpoint disables export.
type Config struct {
	Endpoint string
	Insecure bool
	Version  string
}

// Metrics holds the engine's instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	sessions   metric.Int64Counter
	ended      metric.Int64Counter
	approvals  metric.Int64Counter
	admissions metric.Int64Counter
	tokens     metric.Int64Counter
	cost       metric.Float64Counter
	duration   metric.Float64Histogram
	turns      metric.Int64Histogram
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(serviceName))
	return m
}

// NewExporter builds a meter provider that pushes to cfg.Endpoint. With no
// endpoint it returns Noop metrics.
func NewExporter(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.Endpoint == "" {
		return Noop(), nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlpmetricgrpc.WithInsecure(),
		)
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	m, err := New(provider.Meter(serviceName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.sessions, err = meter.Int64Counter("ccbot_sessions_started_total",
		metric.WithDescription("Sessions admitted to run"),
		metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}
	if m.ended, err = meter.Int64Counter("ccbot_sessions_ended_total",
		metric.WithDescription("Sessions that left the engine, by final status"),
		metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("creating ended counter: %w", err)
	}
	if m.approvals, err = meter.Int64Counter("ccbot_approvals_total",
		metric.WithDescription("Tool permission checks by result"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("creating approvals counter: %w", err)
	}
	if m.admissions, err = meter.Int64Counter("ccbot_queue_admissions_total",
		metric.WithDescription("Start requests by admission outcome"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("creating admissions counter: %w", err)
	}
	if m.tokens, err = meter.Int64Counter("ccbot_tokens_total",
		metric.WithDescription("Tokens used by runtime queries"),
		metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}
	if m.cost, err = meter.Float64Counter("ccbot_cost_usd",
		metric.WithDescription("Estimated query cost in USD"),
		metric.WithUnit("USD")); err != nil {
		return nil, fmt.Errorf("creating cost counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("ccbot_query_duration_seconds",
		metric.WithDescription("Runtime query duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	if m.turns, err = meter.Int64Histogram("ccbot_query_turns",
		metric.WithDescription("Model turns per query"),
		metric.WithUnit("{turn}")); err != nil {
		return nil, fmt.Errorf("creating turns histogram: %w", err)
	}
	return m, nil
}

// RecordApproval counts one permission check.
func (m *Metrics) RecordApproval(ctx context.Context, toolName, result string) {
	m.approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("result", result),
	))
}

// RecordAdmission counts a start request as started or queued.
func (m *Metrics) RecordAdmission(ctx context.Context, project string, queued bool) {
	outcome := "started"
	if queued {
		outcome = "queued"
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("outcome", outcome),
	))
}

// RecordSessionStarted counts a session entering running.
func (m *Metrics) RecordSessionStarted(ctx context.Context, project string) {
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}

// RecordSessionEnded counts a session leaving the engine.
func (m *Metrics) RecordSessionEnded(ctx context.Context, status string) {
	m.ended.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Query is the accounting of one runtime query.
type Query struct {
	Model        string
	Project      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Duration     time.Duration
	Turns        int
	Success      bool
}

// RecordQuery records tokens, cost, duration and turns for a query.
func (m *Metrics) RecordQuery(ctx context.Context, q Query) {
	opt := metric.WithAttributes(
		attribute.String("model", q.Model),
		attribute.String("project", q.Project),
		attribute.Bool("success", q.Success),
	)
	m.tokens.Add(ctx, q.InputTokens+q.OutputTokens, opt)
	m.cost.Add(ctx, q.CostUSD, opt)
	m.duration.Record(ctx, q.Duration.Seconds(), opt)
	m.turns.Record(ctx, int64(q.Turns), opt)
}

// Close flushes and shuts down the exporter, if any.
func (m *Metrics) Close(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
