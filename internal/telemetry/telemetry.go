// Package telemetry provides OpenTelemetry metrics for evergraph.
//
// Metrics are disabled by default; when disabled every recording call is a
// no-op against the global no-op meter. The stdout exporter exists for
// development; production deployments point the SDK at their own reader.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/evergraph/evergraph/internal/types"
)

const scopeName = "github.com/evergraph/evergraph"

// Metrics bundles the instruments the pipeline records.
type Metrics struct {
	imports    metric.Int64Counter
	created    metric.Int64Counter
	closed     metric.Int64Counter
	unchanged  metric.Int64Counter
	queries    metric.Int64Counter
	queryDur   metric.Float64Histogram
	shutdownFn func(context.Context) error
}

// Config controls telemetry setup.
type Config struct {
	Enabled bool
	// Stdout pretty-prints metrics on an interval; development only.
	Stdout   bool
	Interval time.Duration
}

// New builds the metrics bundle. With Enabled false the instruments come
// from the global (no-op) meter and Shutdown does nothing.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	shutdown := func(context.Context) error { return nil }

	if cfg.Enabled && cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, types.Internalf("stdout metric exporter: %v", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceName("evergraph"),
		))
		if err != nil {
			return nil, types.Internalf("telemetry resource: %v", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(provider)
		shutdown = provider.Shutdown
	}

	m := otel.GetMeterProvider().Meter(scopeName)
	imports, _ := m.Int64Counter("evergraph.imports",
		metric.WithDescription("Import runs by terminal status"))
	created, _ := m.Int64Counter("evergraph.assertions.created",
		metric.WithDescription("Assertions created by imports"))
	closed, _ := m.Int64Counter("evergraph.assertions.closed",
		metric.WithDescription("Assertions closed by imports"))
	unchanged, _ := m.Int64Counter("evergraph.assertions.unchanged",
		metric.WithDescription("Assertions left untouched by imports"))
	queries, _ := m.Int64Counter("evergraph.queries",
		metric.WithDescription("Query surface requests by kind"))
	queryDur, _ := m.Float64Histogram("evergraph.query.duration",
		metric.WithDescription("Query surface latency in milliseconds"),
		metric.WithUnit("ms"))

	return &Metrics{
		imports:    imports,
		created:    created,
		closed:     closed,
		unchanged:  unchanged,
		queries:    queries,
		queryDur:   queryDur,
		shutdownFn: shutdown,
	}, nil
}

// Nop returns a bundle wired to the global no-op meter.
func Nop() *Metrics {
	m, _ := New(context.Background(), Config{})
	return m
}

// Shutdown flushes the provider when one was installed.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdownFn == nil {
		return nil
	}
	return m.shutdownFn(ctx)
}

// RecordImport counts one finished run and its assertion deltas.
func (m *Metrics) RecordImport(ctx context.Context, status string, stats types.EventStats) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.imports.Add(ctx, 1, attrs)
	m.created.Add(ctx, int64(stats.Created))
	m.closed.Add(ctx, int64(stats.Closed))
	m.unchanged.Add(ctx, int64(stats.Unchanged))
}

// RecordQuery counts one query-surface call and its latency.
func (m *Metrics) RecordQuery(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.queries.Add(ctx, 1, attrs)
	m.queryDur.Record(ctx, float64(d.Milliseconds()), attrs)
}
