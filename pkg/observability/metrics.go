package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// meterName identifies this module's meter.
const meterName = "regent"

// Balance outcome attribute values.
const (
	OutcomeConverted         = "converted"
	OutcomeSkippedCold       = "skipped_cold"
	OutcomeSkippedInfeasible = "skipped_infeasible"
	OutcomeSkippedNoop       = "skipped_noop"
)

// MetricsProvider bundles the meter with its Prometheus registry and an HTTP
// handler for scraping.
type MetricsProvider struct {
	Meter    metric.Meter
	Registry *prometheus.Registry
	Handler  http.Handler

	// Shutdown flushes the SDK. Call before process exit.
	Shutdown func(ctx context.Context) error
}

// NewMetricsProvider builds an OpenTelemetry meter backed by a fresh
// Prometheus registry.
func NewMetricsProvider() (*MetricsProvider, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return &MetricsProvider{
		Meter:    provider.Meter(meterName),
		Registry: registry,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown: provider.Shutdown,
	}, nil
}

// Metrics holds the instruments recorded by the allocator and the balancer.
type Metrics struct {
	// BalanceOps counts balance invocations by outcome.
	BalanceOps metric.Int64Counter

	// PagesConverted counts pages created during conversions, by class.
	PagesConverted metric.Int64Counter

	// BalanceDuration records the duration of the balance sub-phase in
	// milliseconds.
	BalanceDuration metric.Float64Histogram

	// CacheFlushes counts forced page cache flushes on the allocation path.
	CacheFlushes metric.Int64Counter

	// AllocationStalls counts allocations that could not be satisfied.
	AllocationStalls metric.Int64Counter
}

// NewMetrics registers the instrument set on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	balanceOps, err := meter.Int64Counter("regent.balance.operations",
		metric.WithDescription("Balance invocations by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create balance operations counter: %w", err)
	}

	pagesConverted, err := meter.Int64Counter("regent.balance.pages_converted",
		metric.WithDescription("Pages created during cache conversions, by class."))
	if err != nil {
		return nil, fmt.Errorf("create pages converted counter: %w", err)
	}

	balanceDuration, err := meter.Float64Histogram("regent.balance.duration_ms",
		metric.WithDescription("Duration of the balance sub-phase in milliseconds."))
	if err != nil {
		return nil, fmt.Errorf("create balance duration histogram: %w", err)
	}

	cacheFlushes, err := meter.Int64Counter("regent.alloc.cache_flushes",
		metric.WithDescription("Forced page cache flushes on the allocation path."))
	if err != nil {
		return nil, fmt.Errorf("create cache flushes counter: %w", err)
	}

	allocationStalls, err := meter.Int64Counter("regent.alloc.stalls",
		metric.WithDescription("Allocations that could not be satisfied from cache or free memory."))
	if err != nil {
		return nil, fmt.Errorf("create allocation stalls counter: %w", err)
	}

	return &Metrics{
		BalanceOps:       balanceOps,
		PagesConverted:   pagesConverted,
		BalanceDuration:  balanceDuration,
		CacheFlushes:     cacheFlushes,
		AllocationStalls: allocationStalls,
	}, nil
}

// NopMetrics returns instruments that record nothing, for callers that run
// without a metrics provider.
func NopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// The noop meter never fails instrument creation.
		panic(err)
	}

	return m
}

// WithOutcome builds the attribute set for a balance outcome.
func WithOutcome(outcome string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

// WithClass builds the attribute set for a page class label.
func WithClass(class string) metric.AddOption {
	return metric.WithAttributes(attribute.String("class", class))
}
