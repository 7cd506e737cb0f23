package router

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProviderMetrics is the exposed per-provider snapshot. Values are eventually
// consistent; updates happen under the registry mutex.
type ProviderMetrics struct {
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

type metricsRegistry struct {
	mu      sync.Mutex
	perProv map[string]*providerCounters

	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
}

type providerCounters struct {
	requests  int64
	errors    int64
	latencyMs int64
}

func newMetricsRegistry() *metricsRegistry {
	meter := otel.Meter("intentforge/router")
	requests, _ := meter.Int64Counter("router.requests")
	errs, _ := meter.Int64Counter("router.errors")
	latency, _ := meter.Float64Histogram("router.latency_ms")
	return &metricsRegistry{
		perProv:  make(map[string]*providerCounters),
		requests: requests,
		errors:   errs,
		latency:  latency,
	}
}

func (m *metricsRegistry) record(ctx context.Context, provider string, latencyMs int64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(latencyMs), attrs)
	if failed {
		m.errors.Add(ctx, 1, attrs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.perProv[provider]
	if !ok {
		c = &providerCounters{}
		m.perProv[provider] = c
	}
	c.requests++
	c.latencyMs += latencyMs
	if failed {
		c.errors++
	}
}

func (m *metricsRegistry) snapshot() map[string]ProviderMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProviderMetrics, len(m.perProv))
	for name, c := range m.perProv {
		pm := ProviderMetrics{Requests: c.requests, Errors: c.errors}
		if c.requests > 0 {
			pm.MeanLatencyMs = float64(c.latencyMs) / float64(c.requests)
		}
		out[name] = pm
	}
	return out
}
