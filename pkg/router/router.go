package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/intentforge/core/pkg/contracts"
)

// Router selects a provider for each chat request: priority rules first,
// then model-list match, then the configured fallback. Policy is enforced
// before any provider call, including on the fallback path.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*circuitBreaker
	limiters  map[string]*rate.Limiter
	rules     []Rule
	policy    *OrgPolicy
	fallback  string

	metrics *metricsRegistry
	logger  *slog.Logger

	breakerThreshold int
	breakerCooldown  time.Duration
	providerRPS      float64
}

// Option configures the router.
type Option func(*Router)

// WithPolicy installs the org policy gate.
func WithPolicy(p *OrgPolicy) Option { return func(r *Router) { r.policy = p } }

// WithFallback names the provider of last resort.
func WithFallback(name string) Option { return func(r *Router) { r.fallback = name } }

// WithBreaker tunes the per-provider circuit breaker.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(r *Router) {
		r.breakerThreshold = threshold
		r.breakerCooldown = cooldown
	}
}

// WithProviderRPS caps per-provider request rate. 0 disables limiting.
func WithProviderRPS(rps float64) Option { return func(r *Router) { r.providerRPS = rps } }

func New(opts ...Option) *Router {
	r := &Router{
		providers:        make(map[string]Provider),
		breakers:         make(map[string]*circuitBreaker),
		limiters:         make(map[string]*rate.Limiter),
		metrics:          newMetricsRegistry(),
		logger:           slog.Default().With("component", "router"),
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds or replaces a provider.
func (r *Router) RegisterProvider(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.breakers[name] = newCircuitBreaker(r.breakerThreshold, r.breakerCooldown)
	if r.providerRPS > 0 {
		r.limiters[name] = rate.NewLimiter(rate.Limit(r.providerRPS), int(r.providerRPS)+1)
	}
}

// UnregisterProvider removes a provider.
func (r *Router) UnregisterProvider(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	delete(r.breakers, name)
	delete(r.limiters, name)
}

// AddRule installs a routing rule; rules evaluate by priority descending.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
}

// selectProvider implements the selection algorithm. Returns the chosen
// provider name or an error when nothing is eligible.
func (r *Router) selectProvider(req ChatRequest) (string, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.policy.Permits(req.Model) {
		return "", nil, &contracts.PolicyViolationError{
			Phase: "pre",
			Violations: []contracts.Violation{{
				RuleID:      "router.model_policy",
				Severity:    contracts.SeverityCritical,
				Description: fmt.Sprintf("model %q not permitted by org policy", req.Model),
			}},
		}
	}

	// 1. Priority rules.
	for _, rule := range r.rules {
		if !rule.matches(req) {
			continue
		}
		if p, ok := r.providers[rule.Target]; ok && r.admits(rule.Target) {
			return rule.Target, p, nil
		}
	}

	// 2. Any provider listing the model.
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.admits(name) {
			continue
		}
		for _, m := range r.providers[name].Models() {
			if m == req.Model {
				return name, r.providers[name], nil
			}
		}
	}

	// 3. Fallback provider.
	if r.fallback != "" {
		if p, ok := r.providers[r.fallback]; ok && r.admits(r.fallback) {
			return r.fallback, p, nil
		}
	}

	return "", nil, fmt.Errorf("no provider available for model %q", req.Model)
}

// admits checks the provider's circuit breaker under the read lock.
func (r *Router) admits(name string) bool {
	b, ok := r.breakers[name]
	return ok && b.allow()
}

// Chat routes the request. On a provider error it retries once on the
// fallback provider, if that differs from the attempted one and the policy
// still permits the model.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	name, provider, err := r.selectProvider(req)
	if err != nil {
		return nil, err
	}

	resp, err := r.callProvider(ctx, name, provider, req)
	if err == nil {
		return resp, nil
	}

	r.logger.WarnContext(ctx, "provider call failed", "provider", name, "model", req.Model, "error", err)

	r.mu.RLock()
	fallbackName := r.fallback
	fallbackProv := r.providers[fallbackName]
	r.mu.RUnlock()

	if fallbackName == "" || fallbackName == name || fallbackProv == nil {
		return nil, err
	}
	// Fallback must satisfy policy too.
	if !r.policy.Permits(req.Model) {
		return nil, err
	}
	resp, ferr := r.callProvider(ctx, fallbackName, fallbackProv, req)
	if ferr != nil {
		return nil, fmt.Errorf("fallback %s also failed: %w (original: %v)", fallbackName, ferr, err)
	}
	return resp, nil
}

func (r *Router) callProvider(ctx context.Context, name string, p Provider, req ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	limiter := r.limiters[name]
	breaker := r.breakers[name]
	r.mu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	latency := time.Since(start).Milliseconds()
	r.metrics.record(ctx, name, latency, err != nil)

	if breaker != nil {
		if err != nil {
			breaker.recordFailure()
		} else {
			breaker.recordSuccess()
		}
	}
	if err != nil {
		if _, ok := err.(*contracts.ProviderError); ok {
			return nil, err
		}
		return nil, &contracts.ProviderError{Provider: name, Retryable: true, Err: err}
	}
	resp.Provider = name
	if resp.LatencyMs == 0 {
		resp.LatencyMs = latency
	}
	return resp, nil
}

// ChatStream routes a streaming request. There is no automatic fallback
// mid-stream: transport failures surface on the chunk channel.
func (r *Router) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	name, provider, err := r.selectProvider(req)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ch, err := provider.ChatStream(ctx, req)
	if err != nil {
		r.metrics.record(ctx, name, 0, true)
		if b := r.breakers[name]; b != nil {
			b.recordFailure()
		}
		return nil, err
	}
	return ch, nil
}

// HealthCheck probes every registered provider.
func (r *Router) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(providers))
	var wg sync.WaitGroup
	var outMu sync.Mutex
	for name, p := range providers {
		wg.Add(1)
		go func(name string, p Provider) {
			defer wg.Done()
			ok := p.HealthCheck(ctx)
			outMu.Lock()
			out[name] = ok
			outMu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return out
}

// Metrics returns the per-provider counter snapshot.
func (r *Router) Metrics() map[string]ProviderMetrics {
	return r.metrics.snapshot()
}
