package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentforge/core/pkg/contracts"
)

type fakeProvider struct {
	name    string
	models  []string
	resp    *ChatResponse
	err     error
	healthy bool
	calls   int32
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Models() []string { return f.models }

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Content: f.resp.Content}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) bool { return f.healthy }

func okProvider(name string, models ...string) *fakeProvider {
	return &fakeProvider{
		name:    name,
		models:  models,
		resp:    &ChatResponse{Content: "ok", Model: "m"},
		healthy: true,
	}
}

func chatReq(model string) ChatRequest {
	return ChatRequest{Model: model, Messages: []Message{{Role: "user", Content: "hi"}}}
}

func TestChatRoutesToModelListingProvider(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	beta := okProvider("beta", "m-b")
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("beta", beta)

	resp, err := r.Chat(context.Background(), chatReq("m-b"))
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, int32(0), atomic.LoadInt32(&alpha.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&beta.calls))
}

func TestRuleOverridesModelMatch(t *testing.T) {
	alpha := okProvider("alpha", "gpt-4o")
	beta := okProvider("beta")
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("beta", beta)
	r.AddRule(Rule{ModelPrefix: "gpt-", Target: "beta", Priority: 10})

	resp, err := r.Chat(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, int32(0), atomic.LoadInt32(&alpha.calls))
}

func TestHigherPriorityRuleWins(t *testing.T) {
	alpha := okProvider("alpha")
	beta := okProvider("beta")
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("beta", beta)
	r.AddRule(Rule{ModelPrefix: "gpt-", Target: "alpha", Priority: 1})
	r.AddRule(Rule{ModelPrefix: "gpt-4", Target: "beta", Priority: 5})

	resp, err := r.Chat(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
}

func TestRuleTargetingMissingProviderFallsThrough(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.AddRule(Rule{ModelPrefix: "m-", Target: "ghost", Priority: 10})

	resp, err := r.Chat(context.Background(), chatReq("m-a"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
}

func TestRuleMetadataMatch(t *testing.T) {
	cheap := okProvider("cheap")
	main := okProvider("main", "m")
	r := New()
	r.RegisterProvider("cheap", cheap)
	r.RegisterProvider("main", main)
	r.AddRule(Rule{IntentType: "refactor", MaxComplexity: 2, Target: "cheap", Priority: 5})

	req := chatReq("m")
	req.Metadata = map[string]string{"intent_type": "refactor", "complexity": "simple"}
	resp, err := r.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Provider)

	req.Metadata["complexity"] = "very_complex"
	resp, err = r.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "main", resp.Provider)

	resp, err = r.Chat(context.Background(), chatReq("m"))
	require.NoError(t, err)
	assert.Equal(t, "main", resp.Provider)
}

func TestOrgPolicyPermits(t *testing.T) {
	var nilPolicy *OrgPolicy
	assert.True(t, nilPolicy.Permits("anything"))

	p := &OrgPolicy{DeniedModels: []string{"gpt-4o"}}
	assert.False(t, p.Permits("gpt-4o"))
	assert.True(t, p.Permits("gpt-4o-mini"))

	p = &OrgPolicy{AllowedModels: []string{"claude-sonnet"}}
	assert.True(t, p.Permits("claude-sonnet"))
	assert.False(t, p.Permits("gpt-4o"))

	p = &OrgPolicy{AllowedModels: []string{"claude-sonnet"}, DeniedModels: []string{"claude-sonnet"}}
	assert.False(t, p.Permits("claude-sonnet"))
}

func TestPolicyDeniedModelNeverReachesProvider(t *testing.T) {
	alpha := okProvider("alpha", "gpt-4o")
	r := New(WithPolicy(&OrgPolicy{DeniedModels: []string{"gpt-4o"}}))
	r.RegisterProvider("alpha", alpha)

	_, err := r.Chat(context.Background(), chatReq("gpt-4o"))
	var pv *contracts.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, int32(0), atomic.LoadInt32(&alpha.calls))
}

func TestFallbackOnProviderError(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("alpha down")
	backup := okProvider("backup")
	r := New(WithFallback("backup"))
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("backup", backup)

	resp, err := r.Chat(context.Background(), chatReq("m-a"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&alpha.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backup.calls))
}

func TestFallbackFailureWrapsBothErrors(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("alpha down")
	backup := okProvider("backup")
	backup.err = errors.New("backup down")
	r := New(WithFallback("backup"))
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("backup", backup)

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback backup also failed")
	assert.Contains(t, err.Error(), "alpha down")
}

func TestNoFallbackRetryOnSameProvider(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("down")
	r := New(WithFallback("alpha"))
	r.RegisterProvider("alpha", alpha)

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&alpha.calls))
}

func TestPlainErrorsWrapAsProviderError(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("socket reset")
	r := New()
	r.RegisterProvider("alpha", alpha)

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	var pe *contracts.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "alpha", pe.Provider)
	assert.True(t, pe.Retryable)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("down")
	r := New(WithBreaker(2, time.Minute))
	r.RegisterProvider("alpha", alpha)

	for i := 0; i < 2; i++ {
		_, err := r.Chat(context.Background(), chatReq("m-a"))
		require.Error(t, err)
	}

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider available")
	assert.Equal(t, int32(2), atomic.LoadInt32(&alpha.calls))
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("down")
	r := New(WithBreaker(1, time.Minute))
	r.RegisterProvider("alpha", alpha)
	base := time.Unix(10_000, 0)
	r.breakers["alpha"].clock = func() time.Time { return base }

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)

	_, err = r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider available")

	base = base.Add(2 * time.Minute)
	alpha.err = nil

	resp, err := r.Chat(context.Background(), chatReq("m-a"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)

	_, err = r.Chat(context.Background(), chatReq("m-a"))
	require.NoError(t, err)
}

func TestBreakerStateMachine(t *testing.T) {
	now := time.Unix(10_000, 0)
	b := newCircuitBreaker(3, time.Minute)
	b.clock = func() time.Time { return now }

	assert.True(t, b.allow())

	b.recordFailure()
	b.recordFailure()
	b.recordSuccess()
	b.recordFailure()
	b.recordFailure()
	assert.True(t, b.allow(), "success resets the consecutive count")

	b.recordFailure()
	assert.False(t, b.allow(), "threshold reached, breaker open")

	now = now.Add(time.Minute)
	assert.True(t, b.allow(), "cooldown elapsed, probe admitted")
	assert.False(t, b.allow(), "single probe in flight")

	b.recordFailure()
	assert.False(t, b.allow(), "failed probe reopens")

	now = now.Add(time.Minute)
	assert.True(t, b.allow())
	b.recordSuccess()
	assert.True(t, b.allow())
	assert.True(t, b.allow())
}

func TestChatStream(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.resp.Content = "hello"
	r := New()
	r.RegisterProvider("alpha", alpha)

	ch, err := r.ChatStream(context.Background(), chatReq("m-a"))
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Content)
	assert.True(t, chunks[1].Done)
}

func TestChatStreamErrorHasNoFallback(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	alpha.err = errors.New("down")
	backup := okProvider("backup")
	r := New(WithFallback("backup"))
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("backup", backup)

	_, err := r.ChatStream(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backup.calls))
}

func TestHealthCheck(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	beta := okProvider("beta", "m-b")
	beta.healthy = false
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.RegisterProvider("beta", beta)

	got := r.HealthCheck(context.Background())
	assert.Equal(t, map[string]bool{"alpha": true, "beta": false}, got)
}

func TestMetricsSnapshot(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	r := New()
	r.RegisterProvider("alpha", alpha)

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.NoError(t, err)

	alpha.err = errors.New("down")
	_, err = r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)

	m := r.Metrics()["alpha"]
	assert.Equal(t, int64(2), m.Requests)
	assert.Equal(t, int64(1), m.Errors)
}

func TestUnregisterProvider(t *testing.T) {
	alpha := okProvider("alpha", "m-a")
	r := New()
	r.RegisterProvider("alpha", alpha)
	r.UnregisterProvider("alpha")

	_, err := r.Chat(context.Background(), chatReq("m-a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider available")
}
