// Package router routes chat requests to registered model providers under
// org policy, with priority rules, circuit breakers, rate limits, one-shot
// fallback, and per-provider metrics.
package router

import (
	"context"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the narrow contract the core speaks to every provider.
type ChatRequest struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse is a completed generation.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Usage        Usage  `json:"usage"`
	LatencyMs    int64  `json:"latency_ms"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one fragment of a streaming response. Err is set on at most
// the final chunk; the channel closes after it.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Provider is an external LLM reached through the chat contract.
type Provider interface {
	Name() string
	Models() []string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream returns a finite, non-restartable fragment sequence.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) bool
}

// CostPreference biases org-level routing.
type CostPreference string

const (
	PreferCheapest CostPreference = "cheapest"
	PreferBalanced CostPreference = "balanced"
	PreferQuality  CostPreference = "quality"
)

// OrgPolicy gates which models an org may call. An empty Allowed list means
// all models not denied.
type OrgPolicy struct {
	AllowedModels  []string       `json:"allowed_models,omitempty"`
	DeniedModels   []string       `json:"denied_models,omitempty"`
	CostPreference CostPreference `json:"cost_preference,omitempty"`
	DefaultModel   string         `json:"default_model,omitempty"`
}

// Permits reports whether the policy allows model.
func (p *OrgPolicy) Permits(model string) bool {
	if p == nil {
		return true
	}
	for _, denied := range p.DeniedModels {
		if denied == model {
			return false
		}
	}
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range p.AllowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}

// Rule targets requests at a provider. Zero-valued match fields are
// wildcards; higher priority wins.
type Rule struct {
	ModelPrefix   string `json:"model_prefix,omitempty"`
	IntentType    string `json:"intent_type,omitempty"`
	MaxComplexity int    `json:"max_complexity,omitempty"`
	Target        string `json:"target_provider"`
	Priority      int    `json:"priority"`
}

// matches checks the rule against a request. Intent type and complexity ride
// in request metadata.
func (r *Rule) matches(req ChatRequest) bool {
	if r.ModelPrefix != "" && !hasPrefix(req.Model, r.ModelPrefix) {
		return false
	}
	if r.IntentType != "" && req.Metadata["intent_type"] != r.IntentType {
		return false
	}
	if r.MaxComplexity > 0 {
		if c := complexityRank(req.Metadata["complexity"]); c > r.MaxComplexity {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func complexityRank(c string) int {
	switch c {
	case "simple":
		return 1
	case "medium":
		return 2
	case "complex":
		return 3
	case "very_complex":
		return 4
	default:
		return 0
	}
}
