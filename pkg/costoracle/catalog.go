// Package costoracle prices generation requests in effective cost: the base
// provider price multiplied by the expected number of attempts implied by the
// model's accuracy. A nominally cheap low-accuracy model is often the more
// expensive choice once verification failures force regeneration.
package costoracle

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/intentforge/core/pkg/contracts"
)

// ModelSpec describes one catalog entry. Costs are micro-USD per 1k tokens.
type ModelSpec struct {
	Name            string   `yaml:"name" json:"name"`
	Provider        string   `yaml:"provider" json:"provider"`
	ModelID         string   `yaml:"model_id" json:"model_id"`
	Tier            string   `yaml:"tier" json:"tier"`
	InputCostPer1k  int64    `yaml:"input_cost_per_1k_micro_usd" json:"input_cost_per_1k_micro_usd"`
	OutputCostPer1k int64    `yaml:"output_cost_per_1k_micro_usd" json:"output_cost_per_1k_micro_usd"`
	HumanEval       float64  `yaml:"humaneval" json:"humaneval"`
	Capabilities    []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	IsActive        bool     `yaml:"is_active" json:"is_active"`
}

// Catalog is the model pricing and accuracy table.
type Catalog struct {
	models map[string]ModelSpec
}

// DefaultCatalog seeds a representative multi-provider catalog.
func DefaultCatalog() *Catalog {
	specs := []ModelSpec{
		{Name: "gpt-4o", Provider: "openai", ModelID: "gpt-4o", Tier: "quality", InputCostPer1k: 2500, OutputCostPer1k: 10000, HumanEval: 90.2, Capabilities: []string{"code", "tools"}, IsActive: true},
		{Name: "gpt-4o-mini", Provider: "openai", ModelID: "gpt-4o-mini", Tier: "balanced", InputCostPer1k: 150, OutputCostPer1k: 600, HumanEval: 87.2, Capabilities: []string{"code"}, IsActive: true},
		{Name: "claude-sonnet", Provider: "anthropic", ModelID: "claude-sonnet", Tier: "quality", InputCostPer1k: 3000, OutputCostPer1k: 15000, HumanEval: 92.0, Capabilities: []string{"code", "tools"}, IsActive: true},
		{Name: "claude-haiku", Provider: "anthropic", ModelID: "claude-haiku", Tier: "cheap", InputCostPer1k: 250, OutputCostPer1k: 1250, HumanEval: 85.9, Capabilities: []string{"code"}, IsActive: true},
		{Name: "llama-local", Provider: "local", ModelID: "llama-3-8b", Tier: "cheap", InputCostPer1k: 10, OutputCostPer1k: 10, HumanEval: 62.2, Capabilities: []string{"code"}, IsActive: true},
	}
	c := &Catalog{models: make(map[string]ModelSpec, len(specs))}
	for _, m := range specs {
		c.models[m.ModelID] = m
	}
	return c
}

// LoadCatalog reads a YAML model catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var doc struct {
		Models []ModelSpec `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	if len(doc.Models) == 0 {
		return nil, &contracts.ConfigError{Key: "model_catalog", Reason: "no models in " + path}
	}
	c := &Catalog{models: make(map[string]ModelSpec, len(doc.Models))}
	for _, m := range doc.Models {
		if m.ModelID == "" {
			return nil, &contracts.ConfigError{Key: "model_catalog", Reason: "model entry without model_id"}
		}
		c.models[m.ModelID] = m
	}
	return c, nil
}

// Get returns the spec for a model id.
func (c *Catalog) Get(modelID string) (ModelSpec, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// Active returns all active models, name-sorted for deterministic iteration.
func (c *Catalog) Active() []ModelSpec {
	out := make([]ModelSpec, 0, len(c.models))
	for _, m := range c.models {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
