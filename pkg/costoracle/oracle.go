package costoracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/intentforge/core/pkg/contracts"
)

// Complexity buckets drive the output-token estimate.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

var outputTokensByComplexity = map[Complexity]int64{
	ComplexitySimple:      256,
	ComplexityMedium:      768,
	ComplexityComplex:     2048,
	ComplexityVeryComplex: 4096,
}

// Estimate is the priced view of one prospective generation.
type Estimate struct {
	ModelID             string  `json:"model_id"`
	BaseCostMicroUSD    int64   `json:"base_cost_micro_usd"`
	RetryMultiplier     float64 `json:"retry_multiplier"`
	EffectiveMicroUSD   int64   `json:"effective_cost_micro_usd"`
	CheaperAlternative  string  `json:"cheaper_alternative,omitempty"`
	AccurateAlternative string  `json:"more_accurate_alternative,omitempty"`
	BudgetUsagePercent  float64 `json:"budget_usage_percent"`
}

// BaseCostUSD renders the base cost as a decimal string.
func (e *Estimate) BaseCostUSD() string { return contracts.FormatMicroUSD(e.BaseCostMicroUSD) }

// EffectiveCostUSD renders the effective cost as a decimal string.
func (e *Estimate) EffectiveCostUSD() string { return contracts.FormatMicroUSD(e.EffectiveMicroUSD) }

// dailyUsage tracks per-user spend; reset when the UTC day rolls over.
type dailyUsage struct {
	day           string // YYYY-MM-DD in UTC
	spentMicroUSD int64
	requests      int64
	verified      int64
	attempts      int64
}

// Oracle prices requests against the catalog and tracks per-day usage.
type Oracle struct {
	mu          sync.Mutex
	catalog     *Catalog
	usage       map[string]*dailyUsage
	dailyBudget int64 // micro-USD per user per day; 0 disables the ratio
	clock       func() time.Time
}

// NewOracle builds an oracle over the catalog. dailyBudgetMicroUSD of 0
// disables budget_usage_percent reporting.
func NewOracle(catalog *Catalog, dailyBudgetMicroUSD int64) *Oracle {
	return &Oracle{
		catalog:     catalog,
		usage:       make(map[string]*dailyUsage),
		dailyBudget: dailyBudgetMicroUSD,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (o *Oracle) WithClock(clock func() time.Time) *Oracle {
	o.clock = clock
	return o
}

// RetryMultiplier maps model accuracy to the expected-attempts factor.
// Monotone decreasing in the HumanEval score.
func RetryMultiplier(humanEval float64) float64 {
	switch {
	case humanEval >= 90:
		return 1.1
	case humanEval >= 80:
		return 1.3
	case humanEval >= 70:
		return 1.6
	default:
		return 2.0
	}
}

// Estimate prices intentText on modelID at the given complexity.
func (o *Oracle) Estimate(modelID, intentText string, complexity Complexity, userID string) (*Estimate, error) {
	spec, ok := o.catalog.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", modelID)
	}
	base := baseCost(spec, intentText, complexity)
	mult := RetryMultiplier(spec.HumanEval)
	est := &Estimate{
		ModelID:           modelID,
		BaseCostMicroUSD:  base,
		RetryMultiplier:   mult,
		EffectiveMicroUSD: int64(float64(base) * mult),
	}

	// Alternatives ranked by effective cost and accuracy.
	for _, alt := range o.catalog.Active() {
		if alt.ModelID == modelID {
			continue
		}
		altBase := baseCost(alt, intentText, complexity)
		altEff := int64(float64(altBase) * RetryMultiplier(alt.HumanEval))
		if altEff < est.EffectiveMicroUSD && est.CheaperAlternative == "" {
			est.CheaperAlternative = alt.ModelID
		}
		if alt.HumanEval > spec.HumanEval && est.AccurateAlternative == "" {
			est.AccurateAlternative = alt.ModelID
		}
	}

	if o.dailyBudget > 0 && userID != "" {
		o.mu.Lock()
		u := o.usageLocked(userID)
		est.BudgetUsagePercent = 100 * float64(u.spentMicroUSD+est.EffectiveMicroUSD) / float64(o.dailyBudget)
		o.mu.Unlock()
	}
	return est, nil
}

func baseCost(spec ModelSpec, intentText string, complexity Complexity) int64 {
	inputTokens := int64(len(intentText)/4) + 64 // prompt overhead
	outputTokens := outputTokensByComplexity[complexity]
	if outputTokens == 0 {
		outputTokens = outputTokensByComplexity[ComplexityMedium]
	}
	return inputTokens*spec.InputCostPer1k/1000 + outputTokens*spec.OutputCostPer1k/1000
}

// RecordUsage books actual token usage for a finished attempt.
func (o *Oracle) RecordUsage(modelID string, inputTokens, outputTokens int64, verified bool, attempts int64, userID string) (int64, error) {
	spec, ok := o.catalog.Get(modelID)
	if !ok {
		return 0, fmt.Errorf("unknown model %q", modelID)
	}
	cost := inputTokens*spec.InputCostPer1k/1000 + outputTokens*spec.OutputCostPer1k/1000

	o.mu.Lock()
	defer o.mu.Unlock()
	u := o.usageLocked(userID)
	u.spentMicroUSD += cost
	u.requests++
	u.attempts += attempts
	if verified {
		u.verified++
	}
	return cost, nil
}

// usageLocked returns the user's usage bucket, resetting it when the UTC day
// has rolled over since the last touch.
func (o *Oracle) usageLocked(userID string) *dailyUsage {
	if userID == "" {
		userID = "anonymous"
	}
	today := o.clock().UTC().Format("2006-01-02")
	u, ok := o.usage[userID]
	if !ok || u.day != today {
		u = &dailyUsage{day: today}
		o.usage[userID] = u
	}
	return u
}

// SpentToday reports the user's spend for the current UTC day.
func (o *Oracle) SpentToday(userID string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usageLocked(userID).spentMicroUSD
}

// Recommend picks the model maximizing humaneval − 10·effective_cost_usd
// under the optional constraints. Empty return means nothing feasible.
func (o *Oracle) Recommend(intentText string, complexity Complexity, maxCostMicroUSD int64, minAccuracy float64) string {
	bestScore := 0.0
	best := ""
	for _, spec := range o.catalog.Active() {
		base := baseCost(spec, intentText, complexity)
		eff := int64(float64(base) * RetryMultiplier(spec.HumanEval))
		if maxCostMicroUSD > 0 && eff > maxCostMicroUSD {
			continue
		}
		if minAccuracy > 0 && spec.HumanEval < minAccuracy {
			continue
		}
		score := spec.HumanEval - 10*float64(eff)/1_000_000
		if best == "" || score > bestScore {
			bestScore = score
			best = spec.ModelID
		}
	}
	return best
}
