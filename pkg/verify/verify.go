// Package verify runs generated code through a four-tier verifier orchestra:
// parse, static checks, dynamic sandbox checks, and deep contract/security
// analysis. Tiers run in order; verifiers within a tier run in parallel.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intentforge/core/pkg/contracts"
)

// Input is one candidate under verification.
type Input struct {
	CandidateID string
	Code        string
	Language    string
	Contracts   []contracts.Contract
}

// Result is the full verdict for one candidate.
type Result struct {
	CandidateID string                 `json:"candidate_id,omitempty"`
	Passed      bool                   `json:"passed"`
	Confidence  float64                `json:"confidence"`
	Score       float64                `json:"score"`
	Tiers       []contracts.TierResult `json:"tiers"`
	Error       string                 `json:"error,omitempty"`
}

// Verifier is one check inside a tier.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, in Input) contracts.VerifierResult
}

// tierPassConfidence is the floor below which a tier cannot pass even when
// every verifier individually passed.
const tierPassConfidence = 0.5

// criticalConfidence marks a Tier 1 verifier result that aborts deeper tiers.
const criticalConfidence = 0.2

// Orchestra wires the tiers together. Zero-valued tiers are skipped.
type Orchestra struct {
	parser   *Parser
	tier1    []Verifier
	tier2    []Verifier
	tier3    []Verifier
	timeouts map[int]time.Duration
	logger   *slog.Logger
}

// OrchestraOption configures an Orchestra.
type OrchestraOption func(*Orchestra)

// WithTier1 replaces the static verifier set.
func WithTier1(vs ...Verifier) OrchestraOption { return func(o *Orchestra) { o.tier1 = vs } }

// WithTier2 replaces the dynamic verifier set.
func WithTier2(vs ...Verifier) OrchestraOption { return func(o *Orchestra) { o.tier2 = vs } }

// WithTier3 replaces the deep verifier set.
func WithTier3(vs ...Verifier) OrchestraOption { return func(o *Orchestra) { o.tier3 = vs } }

// WithTierTimeout sets the per-verifier timeout for a tier.
func WithTierTimeout(tier int, d time.Duration) OrchestraOption {
	return func(o *Orchestra) { o.timeouts[tier] = d }
}

// NewOrchestra builds an orchestra with default tier budgets. Callers add
// verifiers through options; an empty tier passes trivially and is recorded
// as skipped.
func NewOrchestra(opts ...OrchestraOption) *Orchestra {
	o := &Orchestra{
		parser: NewParser(),
		timeouts: map[int]time.Duration{
			1: 1 * time.Second,
			2: 10 * time.Second,
			3: 5 * time.Minute,
		},
		logger: slog.Default().With("component", "verify"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Verify runs all tiers in order. Tier N runs only when Tier N−1 passed;
// a critical Tier 1 failure (any verifier confidence below 0.2) records a
// limitation explaining why the deeper tiers were skipped.
func (o *Orchestra) Verify(ctx context.Context, in Input) *Result {
	res := &Result{CandidateID: in.CandidateID}

	t0 := o.runTier0(in)
	res.Tiers = append(res.Tiers, t0)
	if !t0.Passed {
		return o.finish(res)
	}

	t1 := o.runTier(ctx, 1, o.tier1, in)
	if len(t1.Verifiers) > 0 && t1.Confidence < criticalConfidence {
		t1.Limitations = append(t1.Limitations, "Tier 2 skipped due to Tier 1 failures")
	}
	res.Tiers = append(res.Tiers, t1)
	if !t1.Passed {
		return o.finish(res)
	}

	t2 := o.runTier(ctx, 2, o.tier2, in)
	res.Tiers = append(res.Tiers, t2)
	if !t2.Passed {
		return o.finish(res)
	}

	t3 := o.runTier(ctx, 3, o.tier3, in)
	res.Tiers = append(res.Tiers, t3)
	return o.finish(res)
}

// VerifyStatic runs Tiers 0 and 1 only. The orchestrator uses it to prune
// candidates cheaply before paying for dynamic verification.
func (o *Orchestra) VerifyStatic(ctx context.Context, in Input) *Result {
	res := &Result{CandidateID: in.CandidateID}
	t0 := o.runTier0(in)
	res.Tiers = append(res.Tiers, t0)
	if !t0.Passed {
		return o.finish(res)
	}
	res.Tiers = append(res.Tiers, o.runTier(ctx, 1, o.tier1, in))
	return o.finish(res)
}

// QuickVerify runs Tier 0 only.
func (o *Orchestra) QuickVerify(code, language string) *Result {
	res := &Result{}
	res.Tiers = append(res.Tiers, o.runTier0(Input{Code: code, Language: language}))
	return o.finish(res)
}

func (o *Orchestra) runTier0(in Input) contracts.TierResult {
	start := time.Now()
	parse := o.parser.Parse(in.Code, in.Language)
	errs := make([]string, 0, len(parse.Errors))
	for _, e := range parse.Errors {
		errs = append(errs, e.String())
	}
	conf := parse.Confidence()
	return contracts.TierResult{
		Tier:       0,
		Passed:     len(parse.Errors) == 0,
		Confidence: conf,
		Verifiers: []contracts.VerifierResult{{
			Name:       "parser",
			Passed:     len(parse.Errors) == 0,
			Confidence: conf,
			Errors:     errs,
			DurationMs: time.Since(start).Milliseconds(),
		}},
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// runTier fans the tier's verifiers out in parallel and aggregates: tier
// confidence is the min verifier confidence, and the tier passes iff every
// verifier passed and the min confidence clears the floor.
func (o *Orchestra) runTier(ctx context.Context, tier int, verifiers []Verifier, in Input) contracts.TierResult {
	start := time.Now()
	tr := contracts.TierResult{Tier: tier, Passed: true, Confidence: 1}
	if len(verifiers) == 0 {
		tr.Limitations = []string{fmt.Sprintf("tier %d has no verifiers configured", tier)}
		tr.DurationMs = time.Since(start).Milliseconds()
		return tr
	}

	results := make([]contracts.VerifierResult, len(verifiers))
	var wg sync.WaitGroup
	for i, v := range verifiers {
		wg.Add(1)
		go func(i int, v Verifier) {
			defer wg.Done()
			results[i] = o.runVerifier(ctx, tier, v, in)
		}(i, v)
	}
	wg.Wait()

	for _, r := range results {
		tr.Verifiers = append(tr.Verifiers, r)
		if !r.Passed {
			tr.Passed = false
		}
		if r.Confidence < tr.Confidence {
			tr.Confidence = r.Confidence
		}
	}
	if tr.Confidence < tierPassConfidence {
		tr.Passed = false
	}
	tr.DurationMs = time.Since(start).Milliseconds()
	return tr
}

// runVerifier applies the per-verifier timeout. A verifier that overruns its
// budget is reported as passed with confidence 0.5 and a timeout warning
// rather than failing the tier.
func (o *Orchestra) runVerifier(ctx context.Context, tier int, v Verifier, in Input) contracts.VerifierResult {
	budget := o.timeouts[tier]
	vctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan contracts.VerifierResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- contracts.VerifierResult{
					Name:   v.Name(),
					Passed: false,
					Errors: []string{fmt.Sprintf("verifier panic: %v", r)},
				}
			}
		}()
		done <- v.Verify(vctx, in)
	}()

	select {
	case r := <-done:
		return r
	case <-vctx.Done():
		o.logger.Warn("verifier timed out", "verifier", v.Name(), "tier", tier, "budget", budget)
		return contracts.VerifierResult{
			Name:       v.Name(),
			Passed:     true,
			Confidence: 0.5,
			Warnings:   []string{"timeout"},
			DurationMs: budget.Milliseconds(),
		}
	}
}

// finish computes the overall verdict: passed iff every executed tier
// passed; confidence is the min tier confidence and score the mean.
func (o *Orchestra) finish(res *Result) *Result {
	if len(res.Tiers) == 0 {
		return res
	}
	res.Passed = true
	res.Confidence = 1
	sum := 0.0
	for _, t := range res.Tiers {
		if !t.Passed {
			res.Passed = false
		}
		if t.Confidence < res.Confidence {
			res.Confidence = t.Confidence
		}
		sum += t.Confidence
	}
	res.Score = sum / float64(len(res.Tiers))
	return res
}

// VerifyParallel verifies each candidate concurrently. Panics inside a
// candidate's pipeline become failed results rather than crashing the batch.
func (o *Orchestra) VerifyParallel(ctx context.Context, candidates []Input) []*Result {
	out := make([]*Result, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Input) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out[i] = &Result{
						CandidateID: c.CandidateID,
						Error:       fmt.Sprintf("verification panic: %v", r),
					}
				}
			}()
			out[i] = o.Verify(ctx, c)
		}(i, c)
	}
	wg.Wait()
	return out
}

// SelectBest orders by passed, then confidence, then fewest warnings. When
// nothing passed it returns the highest-confidence failure so the caller can
// surface best-effort output. Nil when results is empty.
func SelectBest(results []*Result) *Result {
	var best *Result
	for _, r := range results {
		if r == nil {
			continue
		}
		if best == nil || better(r, best) {
			best = r
		}
	}
	return best
}

func better(a, b *Result) bool {
	if a.Passed != b.Passed {
		return a.Passed
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return warningCount(a) < warningCount(b)
}

func warningCount(r *Result) int {
	n := 0
	for _, t := range r.Tiers {
		for _, v := range t.Verifiers {
			n += len(v.Warnings)
		}
	}
	return n
}
