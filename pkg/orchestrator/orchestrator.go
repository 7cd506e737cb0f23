// Package orchestrator drives the IVCU state machine: policy and budget
// gates, bandit-guided candidate generation, tiered verification, selection,
// and proof issuance — all recorded as events in the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/intentforge/core/pkg/bandit"
	"github.com/intentforge/core/pkg/bus"
	"github.com/intentforge/core/pkg/cache"
	"github.com/intentforge/core/pkg/certify"
	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/costoracle"
	"github.com/intentforge/core/pkg/eventstore"
	"github.com/intentforge/core/pkg/memory"
	"github.com/intentforge/core/pkg/policy"
	"github.com/intentforge/core/pkg/projection"
	"github.com/intentforge/core/pkg/router"
	"github.com/intentforge/core/pkg/verify"
)

// Config bounds one orchestrator instance.
type Config struct {
	// DefaultModel is used when the caller does not pin one.
	DefaultModel string
	// MaxRequestMicroUSD rejects a run whose effective estimate exceeds it.
	// 0 disables the per-request gate.
	MaxRequestMicroUSD int64
	// SessionBudgetMicroUSD caps the actor's daily spend. 0 disables.
	SessionBudgetMicroUSD int64
	// EarlyStopConfidence is the adaptive-run stop threshold.
	EarlyStopConfidence float64
	// EarlyStopBonus is added to the bandit reward when a run stops early.
	EarlyStopBonus float64
	// PruneKeep is how many candidates survive static pruning.
	PruneKeep int
	// PruneMinConfidence drops statically weaker candidates outright.
	PruneMinConfidence float64
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		EarlyStopConfidence: 0.9,
		EarlyStopBonus:      0.05,
		PruneKeep:           2,
		PruneMinConfidence:  0.3,
	}
}

// Orchestrator coordinates the full generation pipeline for one deployment.
type Orchestrator struct {
	store     eventstore.Store
	gate      *policy.Gate
	oracle    *costoracle.Oracle
	bandit    *bandit.Selector
	router    *router.Router
	orchestra *verify.Orchestra
	authority *certify.Authority
	cache     *cache.SemanticCache
	retriever memory.Retriever
	eventBus  bus.Bus

	cfg    Config
	logger *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithCache enables the semantic cache shortcut.
func WithCache(c *cache.SemanticCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithRetriever enables memory context retrieval.
func WithRetriever(r memory.Retriever) Option { return func(o *Orchestrator) { o.retriever = r } }

// WithBus publishes appended events for the projection engine.
func WithBus(b bus.Bus) Option { return func(o *Orchestrator) { o.eventBus = b } }

func New(
	store eventstore.Store,
	gate *policy.Gate,
	oracle *costoracle.Oracle,
	selector *bandit.Selector,
	rt *router.Router,
	orchestra *verify.Orchestra,
	authority *certify.Authority,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		gate:      gate,
		oracle:    oracle,
		bandit:    selector,
		router:    rt,
		orchestra: orchestra,
		authority: authority,
		cfg:       cfg,
		logger:    slog.Default().With("component", "orchestrator"),
	}
	if o.cfg.PruneKeep <= 0 {
		o.cfg.PruneKeep = 2
	}
	if o.cfg.EarlyStopConfidence == 0 {
		o.cfg.EarlyStopConfidence = 0.9
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunResult is the outcome of one orchestration.
type RunResult struct {
	State       *contracts.IVCUState `json:"state"`
	Best        *verify.Result       `json:"best,omitempty"`
	Certificate *certify.Certificate `json:"certificate,omitempty"`
	ArmID       string               `json:"arm_id,omitempty"`
	Reward      float64              `json:"reward"`
	CacheHit    bool                 `json:"cache_hit,omitempty"`
	EarlyStop   bool                 `json:"early_stop,omitempty"`
}

// Request is one generation run.
type Request struct {
	IVCUID     string
	Intent     string
	Language   string
	Model      string
	ActorID    string
	Complexity costoracle.Complexity
	Contracts  []contracts.Contract
}

func (r *Request) normalize(defaultModel string) {
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.Language == "" {
		r.Language = "python"
	}
	if r.Complexity == "" {
		r.Complexity = costoracle.ComplexityMedium
	}
}

// candidate pairs a generated candidate with its verification progress.
type candidate struct {
	id     string
	code   string
	conf   float64
	model  string
	static *verify.Result
	pruned bool
}

// RunFull executes the complete pipeline: gate, estimate, bandit arm, k
// parallel generations, static prune, dynamic verification, selection,
// certification, bandit update, cache fill.
func (o *Orchestrator) RunFull(ctx context.Context, req Request) (*RunResult, error) {
	req.normalize(o.cfg.DefaultModel)
	res := &RunResult{}

	if _, err := o.ensureIntent(ctx, &req); err != nil {
		return nil, err
	}

	// Cache shortcut: a hit becomes a single pre-verified candidate.
	if o.cache != nil {
		if entry, _, cerr := o.cache.Get(ctx, req.Intent, req.Model); cerr == nil && entry != nil {
			res.CacheHit = true
			return o.finishSingle(ctx, req, res, entry.Response, "cache")
		}
	}

	if failRes, fatal := o.gateAndBudget(ctx, req, res); failRes != nil || fatal != nil {
		return failRes, fatal
	}

	arm := o.bandit.Select()
	res.ArmID = arm.ArmID
	memoryContext := o.retrieve(ctx, req.Intent)

	cands := o.generate(ctx, req, arm, memoryContext)
	if len(cands) == 0 {
		return o.fail(ctx, req, res, "no candidates generated")
	}
	if ctx.Err() != nil {
		return o.fail(ctx, req, res, "cancelled")
	}

	survivors := o.prune(ctx, req, cands)
	if len(survivors) == 0 {
		return o.fail(ctx, req, res, "all candidates failed static verification")
	}

	results := o.verifyFull(ctx, req, survivors)
	best := verify.SelectBest(results)
	if best == nil {
		return o.fail(ctx, req, res, "verification produced no result")
	}
	res.Best = best

	if err := o.selectAndCertify(ctx, req, res, best, codeOf(survivors, best.CandidateID)); err != nil {
		return nil, err
	}

	res.Reward = reward(best, false, o.cfg.EarlyStopBonus)
	if err := o.bandit.Update(arm.ArmID, res.Reward); err != nil {
		o.logger.Warn("bandit update failed", "arm", arm.ArmID, "error", err)
	}

	if o.cache != nil && best.Passed && !res.CacheHit {
		if err := o.cache.Set(ctx, req.Intent, codeOf(survivors, best.CandidateID), req.Model); err != nil {
			o.logger.Warn("cache store failed", "error", err)
		}
	}

	var err error
	res.State, err = o.store.State(ctx, req.IVCUID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunAdaptive generates candidates one at a time with temperature drift,
// verifying each immediately, and stops as soon as one clears the
// early-stop confidence. The bandit is updated once at the end.
func (o *Orchestrator) RunAdaptive(ctx context.Context, req Request) (*RunResult, error) {
	req.normalize(o.cfg.DefaultModel)
	res := &RunResult{}

	if _, err := o.ensureIntent(ctx, &req); err != nil {
		return nil, err
	}
	if failRes, fatal := o.gateAndBudget(ctx, req, res); failRes != nil || fatal != nil {
		return failRes, fatal
	}

	arm := o.bandit.Select()
	res.ArmID = arm.ArmID
	memoryContext := o.retrieve(ctx, req.Intent)

	var all []candidate
	var results []*verify.Result
	for i := 0; i < arm.CandidateCount; i++ {
		if ctx.Err() != nil {
			return o.fail(ctx, req, res, "cancelled")
		}
		temp := clamp01(arm.Temperature + 0.1*float64(i))
		cand, ok := o.generateOne(ctx, req, temp, memoryContext)
		if !ok {
			continue
		}
		all = append(all, cand)

		full := o.orchestra.Verify(ctx, verify.Input{
			CandidateID: cand.id,
			Code:        cand.code,
			Language:    req.Language,
			Contracts:   req.Contracts,
		})
		results = append(results, full)
		o.appendVerification(ctx, req, full)

		if full.Passed && full.Confidence >= o.cfg.EarlyStopConfidence {
			res.EarlyStop = true
			break
		}
	}
	if len(results) == 0 {
		return o.fail(ctx, req, res, "no candidates generated")
	}

	best := verify.SelectBest(results)
	res.Best = best
	if err := o.selectAndCertify(ctx, req, res, best, codeOf(all, best.CandidateID)); err != nil {
		return nil, err
	}

	res.Reward = reward(best, res.EarlyStop, o.cfg.EarlyStopBonus)
	if err := o.bandit.Update(arm.ArmID, res.Reward); err != nil {
		o.logger.Warn("bandit update failed", "arm", arm.ArmID, "error", err)
	}

	var err error
	res.State, err = o.store.State(ctx, req.IVCUID)
	return res, err
}

// ensureIntent loads state, creating the aggregate when missing. Declared
// contracts are appended on creation.
func (o *Orchestrator) ensureIntent(ctx context.Context, req *Request) (*contracts.IVCUState, error) {
	if req.IVCUID == "" {
		req.IVCUID = uuid.New().String()
	}
	state, err := o.store.State(ctx, req.IVCUID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		if _, aerr := o.append(ctx, req.IVCUID, contracts.IntentCreated{
			RawIntent: req.Intent,
			Language:  req.Language,
		}, req.ActorID); aerr != nil {
			return nil, aerr
		}
		for _, c := range req.Contracts {
			if _, aerr := o.append(ctx, req.IVCUID, contracts.ContractAdded{Contract: c}, req.ActorID); aerr != nil {
				return nil, aerr
			}
		}
		return o.store.State(ctx, req.IVCUID)
	}
	if err != nil {
		return nil, err
	}
	if req.Intent == "" {
		req.Intent = state.RawIntent
	}
	if state.Language != "" {
		req.Language = state.Language
	}
	if len(req.Contracts) == 0 {
		req.Contracts = state.Contracts
	}
	return state, nil
}

// gateAndBudget runs steps 3 and 4. A policy block or budget overrun ends
// the run with a terminal failure selection; infrastructure errors propagate.
func (o *Orchestrator) gateAndBudget(ctx context.Context, req Request, res *RunResult) (*RunResult, error) {
	decision := o.gate.CheckIntent(ctx, req.Intent, policy.Context{
		AggregateID: req.IVCUID,
		ActorID:     req.ActorID,
		Language:    req.Language,
	})
	if decision.Blocked() {
		perr := &contracts.PolicyViolationError{Phase: "pre", Violations: decision.Violations}
		failed, err := o.fail(ctx, req, res, perr.Error())
		if err != nil {
			return nil, err
		}
		return failed, nil
	}

	est, err := o.oracle.Estimate(req.Model, req.Intent, req.Complexity, req.ActorID)
	if err != nil {
		return nil, err
	}
	if o.cfg.MaxRequestMicroUSD > 0 && est.EffectiveMicroUSD > o.cfg.MaxRequestMicroUSD {
		berr := &contracts.BudgetExceededError{
			Scope:             "request",
			LimitMicroUSD:     o.cfg.MaxRequestMicroUSD,
			RequestedMicroUSD: est.EffectiveMicroUSD,
		}
		failed, ferr := o.fail(ctx, req, res, berr.Error())
		if ferr != nil {
			return nil, ferr
		}
		return failed, nil
	}
	if o.cfg.SessionBudgetMicroUSD > 0 {
		spent := o.oracle.SpentToday(req.ActorID)
		if spent+est.EffectiveMicroUSD > o.cfg.SessionBudgetMicroUSD {
			berr := &contracts.BudgetExceededError{
				Scope:             "session",
				LimitMicroUSD:     o.cfg.SessionBudgetMicroUSD,
				RequestedMicroUSD: spent + est.EffectiveMicroUSD,
			}
			failed, ferr := o.fail(ctx, req, res, berr.Error())
			if ferr != nil {
				return nil, ferr
			}
			return failed, nil
		}
	}
	return nil, nil
}

// generate fans out k generation tasks with temperatures linear in
// [T−0.2, T+0.1]. Failed tasks are logged and dropped.
func (o *Orchestrator) generate(ctx context.Context, req Request, arm bandit.Arm, memoryContext string) []candidate {
	k := arm.CandidateCount
	if k < 1 {
		k = 1
	}
	temps := make([]float64, k)
	for i := range temps {
		if k == 1 {
			temps[i] = arm.Temperature
			continue
		}
		span := 0.3 // [T−0.2, T+0.1]
		temps[i] = clamp01(arm.Temperature - 0.2 + span*float64(i)/float64(k-1))
	}

	out := make([]candidate, k)
	okFlags := make([]bool, k)
	var wg sync.WaitGroup
	for i, temp := range temps {
		wg.Add(1)
		go func(i int, temp float64) {
			defer wg.Done()
			out[i], okFlags[i] = o.generateOne(ctx, req, temp, memoryContext)
		}(i, temp)
	}
	wg.Wait()

	var cands []candidate
	for i, ok := range okFlags {
		if ok {
			cands = append(cands, out[i])
		}
	}
	return cands
}

const generationPrompt = `Implement the following intent as %s code. Output
only code, no prose, no markdown fences.

Intent: %s%s`

// generateOne performs a single provider call and records the candidate and
// its cost in the event log.
func (o *Orchestrator) generateOne(ctx context.Context, req Request, temp float64, memoryContext string) (candidate, bool) {
	contextBlock := ""
	if memoryContext != "" {
		contextBlock = "\n\nRelated prior work:\n" + memoryContext
	}
	resp, err := o.router.Chat(ctx, router.ChatRequest{
		Model: req.Model,
		Messages: []router.Message{
			{Role: "system", Content: "You are a precise code generator."},
			{Role: "user", Content: fmt.Sprintf(generationPrompt, req.Language, req.Intent, contextBlock)},
		},
		Temperature: temp,
		Metadata:    map[string]string{"complexity": string(req.Complexity)},
	})
	if err != nil {
		o.logger.Warn("generation task failed", "ivcu", req.IVCUID, "temperature", temp, "error", err)
		return candidate{}, false
	}

	cand := candidate{
		id:    uuid.New().String(),
		code:  resp.Content,
		conf:  0.5,
		model: resp.Model,
	}
	if _, err := o.append(ctx, req.IVCUID, contracts.CandidateGenerated{
		CandidateID: cand.id,
		Code:        cand.code,
		Confidence:  cand.conf,
		ModelID:     cand.model,
		Reasoning:   fmt.Sprintf("temperature %.2f", temp),
	}, req.ActorID); err != nil {
		o.logger.Warn("candidate append failed", "ivcu", req.IVCUID, "error", err)
		return candidate{}, false
	}

	cost, err := o.oracle.RecordUsage(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, false, 1, req.ActorID)
	if err == nil && cost > 0 {
		if _, aerr := o.append(ctx, req.IVCUID, contracts.CostIncurred{
			AmountUSD: contracts.FormatMicroUSD(cost),
			ModelID:   req.Model,
			Operation: "generation",
		}, req.ActorID); aerr != nil {
			o.logger.Warn("cost append failed", "ivcu", req.IVCUID, "error", aerr)
		}
	}
	return cand, true
}

// prune runs static verification on every candidate in parallel and keeps
// the top PruneKeep by (passed, score), dropping anything under the
// confidence floor.
func (o *Orchestrator) prune(ctx context.Context, req Request, cands []candidate) []candidate {
	var wg sync.WaitGroup
	for i := range cands {
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			c.static = o.orchestra.VerifyStatic(ctx, verify.Input{
				CandidateID: c.id,
				Code:        c.code,
				Language:    req.Language,
				Contracts:   req.Contracts,
			})
		}(&cands[i])
	}
	wg.Wait()

	eligible := make([]*candidate, 0, len(cands))
	for i := range cands {
		if cands[i].static.Confidence >= o.cfg.PruneMinConfidence {
			eligible = append(eligible, &cands[i])
		} else {
			cands[i].pruned = true
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].static, eligible[j].static
		if a.Passed != b.Passed {
			return a.Passed
		}
		return a.Score > b.Score
	})
	if len(eligible) > o.cfg.PruneKeep {
		for _, c := range eligible[o.cfg.PruneKeep:] {
			c.pruned = true
		}
		eligible = eligible[:o.cfg.PruneKeep]
	}

	out := make([]candidate, 0, len(eligible))
	for _, c := range eligible {
		out = append(out, *c)
	}
	return out
}

// verifyFull runs the complete tier pipeline on the survivors and appends a
// VERIFICATION_COMPLETED per candidate.
func (o *Orchestrator) verifyFull(ctx context.Context, req Request, survivors []candidate) []*verify.Result {
	inputs := make([]verify.Input, len(survivors))
	for i, c := range survivors {
		inputs[i] = verify.Input{
			CandidateID: c.id,
			Code:        c.code,
			Language:    req.Language,
			Contracts:   req.Contracts,
		}
	}
	results := o.orchestra.VerifyParallel(ctx, inputs)
	for _, r := range results {
		o.appendVerification(ctx, req, r)
	}
	return results
}

func (o *Orchestrator) appendVerification(ctx context.Context, req Request, r *verify.Result) {
	if r == nil {
		return
	}
	if _, err := o.append(ctx, req.IVCUID, contracts.VerificationCompleted{
		CandidateID: r.CandidateID,
		Passed:      r.Passed,
		Score:       r.Score,
		TierResults: r.Tiers,
	}, req.ActorID); err != nil {
		o.logger.Warn("verification append failed", "ivcu", req.IVCUID, "error", err)
	}
}

// selectAndCertify appends the selection and, for passing candidates, the
// proof certificate.
func (o *Orchestrator) selectAndCertify(ctx context.Context, req Request, res *RunResult, best *verify.Result, code string) error {
	summary := fmt.Sprintf("%d/%d tiers passed", passedTiers(best), len(best.Tiers))
	if _, err := o.append(ctx, req.IVCUID, contracts.CandidateSelected{
		CandidateID:         best.CandidateID,
		Code:                code,
		Confidence:          best.Confidence,
		VerificationSummary: summary,
	}, req.ActorID); err != nil {
		return err
	}
	if !best.Passed || o.authority == nil {
		return nil
	}

	cert, err := o.authority.Issue(req.IVCUID, best.CandidateID, code, best.Tiers)
	if err != nil {
		return fmt.Errorf("issue certificate: %w", err)
	}
	res.Certificate = cert
	if _, err := o.append(ctx, req.IVCUID, contracts.ProofGenerated{
		CertificateID: cert.CertID,
		CodeHash:      cert.CodeHash,
		Signature:     cert.Signature,
		ExpiresAt:     cert.ExpiresAt,
	}, req.ActorID); err != nil {
		return err
	}
	return nil
}

// finishSingle completes a run from one pre-existing code string, used by
// the cache shortcut.
func (o *Orchestrator) finishSingle(ctx context.Context, req Request, res *RunResult, code, modelID string) (*RunResult, error) {
	candID := uuid.New().String()
	if _, err := o.append(ctx, req.IVCUID, contracts.CandidateGenerated{
		CandidateID: candID,
		Code:        code,
		Confidence:  0.9,
		ModelID:     modelID,
		Reasoning:   "semantic cache hit",
	}, req.ActorID); err != nil {
		return nil, err
	}
	full := o.orchestra.Verify(ctx, verify.Input{
		CandidateID: candID,
		Code:        code,
		Language:    req.Language,
		Contracts:   req.Contracts,
	})
	o.appendVerification(ctx, req, full)
	res.Best = full
	if err := o.selectAndCertify(ctx, req, res, full, code); err != nil {
		return nil, err
	}
	var err error
	res.State, err = o.store.State(ctx, req.IVCUID)
	return res, err
}

// fail records the terminal failure selection and returns the final state.
// The append must land even when the run was cancelled, so the failure is
// written outside the caller's cancellation scope.
func (o *Orchestrator) fail(ctx context.Context, req Request, res *RunResult, reason string) (*RunResult, error) {
	o.logger.Warn("run failed", "ivcu", req.IVCUID, "reason", reason)
	ctx = context.WithoutCancel(ctx)
	if _, err := o.append(ctx, req.IVCUID, contracts.CandidateSelected{
		FailureReason: reason,
	}, req.ActorID); err != nil {
		return nil, err
	}
	var err error
	res.State, err = o.store.State(ctx, req.IVCUID)
	return res, err
}

// append writes one event and republishes it for projection.
func (o *Orchestrator) append(ctx context.Context, aggregateID string, payload contracts.Payload, actorID string) (*contracts.Event, error) {
	ev, err := o.store.Append(ctx, aggregateID, payload, eventstore.Unchecked(actorID))
	if err != nil {
		return nil, err
	}
	if o.eventBus != nil {
		env, eerr := bus.EncodeEvent(ev)
		if eerr == nil {
			eerr = o.eventBus.Publish(ctx, projection.Subject, env)
		}
		if eerr != nil {
			o.logger.Warn("event publish failed", "aggregate", aggregateID, "sequence", ev.SequenceNumber, "error", eerr)
		}
	}
	return ev, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) string {
	if o.retriever == nil {
		return ""
	}
	out, err := o.retriever.Retrieve(ctx, query)
	if err != nil {
		o.logger.Warn("memory retrieval failed", "error", err)
		return ""
	}
	return out
}

func reward(best *verify.Result, earlyStop bool, bonus float64) float64 {
	if best == nil || !best.Passed {
		return 0
	}
	r := best.Score
	if earlyStop {
		r += bonus
	}
	if r > 1 {
		r = 1
	}
	return r
}

func passedTiers(r *verify.Result) int {
	n := 0
	for _, t := range r.Tiers {
		if t.Passed {
			n++
		}
	}
	return n
}

func codeOf(cands []candidate, id string) string {
	for _, c := range cands {
		if c.id == id {
			return c.code
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
