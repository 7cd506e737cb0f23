package projection

import (
	"context"
	"fmt"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/memory"
)

// DefaultHandlers wires the standard projection set.
func DefaultHandlers(retriever memory.Retriever, stats Stats) []Handler {
	return []Handler{
		&IntentCreatedHandler{retriever: retriever},
		&VerificationCompletedHandler{stats: stats},
		&SelectionHandler{stats: stats},
		&CostHandler{stats: stats},
	}
}

// IntentCreatedHandler writes a memory node per new intent so later
// generations can retrieve related prior work.
type IntentCreatedHandler struct {
	retriever memory.Retriever
}

func (h *IntentCreatedHandler) Name() string { return "intent_created" }

func (h *IntentCreatedHandler) Handles(t contracts.EventType) bool {
	return t == contracts.EventIntentCreated
}

func (h *IntentCreatedHandler) Handle(ctx context.Context, ev *contracts.Event) error {
	p, ok := ev.Payload.(contracts.IntentCreated)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	return h.retriever.Store(ctx, p.RawIntent, map[string]string{
		"aggregate_id": ev.AggregateID,
		"language":     p.Language,
		"kind":         "intent",
	})
}

// VerificationCompletedHandler maintains pass/fail counters per aggregate
// and globally.
type VerificationCompletedHandler struct {
	stats Stats
}

func (h *VerificationCompletedHandler) Name() string { return "verification_completed" }

func (h *VerificationCompletedHandler) Handles(t contracts.EventType) bool {
	return t == contracts.EventVerificationCompleted
}

func (h *VerificationCompletedHandler) Handle(ctx context.Context, ev *contracts.Event) error {
	p, ok := ev.Payload.(contracts.VerificationCompleted)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	stat := "verifications_failed"
	if p.Passed {
		stat = "verifications_passed"
	}
	if err := h.stats.Increment(ctx, ev.AggregateID, stat, 1, nil); err != nil {
		return err
	}
	return h.stats.Increment(ctx, "global", stat, 1, nil)
}

// SelectionHandler counts selections and terminal failures.
type SelectionHandler struct {
	stats Stats
}

func (h *SelectionHandler) Name() string { return "candidate_selected" }

func (h *SelectionHandler) Handles(t contracts.EventType) bool {
	return t == contracts.EventCandidateSelected
}

func (h *SelectionHandler) Handle(ctx context.Context, ev *contracts.Event) error {
	p, ok := ev.Payload.(contracts.CandidateSelected)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	stat := "candidates_selected"
	meta := map[string]string{"candidate_id": p.CandidateID}
	if p.CandidateID == "" {
		stat = "generation_failures"
		meta = map[string]string{"reason": p.FailureReason}
	}
	return h.stats.Increment(ctx, "global", stat, 1, meta)
}

// CostHandler accumulates micro-USD spend per aggregate.
type CostHandler struct {
	stats Stats
}

func (h *CostHandler) Name() string { return "cost_incurred" }

func (h *CostHandler) Handles(t contracts.EventType) bool {
	return t == contracts.EventCostIncurred
}

func (h *CostHandler) Handle(ctx context.Context, ev *contracts.Event) error {
	p, ok := ev.Payload.(contracts.CostIncurred)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	micro, err := contracts.ParseUSD(p.AmountUSD)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", p.AmountUSD, err)
	}
	return h.stats.Increment(ctx, ev.AggregateID, "cost_micro_usd", float64(micro), map[string]string{
		"model_id": p.ModelID,
	})
}
