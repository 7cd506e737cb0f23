// Package eventstore owns the canonical IVCU history: an append-only,
// per-aggregate sequenced event log with optimistic concurrency, a
// materialized state projection, and derived audit/cost views.
//
// Three implementations share one contract: Memory (tests and embedded use),
// SQLite (default single-node deployment), Postgres (shared deployment).
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intentforge/core/pkg/canonical"
	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/projector"
)

// UncheckedVersion disables the optimistic concurrency check on Append.
const UncheckedVersion int64 = -1

// AppendOptions qualifies a single append.
type AppendOptions struct {
	// ExpectedVersion must equal the aggregate's current max sequence or the
	// append fails with ConcurrencyConflict. UncheckedVersion skips the check.
	ExpectedVersion int64
	ActorID         string
}

// Unchecked is the zero-friction options value for callers that tolerate
// interleaving.
func Unchecked(actorID string) AppendOptions {
	return AppendOptions{ExpectedVersion: UncheckedVersion, ActorID: actorID}
}

// Store is the event store contract (append, events, state, state_at, undo,
// audit_log, cost_ledger). Events treats fromSeq <= 0 as 1 and toSeq <= 0 as
// unbounded; results are always in sequence order.
type Store interface {
	Append(ctx context.Context, aggregateID string, payload contracts.Payload, opts AppendOptions) (*contracts.Event, error)
	Events(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]contracts.Event, error)
	State(ctx context.Context, aggregateID string) (*contracts.IVCUState, error)
	StateAt(ctx context.Context, aggregateID string, at time.Time) (*contracts.IVCUState, error)
	Undo(ctx context.Context, aggregateID, actorID string) (*contracts.IVCUState, error)
	AuditLog(ctx context.Context, aggregateID string, limit int) ([]contracts.AuditEntry, error)
	CostLedger(ctx context.Context, aggregateID string) (*contracts.CostLedger, error)
	// VerifyChain recomputes the per-aggregate hash chain.
	VerifyChain(ctx context.Context, aggregateID string) error
}

// ErrAggregateNotFound reports a read against an aggregate with no events.
var ErrAggregateNotFound = fmt.Errorf("aggregate not found")

// genesisHash anchors each aggregate's hash chain.
const genesisHash = "genesis"

// buildEvent assembles a new immutable event at seq, chained to prevHash.
func buildEvent(aggregateID string, seq int64, payload contracts.Payload, actorID string, ts time.Time, prevHash string) (contracts.Event, error) {
	hashInput := struct {
		AggregateID string            `json:"aggregate_id"`
		Sequence    int64             `json:"sequence"`
		Type        string            `json:"type"`
		Payload     contracts.Payload `json:"payload"`
		Prev        string            `json:"prev"`
	}{aggregateID, seq, string(payload.Kind()), payload, prevHash}

	contentHash, err := canonical.Hash(hashInput)
	if err != nil {
		return contracts.Event{}, fmt.Errorf("hash event: %w", err)
	}
	return contracts.Event{
		EventID:        uuid.NewString(),
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      payload.Kind(),
		Payload:        payload,
		Timestamp:      ts,
		ActorID:        actorID,
		ContentHash:    contentHash,
		PrevHash:       prevHash,
	}, nil
}

// verifyChain recomputes the chain over an ordered event slice.
func verifyChain(events []contracts.Event) error {
	prev := genesisHash
	for i, ev := range events {
		if ev.SequenceNumber != int64(i)+1 {
			return fmt.Errorf("sequence gap at index %d: got %d, want %d", i, ev.SequenceNumber, i+1)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("chain broken at sequence %d: expected prev %s, got %s", ev.SequenceNumber, prev, ev.PrevHash)
		}
		hashInput := struct {
			AggregateID string            `json:"aggregate_id"`
			Sequence    int64             `json:"sequence"`
			Type        string            `json:"type"`
			Payload     contracts.Payload `json:"payload"`
			Prev        string            `json:"prev"`
		}{ev.AggregateID, ev.SequenceNumber, string(ev.EventType), ev.Payload, ev.PrevHash}
		computed, err := canonical.Hash(hashInput)
		if err != nil {
			return fmt.Errorf("rehash sequence %d: %w", ev.SequenceNumber, err)
		}
		if computed != ev.ContentHash {
			return fmt.Errorf("hash mismatch at sequence %d", ev.SequenceNumber)
		}
		prev = ev.ContentHash
	}
	return nil
}

// stateAt replays all events with timestamp <= at.
func stateAt(ctx context.Context, s Store, aggregateID string, at time.Time) (*contracts.IVCUState, error) {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrAggregateNotFound
	}
	var filtered []contracts.Event
	for _, ev := range events {
		if !ev.Timestamp.After(at) {
			filtered = append(filtered, ev)
		}
	}
	state := projector.Replay(aggregateID, filtered)
	return &state, nil
}

// undo appends the compensating forward event for the aggregate's last event.
func undo(ctx context.Context, s Store, aggregateID, actorID string) (*contracts.IVCUState, error) {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrAggregateNotFound
	}
	last := events[len(events)-1]
	// State before the last event decides what the compensation restores.
	prior := projector.Replay(aggregateID, events[:len(events)-1])
	comp := projector.CompensationFor(prior, last)
	if comp == nil {
		return nil, fmt.Errorf("event %s at sequence %d is not undoable", last.EventType, last.SequenceNumber)
	}
	if _, err := s.Append(ctx, aggregateID, comp, AppendOptions{ExpectedVersion: last.SequenceNumber, ActorID: actorID}); err != nil {
		return nil, err
	}
	return s.State(ctx, aggregateID)
}

// auditLog derives the audit trail from the tail of the event log.
func auditLog(ctx context.Context, s Store, aggregateID string, limit int) ([]contracts.AuditEntry, error) {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	entries := make([]contracts.AuditEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, contracts.AuditEntry{
			Sequence:  ev.SequenceNumber,
			Kind:      ev.EventType,
			Timestamp: ev.Timestamp,
			ActorID:   ev.ActorID,
		})
	}
	return entries, nil
}

// costLedger sums COST_INCURRED events for the aggregate.
func costLedger(ctx context.Context, s Store, aggregateID string) (*contracts.CostLedger, error) {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return nil, err
	}
	ledger := &contracts.CostLedger{}
	for _, ev := range events {
		cost, ok := ev.Payload.(contracts.CostIncurred)
		if !ok {
			continue
		}
		micro, err := contracts.ParseUSD(cost.AmountUSD)
		if err != nil {
			continue
		}
		ledger.TotalMicroUSD += micro
		ledger.Count++
		if ledger.FirstAt.IsZero() {
			ledger.FirstAt = ev.Timestamp
		}
		ledger.LastAt = ev.Timestamp
	}
	return ledger, nil
}
