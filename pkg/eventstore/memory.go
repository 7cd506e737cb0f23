package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/projector"
)

// MemoryStore is the in-process event store used by tests and embedded runs.
// Append is serialized per aggregate; reads copy out under RLock.
type MemoryStore struct {
	mu         sync.RWMutex
	aggregates map[string]*memoryAggregate
	clock      func() time.Time
}

type memoryAggregate struct {
	mu     sync.Mutex
	events []contracts.Event
	state  contracts.IVCUState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[string]*memoryAggregate),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) aggregate(id string, create bool) *memoryAggregate {
	s.mu.RLock()
	agg := s.aggregates[id]
	s.mu.RUnlock()
	if agg != nil || !create {
		return agg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg = s.aggregates[id]; agg == nil {
		agg = &memoryAggregate{state: contracts.IVCUState{AggregateID: id, Status: contracts.StatusDraft}}
		s.aggregates[id] = agg
	}
	return agg
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, payload contracts.Payload, opts AppendOptions) (*contracts.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agg := s.aggregate(aggregateID, true)
	agg.mu.Lock()
	defer agg.mu.Unlock()

	current := int64(len(agg.events))
	if opts.ExpectedVersion != UncheckedVersion && opts.ExpectedVersion != current {
		return nil, &contracts.ConcurrencyConflictError{
			AggregateID: aggregateID,
			Expected:    opts.ExpectedVersion,
			Actual:      current,
		}
	}
	prevHash := genesisHash
	if current > 0 {
		prevHash = agg.events[current-1].ContentHash
	}
	ev, err := buildEvent(aggregateID, current+1, payload, opts.ActorID, s.clock().UTC(), prevHash)
	if err != nil {
		return nil, err
	}
	agg.events = append(agg.events, ev)
	agg.state = projector.Apply(agg.state, ev)
	return &ev, nil
}

func (s *MemoryStore) Events(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]contracts.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agg := s.aggregate(aggregateID, false)
	if agg == nil {
		return nil, nil
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	if fromSeq <= 0 {
		fromSeq = 1
	}
	if toSeq <= 0 || toSeq > int64(len(agg.events)) {
		toSeq = int64(len(agg.events))
	}
	if fromSeq > toSeq {
		return nil, nil
	}
	out := make([]contracts.Event, toSeq-fromSeq+1)
	copy(out, agg.events[fromSeq-1:toSeq])
	return out, nil
}

func (s *MemoryStore) State(ctx context.Context, aggregateID string) (*contracts.IVCUState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agg := s.aggregate(aggregateID, false)
	if agg == nil {
		return nil, ErrAggregateNotFound
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	if len(agg.events) == 0 {
		return nil, ErrAggregateNotFound
	}
	state := agg.state
	return &state, nil
}

func (s *MemoryStore) StateAt(ctx context.Context, aggregateID string, at time.Time) (*contracts.IVCUState, error) {
	return stateAt(ctx, s, aggregateID, at)
}

func (s *MemoryStore) Undo(ctx context.Context, aggregateID, actorID string) (*contracts.IVCUState, error) {
	return undo(ctx, s, aggregateID, actorID)
}

func (s *MemoryStore) AuditLog(ctx context.Context, aggregateID string, limit int) ([]contracts.AuditEntry, error) {
	return auditLog(ctx, s, aggregateID, limit)
}

func (s *MemoryStore) CostLedger(ctx context.Context, aggregateID string) (*contracts.CostLedger, error) {
	return costLedger(ctx, s, aggregateID)
}

func (s *MemoryStore) VerifyChain(ctx context.Context, aggregateID string) error {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return err
	}
	return verifyChain(events)
}
