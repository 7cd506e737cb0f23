package projection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentforge/core/pkg/bus"
	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/kv"
	"github.com/intentforge/core/pkg/memory"
)

func storedEvent(aggregateID string, seq int64, payload contracts.Payload) *contracts.Event {
	return &contracts.Event{
		EventID:        fmt.Sprintf("ev-%s-%d", aggregateID, seq),
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      payload.Kind(),
		Payload:        payload,
		Timestamp:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func publishEvent(t *testing.T, b bus.Bus, ev *contracts.Event) {
	t.Helper()
	env, err := bus.EncodeEvent(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), Subject, env))
}

func waitApplied(t *testing.T, store kv.Store, aggregateID string, seq int64) {
	t.Helper()
	token := SyncToken(aggregateID, seq)
	require.NoError(t, WaitFor(context.Background(), store, token, 2*time.Second, 10*time.Millisecond))
}

type countingHandler struct {
	eventType contracts.EventType
	err       error
	calls     int32
}

func (h *countingHandler) Name() string                         { return "counting" }
func (h *countingHandler) Handles(t contracts.EventType) bool   { return t == h.eventType }
func (h *countingHandler) Handle(context.Context, *contracts.Event) error {
	atomic.AddInt32(&h.calls, 1)
	return h.err
}

func TestEngineProjectsLifecycle(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	retriever := memory.NewInMemoryRetriever()
	stats := NewMemoryStats()
	ctx := context.Background()

	engine := NewEngine(b, store, DefaultHandlers(retriever, stats))
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	publishEvent(t, b, storedEvent("ivcu-1", 1, contracts.IntentCreated{
		RawIntent: "sort a list of numbers",
		Language:  "python",
	}))
	publishEvent(t, b, storedEvent("ivcu-1", 2, contracts.VerificationCompleted{
		CandidateID: "cand-1",
		Passed:      true,
		Score:       0.91,
	}))
	publishEvent(t, b, storedEvent("ivcu-1", 3, contracts.CandidateSelected{
		CandidateID: "cand-1",
		Code:        "def sort_numbers(xs):\n    return sorted(xs)\n",
		Confidence:  0.91,
	}))
	publishEvent(t, b, storedEvent("ivcu-1", 4, contracts.CostIncurred{
		AmountUSD: "0.25",
		ModelID:   "gpt-4o-mini",
		Operation: "generation",
	}))

	// One durable consumer delivers in order; the last token implies all four.
	waitApplied(t, store, "ivcu-1", 4)

	assert.Equal(t, 1, retriever.Count())
	got, err := retriever.Retrieve(ctx, "sort numbers list")
	require.NoError(t, err)
	assert.Equal(t, "sort a list of numbers", got)

	passed, err := stats.Get(ctx, "ivcu-1", "verifications_passed")
	require.NoError(t, err)
	require.NotNil(t, passed)
	assert.Equal(t, 1.0, passed.Value)

	globalPassed, err := stats.Get(ctx, "global", "verifications_passed")
	require.NoError(t, err)
	require.NotNil(t, globalPassed)
	assert.Equal(t, 1.0, globalPassed.Value)

	selected, err := stats.Get(ctx, "global", "candidates_selected")
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, 1.0, selected.Value)
	assert.Equal(t, map[string]string{"candidate_id": "cand-1"}, selected.Metadata)

	cost, err := stats.Get(ctx, "ivcu-1", "cost_micro_usd")
	require.NoError(t, err)
	require.NotNil(t, cost)
	assert.Equal(t, 250000.0, cost.Value)
	assert.Equal(t, map[string]string{"model_id": "gpt-4o-mini"}, cost.Metadata)
}

func TestEngineSkipsAlreadyAppliedSequence(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	h := &countingHandler{eventType: contracts.EventIntentCreated}
	ctx := context.Background()

	engine := NewEngine(b, store, []Handler{h})
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	first := storedEvent("ivcu-1", 1, contracts.IntentCreated{RawIntent: "parse a csv", Language: "python"})
	publishEvent(t, b, first)
	waitApplied(t, store, "ivcu-1", 1)

	// Republishing sequence 1 models an at-least-once duplicate; the
	// watermark must swallow it.
	publishEvent(t, b, first)
	publishEvent(t, b, storedEvent("ivcu-1", 2, contracts.IntentCreated{RawIntent: "parse a tsv", Language: "python"}))
	waitApplied(t, store, "ivcu-1", 2)

	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

func TestEngineNaksFailingHandlerUntilParked(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	h := &countingHandler{
		eventType: contracts.EventIntentCreated,
		err:       errors.New("view write failed"),
	}
	ctx := context.Background()

	engine := NewEngine(b, store, []Handler{h}, WithMaxDeliver(2))
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	publishEvent(t, b, storedEvent("ivcu-1", 1, contracts.IntentCreated{RawIntent: "parse a csv", Language: "python"}))

	token := SyncToken("ivcu-1", 1)
	err := WaitFor(ctx, store, token, 300*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), token)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

func TestEngineAcksUndecodableEvent(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	h := &countingHandler{eventType: contracts.EventIntentCreated}
	ctx := context.Background()

	engine := NewEngine(b, store, []Handler{h})
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	require.NoError(t, b.Publish(ctx, Subject, bus.Envelope{
		AggregateID: "ivcu-1",
		Sequence:    1,
		EventType:   string(contracts.EventIntentCreated),
		Event:       []byte("{not json"),
	}))
	publishEvent(t, b, storedEvent("ivcu-1", 2, contracts.IntentCreated{RawIntent: "parse a csv", Language: "python"}))
	waitApplied(t, store, "ivcu-1", 2)

	// The malformed delivery is acked without applying: no token, no handler call.
	_, ok, err := store.Get(ctx, SyncToken("ivcu-1", 1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
}

func TestEngineAcksEventsWithNoHandler(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	h := &countingHandler{eventType: contracts.EventIntentCreated}
	ctx := context.Background()

	engine := NewEngine(b, store, []Handler{h})
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	publishEvent(t, b, storedEvent("ivcu-1", 1, contracts.ContractAdded{
		Contract: contracts.Contract{Kind: contracts.ContractPost, Expression: "result >= 0"},
	}))
	waitApplied(t, store, "ivcu-1", 1)

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))
}

func TestProjectWrapsHandlerError(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	store := kv.NewMemoryStore()
	cause := errors.New("view write failed")
	h := &countingHandler{eventType: contracts.EventIntentCreated, err: cause}

	engine := NewEngine(b, store, []Handler{h})
	env, err := bus.EncodeEvent(storedEvent("ivcu-1", 1, contracts.IntentCreated{RawIntent: "parse a csv", Language: "python"}))
	require.NoError(t, err)

	err = engine.project(context.Background(), env)
	var perr *contracts.ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "counting", perr.Handler)
	assert.ErrorIs(t, err, cause)
}

func TestSyncTokenFormat(t *testing.T) {
	assert.Equal(t, "sync:ivcu-7:42", SyncToken("ivcu-7", 42))
}

func TestWaitForExistingToken(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "sync:ivcu-1:3", "complete", 0))

	assert.NoError(t, WaitFor(ctx, store, "sync:ivcu-1:3", time.Second, 10*time.Millisecond))
}

func TestWaitForTimeout(t *testing.T) {
	store := kv.NewMemoryStore()

	err := WaitFor(context.Background(), store, "sync:ivcu-1:3", 60*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync:ivcu-1:3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntentCreatedHandler(t *testing.T) {
	retriever := memory.NewInMemoryRetriever()
	h := &IntentCreatedHandler{retriever: retriever}
	ctx := context.Background()

	assert.True(t, h.Handles(contracts.EventIntentCreated))
	assert.False(t, h.Handles(contracts.EventCostIncurred))

	ev := storedEvent("ivcu-1", 1, contracts.IntentCreated{RawIntent: "sort a list of numbers", Language: "python"})
	require.NoError(t, h.Handle(ctx, ev))
	assert.Equal(t, 1, retriever.Count())

	wrong := storedEvent("ivcu-1", 2, contracts.CostIncurred{AmountUSD: "0.01", ModelID: "gpt-4o", Operation: "generation"})
	err := h.Handle(ctx, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload")
}

func TestVerificationCompletedHandler(t *testing.T) {
	stats := NewMemoryStats()
	h := &VerificationCompletedHandler{stats: stats}
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, storedEvent("ivcu-1", 2, contracts.VerificationCompleted{CandidateID: "cand-1", Passed: true, Score: 0.9})))
	require.NoError(t, h.Handle(ctx, storedEvent("ivcu-1", 4, contracts.VerificationCompleted{CandidateID: "cand-2", Passed: true, Score: 0.8})))
	require.NoError(t, h.Handle(ctx, storedEvent("ivcu-1", 6, contracts.VerificationCompleted{CandidateID: "cand-3", Passed: false, Score: 0.2})))

	passed, err := stats.Get(ctx, "ivcu-1", "verifications_passed")
	require.NoError(t, err)
	require.NotNil(t, passed)
	assert.Equal(t, 2.0, passed.Value)

	globalPassed, err := stats.Get(ctx, "global", "verifications_passed")
	require.NoError(t, err)
	require.NotNil(t, globalPassed)
	assert.Equal(t, 2.0, globalPassed.Value)

	failed, err := stats.Get(ctx, "ivcu-1", "verifications_failed")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, 1.0, failed.Value)
}

func TestSelectionHandler(t *testing.T) {
	stats := NewMemoryStats()
	h := &SelectionHandler{stats: stats}
	ctx := context.Background()

	sel := storedEvent("ivcu-1", 5, contracts.CandidateSelected{CandidateID: "cand-1", Code: "def f():\n    pass\n", Confidence: 0.9})
	require.NoError(t, h.Handle(ctx, sel))

	selected, err := stats.Get(ctx, "global", "candidates_selected")
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, 1.0, selected.Value)
	assert.Equal(t, map[string]string{"candidate_id": "cand-1"}, selected.Metadata)

	// Empty candidate_id marks a terminal failure selection.
	failSel := storedEvent("ivcu-2", 3, contracts.CandidateSelected{FailureReason: "budget exceeded"})
	require.NoError(t, h.Handle(ctx, failSel))

	failures, err := stats.Get(ctx, "global", "generation_failures")
	require.NoError(t, err)
	require.NotNil(t, failures)
	assert.Equal(t, 1.0, failures.Value)
	assert.Equal(t, map[string]string{"reason": "budget exceeded"}, failures.Metadata)
}

func TestCostHandler(t *testing.T) {
	stats := NewMemoryStats()
	h := &CostHandler{stats: stats}
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, storedEvent("ivcu-1", 4, contracts.CostIncurred{AmountUSD: "0.25", ModelID: "gpt-4o", Operation: "generation"})))
	require.NoError(t, h.Handle(ctx, storedEvent("ivcu-1", 7, contracts.CostIncurred{AmountUSD: "0.1", ModelID: "claude-haiku", Operation: "test_synthesis"})))

	cost, err := stats.Get(ctx, "ivcu-1", "cost_micro_usd")
	require.NoError(t, err)
	require.NotNil(t, cost)
	assert.Equal(t, 350000.0, cost.Value)
	assert.Equal(t, map[string]string{"model_id": "claude-haiku"}, cost.Metadata)

	bad := storedEvent("ivcu-1", 9, contracts.CostIncurred{AmountUSD: "twelve", ModelID: "gpt-4o", Operation: "generation"})
	err = h.Handle(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parse amount "twelve"`)
}

func TestMemoryStatsIncrementAndGet(t *testing.T) {
	stats := NewMemoryStats()
	ctx := context.Background()

	require.NoError(t, stats.Increment(ctx, "ivcu-1", "verifications_passed", 1, nil))
	require.NoError(t, stats.Increment(ctx, "ivcu-1", "verifications_passed", 1, nil))

	row, err := stats.Get(ctx, "ivcu-1", "verifications_passed")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 2.0, row.Value)
	assert.False(t, row.UpdatedAt.IsZero())

	// Get hands out a copy.
	row.Value = 99
	again, err := stats.Get(ctx, "ivcu-1", "verifications_passed")
	require.NoError(t, err)
	assert.Equal(t, 2.0, again.Value)

	missing, err := stats.Get(ctx, "ivcu-1", "no_such_stat")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStatsMetadataReplacedOnlyWhenPresent(t *testing.T) {
	stats := NewMemoryStats()
	ctx := context.Background()

	require.NoError(t, stats.Increment(ctx, "ivcu-1", "cost_micro_usd", 100, map[string]string{"model_id": "gpt-4o"}))
	require.NoError(t, stats.Increment(ctx, "ivcu-1", "cost_micro_usd", 50, nil))

	row, err := stats.Get(ctx, "ivcu-1", "cost_micro_usd")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 150.0, row.Value)
	assert.Equal(t, map[string]string{"model_id": "gpt-4o"}, row.Metadata)

	require.NoError(t, stats.Increment(ctx, "ivcu-1", "cost_micro_usd", 25, map[string]string{"model_id": "claude-haiku"}))
	row, err = stats.Get(ctx, "ivcu-1", "cost_micro_usd")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model_id": "claude-haiku"}, row.Metadata)
}

func TestMemoryStatsList(t *testing.T) {
	stats := NewMemoryStats()
	ctx := context.Background()

	require.NoError(t, stats.Increment(ctx, "ivcu-1", "verifications_passed", 3, nil))
	require.NoError(t, stats.Increment(ctx, "ivcu-1", "cost_micro_usd", 250, nil))
	require.NoError(t, stats.Increment(ctx, "global", "candidates_selected", 1, nil))

	rows, err := stats.List(ctx, "ivcu-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = stats.List(ctx, "ivcu-9")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func newPostgresStats(t *testing.T) (*PostgresStats, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS projection_stats").
		WillReturnResult(sqlmock.NewResult(0, 0))
	stats, err := NewPostgresStats(db)
	require.NoError(t, err)
	return stats, mock
}

func TestPostgresStatsMigrationError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS projection_stats").
		WillReturnError(errors.New("permission denied"))

	_, err = NewPostgresStats(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate projection stats")
}

func TestPostgresStatsIncrement(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO projection_stats").
		WithArgs("global", "candidates_selected", 1.0, `{"candidate_id":"cand-1"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := stats.Increment(ctx, "global", "candidates_selected", 1, map[string]string{"candidate_id": "cand-1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStatsIncrementNilMetadata(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO projection_stats").
		WithArgs("ivcu-1", "verifications_passed", 1.0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := stats.Increment(ctx, "ivcu-1", "verifications_passed", 1, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStatsIncrementError(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO projection_stats").
		WithArgs("global", "candidates_selected", 1.0, sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := stats.Increment(ctx, "global", "candidates_selected", 1, map[string]string{"candidate_id": "cand-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment stat global/candidates_selected")
}

func TestPostgresStatsGet(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM projection_stats WHERE entity_id").
		WithArgs("ivcu-1", "cost_micro_usd").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "stat_type", "value", "metadata", "updated_at"}).
			AddRow("ivcu-1", "cost_micro_usd", 250000.0, `{"model_id":"gpt-4o"}`, updated))

	row, err := stats.Get(ctx, "ivcu-1", "cost_micro_usd")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "ivcu-1", row.EntityID)
	assert.Equal(t, 250000.0, row.Value)
	assert.Equal(t, map[string]string{"model_id": "gpt-4o"}, row.Metadata)
	assert.Equal(t, updated, row.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStatsGetMissingRow(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM projection_stats WHERE entity_id").
		WithArgs("ivcu-9", "cost_micro_usd").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "stat_type", "value", "metadata", "updated_at"}))

	row, err := stats.Get(ctx, "ivcu-9", "cost_micro_usd")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestPostgresStatsList(t *testing.T) {
	stats, mock := newPostgresStats(t)
	ctx := context.Background()
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("ORDER BY stat_type").
		WithArgs("global").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "stat_type", "value", "metadata", "updated_at"}).
			AddRow("global", "candidates_selected", 4.0, `{"candidate_id":"cand-9"}`, updated).
			AddRow("global", "verifications_passed", 7.0, nil, updated))

	rows, err := stats.List(ctx, "global")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "candidates_selected", rows[0].StatType)
	assert.Equal(t, map[string]string{"candidate_id": "cand-9"}, rows[0].Metadata)
	assert.Equal(t, "verifications_passed", rows[1].StatType)
	assert.Nil(t, rows[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}
