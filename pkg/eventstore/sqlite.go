package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/projector"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistent event store. SQLite serializes
// writers globally; the per-aggregate mutex only protects the
// MAX(seq)+INSERT pair from in-process interleaving.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:    db,
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts TEXT NOT NULL,
		actor_id TEXT,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		UNIQUE (aggregate_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
	CREATE TABLE IF NOT EXISTS ivcu_projection (
		aggregate_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) aggregateLock(aggregateID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[aggregateID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[aggregateID] = mu
	}
	return mu
}

func (s *SQLiteStore) Append(ctx context.Context, aggregateID string, payload contracts.Payload, opts AppendOptions) (*contracts.Event, error) {
	mu := s.aggregateLock(aggregateID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var prevHash string
	row := tx.QueryRowContext(ctx, `
		SELECT sequence_number, content_hash FROM events
		WHERE aggregate_id = ? ORDER BY sequence_number DESC LIMIT 1`, aggregateID)
	switch err := row.Scan(&current, &prevHash); err {
	case nil:
	case sql.ErrNoRows:
		current, prevHash = 0, genesisHash
	default:
		return nil, fmt.Errorf("read head: %w", err)
	}

	if opts.ExpectedVersion != UncheckedVersion && opts.ExpectedVersion != current {
		return nil, &contracts.ConcurrencyConflictError{
			AggregateID: aggregateID,
			Expected:    opts.ExpectedVersion,
			Actual:      current,
		}
	}

	ev, err := buildEvent(aggregateID, current+1, payload, opts.ActorID, s.clock().UTC(), prevHash)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, sequence_number, event_type, payload, ts, actor_id, content_hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.AggregateID, ev.SequenceNumber, string(ev.EventType), string(payloadJSON),
		ev.Timestamp.Format(time.RFC3339Nano), ev.ActorID, ev.ContentHash, ev.PrevHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	// Projection row updated inside the append transaction.
	state, err := s.loadProjection(ctx, tx, aggregateID)
	if err != nil {
		return nil, err
	}
	next := projector.Apply(*state, ev)
	stateJSON, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal projection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ivcu_projection (aggregate_id, version, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET version = excluded.version, state = excluded.state, updated_at = excluded.updated_at`,
		aggregateID, next.Version, string(stateJSON), ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert projection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &ev, nil
}

func (s *SQLiteStore) loadProjection(ctx context.Context, tx *sql.Tx, aggregateID string) (*contracts.IVCUState, error) {
	var stateJSON string
	row := tx.QueryRowContext(ctx, `SELECT state FROM ivcu_projection WHERE aggregate_id = ?`, aggregateID)
	switch err := row.Scan(&stateJSON); err {
	case nil:
		var state contracts.IVCUState
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("corrupt projection for %s: %w", aggregateID, err)
		}
		return &state, nil
	case sql.ErrNoRows:
		return &contracts.IVCUState{AggregateID: aggregateID, Status: contracts.StatusDraft}, nil
	default:
		return nil, fmt.Errorf("load projection: %w", err)
	}
}

func (s *SQLiteStore) Events(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]contracts.Event, error) {
	if fromSeq <= 0 {
		fromSeq = 1
	}
	query := `
		SELECT event_id, aggregate_id, sequence_number, event_type, payload, ts, actor_id, content_hash, prev_hash
		FROM events WHERE aggregate_id = ? AND sequence_number >= ?`
	args := []any{aggregateID, fromSeq}
	if toSeq > 0 {
		query += ` AND sequence_number <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanEventRow(rows *sql.Rows) (*contracts.Event, error) {
	var (
		eventID, aggregateID, eventType, payloadJSON, ts string
		contentHash, prevHash                            string
		actorID                                          sql.NullString
		seq                                              int64
	)
	if err := rows.Scan(&eventID, &aggregateID, &seq, &eventType, &payloadJSON, &ts, &actorID, &contentHash, &prevHash); err != nil {
		return nil, err
	}
	payload, err := contracts.DecodePayload(contracts.EventType(eventType), []byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("corrupt payload in event %s: %w", eventID, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp in event %s: %w", eventID, err)
	}
	return &contracts.Event{
		EventID:        eventID,
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      contracts.EventType(eventType),
		Payload:        payload,
		Timestamp:      parsed,
		ActorID:        actorID.String,
		ContentHash:    contentHash,
		PrevHash:       prevHash,
	}, nil
}

func (s *SQLiteStore) State(ctx context.Context, aggregateID string) (*contracts.IVCUState, error) {
	var stateJSON string
	row := s.db.QueryRowContext(ctx, `SELECT state FROM ivcu_projection WHERE aggregate_id = ?`, aggregateID)
	switch err := row.Scan(&stateJSON); err {
	case nil:
		var state contracts.IVCUState
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("corrupt projection for %s: %w", aggregateID, err)
		}
		return &state, nil
	case sql.ErrNoRows:
		// Cold read: fall back to replay.
		events, err := s.Events(ctx, aggregateID, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, ErrAggregateNotFound
		}
		state := projector.Replay(aggregateID, events)
		return &state, nil
	default:
		return nil, err
	}
}

func (s *SQLiteStore) StateAt(ctx context.Context, aggregateID string, at time.Time) (*contracts.IVCUState, error) {
	return stateAt(ctx, s, aggregateID, at)
}

func (s *SQLiteStore) Undo(ctx context.Context, aggregateID, actorID string) (*contracts.IVCUState, error) {
	return undo(ctx, s, aggregateID, actorID)
}

func (s *SQLiteStore) AuditLog(ctx context.Context, aggregateID string, limit int) ([]contracts.AuditEntry, error) {
	return auditLog(ctx, s, aggregateID, limit)
}

func (s *SQLiteStore) CostLedger(ctx context.Context, aggregateID string) (*contracts.CostLedger, error) {
	return costLedger(ctx, s, aggregateID)
}

func (s *SQLiteStore) VerifyChain(ctx context.Context, aggregateID string) error {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return err
	}
	return verifyChain(events)
}
