package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/projector"
)

// PostgresStore is the shared-deployment event store. Appends serialize per
// aggregate with a transaction-scoped advisory lock, so concurrent writers on
// different aggregates never contend.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
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
		version BIGINT NOT NULL,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, payload contracts.Payload, opts AppendOptions) (*contracts.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize the MAX(seq)+INSERT pair per aggregate. The lock releases on
	// commit or rollback.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID); err != nil {
		return nil, fmt.Errorf("acquire aggregate lock: %w", err)
	}

	var current int64
	var prevHash string
	row := tx.QueryRowContext(ctx, `
		SELECT sequence_number, content_hash FROM events
		WHERE aggregate_id = $1 ORDER BY sequence_number DESC LIMIT 1`, aggregateID)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.EventID, ev.AggregateID, ev.SequenceNumber, string(ev.EventType), payloadJSON,
		ev.Timestamp, ev.ActorID, ev.ContentHash, ev.PrevHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	state := contracts.IVCUState{AggregateID: aggregateID, Status: contracts.StatusDraft}
	var stateJSON []byte
	row = tx.QueryRowContext(ctx, `SELECT state FROM ivcu_projection WHERE aggregate_id = $1`, aggregateID)
	switch err := row.Scan(&stateJSON); err {
	case nil:
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("corrupt projection for %s: %w", aggregateID, err)
		}
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("load projection: %w", err)
	}
	next := projector.Apply(state, ev)
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal projection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ivcu_projection (aggregate_id, version, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		aggregateID, next.Version, nextJSON, ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert projection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) Events(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]contracts.Event, error) {
	if fromSeq <= 0 {
		fromSeq = 1
	}
	query := `
		SELECT event_id, aggregate_id, sequence_number, event_type, payload, ts, actor_id, content_hash, prev_hash
		FROM events WHERE aggregate_id = $1 AND sequence_number >= $2`
	args := []any{aggregateID, fromSeq}
	if toSeq > 0 {
		query += ` AND sequence_number <= $3`
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
		var (
			eventID, aggregateIDCol, eventType string
			contentHash, prevHash              string
			payloadJSON                        []byte
			ts                                 time.Time
			actorID                            sql.NullString
			seq                                int64
		)
		if err := rows.Scan(&eventID, &aggregateIDCol, &seq, &eventType, &payloadJSON, &ts, &actorID, &contentHash, &prevHash); err != nil {
			return nil, err
		}
		payload, err := contracts.DecodePayload(contracts.EventType(eventType), payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("corrupt payload in event %s: %w", eventID, err)
		}
		events = append(events, contracts.Event{
			EventID:        eventID,
			AggregateID:    aggregateIDCol,
			SequenceNumber: seq,
			EventType:      contracts.EventType(eventType),
			Payload:        payload,
			Timestamp:      ts.UTC(),
			ActorID:        actorID.String,
			ContentHash:    contentHash,
			PrevHash:       prevHash,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresStore) State(ctx context.Context, aggregateID string) (*contracts.IVCUState, error) {
	var stateJSON []byte
	row := s.db.QueryRowContext(ctx, `SELECT state FROM ivcu_projection WHERE aggregate_id = $1`, aggregateID)
	switch err := row.Scan(&stateJSON); err {
	case nil:
		var state contracts.IVCUState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("corrupt projection for %s: %w", aggregateID, err)
		}
		return &state, nil
	case sql.ErrNoRows:
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

func (s *PostgresStore) StateAt(ctx context.Context, aggregateID string, at time.Time) (*contracts.IVCUState, error) {
	return stateAt(ctx, s, aggregateID, at)
}

func (s *PostgresStore) Undo(ctx context.Context, aggregateID, actorID string) (*contracts.IVCUState, error) {
	return undo(ctx, s, aggregateID, actorID)
}

func (s *PostgresStore) AuditLog(ctx context.Context, aggregateID string, limit int) ([]contracts.AuditEntry, error) {
	return auditLog(ctx, s, aggregateID, limit)
}

func (s *PostgresStore) CostLedger(ctx context.Context, aggregateID string) (*contracts.CostLedger, error) {
	return costLedger(ctx, s, aggregateID)
}

func (s *PostgresStore) VerifyChain(ctx context.Context, aggregateID string) error {
	events, err := s.Events(ctx, aggregateID, 0, 0)
	if err != nil {
		return err
	}
	return verifyChain(events)
}
