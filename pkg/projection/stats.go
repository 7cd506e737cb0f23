package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// StatRow is one (entity, stat) accumulator.
type StatRow struct {
	EntityID  string            `json:"entity_id"`
	StatType  string            `json:"stat_type"`
	Value     float64           `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Stats accumulates projection counters keyed by (entity_id, stat_type).
type Stats interface {
	Increment(ctx context.Context, entityID, statType string, delta float64, metadata map[string]string) error
	Get(ctx context.Context, entityID, statType string) (*StatRow, error)
	List(ctx context.Context, entityID string) ([]*StatRow, error)
}

type statKey struct {
	entity string
	stat   string
}

// MemoryStats is the in-process stats store.
type MemoryStats struct {
	mu    sync.RWMutex
	rows  map[statKey]*StatRow
	clock func() time.Time
}

func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		rows:  make(map[statKey]*StatRow),
		clock: time.Now,
	}
}

func (s *MemoryStats) Increment(ctx context.Context, entityID, statType string, delta float64, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statKey{entity: entityID, stat: statType}
	row, ok := s.rows[key]
	if !ok {
		row = &StatRow{EntityID: entityID, StatType: statType}
		s.rows[key] = row
	}
	row.Value += delta
	if metadata != nil {
		row.Metadata = metadata
	}
	row.UpdatedAt = s.clock().UTC()
	return nil
}

func (s *MemoryStats) Get(ctx context.Context, entityID, statType string) (*StatRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[statKey{entity: entityID, stat: statType}]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStats) List(ctx context.Context, entityID string) ([]*StatRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StatRow
	for key, row := range s.rows {
		if key.entity == entityID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PostgresStats persists counters with an upsert on (entity_id, stat_type).
type PostgresStats struct {
	db *sql.DB
}

func NewPostgresStats(db *sql.DB) (*PostgresStats, error) {
	s := &PostgresStats{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStats) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projection_stats (
			entity_id  TEXT NOT NULL,
			stat_type  TEXT NOT NULL,
			value      DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata   JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (entity_id, stat_type)
		)`)
	if err != nil {
		return fmt.Errorf("migrate projection stats: %w", err)
	}
	return nil
}

func (s *PostgresStats) Increment(ctx context.Context, entityID, statType string, delta float64, metadata map[string]string) error {
	var meta any
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode stat metadata: %w", err)
		}
		meta = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_stats (entity_id, stat_type, value, metadata, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_id, stat_type)
		DO UPDATE SET value = projection_stats.value + EXCLUDED.value,
		              metadata = COALESCE(EXCLUDED.metadata, projection_stats.metadata),
		              updated_at = now()`,
		entityID, statType, delta, meta)
	if err != nil {
		return fmt.Errorf("increment stat %s/%s: %w", entityID, statType, err)
	}
	return nil
}

func (s *PostgresStats) Get(ctx context.Context, entityID, statType string) (*StatRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, stat_type, value, metadata, updated_at
		FROM projection_stats WHERE entity_id = $1 AND stat_type = $2`,
		entityID, statType)
	out, err := scanStatRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

func (s *PostgresStats) List(ctx context.Context, entityID string) ([]*StatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, stat_type, value, metadata, updated_at
		FROM projection_stats WHERE entity_id = $1 ORDER BY stat_type`,
		entityID)
	if err != nil {
		return nil, fmt.Errorf("list stats for %s: %w", entityID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StatRow
	for rows.Next() {
		row, err := scanStatRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanStatRow(scan func(...any) error) (*StatRow, error) {
	var row StatRow
	var meta sql.NullString
	if err := scan(&row.EntityID, &row.StatType, &row.Value, &meta, &row.UpdatedAt); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &row.Metadata); err != nil {
			return nil, fmt.Errorf("decode stat metadata: %w", err)
		}
	}
	return &row, nil
}
