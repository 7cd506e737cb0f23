package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresRetriever persists memory nodes and ranks them with Postgres
// full-text search. It is the durable alternative to InMemoryRetriever for
// deployments that already run Postgres.
type PostgresRetriever struct {
	db      *sql.DB
	maxHits int
}

func NewPostgresRetriever(db *sql.DB) (*PostgresRetriever, error) {
	r := &PostgresRetriever{db: db, maxHits: 3}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRetriever) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_nodes (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			metadata   JSONB,
			tsv        TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS memory_nodes_tsv_idx ON memory_nodes USING GIN (tsv)`)
	if err != nil {
		return fmt.Errorf("migrate memory nodes: %w", err)
	}
	return nil
}

func (r *PostgresRetriever) Store(ctx context.Context, content string, metadata map[string]string) error {
	var meta any
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode node metadata: %w", err)
		}
		meta = string(raw)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_nodes (id, content, metadata) VALUES ($1, $2, $3)`,
		uuid.New().String(), content, meta)
	if err != nil {
		return fmt.Errorf("store memory node: %w", err)
	}
	return nil
}

func (r *PostgresRetriever) Retrieve(ctx context.Context, query string) (string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT content FROM memory_nodes
		WHERE tsv @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(tsv, plainto_tsquery('simple', $1)) DESC
		LIMIT $2`,
		query, r.maxHits)
	if err != nil {
		return "", fmt.Errorf("retrieve memory nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contents []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", err
		}
		contents = append(contents, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(contents, "\n---\n"), nil
}
