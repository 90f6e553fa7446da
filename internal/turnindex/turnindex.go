// Package turnindex is a Postgres-backed monotonic turn-id allocator and
// manifest index, standing in for directory scanning when multiple
// orchestrator instances share one turns root (spec §5: "Turn directory is
// owned exclusively by its request", but allocation itself must still be
// serialized across processes).
package turnindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/orchestrator/internal/model"
)

// Index allocates turn ids and indexes manifests for cross-turn lookup.
type Index struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against dsn.
func New(ctx context.Context, dsn string, maxConns, minConns int32) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Index{pool: pool}, nil
}

// Close releases the pool.
func (idx *Index) Close() {
	idx.pool.Close()
}

// Migrate creates the tables this package needs. Intended for local/dev
// bring-up; production deployments run migrations out of band.
func (idx *Index) Migrate(ctx context.Context) error {
	_, err := idx.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS turn_sequences (
			base_path TEXT PRIMARY KEY,
			next_id   BIGINT NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS turn_manifests (
			turn_id    TEXT PRIMARY KEY,
			base_path  TEXT NOT NULL,
			session_id TEXT NOT NULL,
			manifest   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS turn_manifests_session_idx ON turn_manifests (session_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// NextTurnID implements turn.Allocator using an atomic upsert-and-increment,
// so concurrent writers to the same base path never collide (spec §4.1:
// "id = max(existing_turn_N)+1").
func (idx *Index) NextTurnID(ctx context.Context, basePath string) (int, error) {
	var next int64
	err := idx.pool.QueryRow(ctx, `
		INSERT INTO turn_sequences (base_path, next_id) VALUES ($1, 2)
		ON CONFLICT (base_path) DO UPDATE SET next_id = turn_sequences.next_id + 1
		RETURNING next_id - 1
	`, basePath).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate turn id: %w", err)
	}
	return int(next), nil
}

// IndexManifest upserts a turn's manifest for later lookup by session.
func (idx *Index) IndexManifest(ctx context.Context, basePath string, m model.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = idx.pool.Exec(ctx, `
		INSERT INTO turn_manifests (turn_id, base_path, session_id, manifest, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (turn_id) DO UPDATE SET manifest = $4, updated_at = now()
	`, m.TurnID, basePath, m.SessionID, data)
	if err != nil {
		return fmt.Errorf("index manifest: %w", err)
	}
	return nil
}

// PriorTurns returns the most recent n manifests for a session, newest
// first.
func (idx *Index) PriorTurns(ctx context.Context, sessionID string, n int) ([]model.Manifest, error) {
	rows, err := idx.pool.Query(ctx, `
		SELECT manifest FROM turn_manifests
		WHERE session_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query prior turns: %w", err)
	}
	defer rows.Close()

	var out []model.Manifest
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		var m model.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// pingTimeout bounds the health check used by cmd/server at startup.
const pingTimeout = 5 * time.Second

// Ping verifies connectivity.
func (idx *Index) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return idx.pool.Ping(ctx)
}
