package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials dsn, verifies connectivity, and ensures the schema
// exists before returning.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS minion_pools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			os_type TEXT NOT NULL,
			environment_options JSONB,
			minimum_minions INTEGER NOT NULL DEFAULT 0,
			maximum_minions INTEGER NOT NULL DEFAULT 0,
			minion_max_idle_time INTEGER NOT NULL DEFAULT 0,
			minion_retention_strategy TEXT,
			shared_resources JSONB,
			status TEXT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_minion_pools_status ON minion_pools(status) WHERE NOT deleted`,
		`CREATE INDEX IF NOT EXISTS idx_minion_pools_endpoint ON minion_pools(endpoint_id) WHERE NOT deleted`,
		`CREATE TABLE IF NOT EXISTS minion_machines (
			id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL REFERENCES minion_pools(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			allocated_action TEXT,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			provider_properties JSONB,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_minion_machines_pool ON minion_machines(pool_id) WHERE NOT deleted`,
		`CREATE INDEX IF NOT EXISTS idx_minion_machines_action ON minion_machines(allocated_action) WHERE allocated_action IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS minion_pool_events (
			id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL REFERENCES minion_pools(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_minion_pool_events_pool ON minion_pool_events(pool_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS minion_pool_progress_updates (
			id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL REFERENCES minion_pools(id) ON DELETE CASCADE,
			current_step INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// poolLockKey derives a stable int64 advisory-lock key from a pool id so
// concurrent processes serialize on the same pool without a shared name
// registry.
func poolLockKey(poolID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(poolID))
	return int64(h.Sum64())
}

// WithPoolLock holds a Postgres session-scoped advisory lock for the
// duration of fn, giving cross-process exclusion on top of the in-process
// Pool Lock Registry. The lock is released automatically when the
// connection returns to the pool, even if the process crashes mid-flow.
func (s *PostgresStore) WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for pool lock: %w", err)
	}
	defer conn.Release()

	key := poolLockKey(poolID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire pool advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
	}()

	return fn(ctx)
}

func newID() string {
	return uuid.NewString()
}

func marshalOrNil(v json.RawMessage) []byte {
	if len(v) == 0 {
		return nil
	}
	return v
}
