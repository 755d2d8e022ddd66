package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coriolis/minion-manager/internal/minionerr"
)

func scanPool(row pgx.Row) (*Pool, error) {
	p := &Pool{}
	var env, shared []byte
	var retention *string
	if err := row.Scan(
		&p.ID, &p.Name, &p.EndpointID, &p.Platform, &p.OSType,
		&env, &p.MinimumMinions, &p.MaximumMinions, &p.MinionMaxIdleTime,
		&retention, &shared, &p.Status, &p.Deleted, &p.DeletedAt,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.EnvironmentOptions = env
	p.SharedResources = shared
	if retention != nil {
		p.MinionRetentionStrategy = *retention
	}
	return p, nil
}

const poolColumns = `id, name, endpoint_id, platform, os_type, environment_options,
	minimum_minions, maximum_minions, minion_max_idle_time, minion_retention_strategy,
	shared_resources, status, deleted, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetPool(ctx context.Context, id string, opts GetPoolOptions) (*Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM minion_pools WHERE id = $1 AND NOT deleted`, id)
	p, err := scanPool(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("pool %s: %w", id, minionerr.ErrNotFound)
		}
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context, filter PoolFilter) ([]*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM minion_pools WHERE NOT deleted`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.EndpointID != "" {
		args = append(args, filter.EndpointID)
		query += fmt.Sprintf(" AND endpoint_id = $%d", len(args))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		query += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []*Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddPool(ctx context.Context, p *Pool) error {
	now := time.Now()
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minion_pools (id, name, endpoint_id, platform, os_type, environment_options,
			minimum_minions, maximum_minions, minion_max_idle_time, minion_retention_strategy,
			shared_resources, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.Name, p.EndpointID, p.Platform, p.OSType, marshalOrNil(p.EnvironmentOptions),
		p.MinimumMinions, p.MaximumMinions, p.MinionMaxIdleTime, nullIfEmpty(p.MinionRetentionStrategy),
		marshalOrNil(p.SharedResources), p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("add pool: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePool(ctx context.Context, id string, f PoolUpdateFields) (*Pool, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Name != nil {
		add("name", *f.Name)
	}
	if f.EnvironmentOptions != nil {
		add("environment_options", f.EnvironmentOptions)
	}
	if f.MinimumMinions != nil {
		add("minimum_minions", *f.MinimumMinions)
	}
	if f.MaximumMinions != nil {
		add("maximum_minions", *f.MaximumMinions)
	}
	if f.MinionMaxIdleTime != nil {
		add("minion_max_idle_time", *f.MinionMaxIdleTime)
	}
	if f.MinionRetentionStrategy != nil {
		add("minion_retention_strategy", *f.MinionRetentionStrategy)
	}
	if f.SharedResources != nil {
		add("shared_resources", f.SharedResources)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE minion_pools SET %s WHERE id = $%d AND NOT deleted`, joinComma(sets), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("pool %s: %w", id, minionerr.ErrNotFound)
	}
	return s.GetPool(ctx, id, GetPoolOptions{})
}

// DeletePool soft-deletes a pool inside a transaction that first takes the
// cluster-wide delete-operation advisory lock, so a pool delete can never
// interleave with a machine delete racing it from another process.
func (s *PostgresStore) DeletePool(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete pool transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.acquireDeleteOperationLock(ctx, tx); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE minion_pools SET deleted = TRUE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", id, minionerr.ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetPoolStatus(ctx context.Context, id string, status PoolStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE minion_pools SET status = $1, updated_at = NOW() WHERE id = $2 AND NOT deleted`, status, id)
	if err != nil {
		return fmt.Errorf("set pool %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", id, minionerr.ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
