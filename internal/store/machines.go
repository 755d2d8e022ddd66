package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coriolis/minion-manager/internal/minionerr"
)

const machineColumns = `id, pool_id, status, allocated_action, last_used_at,
	provider_properties, deleted, deleted_at, created_at, updated_at`

func scanMachine(row pgx.Row) (*Machine, error) {
	m := &Machine{}
	var props []byte
	if err := row.Scan(
		&m.ID, &m.PoolID, &m.Status, &m.AllocatedAction, &m.LastUsedAt,
		&props, &m.Deleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.ProviderProperties = props
	return m, nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM minion_machines WHERE id = $1 AND NOT deleted`, id)
	m, err := scanMachine(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("machine %s: %w", id, minionerr.ErrNotFound)
		}
		return nil, fmt.Errorf("get machine %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMachinesByPool(ctx context.Context, poolID string) ([]*Machine, error) {
	return s.queryMachines(ctx, `pool_id = $1`, poolID)
}

func (s *PostgresStore) GetMachinesByAction(ctx context.Context, actionID string) ([]*Machine, error) {
	return s.queryMachines(ctx, `allocated_action = $1`, actionID)
}

func (s *PostgresStore) queryMachines(ctx context.Context, where string, arg any) ([]*Machine, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+machineColumns+` FROM minion_machines WHERE NOT deleted AND `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMachine(ctx context.Context, m *Machine) error {
	now := time.Now()
	if m.ID == "" {
		m.ID = newID()
	}
	if m.LastUsedAt.IsZero() {
		m.LastUsedAt = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minion_machines (id, pool_id, status, allocated_action, last_used_at,
			provider_properties, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.PoolID, m.Status, m.AllocatedAction, m.LastUsedAt,
		marshalOrNil(m.ProviderProperties), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("add machine: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMachine(ctx context.Context, id string, f MachineUpdateFields) (*Machine, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.AllocatedAction != nil {
		add("allocated_action", *f.AllocatedAction)
	}
	if f.LastUsedAt != nil && *f.LastUsedAt {
		sets = append(sets, "last_used_at = NOW()")
	}
	if f.ProviderProperties != nil {
		add("provider_properties", f.ProviderProperties)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE minion_machines SET %s WHERE id = $%d AND NOT deleted`, joinComma(sets), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update machine %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("machine %s: %w", id, minionerr.ErrNotFound)
	}
	return s.GetMachine(ctx, id)
}

// DeleteMachine tolerates a machine that is already gone, matching
// DeallocateMachine's "already deleted" forgiveness. Like DeletePool, it
// takes the cluster-wide delete-operation advisory lock first so a machine
// delete can never interleave with its owning pool's delete.
func (s *PostgresStore) DeleteMachine(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete machine transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.acquireDeleteOperationLock(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE minion_machines SET deleted = TRUE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND NOT deleted`, id); err != nil {
		return fmt.Errorf("delete machine %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetMachineStatus(ctx context.Context, id string, status MachineStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE minion_machines SET status = $1, updated_at = NOW() WHERE id = $2 AND NOT deleted`, status, id)
	if err != nil {
		return fmt.Errorf("set machine %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("machine %s: %w", id, minionerr.ErrNotFound)
	}
	return nil
}

// SetMachinesAllocationStatuses is the one batch mutator every reservation
// and deallocation path funnels through, so "all or none" only has to be
// proven correct in one place.
func (s *PostgresStore) SetMachinesAllocationStatuses(ctx context.Context, ids []string, allocatedAction *string, newStatus MachineStatus, refreshAllocationTime bool) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin allocation status transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `UPDATE minion_machines SET status = $1, allocated_action = $2, updated_at = NOW()`
	if refreshAllocationTime {
		query += `, last_used_at = NOW()`
	}
	query += ` WHERE id = ANY($3) AND NOT deleted`

	tag, err := tx.Exec(ctx, query, newStatus, allocatedAction, ids)
	if err != nil {
		return fmt.Errorf("set machines allocation statuses: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("set machines allocation statuses: expected %d rows, affected %d: %w", len(ids), tag.RowsAffected(), minionerr.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit allocation status transaction: %w", err)
	}
	return nil
}
