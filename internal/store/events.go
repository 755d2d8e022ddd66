package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) AddPoolEvent(ctx context.Context, ev *PoolEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minion_pool_events (id, pool_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		ev.ID, ev.PoolID, ev.Level, ev.Message,
	)
	if err != nil {
		return fmt.Errorf("add pool event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPoolEvents(ctx context.Context, poolID string) ([]*PoolEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pool_id, level, message, created_at
		FROM minion_pool_events WHERE pool_id = $1 ORDER BY created_at DESC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pool events: %w", err)
	}
	defer rows.Close()

	var out []*PoolEvent
	for rows.Next() {
		ev := &PoolEvent{}
		if err := rows.Scan(&ev.ID, &ev.PoolID, &ev.Level, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pool event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddProgressUpdate(ctx context.Context, p *ProgressUpdate) error {
	if p.ID == "" {
		p.ID = newID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minion_pool_progress_updates (id, pool_id, current_step, total_steps, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		p.ID, p.PoolID, p.CurrentStep, p.TotalSteps, p.Message,
	)
	if err != nil {
		return fmt.Errorf("add progress update: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProgressUpdate(ctx context.Context, id string, currentStep int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE minion_pool_progress_updates SET current_step = $1, message = $2, updated_at = NOW()
		WHERE id = $3`, currentStep, message, id)
	if err != nil {
		return fmt.Errorf("update progress update %s: %w", id, err)
	}
	return nil
}
