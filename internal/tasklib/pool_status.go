package tasklib

import (
	"context"
	"fmt"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
)

// UpdatePoolStatus performs an atomic pool status transition. statusToRevertTo,
// when nil, defaults to ERROR on revert — matching the flow builder's
// `UpdatePoolStatus(..., revert=ERROR)` shorthand for the very first step of
// the pool allocation graph.
func (t *Tasks) UpdatePoolStatus(poolID string, newStatus store.PoolStatus, statusToRevertTo *store.PoolStatus) *taskflow.TaskNode {
	name := fmt.Sprintf("update-pool-status:%s:%s", poolID, newStatus)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		if err := t.Store.SetPoolStatus(ctx, poolID, newStatus); err != nil {
			return nil, err
		}
		_ = t.Store.AddPoolEvent(ctx, &store.PoolEvent{
			PoolID:  poolID,
			Level:   store.EventLevelInfo,
			Message: fmt.Sprintf("pool transitioned to %s", newStatus),
		})
		return nil, nil
	}, func(ctx context.Context, rt *taskflow.Runtime, result any) error {
		revertTo := store.PoolStatusError
		if statusToRevertTo != nil {
			revertTo = *statusToRevertTo
		}
		if err := t.Store.SetPoolStatus(ctx, poolID, revertTo); err != nil {
			logging.Op().Error("revert pool status", "pool_id", poolID, "error", err)
			return err
		}
		_ = t.Store.AddPoolEvent(ctx, &store.PoolEvent{
			PoolID:  poolID,
			Level:   store.EventLevelWarning,
			Message: fmt.Sprintf("pool reverted to %s after flow failure", revertTo),
		})
		return nil
	}, observability.AttrPoolID.String(poolID))
}
