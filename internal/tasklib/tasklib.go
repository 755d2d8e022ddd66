// Package tasklib holds the atomic tasks the Flow Builder composes into
// the canonical graphs: the pool-level provisioning steps, the
// per-machine lifecycle steps, and the action-level reporting sinks. Each
// one is exposed as a ready-to-embed taskflow.Node so the builder never
// has to know about Store or RPC client wiring directly.
package tasklib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
)

// Tasks wires the Store and the three RPC client factories into concrete
// task constructors. Client factories are invoked fresh on every execute,
// never cached on Tasks itself: the lazily-rebuilt-client-handle policy
// applies all the way down to the task that does the dialing.
type Tasks struct {
	Store         store.Store
	WorkerAddr    string
	SchedulerAddr string
	ConductorAddr string

	WorkerFactory    rpcclients.WorkerClientFactory
	SchedulerFactory rpcclients.SchedulerClientFactory
	ConductorFactory rpcclients.ConductorClientFactory
}

func decodeOptions(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func encodeOptions(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// ReportPoolEvent appends a PoolEvent at the given level when the node runs.
// onFailure, if given, is invoked as the node's revert callback — used to log
// a distinct event (e.g. a "failed" bookend) when the subflow this node
// brackets aborts partway through.
func (t *Tasks) ReportPoolEvent(poolID string, level store.EventLevel, message string, onFailure func(ctx context.Context) error) *taskflow.TaskNode {
	name := fmt.Sprintf("report-pool-event:%s:%s", poolID, message)
	var revert func(ctx context.Context, rt *taskflow.Runtime, result any) error
	if onFailure != nil {
		revert = func(ctx context.Context, rt *taskflow.Runtime, result any) error {
			return onFailure(ctx)
		}
	}
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		return nil, t.Store.AddPoolEvent(ctx, &store.PoolEvent{
			PoolID:  poolID,
			Level:   level,
			Message: message,
		})
	}, revert, observability.AttrPoolID.String(poolID))
}

// RecordProgress advances a long-running flow's ProgressUpdate row for its
// pool. The first step inserts the row; later steps update it in place, so
// readers see a monotonically advancing current_step.
func (t *Tasks) RecordProgress(poolID, progressID string, step, total int, message string) *taskflow.TaskNode {
	name := fmt.Sprintf("record-progress:%s:%d", progressID, step)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		if step == 1 {
			return nil, t.Store.AddProgressUpdate(ctx, &store.ProgressUpdate{
				ID:          progressID,
				PoolID:      poolID,
				CurrentStep: step,
				TotalSteps:  total,
				Message:     message,
			})
		}
		return nil, t.Store.UpdateProgressUpdate(ctx, progressID, step, message)
	}, nil, observability.AttrPoolID.String(poolID))
}

// ValidatePoolOptions invokes a Worker RPC to validate a pool's
// environment_options; failure transitions the pool to ERROR.
func (t *Tasks) ValidatePoolOptions(poolID string, platform store.Platform) *taskflow.TaskNode {
	name := fmt.Sprintf("validate-pool-options:%s", poolID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		pool, err := t.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
		if err != nil {
			return nil, err
		}
		worker := t.WorkerFactory(t.WorkerAddr)
		err = worker.ValidatePoolOptions(ctx, rpcclients.PoolOptionsRequest{
			EndpointID:         pool.EndpointID,
			Platform:           string(platform),
			EnvironmentOptions: decodeOptions(pool.EnvironmentOptions),
		})
		if err != nil {
			_ = t.Store.SetPoolStatus(ctx, poolID, store.PoolStatusError)
			return nil, fmt.Errorf("%w: validate pool options for %s: %v", minionerr.ErrWorkerOperationFailed, poolID, err)
		}
		return nil, nil
	}, nil, observability.AttrPoolID.String(poolID))
}

// AllocateSharedResources invokes a Worker RPC to provision per-pool
// shared artifacts and stores the opaque result into pool.shared_resources.
// It is idempotent: a pool that already carries shared resources is left
// untouched.
func (t *Tasks) AllocateSharedResources(poolID string, platform store.Platform) *taskflow.TaskNode {
	name := fmt.Sprintf("allocate-shared-resources:%s", poolID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		pool, err := t.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
		if err != nil {
			return nil, err
		}
		if len(pool.SharedResources) > 0 {
			logging.Op().Debug("shared resources already allocated, skipping", "pool_id", poolID)
			return nil, nil
		}

		worker := t.WorkerFactory(t.WorkerAddr)
		resp, err := worker.AllocateSharedResources(ctx, rpcclients.AllocateSharedResourcesRequest{
			PoolID:             poolID,
			Platform:           string(platform),
			EnvironmentOptions: decodeOptions(pool.EnvironmentOptions),
		})
		if err != nil {
			_ = t.Store.SetPoolStatus(ctx, poolID, store.PoolStatusError)
			return nil, fmt.Errorf("%w: allocate shared resources for %s: %v", minionerr.ErrWorkerOperationFailed, poolID, err)
		}
		if _, err := t.Store.UpdatePool(ctx, poolID, store.PoolUpdateFields{
			SharedResources: encodeOptions(resp.SharedResources),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}, func(ctx context.Context, rt *taskflow.Runtime, result any) error {
		return t.deallocateSharedResourcesNow(ctx, poolID, platform)
	}, observability.AttrPoolID.String(poolID))
}

// DeallocateSharedResources invokes a Worker RPC to tear down a pool's
// shared artifacts and clears pool.shared_resources.
func (t *Tasks) DeallocateSharedResources(poolID string, platform store.Platform) *taskflow.TaskNode {
	name := fmt.Sprintf("deallocate-shared-resources:%s", poolID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		return nil, t.deallocateSharedResourcesNow(ctx, poolID, platform)
	}, nil, observability.AttrPoolID.String(poolID))
}

func (t *Tasks) deallocateSharedResourcesNow(ctx context.Context, poolID string, platform store.Platform) error {
	pool, err := t.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return err
	}
	if len(pool.SharedResources) == 0 {
		return nil
	}
	worker := t.WorkerFactory(t.WorkerAddr)
	err = worker.DeallocateSharedResources(ctx, rpcclients.DeallocateSharedResourcesRequest{
		PoolID:          poolID,
		Platform:        string(platform),
		SharedResources: decodeOptions(pool.SharedResources),
	})
	if err != nil {
		return fmt.Errorf("%w: deallocate shared resources for %s: %v", minionerr.ErrWorkerOperationFailed, poolID, err)
	}
	_, err = t.Store.UpdatePool(ctx, poolID, store.PoolUpdateFields{SharedResources: []byte("null")})
	return err
}
