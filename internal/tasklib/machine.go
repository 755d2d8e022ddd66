package tasklib

import (
	"context"
	"fmt"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/metrics"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
)

// AllocateMachine picks a worker via the Scheduler RPC, asks it to create
// a minion VM, then updates the machine row: on success status becomes
// IN_USE (when allocateToAction is set) or AVAILABLE; on failure status
// becomes ERROR_DEPLOYING and the error either raises immediately or, if
// raiseOnCleanupFailure is false, is swallowed so a following cleanup task
// can compensate.
func (t *Tasks) AllocateMachine(poolID, machineID string, platform store.Platform, allocateToAction *string, raiseOnCleanupFailure bool) *taskflow.TaskNode {
	name := fmt.Sprintf("allocate-machine:%s", machineID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		pool, err := t.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
		if err != nil {
			return nil, err
		}

		// Reservation flows insert their UNINITIALIZED rows up front; the
		// pool allocation and reallocation graphs hand this task a fresh id
		// with no row behind it yet.
		if _, err := t.Store.GetMachine(ctx, machineID); err != nil {
			if !minionerr.IsNotFound(err) {
				return nil, err
			}
			if err := t.Store.AddMachine(ctx, &store.Machine{
				ID:     machineID,
				PoolID: poolID,
				Status: store.MachineStatusUninitialized,
			}); err != nil {
				return nil, err
			}
		}

		scheduler := t.SchedulerFactory(t.SchedulerAddr)
		desc, err := scheduler.GetWorkerServiceForSpecs(ctx, rpcclients.WorkerServiceRequirements{
			Enabled: true,
		})
		if err != nil {
			return t.markMachineErrorDeploying(ctx, poolID, machineID, raiseOnCleanupFailure,
				fmt.Errorf("%w: select worker for pool %s: %v", minionerr.ErrWorkerOperationFailed, poolID, err))
		}

		workerAddr := desc.Address
		if workerAddr == "" {
			workerAddr = t.WorkerAddr
		}
		worker := t.WorkerFactory(workerAddr)
		resp, err := worker.CreateMinionMachine(ctx, rpcclients.CreateMinionMachineRequest{
			PoolID:             poolID,
			MachineID:          machineID,
			Platform:           string(platform),
			EnvironmentOptions: decodeOptions(pool.EnvironmentOptions),
			SharedResources:    decodeOptions(pool.SharedResources),
		})
		if err != nil {
			return t.markMachineErrorDeploying(ctx, poolID, machineID, raiseOnCleanupFailure,
				fmt.Errorf("%w: create minion machine %s: %v", minionerr.ErrWorkerOperationFailed, machineID, err))
		}

		newStatus := store.MachineStatusAvailable
		if allocateToAction != nil {
			newStatus = store.MachineStatusInUse
		}
		_, err = t.Store.UpdateMachine(ctx, machineID, store.MachineUpdateFields{
			Status:             &newStatus,
			AllocatedAction:    ptrToPtr(allocateToAction),
			ProviderProperties: encodeOptions(resp.ProviderProperties),
		})
		return nil, err
	}, func(ctx context.Context, rt *taskflow.Runtime, result any) error {
		return t.deallocateMachineNow(ctx, poolID, machineID)
	}, observability.AttrPoolID.String(poolID), observability.AttrMachineID.String(machineID))
}

func (t *Tasks) markMachineErrorDeploying(ctx context.Context, poolID, machineID string, raiseOnCleanupFailure bool, cause error) (any, error) {
	errorStatus := store.MachineStatusErrorDeploying
	if _, uerr := t.Store.UpdateMachine(ctx, machineID, store.MachineUpdateFields{Status: &errorStatus}); uerr != nil {
		logging.Op().Error("mark machine error_deploying", "machine_id", machineID, "error", uerr)
	}
	if raiseOnCleanupFailure {
		return nil, cause
	}
	logging.Op().Warn("allocate machine failed, deferring to compensation", "pool_id", poolID, "machine_id", machineID, "error", cause)
	return nil, nil
}

func ptrToPtr(s *string) **string {
	return &s
}

// DeallocateMachine tears down one minion VM via Worker RPC and removes
// its row. Idempotent: a machine already gone is not an error.
func (t *Tasks) DeallocateMachine(poolID, machineID string) *taskflow.TaskNode {
	name := fmt.Sprintf("deallocate-machine:%s", machineID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		return nil, t.deallocateMachineNow(ctx, poolID, machineID)
	}, nil, observability.AttrPoolID.String(poolID), observability.AttrMachineID.String(machineID))
}

func (t *Tasks) deallocateMachineNow(ctx context.Context, poolID, machineID string) error {
	machine, err := t.Store.GetMachine(ctx, machineID)
	if err != nil {
		if minionerr.IsNotFound(err) {
			return nil
		}
		return err
	}

	worker := t.WorkerFactory(t.WorkerAddr)
	err = worker.DeleteMinionMachine(ctx, rpcclients.DeleteMinionMachineRequest{
		PoolID:             poolID,
		MachineID:          machineID,
		ProviderProperties: decodeOptions(machine.ProviderProperties),
	})
	if err != nil {
		return fmt.Errorf("%w: delete minion machine %s: %v", minionerr.ErrWorkerOperationFailed, machineID, err)
	}
	if err := t.Store.DeleteMachine(ctx, machineID); err != nil {
		return err
	}
	metrics.RecordDeallocation("teardown")
	return nil
}

// HealthcheckResultFailure and HealthcheckResultSuccess are the result
// values HealthcheckMachine records into the Runtime, for graph-flow
// deciders to branch on.
const (
	HealthcheckResultSuccess = "success"
	HealthcheckResultFailure = "failure"
)

// HealthcheckMachine probes one minion VM via Worker RPC. On success, the
// machine's status is set to machineStatusOnSuccess (AVAILABLE for a plain
// refresh probe, IN_USE for a probe run as part of a reservation). The task
// itself only fails when failOnError is true and the probe fails;
// otherwise it records HealthcheckResultSuccess/Failure as its result so a
// graph-flow decider can branch on the outcome without the probe's failure
// aborting the enclosing flow.
func (t *Tasks) HealthcheckMachine(poolID, machineID string, machineStatusOnSuccess store.MachineStatus, failOnError bool) *taskflow.TaskNode {
	name := fmt.Sprintf("healthcheck-machine:%s", machineID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		machine, err := t.Store.GetMachine(ctx, machineID)
		if err != nil {
			return HealthcheckResultFailure, err
		}

		healthchecking := store.MachineStatusHealthchecking
		if _, err := t.Store.UpdateMachine(ctx, machineID, store.MachineUpdateFields{Status: &healthchecking}); err != nil {
			return HealthcheckResultFailure, err
		}

		worker := t.WorkerFactory(t.WorkerAddr)
		resp, err := worker.HealthcheckMinionMachine(ctx, rpcclients.HealthcheckMinionMachineRequest{
			PoolID:             poolID,
			MachineID:          machineID,
			ProviderProperties: decodeOptions(machine.ProviderProperties),
		})

		outcome := HealthcheckResultSuccess
		restoreStatus := machineStatusOnSuccess
		if err != nil || !resp.Healthy {
			outcome = HealthcheckResultFailure
			restoreStatus = store.MachineStatusError
		}
		if _, uerr := t.Store.UpdateMachine(ctx, machineID, store.MachineUpdateFields{Status: &restoreStatus}); uerr != nil {
			logging.Op().Error("restore machine status after healthcheck", "machine_id", machineID, "error", uerr)
		}

		if outcome == HealthcheckResultFailure && failOnError {
			if err != nil {
				return outcome, fmt.Errorf("%w: healthcheck machine %s: %v", minionerr.ErrWorkerOperationFailed, machineID, err)
			}
			return outcome, fmt.Errorf("%w: healthcheck machine %s reported unhealthy: %s", minionerr.ErrWorkerOperationFailed, machineID, resp.Detail)
		}
		return outcome, nil
	}, nil, observability.AttrPoolID.String(poolID), observability.AttrMachineID.String(machineID))
}
