package flowbuilder

import (
	"context"
	"fmt"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

// ReservationSubflow builds the task-graph half of a pool reservation: for each
// pre-existing machine (already batch-set to IN_USE by the caller), a
// healthcheck-with-reallocation subflow whose success state is IN_USE; for
// each freshly inserted UNINITIALIZED machine, a plain AllocateMachine.
// Both kinds run concurrently since the pool's lock, not flow ordering,
// is what already serializes the store mutations that preceded this call.
// The whole thing is bracketed by begun/completed PoolEvents (a failed event
// in place of completed, if the inner flow aborts), mirroring how
// UpdatePoolStatus already brackets the pool allocation/deallocation graphs.
func (b *Builder) ReservationSubflow(pool *store.Pool, actionID string, preExisting, newMachines []string) taskflow.Node {
	var nodes []taskflow.Node
	for _, machineID := range preExisting {
		nodes = append(nodes, b.HealthcheckWithReallocation(pool, machineID, store.MachineStatusInUse, &actionID))
	}
	for _, machineID := range newMachines {
		nodes = append(nodes, b.Tasks.AllocateMachine(pool.ID, machineID, pool.Platform, &actionID, true))
	}
	work := taskflow.NewUnorderedFlow(fmt.Sprintf("reserve-pool:%s:%s", pool.ID, actionID), nodes...)

	begun := b.Tasks.ReportPoolEvent(pool.ID, store.EventLevelInfo,
		fmt.Sprintf("minion reservation begun for action %s (%d existing, %d new)", actionID, len(preExisting), len(newMachines)),
		func(ctx context.Context) error {
			return b.Tasks.Store.AddPoolEvent(ctx, &store.PoolEvent{
				PoolID:  pool.ID,
				Level:   store.EventLevelWarning,
				Message: fmt.Sprintf("minion reservation failed for action %s", actionID),
			})
		})
	completed := b.Tasks.ReportPoolEvent(pool.ID, store.EventLevelInfo,
		fmt.Sprintf("minion reservation completed for action %s", actionID), nil)

	return taskflow.NewLinearFlow(fmt.Sprintf("reserve-pool-with-events:%s:%s", pool.ID, actionID), begun, work, completed)
}

// actionReservationNode is the top-level node of the per-action minion
// reservation graph: it runs the inner unordered flow of per-pool
// subflows, then routes to exactly one terminal sink — ConfirmAllocation
// on success, ReportAllocationFailure on failure — rather than treating
// ReportAllocationFailure as a revert callback on each inner task. The
// sink only ever runs once, after the inner flow's outcome is known. On
// failure, releaseMachines runs first, so machines a successfully
// completed sibling subflow already committed to IN_USE are handed back
// before the Conductor hears the action failed.
type actionReservationNode struct {
	name            string
	inner           taskflow.Node
	tasks           *tasklib.Tasks
	actionID        string
	kind            tasklib.ActionKind
	allocations     map[string]rpcclients.InstanceMinionAllocation
	releaseMachines func(ctx context.Context) error
}

func (n *actionReservationNode) Name() string { return n.name }

func (n *actionReservationNode) Run(ctx context.Context, rt *taskflow.Runtime) error {
	if err := n.inner.Run(ctx, rt); err != nil {
		if n.releaseMachines != nil {
			if rerr := n.releaseMachines(ctx); rerr != nil {
				logging.Op().Error("release machines after reservation failure", "action_id", n.actionID, "error", rerr)
			}
		}
		failure := n.tasks.ReportAllocationFailure(n.actionID, n.kind, err.Error())
		if ferr := failure.Run(ctx, rt); ferr != nil {
			return fmt.Errorf("%w (reporting failure also failed: %v)", err, ferr)
		}
		return err
	}
	success := n.tasks.ConfirmAllocation(n.actionID, n.kind, n.allocations)
	return success.Run(ctx, rt)
}

// ActionReservation assembles the full per-action minion reservation
// graph: inner is the unordered flow of per-pool ReservationSubflow calls
// (origin, destination, each distinct OSMorphing pool); allocations is the
// final instance_id -> {origin,destination,osmorphing} minion id map
// ConfirmAllocation reports back to the Conductor. releaseMachines is the
// failure-path compensation: it releases every machine still allocated to
// the action (the Allocation Service's bulk deallocation sweep) before
// ReportAllocationFailure runs.
func (b *Builder) ActionReservation(actionID string, kind tasklib.ActionKind, inner taskflow.Node, allocations map[string]rpcclients.InstanceMinionAllocation, releaseMachines func(ctx context.Context) error) taskflow.Node {
	return &actionReservationNode{
		name:            fmt.Sprintf("action-reservation:%s", actionID),
		inner:           inner,
		tasks:           b.Tasks,
		actionID:        actionID,
		kind:            kind,
		allocations:     allocations,
		releaseMachines: releaseMachines,
	}
}
