// Package flowbuilder assembles the atomic tasks in internal/tasklib into
// the canonical task graphs: pool allocation, pool deallocation, pool
// refresh, per-machine healthcheck-with-reallocation, and per-action
// minion reservation. Builders never touch the Store or an
// RPC client directly; they only compose taskflow.Node values out of
// Tasks constructors and the read-only pool/machine snapshots handed to
// them by the Allocation Service.
package flowbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

// Builder holds the one thing every canonical graph needs to construct its
// leaf tasks: the shared Tasks instance wiring Store and RPC factories.
type Builder struct {
	Tasks *tasklib.Tasks
}

// New returns a Builder backed by tasks.
func New(tasks *tasklib.Tasks) *Builder {
	return &Builder{Tasks: tasks}
}

// PoolAllocation builds the pool allocation graph: validate options,
// allocate shared resources, then bring up minimumMinions fresh
// machines in parallel. When minimumMinions is 0, the machine sub-flow and
// its preceding ALLOCATING_MACHINES transition are omitted, leaving the
// pool ALLOCATED with zero machines.
func (b *Builder) PoolAllocation(pool *store.Pool) taskflow.Node {
	t := b.Tasks
	revertToError := store.PoolStatusError
	progressID := uuid.NewString()
	totalSteps := 3
	if pool.MinimumMinions > 0 {
		totalSteps = 4
	}

	nodes := []taskflow.Node{
		t.UpdatePoolStatus(pool.ID, store.PoolStatusValidatingInputs, &revertToError),
		t.RecordProgress(pool.ID, progressID, 1, totalSteps, "validating environment options"),
		t.ValidatePoolOptions(pool.ID, pool.Platform),
		t.UpdatePoolStatus(pool.ID, store.PoolStatusAllocatingSharedResources, nil),
		t.RecordProgress(pool.ID, progressID, 2, totalSteps, "allocating shared resources"),
		t.AllocateSharedResources(pool.ID, pool.Platform),
	}

	if pool.MinimumMinions > 0 {
		nodes = append(nodes,
			t.UpdatePoolStatus(pool.ID, store.PoolStatusAllocatingMachines, nil),
			t.RecordProgress(pool.ID, progressID, 3, totalSteps, fmt.Sprintf("allocating %d minion machines", pool.MinimumMinions)),
		)

		var machines []taskflow.Node
		for i := 0; i < pool.MinimumMinions; i++ {
			machineID := uuid.NewString()
			machines = append(machines, t.AllocateMachine(pool.ID, machineID, pool.Platform, nil, true))
		}
		nodes = append(nodes, taskflow.NewUnorderedFlow(fmt.Sprintf("allocate-machines:%s", pool.ID), machines...))
	}

	nodes = append(nodes,
		t.RecordProgress(pool.ID, progressID, totalSteps, totalSteps, "pool allocation completed"),
		t.UpdatePoolStatus(pool.ID, store.PoolStatusAllocated, nil),
	)

	return taskflow.NewLinearFlow(fmt.Sprintf("pool-allocation:%s", pool.ID), nodes...)
}

// PoolDeallocation builds the pool deallocation graph: tear down
// every machine the pool owns, then the pool's shared resources, ending in
// DEALLOCATED.
func (b *Builder) PoolDeallocation(pool *store.Pool, machines []*store.Machine) taskflow.Node {
	t := b.Tasks
	var nodes []taskflow.Node

	if len(machines) > 0 {
		nodes = append(nodes, t.UpdatePoolStatus(pool.ID, store.PoolStatusDeallocatingMachines, nil))

		var teardown []taskflow.Node
		for _, m := range machines {
			teardown = append(teardown, t.DeallocateMachine(pool.ID, m.ID))
		}
		nodes = append(nodes, taskflow.NewUnorderedFlow(fmt.Sprintf("deallocate-machines:%s", pool.ID), teardown...))
	}

	nodes = append(nodes,
		t.UpdatePoolStatus(pool.ID, store.PoolStatusDeallocatingSharedResources, nil),
		t.DeallocateSharedResources(pool.ID, pool.Platform),
		t.UpdatePoolStatus(pool.ID, store.PoolStatusDeallocated, nil),
	)

	return taskflow.NewLinearFlow(fmt.Sprintf("pool-deallocation:%s", pool.ID), nodes...)
}

// HealthcheckWithReallocation builds the graph-flow: probe one
// machine; if the probe reports failure, tear the machine down and
// allocate a fresh one in its place, optionally re-attaching it to
// allocateToAction so a reservation's IN_USE transition survives the
// swap. The decider's DepthFlow confines a rejection (i.e. probe success)
// to this subflow without affecting siblings in an enclosing graph.
func (b *Builder) HealthcheckWithReallocation(pool *store.Pool, machineID string, successStatus store.MachineStatus, allocateToAction *string) taskflow.Node {
	t := b.Tasks
	probeName := fmt.Sprintf("healthcheck-machine:%s", machineID)
	reallocName := fmt.Sprintf("reallocate-after-healthcheck:%s", machineID)

	graph := taskflow.NewGraphFlow(fmt.Sprintf("healthcheck-with-reallocation:%s", machineID))
	graph.AddNode(t.HealthcheckMachine(pool.ID, machineID, successStatus, false))

	newMachineID := uuid.NewString()
	reallocate := taskflow.NewLinearFlow(reallocName,
		t.DeallocateMachine(pool.ID, machineID),
		t.AllocateMachine(pool.ID, newMachineID, pool.Platform, allocateToAction, true),
	)
	graph.AddNode(reallocate)

	graph.AddEdge(probeName, reallocName, func(ctx context.Context, rt *taskflow.Runtime) bool {
		res, _ := rt.Result(probeName)
		return res == tasklib.HealthcheckResultFailure
	}, taskflow.DepthFlow)

	return graph
}

// RefreshDecision is what the Allocation Service learns about one
// AVAILABLE machine selected into the refresh graph, so it can report the
// chosen outcome without re-deriving it from the flow.
type RefreshDecision struct {
	MachineID     string
	Deallocating  bool // true: machine was bumped to DEALLOCATING and will be torn down
	Healthchecked bool // true: machine was bumped to HEALTHCHECKING
}

// PoolRefresh builds the refresh graph: for every AVAILABLE machine,
// either retire it (if idle, excess, and the per-refresh deallocation
// budget is not exhausted) or run it through a healthcheck-with-
// reallocation subflow. Status bumps to DEALLOCATING/HEALTHCHECKING are
// applied synchronously by the caller (via decisions) before the flow
// runs, so concurrent refreshes of the same pool never double-select a
// machine.
func (b *Builder) PoolRefresh(pool *store.Pool, machines []*store.Machine, now time.Time) (taskflow.Node, []RefreshDecision) {
	budget := len(machines) - pool.MinimumMinions
	var nodes []taskflow.Node
	var decisions []RefreshDecision

	for _, m := range machines {
		if m.Status != store.MachineStatusAvailable {
			continue
		}

		idle := now.Sub(m.LastUsedAt) >= time.Duration(pool.MinionMaxIdleTime)*time.Second
		excess := len(machines)-pool.MinimumMinions > 0

		if excess && idle && budget > 0 {
			budget--
			nodes = append(nodes, b.Tasks.DeallocateMachine(pool.ID, m.ID))
			decisions = append(decisions, RefreshDecision{MachineID: m.ID, Deallocating: true})
			continue
		}

		nodes = append(nodes, b.HealthcheckWithReallocation(pool, m.ID, store.MachineStatusAvailable, nil))
		decisions = append(decisions, RefreshDecision{MachineID: m.ID, Healthchecked: true})
	}

	if len(nodes) == 0 {
		return nil, nil
	}

	work := taskflow.NewUnorderedFlow(fmt.Sprintf("pool-refresh:%s", pool.ID), nodes...)
	begun := b.Tasks.ReportPoolEvent(pool.ID, store.EventLevelInfo,
		fmt.Sprintf("pool refresh begun (%d machines selected)", len(decisions)), nil)
	completed := b.Tasks.ReportPoolEvent(pool.ID, store.EventLevelInfo, "pool refresh completed", nil)
	return taskflow.NewLinearFlow(fmt.Sprintf("pool-refresh-with-events:%s", pool.ID), begun, work, completed), decisions
}
