package allocsvc

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/metrics"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

// poolReservation is what reserveFromPool hands back once a pool's share of
// an action's instances has been committed to the Store: the machines
// already AVAILABLE and now IN_USE, and the freshly inserted UNINITIALIZED
// rows still needing their AllocateMachine task to run.
type poolReservation struct {
	pool        *store.Pool
	preExisting []string
	newMachines []string
}

// AllocateMinionMachinesForReplica reserves transfer minions (origin and
// destination pools, never OSMorphing) for a replica action.
func (s *Service) AllocateMinionMachinesForReplica(ctx context.Context, action Action) error {
	return s.allocateMinionMachines(ctx, action, tasklib.ActionReplica, true, false)
}

// AllocateMinionMachinesForMigration reserves minions for a migration
// action. includeTransfer controls whether origin/destination pools
// participate; includeOSMorphing controls whether OSMorphing pools do.
func (s *Service) AllocateMinionMachinesForMigration(ctx context.Context, action Action, includeTransfer, includeOSMorphing bool) error {
	return s.allocateMinionMachines(ctx, action, tasklib.ActionMigration, includeTransfer, includeOSMorphing)
}

// allocateMinionMachines builds one reservation per relevant pool (origin,
// destination, each distinct OSMorphing pool, with the reuse
// optimisation when an OSMorphing pool coincides with the destination
// pool), then launches the combined reservation graph. Any synchronous
// failure while reserving machines from a pool unwinds every pool already
// committed for this action and reports the failure to the Conductor
// before returning.
func (s *Service) allocateMinionMachines(ctx context.Context, action Action, kind tasklib.ActionKind, includeTransfer, includeOSMorphing bool) error {
	ctx = withOwner(ctx)
	if err := action.validateRequired(); err != nil {
		return err
	}

	allocations := make(map[string]rpcclients.InstanceMinionAllocation, len(action.Instances))
	var subflows []taskflow.Node

	fail := func(cause error) error {
		if err := s.DeallocateMinionMachinesForAction(ctx, action.ID); err != nil {
			logging.Op().Error("rollback after allocation failure", "action_id", action.ID, "error", err)
		}
		s.reportAllocationFailure(ctx, action.ID, kind, cause.Error())
		metrics.RecordReservation(actionKindLabel(kind), "failure")
		metrics.RecordAllocationFailure(actionKindLabel(kind))
		return cause
	}

	if includeTransfer && action.OriginMinionPoolID != "" {
		reservation, instanceMachines, err := s.reserveFromPool(ctx, action.OriginMinionPoolID, action.ID, action.Instances)
		if err != nil {
			return fail(err)
		}
		for instance, machineID := range instanceMachines {
			machineID := machineID
			a := allocations[instance]
			a.OriginMinionID = &machineID
			allocations[instance] = a
		}
		subflows = append(subflows, s.Flows.ReservationSubflow(reservation.pool, action.ID, reservation.preExisting, reservation.newMachines))
	}

	var destPool *store.Pool
	destInstanceMachine := map[string]string{}
	if includeTransfer && action.DestinationMinionPoolID != "" {
		reservation, instanceMachines, err := s.reserveFromPool(ctx, action.DestinationMinionPoolID, action.ID, action.Instances)
		if err != nil {
			return fail(err)
		}
		destPool = reservation.pool
		for instance, machineID := range instanceMachines {
			machineID := machineID
			a := allocations[instance]
			a.DestinationMinionID = &machineID
			allocations[instance] = a
			destInstanceMachine[instance] = machineID
		}
		subflows = append(subflows, s.Flows.ReservationSubflow(reservation.pool, action.ID, reservation.preExisting, reservation.newMachines))
	}

	if includeOSMorphing && len(action.InstanceOSMorphingMinionPoolMappings) > 0 {
		instanceSet := make(map[string]struct{}, len(action.Instances))
		for _, id := range action.Instances {
			instanceSet[id] = struct{}{}
		}

		osmorphingByPool := make(map[string][]string)
		for instanceID, poolID := range action.InstanceOSMorphingMinionPoolMappings {
			if _, ok := instanceSet[instanceID]; !ok {
				continue
			}
			osmorphingByPool[poolID] = append(osmorphingByPool[poolID], instanceID)
		}

		for poolID, instances := range osmorphingByPool {
			if destPool != nil && poolID == destPool.ID {
				for _, instance := range instances {
					machineID, ok := destInstanceMachine[instance]
					if !ok {
						continue
					}
					a := allocations[instance]
					a.OSMorphingMinionID = &machineID
					allocations[instance] = a
				}
				continue
			}

			reservation, instanceMachines, err := s.reserveFromPool(ctx, poolID, action.ID, instances)
			if err != nil {
				return fail(err)
			}
			for instance, machineID := range instanceMachines {
				machineID := machineID
				a := allocations[instance]
				a.OSMorphingMinionID = &machineID
				allocations[instance] = a
			}
			subflows = append(subflows, s.Flows.ReservationSubflow(reservation.pool, action.ID, reservation.preExisting, reservation.newMachines))
		}
	}

	inner := taskflow.NewUnorderedFlow(fmt.Sprintf("reserve-action:%s", action.ID), subflows...)
	flow := s.Flows.ActionReservation(action.ID, kind, inner, allocations, func(ctx context.Context) error {
		return s.DeallocateMinionMachinesForAction(ctx, action.ID)
	})
	s.Runner.RunFlowInBackground(detached(ctx), flow, s.Store)
	metrics.RecordReservation(actionKindLabel(kind), "launched")
	return nil
}

func actionKindLabel(kind tasklib.ActionKind) string {
	if kind == tasklib.ActionMigration {
		return "migration"
	}
	return "replica"
}

func (s *Service) reportAllocationFailure(ctx context.Context, actionID string, kind tasklib.ActionKind, message string) {
	conductor := s.ConductorFactory(s.ConductorAddr)
	req := rpcclients.ReportAllocationErrorRequest{ActionID: actionID, Message: message}
	var err error
	switch kind {
	case tasklib.ActionMigration:
		err = conductor.ReportMigrationMinionsAllocationError(ctx, req)
	default:
		err = conductor.ReportReplicaMinionsAllocationError(ctx, req)
	}
	if err != nil {
		logging.Op().Error("report allocation failure to conductor", "action_id", actionID, "error", err)
	}
}

// reserveFromPool picks and commits a pool's machines under its lock: pick
// an AVAILABLE machine per instance where one exists, else plan a fresh
// UNINITIALIZED row; commit existing machines to IN_USE and insert new rows
// atomically-by-convention (best-effort rollback on partial failure).
func (s *Service) reserveFromPool(ctx context.Context, poolID, actionID string, instances []string) (*poolReservation, map[string]string, error) {
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return nil, nil, err
	}
	machines, err := s.Store.GetMachinesByPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}

	var available []*store.Machine
	for _, m := range machines {
		if m.Status == store.MachineStatusAvailable {
			available = append(available, m)
		}
	}
	extraSlots := pool.MaximumMinions - len(machines)
	if len(instances) > len(available)+extraSlots {
		return nil, nil, fmt.Errorf(
			"minion pool %s cannot accommodate %d requested machines for action %s: only %d currently available, room for %d more before the maximum is reached: %w",
			poolID, len(instances), actionID, len(available), extraSlots, minionerr.ErrInvalidMinionPoolState)
	}

	seenInstances := make(map[string]bool, len(instances))
	chosenMachines := make(map[string]bool, len(instances))
	instanceToMachine := make(map[string]string, len(instances))
	var preExisting, newMachines []string
	var newRows []*store.Machine

	for _, instance := range instances {
		if seenInstances[instance] {
			return nil, nil, fmt.Errorf("instance %s passed twice for minion machine allocation from pool %s for action %s: %w",
				instance, poolID, actionID, minionerr.ErrInvalidInput)
		}
		seenInstances[instance] = true

		var picked *store.Machine
		for _, m := range available {
			if chosenMachines[m.ID] {
				continue
			}
			picked = m
			break
		}

		if picked != nil {
			chosenMachines[picked.ID] = true
			instanceToMachine[instance] = picked.ID
			preExisting = append(preExisting, picked.ID)
			continue
		}

		newID := uuid.NewString()
		instanceToMachine[instance] = newID
		newMachines = append(newMachines, newID)
		newRows = append(newRows, &store.Machine{ID: newID, PoolID: poolID, Status: store.MachineStatusUninitialized, AllocatedAction: &actionID})
	}

	if err := s.commitReservation(ctx, actionID, preExisting, newRows); err != nil {
		return nil, nil, fmt.Errorf("reserve pool %s for action %s: %w", poolID, actionID, err)
	}

	return &poolReservation{pool: pool, preExisting: preExisting, newMachines: newMachines}, instanceToMachine, nil
}

// commitReservation batch-transitions the chosen pre-existing machines to
// IN_USE and inserts the planned UNINITIALIZED rows. On any failure it
// best-effort reverts whatever already succeeded; each rollback sub-step
// that itself fails is logged but never masks the original error.
func (s *Service) commitReservation(ctx context.Context, actionID string, preExisting []string, newRows []*store.Machine) error {
	var added []string

	commit := func() error {
		if len(preExisting) > 0 {
			if err := s.Store.SetMachinesAllocationStatuses(ctx, preExisting, &actionID, store.MachineStatusInUse, true); err != nil {
				return fmt.Errorf("mark existing machines in_use: %w", err)
			}
		}
		for _, row := range newRows {
			if err := s.Store.AddMachine(ctx, row); err != nil {
				return fmt.Errorf("insert new machine %s: %w", row.ID, err)
			}
			added = append(added, row.ID)
		}
		return nil
	}

	err := commit()
	if err == nil {
		return nil
	}

	if len(preExisting) > 0 {
		if rerr := s.Store.SetMachinesAllocationStatuses(ctx, preExisting, nil, store.MachineStatusAvailable, false); rerr != nil {
			logging.Op().Error("rollback: revert existing machines to available", "action_id", actionID, "error", rerr)
		}
	}
	for _, id := range added {
		if derr := s.Store.DeleteMachine(ctx, id); derr != nil {
			logging.Op().Error("rollback: delete newly inserted machine", "machine_id", id, "error", derr)
		}
	}
	return err
}

// DeallocateMinionMachine idempotently releases one machine back to
// AVAILABLE. A machine that no longer exists is treated as already
// deallocated.
func (s *Service) DeallocateMinionMachine(ctx context.Context, machineID string) error {
	ctx = withOwner(ctx)
	machine, err := s.Store.GetMachine(ctx, machineID)
	if err != nil {
		if minionerr.IsNotFound(err) {
			return nil
		}
		return err
	}

	unlock, err := s.Locks.Lock(ctx, machine.PoolID)
	if err != nil {
		return err
	}
	defer unlock()

	if machine.Status != store.MachineStatusInUse || machine.AllocatedAction == nil {
		logging.Op().Warn("deallocating machine outside expected in_use/allocated state, marking available anyway",
			"machine_id", machineID, "status", machine.Status)
	}

	available := store.MachineStatusAvailable
	var clearedAction *string
	_, err = s.Store.UpdateMachine(ctx, machineID, store.MachineUpdateFields{
		Status:          &available,
		AllocatedAction: &clearedAction,
	})
	if err == nil {
		metrics.RecordDeallocation("manual")
	}
	return err
}

// DeallocateMinionMachinesForAction bulk-releases every machine allocated to
// actionID, grouped by owning pool. Any machine still UNINITIALIZED (a
// crash-recovery leftover whose AllocateMachine task never ran) is deleted
// outright rather than marked AVAILABLE.
func (s *Service) DeallocateMinionMachinesForAction(ctx context.Context, actionID string) error {
	ctx = withOwner(ctx)
	machines, err := s.Store.GetMachinesByAction(ctx, actionID)
	if err != nil {
		return err
	}
	if len(machines) == 0 {
		return nil
	}

	byPool := make(map[string][]*store.Machine)
	for _, m := range machines {
		byPool[m.PoolID] = append(byPool[m.PoolID], m)
	}

	for poolID, poolMachines := range byPool {
		if err := s.deallocatePoolMachinesForAction(ctx, poolID, poolMachines); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deallocatePoolMachinesForAction(ctx context.Context, poolID string, machines []*store.Machine) error {
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	var toRelease []string
	for _, m := range machines {
		if m.Status == store.MachineStatusUninitialized {
			if err := s.Store.DeleteMachine(ctx, m.ID); err != nil {
				logging.Op().Error("gc uninitialized machine during action deallocation", "machine_id", m.ID, "error", err)
			}
			continue
		}
		toRelease = append(toRelease, m.ID)
	}
	if len(toRelease) == 0 {
		return nil
	}
	if err := s.Store.SetMachinesAllocationStatuses(ctx, toRelease, nil, store.MachineStatusAvailable, false); err != nil {
		return err
	}
	metrics.RecordDeallocation("action_complete")
	return nil
}
