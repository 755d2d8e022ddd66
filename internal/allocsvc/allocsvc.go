// Package allocsvc is the top-level façade every peer (RPC boundary,
// cron-triggered refreshes, crash-recovery startup) calls into. It consults
// the Store under the Pool Lock Registry, builds task graphs via the Flow
// Builder, and hands them to the TaskFlow Runner, returning before the
// graph finishes: request handlers stay synchronous and cheap, the actual
// provisioning work runs in the background.
package allocsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/coriolis/minion-manager/internal/cronengine"
	"github.com/coriolis/minion-manager/internal/flowbuilder"
	"github.com/coriolis/minion-manager/internal/lockregistry"
	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

// Service wires every lower layer into the public pool and reservation
// operations.
type Service struct {
	Store  store.Store
	Locks  *lockregistry.Registry
	Cron   *cronengine.Engine
	Runner *taskflow.Runner
	Flows  *flowbuilder.Builder
	Tasks  *tasklib.Tasks

	ConductorFactory rpcclients.ConductorClientFactory
	ConductorAddr    string

	// DefaultRefreshPeriodMinutes seeds the refresh schedule registered for
	// a pool when AllocatePool launches its allocation graph, and for every
	// ALLOCATED pool found by RecoverSchedules. It is clamped to [1, 60] by
	// cronengine.ClampRefreshPeriod.
	DefaultRefreshPeriodMinutes int
}

// New assembles a Service from its already-constructed dependencies.
func New(st store.Store, locks *lockregistry.Registry, cron *cronengine.Engine, runner *taskflow.Runner, tasks *tasklib.Tasks, conductorFactory rpcclients.ConductorClientFactory, conductorAddr string, defaultRefreshPeriodMinutes int) *Service {
	return &Service{
		Store:                       st,
		Locks:                       locks,
		Cron:                        cron,
		Runner:                      runner,
		Flows:                       flowbuilder.New(tasks),
		Tasks:                       tasks,
		ConductorFactory:            conductorFactory,
		ConductorAddr:               conductorAddr,
		DefaultRefreshPeriodMinutes: defaultRefreshPeriodMinutes,
	}
}

// withOwner attaches a fresh lockregistry reentrancy scope to ctx if one is
// not already present, so every façade entry point is itself safe to call
// from within another façade method (e.g. CreatePool calling AllocatePool)
// without deadlocking on the same pool's lock.
func withOwner(ctx context.Context) context.Context {
	return lockregistry.WithOwner(ctx)
}

// detached strips cancellation/deadline from ctx while preserving its
// values, for handing to RunFlowInBackground: a flow must outlive the
// synchronous request that launched it.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// CreatePool persists a new pool in DEALLOCATED and, unless skipAllocation
// is set, immediately runs the pool allocation graph for it.
func (s *Service) CreatePool(ctx context.Context, p *store.Pool, skipAllocation bool) (*store.Pool, error) {
	if p.Name == "" || p.EndpointID == "" || p.Platform == "" || p.OSType == "" {
		return nil, fmt.Errorf("pool name, endpoint_id, platform, and os_type are required: %w", minionerr.ErrInvalidInput)
	}
	if p.MinimumMinions < 0 || p.MaximumMinions < p.MinimumMinions {
		return nil, fmt.Errorf("maximum_minions (%d) must be >= minimum_minions (%d): %w", p.MaximumMinions, p.MinimumMinions, minionerr.ErrInvalidInput)
	}

	p.Status = store.PoolStatusDeallocated
	if err := s.Store.AddPool(ctx, p); err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if !skipAllocation {
		if err := s.AllocatePool(ctx, p.ID); err != nil {
			return p, fmt.Errorf("create pool %s: start allocation: %w", p.ID, err)
		}
	}
	return p, nil
}

// AllocatePool requires the pool to be DEALLOCATED, bumps it to
// POOL_MAINTENANCE as a synchronous marker that blocks a concurrent second
// call from observing DEALLOCATED, then launches the pool allocation graph
// in the background. If the graph cannot be launched, the bump is reverted.
func (s *Service) AllocatePool(ctx context.Context, poolID string) error {
	ctx = withOwner(ctx)
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return err
	}
	if pool.Status != store.PoolStatusDeallocated {
		return fmt.Errorf("pool %s is in status %s, must be %s to allocate: %w", poolID, pool.Status, store.PoolStatusDeallocated, minionerr.ErrInvalidPoolState)
	}

	if err := s.Store.SetPoolStatus(ctx, poolID, store.PoolStatusPoolMaintenance); err != nil {
		return err
	}

	flow := s.Flows.PoolAllocation(pool)
	if flow == nil {
		_ = s.Store.SetPoolStatus(ctx, poolID, store.PoolStatusDeallocated)
		return fmt.Errorf("pool %s: failed to build allocation graph: %w", poolID, minionerr.ErrInvalidInput)
	}

	s.Runner.RunFlowInBackground(detached(ctx), flow, s.Store)
	s.registerRefresh(pool.ID)
	return nil
}

// DeallocatePool requires the pool to be ALLOCATED or ERROR (or, with
// force, any status), refuses a pool with an in-use machine unless force
// is set, then launches the pool deallocation graph.
func (s *Service) DeallocatePool(ctx context.Context, poolID string, force bool) error {
	ctx = withOwner(ctx)
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return err
	}
	allowed := pool.Status == store.PoolStatusAllocated || pool.Status == store.PoolStatusError
	if !allowed && !force {
		return fmt.Errorf("pool %s is in status %s, must be %s or %s to deallocate: %w", poolID, pool.Status, store.PoolStatusAllocated, store.PoolStatusError, minionerr.ErrInvalidPoolState)
	}

	machines, err := s.Store.GetMachinesByPool(ctx, poolID)
	if err != nil {
		return err
	}
	if !force {
		for _, m := range machines {
			if m.Status == store.MachineStatusInUse {
				return fmt.Errorf("pool %s has machine %s still in use: %w", poolID, m.ID, minionerr.ErrInvalidPoolState)
			}
		}
	}

	firstStatus := store.PoolStatusDeallocatingSharedResources
	if len(machines) > 0 {
		firstStatus = store.PoolStatusDeallocatingMachines
	}
	if err := s.Store.SetPoolStatus(ctx, poolID, firstStatus); err != nil {
		return err
	}

	s.Cron.Unregister(cronengine.RefreshJobName(poolID))

	flow := s.Flows.PoolDeallocation(pool, machines)
	s.Runner.RunFlowInBackground(detached(ctx), flow, s.Store)
	return nil
}

// RefreshMinionPool requires the pool to be ALLOCATED, builds the refresh
// graph, applies the decided status bumps synchronously (so a concurrent
// refresh of the same pool can never re-select a machine this one already
// claimed), then launches the graph.
func (s *Service) RefreshMinionPool(ctx context.Context, poolID string) error {
	ctx = withOwner(ctx)
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return err
	}
	if pool.Status != store.PoolStatusAllocated {
		return fmt.Errorf("pool %s is in status %s, must be %s to refresh: %w", poolID, pool.Status, store.PoolStatusAllocated, minionerr.ErrInvalidPoolState)
	}

	machines, err := s.Store.GetMachinesByPool(ctx, poolID)
	if err != nil {
		return err
	}

	flow, decisions := s.Flows.PoolRefresh(pool, machines, time.Now())
	if flow == nil {
		_ = s.Store.AddPoolEvent(ctx, &store.PoolEvent{
			PoolID:  poolID,
			Level:   store.EventLevelInfo,
			Message: "refresh found no available machines to act on",
		})
		return nil
	}

	for _, d := range decisions {
		var status store.MachineStatus
		switch {
		case d.Deallocating:
			status = store.MachineStatusDeallocating
		case d.Healthchecked:
			status = store.MachineStatusHealthchecking
		default:
			continue
		}
		if _, err := s.Store.UpdateMachine(ctx, d.MachineID, store.MachineUpdateFields{Status: &status}); err != nil {
			logging.Op().Error("refresh: bump machine status before flow launch", "machine_id", d.MachineID, "error", err)
		}
	}

	s.Runner.RunFlowInBackground(detached(ctx), flow, s.Store)
	return nil
}

// PoolUpdate names the fields update_pool may change while a pool is
// DEALLOCATED. endpoint_id, platform, and os_type are immutable once a
// pool is created.
type PoolUpdate struct {
	Name                    *string
	EnvironmentOptions      []byte
	MinimumMinions          *int
	MaximumMinions          *int
	MinionMaxIdleTime       *int
	MinionRetentionStrategy *string
}

// UpdatePool requires the pool to be DEALLOCATED and applies the allow-listed
// fields, cross-validating that the resulting minimum_minions <=
// maximum_minions.
func (s *Service) UpdatePool(ctx context.Context, poolID string, u PoolUpdate) (*store.Pool, error) {
	ctx = withOwner(ctx)
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return nil, err
	}
	if pool.Status != store.PoolStatusDeallocated {
		return nil, fmt.Errorf("pool %s is in status %s, must be %s to update: %w", poolID, pool.Status, store.PoolStatusDeallocated, minionerr.ErrInvalidPoolState)
	}

	newMin, newMax := pool.MinimumMinions, pool.MaximumMinions
	if u.MinimumMinions != nil {
		newMin = *u.MinimumMinions
	}
	if u.MaximumMinions != nil {
		newMax = *u.MaximumMinions
	}
	if newMin < 0 || newMax < newMin {
		return nil, fmt.Errorf("maximum_minions (%d) must be >= minimum_minions (%d): %w", newMax, newMin, minionerr.ErrInvalidInput)
	}

	return s.Store.UpdatePool(ctx, poolID, store.PoolUpdateFields{
		Name:                    u.Name,
		EnvironmentOptions:      u.EnvironmentOptions,
		MinimumMinions:          u.MinimumMinions,
		MaximumMinions:          u.MaximumMinions,
		MinionMaxIdleTime:       u.MinionMaxIdleTime,
		MinionRetentionStrategy: u.MinionRetentionStrategy,
	})
}

// DeletePool requires the pool to be DEALLOCATED or ERROR and soft-deletes
// it, unregistering any refresh schedule still outstanding for it.
func (s *Service) DeletePool(ctx context.Context, poolID string) error {
	ctx = withOwner(ctx)
	unlock, err := s.Locks.Lock(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return err
	}
	if !pool.Status.IsTerminal() {
		return fmt.Errorf("pool %s is in status %s, must be %s or %s to delete: %w", poolID, pool.Status, store.PoolStatusDeallocated, store.PoolStatusError, minionerr.ErrInvalidPoolState)
	}

	s.Cron.Unregister(cronengine.RefreshJobName(poolID))
	return s.Store.DeletePool(ctx, poolID)
}

// PoolDetail is the richer read-only view GetPool hands back when asked to
// include a pool's machines or events — the Pool row
// itself carries none of these eagerly, consistent with the Store only
// ever returning bare entities from its typed getters.
type PoolDetail struct {
	Pool     *store.Pool
	Machines []*store.Machine
	Events   []*store.PoolEvent
}

// GetPool is a read accessor, not part of the original distilled contract:
// it fetches a pool and optionally hydrates its machines and events.
func (s *Service) GetPool(ctx context.Context, poolID string, includeMachines, includeEvents bool) (*PoolDetail, error) {
	pool, err := s.Store.GetPool(ctx, poolID, store.GetPoolOptions{})
	if err != nil {
		return nil, err
	}
	detail := &PoolDetail{Pool: pool}
	if includeMachines {
		machines, err := s.Store.GetMachinesByPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		detail.Machines = machines
	}
	if includeEvents {
		events, err := s.Store.ListPoolEvents(ctx, poolID)
		if err != nil {
			return nil, err
		}
		detail.Events = events
	}
	return detail, nil
}

// ListPools is a read accessor: it returns every non-deleted pool matching
// filter.
func (s *Service) ListPools(ctx context.Context, filter store.PoolFilter) ([]*store.Pool, error) {
	return s.Store.ListPools(ctx, filter)
}

// registerRefresh schedules the minute-offset refresh jobs for a pool.
// AllocatePool calls it right after launching the allocation graph, before
// the pool reaches ALLOCATED; RecoverSchedules calls it for pools that are
// already ALLOCATED.
func (s *Service) registerRefresh(poolID string) {
	period := s.DefaultRefreshPeriodMinutes
	minutes := cronengine.RefreshMinuteOffsets(period)
	job := cronengine.NewJob(
		cronengine.RefreshJobName(poolID),
		fmt.Sprintf("scheduled refresh for minion pool %s", poolID),
		func(ctx context.Context) {
			if err := s.RefreshMinionPool(ctx, poolID); err != nil && !minionerr.IsInvalidPoolState(err) {
				logging.Op().Error("scheduled pool refresh failed", "pool_id", poolID, "error", err)
			}
		},
	)
	if err := s.Cron.Register(job, minutes); err != nil {
		logging.Op().Error("register pool refresh schedule", "pool_id", poolID, "error", err)
	}
}

// RecoverSchedules re-registers the refresh schedule for every pool already
// in ALLOCATED status, for the daemon to call once at startup so a restart
// does not silently stop refreshing a previously healthy pool.
func (s *Service) RecoverSchedules(ctx context.Context) error {
	pools, err := s.Store.ListPools(ctx, store.PoolFilter{Status: store.PoolStatusAllocated})
	if err != nil {
		return fmt.Errorf("list allocated pools for schedule recovery: %w", err)
	}
	for _, p := range pools {
		s.registerRefresh(p.ID)
	}
	return nil
}
