package allocsvc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coriolis/minion-manager/internal/cronengine"
	"github.com/coriolis/minion-manager/internal/lockregistry"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

type fakeWorker struct{}

func (fakeWorker) GetPoolOptions(ctx context.Context, req rpcclients.PoolOptionsRequest) (rpcclients.PoolOptionsResponse, error) {
	return rpcclients.PoolOptionsResponse{}, nil
}
func (fakeWorker) ValidatePoolOptions(ctx context.Context, req rpcclients.PoolOptionsRequest) error {
	return nil
}
func (fakeWorker) AllocateSharedResources(ctx context.Context, req rpcclients.AllocateSharedResourcesRequest) (rpcclients.AllocateSharedResourcesResponse, error) {
	return rpcclients.AllocateSharedResourcesResponse{SharedResources: map[string]any{"network_id": "net-1"}}, nil
}
func (fakeWorker) DeallocateSharedResources(ctx context.Context, req rpcclients.DeallocateSharedResourcesRequest) error {
	return nil
}
func (fakeWorker) CreateMinionMachine(ctx context.Context, req rpcclients.CreateMinionMachineRequest) (rpcclients.CreateMinionMachineResponse, error) {
	return rpcclients.CreateMinionMachineResponse{ProviderProperties: map[string]any{"instance_id": "i-" + req.MachineID}}, nil
}
func (fakeWorker) DeleteMinionMachine(ctx context.Context, req rpcclients.DeleteMinionMachineRequest) error {
	return nil
}
func (fakeWorker) HealthcheckMinionMachine(ctx context.Context, req rpcclients.HealthcheckMinionMachineRequest) (rpcclients.HealthcheckMinionMachineResponse, error) {
	return rpcclients.HealthcheckMinionMachineResponse{Healthy: true}, nil
}

type fakeScheduler struct{}

func (fakeScheduler) GetWorkerServiceForSpecs(ctx context.Context, req rpcclients.WorkerServiceRequirements) (rpcclients.WorkerServiceDescriptor, error) {
	return rpcclients.WorkerServiceDescriptor{Address: "worker:7001"}, nil
}

type fakeConductor struct{}

func (fakeConductor) GetEndpoint(ctx context.Context, req rpcclients.GetEndpointRequest) (rpcclients.EndpointInfo, error) {
	return rpcclients.EndpointInfo{ID: req.EndpointID}, nil
}
func (fakeConductor) ReportReplicaMinionsAllocationError(ctx context.Context, req rpcclients.ReportAllocationErrorRequest) error {
	return nil
}
func (fakeConductor) ReportMigrationMinionsAllocationError(ctx context.Context, req rpcclients.ReportAllocationErrorRequest) error {
	return nil
}
func (fakeConductor) ConfirmReplicaMinionsAllocation(ctx context.Context, req rpcclients.ConfirmAllocationRequest) error {
	return nil
}
func (fakeConductor) ConfirmMigrationMinionsAllocation(ctx context.Context, req rpcclients.ConfirmAllocationRequest) error {
	return nil
}

func newTestService() *Service {
	return newTestServiceWithWorker(fakeWorker{})
}

// newTestServiceWithWorker builds a Service backed by a MemoryStore, letting
// callers swap in a worker fake that misbehaves in a controlled way (e.g. a
// healthcheck that fails for one machine) while keeping everything else the
// same as newTestService.
func newTestServiceWithWorker(worker rpcclients.WorkerClient) *Service {
	st := store.NewMemoryStore()
	tasks := &tasklib.Tasks{
		Store:            st,
		WorkerAddr:       "worker:7001",
		SchedulerAddr:    "scheduler:7002",
		ConductorAddr:    "conductor:7003",
		WorkerFactory:    func(addr string) rpcclients.WorkerClient { return worker },
		SchedulerFactory: func(addr string) rpcclients.SchedulerClient { return fakeScheduler{} },
		ConductorFactory: func(addr string) rpcclients.ConductorClient { return fakeConductor{} },
	}
	return New(st, lockregistry.NewWithStore(st), cronengine.New(), taskflow.New(4), tasks,
		func(addr string) rpcclients.ConductorClient { return fakeConductor{} }, "conductor:7003", 10)
}

// createAllocatedPoolWithMachines inserts a pool already in ALLOCATED status
// together with count AVAILABLE machines, bypassing the allocation graph so
// reservation tests can exercise reserveFromPool/commitReservation directly
// against a known starting population.
func createAllocatedPoolWithMachines(t *testing.T, s *Service, name string, minimum, maximum, count int) (*store.Pool, []string) {
	t.Helper()
	pool := &store.Pool{
		Name:           name,
		EndpointID:     "ep-1",
		Platform:       store.PlatformDestination,
		OSType:         "linux",
		MinimumMinions: minimum,
		MaximumMinions: maximum,
		Status:         store.PoolStatusAllocated,
	}
	if err := s.Store.AddPool(context.Background(), pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}

	var ids []string
	for i := 0; i < count; i++ {
		m := &store.Machine{PoolID: pool.ID, Status: store.MachineStatusAvailable}
		if err := s.Store.AddMachine(context.Background(), m); err != nil {
			t.Fatalf("add machine: %v", err)
		}
		ids = append(ids, m.ID)
	}
	return pool, ids
}

func waitForMachinesByAction(t *testing.T, s *Service, actionID string, want int) []*store.Machine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		machines, err := s.Store.GetMachinesByAction(context.Background(), actionID)
		if err != nil {
			t.Fatalf("get machines by action: %v", err)
		}
		allInUse := len(machines) == want
		for _, m := range machines {
			if m.Status != store.MachineStatusInUse {
				allInUse = false
			}
		}
		if allInUse {
			return machines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %s never reached %d IN_USE machines", actionID, want)
	return nil
}

// healthcheckFailingWorker embeds fakeWorker and reports one configurable
// machine id as unhealthy, so reservation tests can force the
// healthcheck-failure reallocation path without timing games.
type healthcheckFailingWorker struct {
	fakeWorker
	failMachineID atomic.Value // string
}

func (w *healthcheckFailingWorker) setFailing(machineID string) {
	w.failMachineID.Store(machineID)
}

func (w *healthcheckFailingWorker) HealthcheckMinionMachine(ctx context.Context, req rpcclients.HealthcheckMinionMachineRequest) (rpcclients.HealthcheckMinionMachineResponse, error) {
	if v, _ := w.failMachineID.Load().(string); v != "" && v == req.MachineID {
		return rpcclients.HealthcheckMinionMachineResponse{Healthy: false, Detail: "forced failure"}, nil
	}
	return w.fakeWorker.HealthcheckMinionMachine(ctx, req)
}

func waitForStatus(t *testing.T, s *Service, poolID string, want store.PoolStatus) *store.Pool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := s.Store.GetPool(context.Background(), poolID, store.GetPoolOptions{})
		if err != nil {
			t.Fatalf("get pool: %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool %s never reached status %s", poolID, want)
	return nil
}

func TestCreatePoolAllocatesToAllocated(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-1",
		EndpointID:     "ep-1",
		Platform:       store.PlatformSource,
		OSType:         "linux",
		MinimumMinions: 2,
		MaximumMinions: 4,
	}

	created, err := s.CreatePool(context.Background(), pool, false)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	final := waitForStatus(t, s, created.ID, store.PoolStatusAllocated)
	machines, err := s.Store.GetMachinesByPool(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get machines: %v", err)
	}
	if len(machines) != final.MinimumMinions {
		t.Errorf("expected %d machines after allocation, got %d", final.MinimumMinions, len(machines))
	}
	for _, m := range machines {
		if m.Status != store.MachineStatusAvailable {
			t.Errorf("expected machine %s to be AVAILABLE, got %s", m.ID, m.Status)
		}
	}
}

func TestDeallocatePoolRefusesWhileMachineInUse(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-2",
		EndpointID:     "ep-1",
		Platform:       store.PlatformDestination,
		OSType:         "linux",
		MinimumMinions: 1,
		MaximumMinions: 2,
	}
	created, err := s.CreatePool(context.Background(), pool, false)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	waitForStatus(t, s, created.ID, store.PoolStatusAllocated)

	machines, err := s.Store.GetMachinesByPool(context.Background(), created.ID)
	if err != nil || len(machines) == 0 {
		t.Fatalf("expected at least one machine, got %v err=%v", machines, err)
	}
	inUse := store.MachineStatusInUse
	if _, err := s.Store.UpdateMachine(context.Background(), machines[0].ID, store.MachineUpdateFields{Status: &inUse}); err != nil {
		t.Fatalf("mark machine in use: %v", err)
	}

	if err := s.DeallocatePool(context.Background(), created.ID, false); err == nil {
		t.Fatal("expected deallocation to be refused while a machine is in use")
	}
}

func TestUpdatePoolRejectsWhenNotDeallocated(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-3",
		EndpointID:     "ep-1",
		Platform:       store.PlatformSource,
		OSType:         "linux",
		MinimumMinions: 0,
		MaximumMinions: 1,
	}
	created, err := s.CreatePool(context.Background(), pool, true)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	if err := s.Store.SetPoolStatus(context.Background(), created.ID, store.PoolStatusAllocated); err != nil {
		t.Fatalf("set status: %v", err)
	}

	newMax := 5
	if _, err := s.UpdatePool(context.Background(), created.ID, PoolUpdate{MaximumMinions: &newMax}); err == nil {
		t.Fatal("expected update to be rejected while pool is ALLOCATED")
	}
}

func TestDeletePoolRequiresTerminalStatus(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-4",
		EndpointID:     "ep-1",
		Platform:       store.PlatformSource,
		OSType:         "linux",
		MinimumMinions: 0,
		MaximumMinions: 1,
	}
	created, err := s.CreatePool(context.Background(), pool, true)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	if err := s.DeletePool(context.Background(), created.ID); err != nil {
		t.Fatalf("expected delete to succeed from DEALLOCATED, got %v", err)
	}
	if _, err := s.Store.GetPool(context.Background(), created.ID, store.GetPoolOptions{}); err == nil {
		t.Fatal("expected pool to be gone after delete")
	}
}

func TestReservationHappyPathReusesDestinationForOSMorphing(t *testing.T) {
	s := newTestService()
	pool, machineIDs := createAllocatedPoolWithMachines(t, s, "pool-reuse", 2, 4, 2)

	action := Action{
		ID:                      "action-1",
		OriginEndpointID:        "ep-source",
		DestinationEndpointID:   "ep-dest",
		DestinationMinionPoolID: pool.ID,
		InstanceOSMorphingMinionPoolMappings: map[string]string{
			"inst-1": pool.ID,
			"inst-2": pool.ID,
		},
		Instances: []string{"inst-1", "inst-2"},
	}

	if err := s.AllocateMinionMachinesForMigration(context.Background(), action, true, true); err != nil {
		t.Fatalf("allocate minion machines for migration: %v", err)
	}

	machines := waitForMachinesByAction(t, s, action.ID, 2)
	byID := make(map[string]*store.Machine, len(machines))
	for _, m := range machines {
		byID[m.ID] = m
	}
	for _, id := range machineIDs {
		m, ok := byID[id]
		if !ok {
			t.Errorf("expected pre-existing machine %s to still be allocated to the action", id)
			continue
		}
		if m.PoolID != pool.ID {
			t.Errorf("machine %s belongs to pool %s, want %s", id, m.PoolID, pool.ID)
		}
	}

	all, err := s.Store.GetMachinesByPool(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("get machines by pool: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected the destination/osmorphing reuse optimisation to avoid creating new machines, got %d machines in pool", len(all))
	}
}

func TestReservationUpscalesOnDemand(t *testing.T) {
	s := newTestService()
	pool, _ := createAllocatedPoolWithMachines(t, s, "pool-upscale", 2, 5, 2)

	action := Action{
		ID:                      "action-2",
		OriginEndpointID:        "ep-source",
		DestinationEndpointID:   "ep-dest",
		DestinationMinionPoolID: pool.ID,
		Instances:               []string{"inst-1", "inst-2", "inst-3"},
	}

	if err := s.AllocateMinionMachinesForReplica(context.Background(), action); err != nil {
		t.Fatalf("allocate minion machines for replica: %v", err)
	}

	waitForMachinesByAction(t, s, action.ID, 3)

	all, err := s.Store.GetMachinesByPool(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("get machines by pool: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected pool to grow to 3 machines to satisfy the action, got %d", len(all))
	}
	for _, m := range all {
		if m.Status != store.MachineStatusInUse {
			t.Errorf("expected machine %s to be IN_USE, got %s", m.ID, m.Status)
		}
	}
}

func TestReservationOverSubscriptionRejectedSynchronously(t *testing.T) {
	s := newTestService()
	pool, machineIDs := createAllocatedPoolWithMachines(t, s, "pool-oversubscribed", 2, 4, 2)

	action := Action{
		ID:                      "action-3",
		OriginEndpointID:        "ep-source",
		DestinationEndpointID:   "ep-dest",
		DestinationMinionPoolID: pool.ID,
		Instances:               []string{"inst-1", "inst-2", "inst-3", "inst-4", "inst-5"},
	}

	err := s.AllocateMinionMachinesForReplica(context.Background(), action)
	if err == nil {
		t.Fatal("expected allocation to be rejected when requested instances exceed maximum_minions")
	}
	if !errors.Is(err, minionerr.ErrInvalidMinionPoolState) {
		t.Errorf("expected ErrInvalidMinionPoolState, got %v", err)
	}

	all, err := s.Store.GetMachinesByPool(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("get machines by pool: %v", err)
	}
	if len(all) != len(machineIDs) {
		t.Fatalf("expected machine count to stay at %d after a rejected reservation, got %d", len(machineIDs), len(all))
	}
	for _, m := range all {
		if m.Status != store.MachineStatusAvailable {
			t.Errorf("expected machine %s to remain AVAILABLE after a rejected reservation, got %s", m.ID, m.Status)
		}
	}
}

func TestReservationHealthcheckFailureTriggersReallocation(t *testing.T) {
	worker := &healthcheckFailingWorker{}
	s := newTestServiceWithWorker(worker)
	pool, machineIDs := createAllocatedPoolWithMachines(t, s, "pool-healthcheck-fail", 2, 4, 2)
	worker.setFailing(machineIDs[0])

	action := Action{
		ID:                      "action-4",
		OriginEndpointID:        "ep-source",
		DestinationEndpointID:   "ep-dest",
		DestinationMinionPoolID: pool.ID,
		Instances:               []string{"inst-1", "inst-2"},
	}

	if err := s.AllocateMinionMachinesForReplica(context.Background(), action); err != nil {
		t.Fatalf("allocate minion machines for replica: %v", err)
	}

	// Both reused machines are already IN_USE when the call returns, so wait
	// for the background reallocation to remove the failing one first.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Store.GetMachine(context.Background(), machineIDs[0]); minionerr.IsNotFound(err) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForMachinesByAction(t, s, action.ID, 2)

	if _, err := s.Store.GetMachine(context.Background(), machineIDs[0]); err == nil {
		t.Fatalf("expected failing machine %s to have been deallocated and removed", machineIDs[0])
	} else if !minionerr.IsNotFound(err) {
		t.Fatalf("expected NotFound for removed machine, got %v", err)
	}

	all, err := s.Store.GetMachinesByPool(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("get machines by pool: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected the replacement machine to keep the pool at 2 machines, got %d", len(all))
	}
	for _, m := range all {
		if m.Status != store.MachineStatusInUse {
			t.Errorf("expected machine %s to be IN_USE after reallocation, got %s", m.ID, m.Status)
		}
	}
}

func TestCreatePoolZeroMinimumMinions(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-empty",
		EndpointID:     "ep-1",
		Platform:       store.PlatformDestination,
		OSType:         "linux",
		MinimumMinions: 0,
		MaximumMinions: 2,
	}

	created, err := s.CreatePool(context.Background(), pool, false)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	final := waitForStatus(t, s, created.ID, store.PoolStatusAllocated)
	if len(final.SharedResources) == 0 {
		t.Error("expected shared resources to be provisioned even with zero minions")
	}
	machines, err := s.Store.GetMachinesByPool(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get machines: %v", err)
	}
	if len(machines) != 0 {
		t.Errorf("expected no machines for minimum_minions=0, got %d", len(machines))
	}
}

func TestRefreshDeallocatesIdleMachine(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	pool := &store.Pool{
		Name:              "pool-refresh",
		EndpointID:        "ep-1",
		Platform:          store.PlatformDestination,
		OSType:            "linux",
		MinimumMinions:    2,
		MaximumMinions:    4,
		MinionMaxIdleTime: 600,
		Status:            store.PoolStatusAllocated,
	}
	if err := s.Store.AddPool(ctx, pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}

	var fresh []string
	for i := 0; i < 2; i++ {
		m := &store.Machine{PoolID: pool.ID, Status: store.MachineStatusAvailable, LastUsedAt: time.Now()}
		if err := s.Store.AddMachine(ctx, m); err != nil {
			t.Fatalf("add machine: %v", err)
		}
		fresh = append(fresh, m.ID)
	}
	idle := &store.Machine{PoolID: pool.ID, Status: store.MachineStatusAvailable, LastUsedAt: time.Now().Add(-1200 * time.Second)}
	if err := s.Store.AddMachine(ctx, idle); err != nil {
		t.Fatalf("add idle machine: %v", err)
	}

	if err := s.RefreshMinionPool(ctx, pool.ID); err != nil {
		t.Fatalf("refresh minion pool: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Store.GetMachine(ctx, idle.ID); minionerr.IsNotFound(err) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.Store.GetMachine(ctx, idle.ID); !minionerr.IsNotFound(err) {
		t.Fatalf("expected idle machine %s to be retired, err=%v", idle.ID, err)
	}

	for _, id := range fresh {
		got := waitForMachineStatus(t, s, id, store.MachineStatusAvailable)
		if got.AllocatedAction != nil {
			t.Errorf("expected machine %s to stay unallocated after its healthcheck, got action %v", id, *got.AllocatedAction)
		}
	}
}

func TestRefreshAtMinimumOnlyHealthchecks(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	pool := &store.Pool{
		Name:              "pool-at-minimum",
		EndpointID:        "ep-1",
		Platform:          store.PlatformDestination,
		OSType:            "linux",
		MinimumMinions:    2,
		MaximumMinions:    2,
		MinionMaxIdleTime: 600,
		Status:            store.PoolStatusAllocated,
	}
	if err := s.Store.AddPool(ctx, pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	var ids []string
	for i := 0; i < 2; i++ {
		m := &store.Machine{PoolID: pool.ID, Status: store.MachineStatusAvailable, LastUsedAt: time.Now().Add(-5000 * time.Second)}
		if err := s.Store.AddMachine(ctx, m); err != nil {
			t.Fatalf("add machine: %v", err)
		}
		ids = append(ids, m.ID)
	}

	if err := s.RefreshMinionPool(ctx, pool.ID); err != nil {
		t.Fatalf("refresh minion pool: %v", err)
	}

	for _, id := range ids {
		waitForMachineStatus(t, s, id, store.MachineStatusAvailable)
	}
	machines, err := s.Store.GetMachinesByPool(ctx, pool.ID)
	if err != nil {
		t.Fatalf("get machines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected refresh at minimum_minions to keep both machines, got %d", len(machines))
	}
}

func TestRefreshWithNothingToDoLogsEvent(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	pool := &store.Pool{
		Name:           "pool-quiet",
		EndpointID:     "ep-1",
		Platform:       store.PlatformDestination,
		OSType:         "linux",
		MaximumMinions: 2,
		Status:         store.PoolStatusAllocated,
	}
	if err := s.Store.AddPool(ctx, pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}

	if err := s.RefreshMinionPool(ctx, pool.ID); err != nil {
		t.Fatalf("refresh minion pool: %v", err)
	}

	events, err := s.Store.ListPoolEvents(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list pool events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event for a no-op refresh, got %d", len(events))
	}
}

func TestRefreshRequiresAllocatedPool(t *testing.T) {
	s := newTestService()
	pool := &store.Pool{
		Name:           "pool-not-ready",
		EndpointID:     "ep-1",
		Platform:       store.PlatformDestination,
		OSType:         "linux",
		MaximumMinions: 2,
	}
	created, err := s.CreatePool(context.Background(), pool, true)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	err = s.RefreshMinionPool(context.Background(), created.ID)
	if !minionerr.IsInvalidPoolState(err) {
		t.Fatalf("expected InvalidPoolState for a DEALLOCATED pool, got %v", err)
	}
}

func TestDeallocateMinionMachineIdempotent(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, ids := createAllocatedPoolWithMachines(t, s, "pool-release", 1, 2, 1)

	action := "action-release"
	if err := s.Store.SetMachinesAllocationStatuses(ctx, ids, &action, store.MachineStatusInUse, true); err != nil {
		t.Fatalf("mark in use: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.DeallocateMinionMachine(ctx, ids[0]); err != nil {
			t.Fatalf("deallocate attempt %d: %v", i+1, err)
		}
	}

	m, err := s.Store.GetMachine(ctx, ids[0])
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if m.Status != store.MachineStatusAvailable || m.AllocatedAction != nil {
		t.Fatalf("expected machine back to AVAILABLE with no action, got status=%s action=%v", m.Status, m.AllocatedAction)
	}

	if err := s.DeallocateMinionMachine(ctx, "never-existed"); err != nil {
		t.Fatalf("deallocating an unknown machine must be a no-op, got %v", err)
	}
}

func TestDeallocateMachinesForActionGCsUninitialized(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	pool, ids := createAllocatedPoolWithMachines(t, s, "pool-gc", 1, 4, 1)

	action := "action-gc"
	if err := s.Store.SetMachinesAllocationStatuses(ctx, ids, &action, store.MachineStatusInUse, true); err != nil {
		t.Fatalf("mark in use: %v", err)
	}
	leftover := &store.Machine{PoolID: pool.ID, Status: store.MachineStatusUninitialized, AllocatedAction: &action}
	if err := s.Store.AddMachine(ctx, leftover); err != nil {
		t.Fatalf("add leftover machine: %v", err)
	}

	if err := s.DeallocateMinionMachinesForAction(ctx, action); err != nil {
		t.Fatalf("deallocate machines for action: %v", err)
	}

	if _, err := s.Store.GetMachine(ctx, leftover.ID); !minionerr.IsNotFound(err) {
		t.Fatalf("expected UNINITIALIZED leftover to be garbage-collected, err=%v", err)
	}
	m, err := s.Store.GetMachine(ctx, ids[0])
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if m.Status != store.MachineStatusAvailable || m.AllocatedAction != nil {
		t.Fatalf("expected released machine to be AVAILABLE with no action, got status=%s action=%v", m.Status, m.AllocatedAction)
	}
}

func waitForMachineStatus(t *testing.T, s *Service, machineID string, want store.MachineStatus) *store.Machine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := s.Store.GetMachine(context.Background(), machineID)
		if err != nil {
			t.Fatalf("get machine: %v", err)
		}
		if m.Status == want {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("machine %s never reached status %s", machineID, want)
	return nil
}
