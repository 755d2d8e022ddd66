package flowbuilder

import (
	"testing"
	"time"

	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

func testBuilder() *Builder {
	return New(&tasklib.Tasks{Store: store.NewMemoryStore()})
}

func availableMachine(id string, lastUsed time.Time) *store.Machine {
	return &store.Machine{ID: id, PoolID: "pool-1", Status: store.MachineStatusAvailable, LastUsedAt: lastUsed}
}

func refreshDecisionsByMachine(decisions []RefreshDecision) map[string]RefreshDecision {
	out := make(map[string]RefreshDecision, len(decisions))
	for _, d := range decisions {
		out[d.MachineID] = d
	}
	return out
}

func TestPoolRefreshRetiresIdleExcessMachine(t *testing.T) {
	now := time.Now()
	pool := &store.Pool{ID: "pool-1", MinimumMinions: 2, MinionMaxIdleTime: 600}
	machines := []*store.Machine{
		availableMachine("m-fresh-1", now),
		availableMachine("m-fresh-2", now),
		availableMachine("m-idle", now.Add(-1200*time.Second)),
	}

	flow, decisions := testBuilder().PoolRefresh(pool, machines, now)
	if flow == nil {
		t.Fatal("expected a refresh flow for a populated pool")
	}
	byMachine := refreshDecisionsByMachine(decisions)
	if len(byMachine) != 3 {
		t.Fatalf("expected a decision per AVAILABLE machine, got %d", len(byMachine))
	}
	if !byMachine["m-idle"].Deallocating {
		t.Error("expected the idle excess machine to be retired")
	}
	for _, id := range []string{"m-fresh-1", "m-fresh-2"} {
		if !byMachine[id].Healthchecked {
			t.Errorf("expected machine %s to be healthchecked, got %+v", id, byMachine[id])
		}
	}
}

func TestPoolRefreshAtMinimumNeverDeallocates(t *testing.T) {
	now := time.Now()
	pool := &store.Pool{ID: "pool-1", MinimumMinions: 2, MinionMaxIdleTime: 600}
	machines := []*store.Machine{
		availableMachine("m-1", now.Add(-5000*time.Second)),
		availableMachine("m-2", now.Add(-5000*time.Second)),
	}

	_, decisions := testBuilder().PoolRefresh(pool, machines, now)
	for _, d := range decisions {
		if d.Deallocating {
			t.Errorf("machine %s scheduled for deallocation with the pool at minimum_minions", d.MachineID)
		}
	}
	if len(decisions) != 2 {
		t.Fatalf("expected both machines to be healthchecked instead, got %d decisions", len(decisions))
	}
}

func TestPoolRefreshBudgetBoundsDeallocations(t *testing.T) {
	now := time.Now()
	pool := &store.Pool{ID: "pool-1", MinimumMinions: 1, MinionMaxIdleTime: 600}
	machines := []*store.Machine{
		availableMachine("m-1", now.Add(-5000*time.Second)),
		availableMachine("m-2", now.Add(-5000*time.Second)),
		availableMachine("m-3", now.Add(-5000*time.Second)),
		availableMachine("m-4", now.Add(-5000*time.Second)),
	}

	_, decisions := testBuilder().PoolRefresh(pool, machines, now)
	retired := 0
	for _, d := range decisions {
		if d.Deallocating {
			retired++
		}
	}
	if want := len(machines) - pool.MinimumMinions; retired != want {
		t.Fatalf("expected the deallocation budget to cap retirements at %d, got %d", want, retired)
	}
}

func TestPoolRefreshSkipsNonAvailableMachines(t *testing.T) {
	now := time.Now()
	pool := &store.Pool{ID: "pool-1", MinimumMinions: 0, MinionMaxIdleTime: 600}
	action := "action-1"
	machines := []*store.Machine{
		{ID: "m-busy", PoolID: "pool-1", Status: store.MachineStatusInUse, AllocatedAction: &action, LastUsedAt: now},
		availableMachine("m-free", now),
	}

	_, decisions := testBuilder().PoolRefresh(pool, machines, now)
	if len(decisions) != 1 || decisions[0].MachineID != "m-free" {
		t.Fatalf("expected only the AVAILABLE machine to be selected, got %+v", decisions)
	}
}

func TestPoolRefreshEmptyPoolBuildsNoFlow(t *testing.T) {
	pool := &store.Pool{ID: "pool-1", MinimumMinions: 0, MinionMaxIdleTime: 600}
	flow, decisions := testBuilder().PoolRefresh(pool, nil, time.Now())
	if flow != nil || decisions != nil {
		t.Fatalf("expected no flow for an empty pool, got flow=%v decisions=%v", flow, decisions)
	}
}
