package store

import (
	"context"
	"errors"
	"testing"

	"github.com/coriolis/minion-manager/internal/minionerr"
)

func TestMemoryStorePoolCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := &Pool{Name: "p1", EndpointID: "e1", Platform: PlatformDestination, OSType: "linux", MaximumMinions: 4, Status: PoolStatusDeallocated}
	if err := s.AddPool(ctx, p); err != nil {
		t.Fatalf("AddPool: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("expected generated pool id")
	}

	got, err := s.GetPool(ctx, p.ID, GetPoolOptions{})
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if got.Name != "p1" {
		t.Fatalf("expected name p1, got %s", got.Name)
	}

	newName := "p1-renamed"
	updated, err := s.UpdatePool(ctx, p.ID, PoolUpdateFields{Name: &newName})
	if err != nil {
		t.Fatalf("UpdatePool: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("expected renamed pool, got %s", updated.Name)
	}

	if err := s.DeletePool(ctx, p.ID); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
	if _, err := s.GetPool(ctx, p.ID, GetPoolOptions{}); !errors.Is(err, minionerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreSetMachinesAllocationStatusesAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pool := &Pool{Name: "p1", Status: PoolStatusAllocated, MaximumMinions: 4}
	if err := s.AddPool(ctx, pool); err != nil {
		t.Fatalf("AddPool: %v", err)
	}

	m1 := &Machine{PoolID: pool.ID, Status: MachineStatusAvailable}
	m2 := &Machine{PoolID: pool.ID, Status: MachineStatusAvailable}
	if err := s.AddMachine(ctx, m1); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	if err := s.AddMachine(ctx, m2); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}

	action := "action-1"
	if err := s.SetMachinesAllocationStatuses(ctx, []string{m1.ID, m2.ID}, &action, MachineStatusInUse, true); err != nil {
		t.Fatalf("SetMachinesAllocationStatuses: %v", err)
	}

	for _, id := range []string{m1.ID, m2.ID} {
		got, err := s.GetMachine(ctx, id)
		if err != nil {
			t.Fatalf("GetMachine(%s): %v", id, err)
		}
		if got.Status != MachineStatusInUse {
			t.Fatalf("expected IN_USE, got %s", got.Status)
		}
		if got.AllocatedAction == nil || *got.AllocatedAction != action {
			t.Fatalf("expected allocated_action=%s, got %v", action, got.AllocatedAction)
		}
	}

	// A batch referencing one missing machine id must transition none of
	// the valid ones either.
	if err := s.SetMachinesAllocationStatuses(ctx, []string{m1.ID, "does-not-exist"}, nil, MachineStatusAvailable, false); !errors.Is(err, minionerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for partial batch, got %v", err)
	}
	got, err := s.GetMachine(ctx, m1.ID)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if got.Status != MachineStatusInUse {
		t.Fatalf("partial batch must not have mutated m1, got status %s", got.Status)
	}
}

func TestMemoryStoreWithPoolLockSerializes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const n = 50
	counter := 0
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_ = s.WithPoolLock(ctx, "pool-x", func(ctx context.Context) error {
				counter++
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if counter != n {
		t.Fatalf("expected %d serialized increments, got %d", n, counter)
	}
}

func TestMemoryStoreDeleteMachineIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := &Machine{PoolID: "p1", Status: MachineStatusAvailable}
	if err := s.AddMachine(ctx, m); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	if err := s.DeleteMachine(ctx, m.ID); err != nil {
		t.Fatalf("first DeleteMachine: %v", err)
	}
	if err := s.DeleteMachine(ctx, m.ID); err != nil {
		t.Fatalf("second DeleteMachine should also succeed: %v", err)
	}
}
