package allocsvc

import (
	"context"
	"errors"
	"testing"

	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/store"
)

func TestValidateMinionPoolSelectionsForAction(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	origin := &store.Pool{Name: "origin", EndpointID: "ep-src", Platform: store.PlatformSource, OSType: "linux", MaximumMinions: 5}
	if err := s.Store.AddPool(ctx, origin); err != nil {
		t.Fatalf("add origin pool: %v", err)
	}
	if err := s.Store.SetPoolStatus(ctx, origin.ID, store.PoolStatusAllocated); err != nil {
		t.Fatalf("set origin status: %v", err)
	}

	dest := &store.Pool{Name: "dest", EndpointID: "ep-dst", Platform: store.PlatformDestination, OSType: "linux", MaximumMinions: 1}
	if err := s.Store.AddPool(ctx, dest); err != nil {
		t.Fatalf("add dest pool: %v", err)
	}
	if err := s.Store.SetPoolStatus(ctx, dest.ID, store.PoolStatusAllocated); err != nil {
		t.Fatalf("set dest status: %v", err)
	}

	action := Action{
		ID:                      "action-1",
		OriginEndpointID:        "ep-src",
		DestinationEndpointID:   "ep-dst",
		OriginMinionPoolID:      origin.ID,
		DestinationMinionPoolID: dest.ID,
		Instances:               []string{"inst-1", "inst-2"},
	}

	if err := s.ValidateMinionPoolSelectionsForAction(ctx, action); err == nil {
		t.Fatal("expected validation to fail: destination pool's maximum_minions (1) is below the instance count (2)")
	} else if !errors.Is(err, minionerr.ErrInvalidMinionPoolSelection) && !errors.Is(err, minionerr.ErrInvalidMinionPoolState) {
		// accept either selection or state errors here, but it must be one of ours
		t.Errorf("expected a minion pool selection or state error, got %v", err)
	}

	action.Instances = []string{"inst-1"}
	if err := s.ValidateMinionPoolSelectionsForAction(ctx, action); err != nil {
		t.Fatalf("expected validation to pass with matching endpoints/platforms/status, got %v", err)
	}

	action.DestinationEndpointID = "wrong-endpoint"
	if err := s.ValidateMinionPoolSelectionsForAction(ctx, action); err == nil {
		t.Fatal("expected validation to fail on endpoint mismatch")
	}
}

func TestValidateMinionPoolSelectionsForActionUnknownPool(t *testing.T) {
	s := newTestService()
	action := Action{
		ID:                    "action-2",
		OriginEndpointID:      "ep-src",
		DestinationEndpointID: "ep-dst",
		OriginMinionPoolID:    "does-not-exist",
		Instances:             []string{"inst-1"},
	}
	err := s.ValidateMinionPoolSelectionsForAction(context.Background(), action)
	if !minionerr.IsNotFound(err) {
		t.Fatalf("expected NotFound for unknown pool, got %v", err)
	}
}
