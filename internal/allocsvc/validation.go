package allocsvc

import (
	"context"
	"fmt"

	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/store"
)

// Action is the minimal view of a transfer action (replica or migration)
// the Allocation Service needs: which endpoints and minion pools the
// action wants to use, and which instances need minions from each.
type Action struct {
	ID                                   string
	OriginEndpointID                     string
	DestinationEndpointID                string
	OriginMinionPoolID                   string // empty: no origin pool requested
	DestinationMinionPoolID              string // empty: no destination pool requested
	InstanceOSMorphingMinionPoolMappings map[string]string // instance_id -> osmorphing pool_id
	Instances                            []string
}

func (a Action) validateRequired() error {
	if a.ID == "" || a.OriginEndpointID == "" || a.DestinationEndpointID == "" || len(a.Instances) == 0 {
		return fmt.Errorf("action is missing required properties (id, origin_endpoint_id, destination_endpoint_id, instances): %w", minionerr.ErrInvalidInput)
	}
	return nil
}

// ValidateMinionPoolSelectionsForAction checks the origin pool (if any),
// the destination pool (if any), and each distinct OSMorphing pool
// referenced by instances actually present in the action.
func (s *Service) ValidateMinionPoolSelectionsForAction(ctx context.Context, action Action) error {
	if err := action.validateRequired(); err != nil {
		return err
	}

	pools, err := s.Store.ListPools(ctx, store.PoolFilter{})
	if err != nil {
		return err
	}
	byID := make(map[string]*store.Pool, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	getPool := func(poolID string) (*store.Pool, error) {
		p, ok := byID[poolID]
		if !ok {
			return nil, fmt.Errorf("could not find minion pool with ID %q: %w", poolID, minionerr.ErrNotFound)
		}
		return p, nil
	}

	checkCount := func(pool *store.Pool, instanceCount int, role string) error {
		if pool.Status != store.PoolStatusAllocated {
			return fmt.Errorf("minion pool %s is in status %s, must be %s to be used as a %s pool for action %s: %w",
				pool.ID, pool.Status, store.PoolStatusAllocated, role, action.ID, minionerr.ErrInvalidMinionPoolState)
		}
		if instanceCount > pool.MaximumMinions {
			return fmt.Errorf("%s minion pool %s has a lower maximum_minions (%d) than the %d instances of action %s that need it: %w",
				role, pool.ID, pool.MaximumMinions, instanceCount, action.ID, minionerr.ErrInvalidMinionPoolSelection)
		}
		return nil
	}

	if action.OriginMinionPoolID != "" {
		origin, err := getPool(action.OriginMinionPoolID)
		if err != nil {
			return err
		}
		if origin.EndpointID != action.OriginEndpointID {
			return fmt.Errorf("origin minion pool %s belongs to endpoint %s, not the requested origin endpoint %s: %w",
				origin.ID, origin.EndpointID, action.OriginEndpointID, minionerr.ErrInvalidMinionPoolSelection)
		}
		if origin.Platform != store.PlatformSource {
			return fmt.Errorf("origin minion pool %s is configured as %s, must be %s: %w",
				origin.ID, origin.Platform, store.PlatformSource, minionerr.ErrInvalidMinionPoolSelection)
		}
		if origin.OSType != osTypeLinux {
			return fmt.Errorf("origin minion pool %s is of OS type %s, must be %s: %w",
				origin.ID, origin.OSType, osTypeLinux, minionerr.ErrInvalidMinionPoolSelection)
		}
		if err := checkCount(origin, len(action.Instances), "source"); err != nil {
			return err
		}
	}

	if action.DestinationMinionPoolID != "" {
		dest, err := getPool(action.DestinationMinionPoolID)
		if err != nil {
			return err
		}
		if dest.EndpointID != action.DestinationEndpointID {
			return fmt.Errorf("destination minion pool %s belongs to endpoint %s, not the requested destination endpoint %s: %w",
				dest.ID, dest.EndpointID, action.DestinationEndpointID, minionerr.ErrInvalidMinionPoolSelection)
		}
		if dest.Platform != store.PlatformDestination {
			return fmt.Errorf("destination minion pool %s is configured as %s, must be %s: %w",
				dest.ID, dest.Platform, store.PlatformDestination, minionerr.ErrInvalidMinionPoolSelection)
		}
		if dest.OSType != osTypeLinux {
			return fmt.Errorf("destination minion pool %s is of OS type %s, must be %s: %w",
				dest.ID, dest.OSType, osTypeLinux, minionerr.ErrInvalidMinionPoolSelection)
		}
		if err := checkCount(dest, len(action.Instances), "destination"); err != nil {
			return err
		}
	}

	if len(action.InstanceOSMorphingMinionPoolMappings) > 0 {
		instanceSet := make(map[string]struct{}, len(action.Instances))
		for _, id := range action.Instances {
			instanceSet[id] = struct{}{}
		}

		osmorphingInstances := make(map[string][]string)
		for instanceID, poolID := range action.InstanceOSMorphingMinionPoolMappings {
			if _, present := instanceSet[instanceID]; !present {
				continue // instance not part of this action's declared instances: ignored
			}
			osmorphingInstances[poolID] = append(osmorphingInstances[poolID], instanceID)
		}

		for poolID, instances := range osmorphingInstances {
			pool, err := getPool(poolID)
			if err != nil {
				return err
			}
			if pool.EndpointID != action.DestinationEndpointID {
				return fmt.Errorf("osmorphing minion pool %s (for instances %v) belongs to endpoint %s, not the destination endpoint %s: %w",
					pool.ID, instances, pool.EndpointID, action.DestinationEndpointID, minionerr.ErrInvalidMinionPoolSelection)
			}
			if pool.Platform != store.PlatformDestination {
				return fmt.Errorf("osmorphing minion pool %s (for instances %v) is configured as %s, must be %s: %w",
					pool.ID, instances, pool.Platform, store.PlatformDestination, minionerr.ErrInvalidMinionPoolSelection)
			}
			if pool.OSType != osTypeLinux {
				return fmt.Errorf("osmorphing minion pool %s (for instances %v) is of OS type %s, must be %s: %w",
					pool.ID, instances, pool.OSType, osTypeLinux, minionerr.ErrInvalidMinionPoolSelection)
			}
			if err := checkCount(pool, len(instances), "osmorphing"); err != nil {
				return err
			}
		}
	}

	return nil
}

const osTypeLinux = "linux"
