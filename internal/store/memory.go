package store

import (
	"context"
	"sync"
	"time"

	"github.com/coriolis/minion-manager/internal/minionerr"
)

// MemoryStore is an in-process Store implementation. It backs unit tests for
// every component layered on top of Store, and is also wired into the
// daemon's --store=memory development mode so the whole stack runs without a
// Postgres instance.
type MemoryStore struct {
	mu        sync.Mutex
	pools     map[string]*Pool
	machines  map[string]*Machine
	events    map[string][]*PoolEvent
	progress  map[string]*ProgressUpdate
	poolLocks sync.Map // pool id -> *sync.Mutex, used by WithPoolLock
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]*Pool),
		machines: make(map[string]*Machine),
		events:   make(map[string][]*PoolEvent),
		progress: make(map[string]*ProgressUpdate),
	}
}

func clonePool(p *Pool) *Pool {
	cp := *p
	return &cp
}

func cloneMachine(m *Machine) *Machine {
	cm := *m
	return &cm
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context) error) error {
	v, _ := s.poolLocks.LoadOrStore(poolID, &sync.Mutex{})
	lock := v.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemoryStore) GetPool(ctx context.Context, id string, opts GetPoolOptions) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok || p.Deleted {
		return nil, minionerr.ErrNotFound
	}
	return clonePool(p), nil
}

func (s *MemoryStore) ListPools(ctx context.Context, filter PoolFilter) ([]*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Pool
	for _, p := range s.pools {
		if p.Deleted {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.EndpointID != "" && p.EndpointID != filter.EndpointID {
			continue
		}
		if filter.Platform != "" && p.Platform != filter.Platform {
			continue
		}
		out = append(out, clonePool(p))
	}
	return out, nil
}

func (s *MemoryStore) AddPool(ctx context.Context, p *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	s.pools[p.ID] = clonePool(p)
	return nil
}

func (s *MemoryStore) UpdatePool(ctx context.Context, id string, f PoolUpdateFields) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok || p.Deleted {
		return nil, minionerr.ErrNotFound
	}
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.EnvironmentOptions != nil {
		p.EnvironmentOptions = f.EnvironmentOptions
	}
	if f.MinimumMinions != nil {
		p.MinimumMinions = *f.MinimumMinions
	}
	if f.MaximumMinions != nil {
		p.MaximumMinions = *f.MaximumMinions
	}
	if f.MinionMaxIdleTime != nil {
		p.MinionMaxIdleTime = *f.MinionMaxIdleTime
	}
	if f.MinionRetentionStrategy != nil {
		p.MinionRetentionStrategy = *f.MinionRetentionStrategy
	}
	if f.SharedResources != nil {
		p.SharedResources = f.SharedResources
	}
	p.UpdatedAt = time.Now()
	return clonePool(p), nil
}

func (s *MemoryStore) DeletePool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok || p.Deleted {
		return minionerr.ErrNotFound
	}
	now := time.Now()
	p.Deleted = true
	p.DeletedAt = &now
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetPoolStatus(ctx context.Context, id string, status PoolStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok || p.Deleted {
		return minionerr.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddPoolEvent(ctx context.Context, ev *PoolEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = newID()
	}
	ev.CreatedAt = time.Now()
	cp := *ev
	s.events[ev.PoolID] = append(s.events[ev.PoolID], &cp)
	return nil
}

func (s *MemoryStore) ListPoolEvents(ctx context.Context, poolID string) ([]*PoolEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PoolEvent, len(s.events[poolID]))
	copy(out, s.events[poolID])
	return out, nil
}

func (s *MemoryStore) AddProgressUpdate(ctx context.Context, p *ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.progress[p.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateProgressUpdate(ctx context.Context, id string, currentStep int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[id]
	if !ok {
		return minionerr.ErrNotFound
	}
	p.CurrentStep = currentStep
	p.Message = message
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok || m.Deleted {
		return nil, minionerr.ErrNotFound
	}
	return cloneMachine(m), nil
}

func (s *MemoryStore) GetMachinesByPool(ctx context.Context, poolID string) ([]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Machine
	for _, m := range s.machines {
		if !m.Deleted && m.PoolID == poolID {
			out = append(out, cloneMachine(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMachinesByAction(ctx context.Context, actionID string) ([]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Machine
	for _, m := range s.machines {
		if !m.Deleted && m.AllocatedAction != nil && *m.AllocatedAction == actionID {
			out = append(out, cloneMachine(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) AddMachine(ctx context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if m.ID == "" {
		m.ID = newID()
	}
	if m.LastUsedAt.IsZero() {
		m.LastUsedAt = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	s.machines[m.ID] = cloneMachine(m)
	return nil
}

func (s *MemoryStore) UpdateMachine(ctx context.Context, id string, f MachineUpdateFields) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok || m.Deleted {
		return nil, minionerr.ErrNotFound
	}
	if f.Status != nil {
		m.Status = *f.Status
	}
	if f.AllocatedAction != nil {
		m.AllocatedAction = *f.AllocatedAction
	}
	if f.LastUsedAt != nil && *f.LastUsedAt {
		m.LastUsedAt = time.Now()
	}
	if f.ProviderProperties != nil {
		m.ProviderProperties = f.ProviderProperties
	}
	m.UpdatedAt = time.Now()
	return cloneMachine(m), nil
}

func (s *MemoryStore) DeleteMachine(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok || m.Deleted {
		return nil
	}
	now := time.Now()
	m.Deleted = true
	m.DeletedAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetMachineStatus(ctx context.Context, id string, status MachineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok || m.Deleted {
		return minionerr.ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetMachinesAllocationStatuses(ctx context.Context, ids []string, allocatedAction *string, newStatus MachineStatus, refreshAllocationTime bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, ok := s.machines[id]
		if !ok || m.Deleted {
			return minionerr.ErrNotFound
		}
	}

	now := time.Now()
	for _, id := range ids {
		m := s.machines[id]
		m.Status = newStatus
		m.AllocatedAction = allocatedAction
		if refreshAllocationTime {
			m.LastUsedAt = now
		}
		m.UpdatedAt = now
	}
	return nil
}
