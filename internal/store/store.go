package store

import "context"

// Store is the full persistence contract consumed by every other component.
// It is the only thing that ever mutates a Pool or Machine row; flows and
// tasks hold read-only snapshots obtained through it.
type Store interface {
	GetPool(ctx context.Context, id string, opts GetPoolOptions) (*Pool, error)
	ListPools(ctx context.Context, filter PoolFilter) ([]*Pool, error)
	AddPool(ctx context.Context, p *Pool) error
	UpdatePool(ctx context.Context, id string, fields PoolUpdateFields) (*Pool, error)
	DeletePool(ctx context.Context, id string) error
	SetPoolStatus(ctx context.Context, id string, status PoolStatus) error

	AddPoolEvent(ctx context.Context, ev *PoolEvent) error
	ListPoolEvents(ctx context.Context, poolID string) ([]*PoolEvent, error)

	AddProgressUpdate(ctx context.Context, p *ProgressUpdate) error
	UpdateProgressUpdate(ctx context.Context, id string, currentStep int, message string) error

	GetMachine(ctx context.Context, id string) (*Machine, error)
	GetMachinesByPool(ctx context.Context, poolID string) ([]*Machine, error)
	GetMachinesByAction(ctx context.Context, actionID string) ([]*Machine, error)
	AddMachine(ctx context.Context, m *Machine) error
	UpdateMachine(ctx context.Context, id string, fields MachineUpdateFields) (*Machine, error)
	DeleteMachine(ctx context.Context, id string) error
	SetMachineStatus(ctx context.Context, id string, status MachineStatus) error

	// SetMachinesAllocationStatuses transitions every listed machine to
	// newStatus and sets its allocated_action, atomically: either every
	// machine transitions or none does. When refreshAllocationTime is true,
	// last_used_at is bumped to now for every affected machine.
	SetMachinesAllocationStatuses(ctx context.Context, ids []string, allocatedAction *string, newStatus MachineStatus, refreshAllocationTime bool) error

	// WithPoolLock runs fn while holding a cross-process advisory lock keyed
	// by poolID, in addition to whatever in-process lock the caller already
	// holds via the Pool Lock Registry. It gives the Store a say in
	// cross-process exclusion without the Pool Lock Registry needing to know
	// about Postgres.
	WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}

// PoolUpdateFields carries the allow-listed mutable pool fields for
// update_pool. Nil pointers mean "leave unchanged."
type PoolUpdateFields struct {
	Name                    *string
	EnvironmentOptions      []byte
	MinimumMinions          *int
	MaximumMinions          *int
	MinionMaxIdleTime       *int
	MinionRetentionStrategy *string
	SharedResources         []byte
}

// MachineUpdateFields carries the mutable machine fields.
type MachineUpdateFields struct {
	Status             *MachineStatus
	AllocatedAction    **string
	LastUsedAt         *bool // true means "set to now"
	ProviderProperties []byte
}
