// Package store is the persistent catalog of minion pools, their machines,
// pool events, and progress updates. Every mutator here is the only
// sanctioned way to change an entity's state; callers never mutate the
// structs returned by getters in place.
package store

import (
	"encoding/json"
	"time"
)

// PoolStatus enumerates the pool lifecycle states.
type PoolStatus string

const (
	PoolStatusDeallocated                 PoolStatus = "DEALLOCATED"
	PoolStatusValidatingInputs            PoolStatus = "VALIDATING_INPUTS"
	PoolStatusAllocatingSharedResources   PoolStatus = "ALLOCATING_SHARED_RESOURCES"
	PoolStatusAllocatingMachines          PoolStatus = "ALLOCATING_MACHINES"
	PoolStatusAllocated                   PoolStatus = "ALLOCATED"
	PoolStatusPoolMaintenance             PoolStatus = "POOL_MAINTENANCE"
	PoolStatusDeallocatingMachines        PoolStatus = "DEALLOCATING_MACHINES"
	PoolStatusDeallocatingSharedResources PoolStatus = "DEALLOCATING_SHARED_RESOURCES"
	PoolStatusError                       PoolStatus = "ERROR"
)

// MachineStatus enumerates the machine lifecycle states.
type MachineStatus string

const (
	MachineStatusUninitialized  MachineStatus = "UNINITIALIZED"
	MachineStatusAvailable      MachineStatus = "AVAILABLE"
	MachineStatusInUse          MachineStatus = "IN_USE"
	MachineStatusHealthchecking MachineStatus = "HEALTHCHECKING"
	MachineStatusDeallocating   MachineStatus = "DEALLOCATING"
	MachineStatusErrorDeploying MachineStatus = "ERROR_DEPLOYING"
	MachineStatusError          MachineStatus = "ERROR"
)

// Platform identifies which side of a transfer a pool serves.
type Platform string

const (
	PlatformSource      Platform = "source"
	PlatformDestination Platform = "destination"
)

// EventLevel is the severity of a PoolEvent.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Pool is a named collection of pre-warmed minion machines for one endpoint,
// platform, and OS family.
type Pool struct {
	ID                      string          `json:"id"`
	Name                    string          `json:"name"`
	EndpointID              string          `json:"endpoint_id"`
	Platform                Platform        `json:"platform"`
	OSType                  string          `json:"os_type"`
	EnvironmentOptions      json.RawMessage `json:"environment_options,omitempty"`
	MinimumMinions          int             `json:"minimum_minions"`
	MaximumMinions          int             `json:"maximum_minions"`
	MinionMaxIdleTime       int             `json:"minion_max_idle_time"`
	MinionRetentionStrategy string          `json:"minion_retention_strategy,omitempty"`
	SharedResources         json.RawMessage `json:"shared_resources,omitempty"`
	Status                  PoolStatus      `json:"status"`
	Deleted                 bool            `json:"deleted"`
	DeletedAt               *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// Machine is one VM inside a pool.
type Machine struct {
	ID                 string          `json:"id"`
	PoolID             string          `json:"pool_id"`
	Status             MachineStatus   `json:"status"`
	AllocatedAction    *string         `json:"allocated_action,omitempty"`
	LastUsedAt         time.Time       `json:"last_used_at"`
	ProviderProperties json.RawMessage `json:"provider_properties,omitempty"`
	Deleted            bool            `json:"deleted"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PoolEvent is an append-only log entry attached to a pool.
type PoolEvent struct {
	ID        string     `json:"id"`
	PoolID    string     `json:"pool_id"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// ProgressUpdate tracks a long-running task's progress against a pool.
type ProgressUpdate struct {
	ID          string    `json:"id"`
	PoolID      string    `json:"pool_id"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetPoolOptions controls eager-loading of a pool's related rows.
type GetPoolOptions struct {
	IncludeMachines bool
	IncludeEvents   bool
	IncludeProgress bool
}

// PoolFilter narrows ListPools results. Zero-valued fields are unconstrained.
type PoolFilter struct {
	Status     PoolStatus
	EndpointID string
	Platform   Platform
}

// IsTerminal reports whether a pool status permits deletion.
func (s PoolStatus) IsTerminal() bool {
	return s == PoolStatusDeallocated || s == PoolStatusError
}
