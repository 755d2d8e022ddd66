package rpcclients

// EndpointInfo mirrors the Endpoint view the Conductor hands back from
// get_endpoint.
type EndpointInfo struct {
	ID             string            `json:"id"`
	ConnectionInfo map[string]string `json:"connection_info"`
	MappedRegions  []string          `json:"mapped_regions"`
	Type           string            `json:"type"`
}

// GetEndpointRequest asks the Conductor for an endpoint's details.
type GetEndpointRequest struct {
	EndpointID string `json:"endpoint_id"`
}

// ReportAllocationErrorRequest reports an allocation-graph failure for an
// action back to the Conductor, replica and migration flavors alike.
type ReportAllocationErrorRequest struct {
	ActionID string `json:"action_id"`
	Message  string `json:"message"`
}

// InstanceMinionAllocation is the set of minion machine ids resolved for a
// single transfer-action instance. A given instance reserves up to three
// distinct minions: one from the origin pool, one from the destination
// pool, and one from an OSMorphing pool — unless the OSMorphing pool is the
// same as the destination pool, in which case OSMorphingMinionID carries
// the destination minion's id and that minion is reused for OSMorphing too.
type InstanceMinionAllocation struct {
	OriginMinionID      *string `json:"origin_minion_id,omitempty"`
	DestinationMinionID *string `json:"destination_minion_id,omitempty"`
	OSMorphingMinionID  *string `json:"osmorphing_minion_id,omitempty"`
}

// ConfirmAllocationRequest reports the successful machine assignments for
// an action back to the Conductor.
type ConfirmAllocationRequest struct {
	ActionID    string                              `json:"action_id"`
	Allocations map[string]InstanceMinionAllocation `json:"allocations"` // instance_id -> minion ids
}

// WorkerServiceRequirements describes the constraints the Scheduler must
// satisfy when picking a worker RPC endpoint.
type WorkerServiceRequirements struct {
	Enabled              bool              `json:"enabled"`
	RegionSets           [][]string        `json:"region_sets"`
	ProviderRequirements map[string]string `json:"provider_requirements"`
}

// WorkerServiceDescriptor identifies the worker endpoint the Scheduler
// selected.
type WorkerServiceDescriptor struct {
	Address string `json:"address"`
	Region  string `json:"region"`
}

// PoolOptionsRequest asks a Worker to describe or validate the minion-pool
// environment options for an endpoint/platform pair.
type PoolOptionsRequest struct {
	EndpointID         string         `json:"endpoint_id"`
	Platform           string         `json:"platform"`
	EnvironmentOptions map[string]any `json:"environment_options,omitempty"`
}

// PoolOptionsResponse carries either the discovered option schema (get) or
// nothing but an error on validation failure (validate).
type PoolOptionsResponse struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// AllocateSharedResourcesRequest asks a Worker to provision per-pool shared
// artifacts (networks, images, keypairs).
type AllocateSharedResourcesRequest struct {
	PoolID             string         `json:"pool_id"`
	Platform           string         `json:"platform"`
	EnvironmentOptions map[string]any `json:"environment_options,omitempty"`
}

// AllocateSharedResourcesResponse carries the opaque blob stored verbatim
// into pool.shared_resources.
type AllocateSharedResourcesResponse struct {
	SharedResources map[string]any `json:"shared_resources"`
}

// DeallocateSharedResourcesRequest asks a Worker to tear down a pool's
// shared artifacts.
type DeallocateSharedResourcesRequest struct {
	PoolID          string         `json:"pool_id"`
	Platform        string         `json:"platform"`
	SharedResources map[string]any `json:"shared_resources"`
}

// CreateMinionMachineRequest asks a Worker to stand up one minion VM.
type CreateMinionMachineRequest struct {
	PoolID             string         `json:"pool_id"`
	MachineID          string         `json:"machine_id"`
	Platform           string         `json:"platform"`
	EnvironmentOptions map[string]any `json:"environment_options,omitempty"`
	SharedResources    map[string]any `json:"shared_resources,omitempty"`
}

// CreateMinionMachineResponse carries the resulting provider properties of
// the created VM.
type CreateMinionMachineResponse struct {
	ProviderProperties map[string]any `json:"provider_properties"`
}

// DeleteMinionMachineRequest asks a Worker to tear down one minion VM.
type DeleteMinionMachineRequest struct {
	PoolID             string         `json:"pool_id"`
	MachineID          string         `json:"machine_id"`
	Platform           string         `json:"platform"`
	ProviderProperties map[string]any `json:"provider_properties,omitempty"`
}

// HealthcheckMinionMachineRequest asks a Worker to probe one minion VM.
type HealthcheckMinionMachineRequest struct {
	PoolID             string         `json:"pool_id"`
	MachineID          string         `json:"machine_id"`
	Platform           string         `json:"platform"`
	ProviderProperties map[string]any `json:"provider_properties,omitempty"`
}

// HealthcheckMinionMachineResponse reports whether the probe succeeded.
type HealthcheckMinionMachineResponse struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}
