// Package rpcserver is the RPC boundary: a thin dispatch layer from the
// inbound coriolis_minion_manager RPC topic into the Allocation
// Service. It mirrors the hand-rolled, generated-stub-free shape of
// internal/rpcclients' outbound factories: no .proto/protoc-generated code,
// just a manually built grpc.ServiceDesc whose handlers decode the
// JSON-over-gRPC wire format the same codec registration
// (internal/rpcclients/codec.go) already wires into the process.
package rpcserver

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/coriolis/minion-manager/internal/allocsvc"
	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/minionerr"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/store"
)

// annotateSpan attaches attrs to the span already started for the current
// RPC (by unaryHandler), so a trace can be filtered down to one pool,
// machine, or action across every span it touches.
func annotateSpan(ctx context.Context, attrs ...attribute.KeyValue) {
	observability.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Server adapts an *allocsvc.Service to the inbound RPC surface and hosts
// it on a grpc.Server.
type Server struct {
	Service *allocsvc.Service

	grpc *grpc.Server
}

// New wraps svc for RPC dispatch.
func New(svc *allocsvc.Service) *Server {
	return &Server{Service: svc}
}

// Serve starts listening on addr and blocks until the listener or server
// stops. Call it from its own goroutine.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&serviceDesc, s)
	logging.Op().Info("rpc server listening", "addr", addr)
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight calls and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// remoteError carries the minionerr sentinel taxonomy across the RPC
// boundary so a caller that only sees a deserialized error string can still
// distinguish e.g. InvalidPoolState from NotFound.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e remoteError) Error() string { return e.Code + ": " + e.Message }

func toRemoteError(err error) error {
	if err == nil {
		return nil
	}
	code := "Unknown"
	switch {
	case errors.Is(err, minionerr.ErrInvalidInput):
		code = "InvalidInput"
	case errors.Is(err, minionerr.ErrNotFound):
		code = "NotFound"
	case errors.Is(err, minionerr.ErrInvalidMinionPoolSelection):
		code = "InvalidMinionPoolSelection"
	case errors.Is(err, minionerr.ErrInvalidMinionPoolState):
		code = "InvalidMinionPoolState"
	case errors.Is(err, minionerr.ErrInvalidPoolState):
		code = "InvalidPoolState"
	case errors.Is(err, minionerr.ErrWorkerOperationFailed):
		code = "WorkerOperationFailed"
	}
	return remoteError{Code: code, Message: err.Error()}
}

// --- request/response DTOs -------------------------------------------------

// PoolDTO is the wire representation of a minion pool.
type PoolDTO struct {
	ID                      string `json:"id,omitempty"`
	Name                    string `json:"name"`
	EndpointID              string `json:"endpoint_id"`
	Platform                string `json:"platform"`
	OSType                  string `json:"os_type"`
	MinimumMinions          int    `json:"minimum_minions"`
	MaximumMinions          int    `json:"maximum_minions"`
	MinionMaxIdleTime       int    `json:"minion_max_idle_time"`
	MinionRetentionStrategy string `json:"minion_retention_strategy,omitempty"`
	Status                  string `json:"status,omitempty"`
}

func (d PoolDTO) toStore() *store.Pool {
	return &store.Pool{
		ID:                      d.ID,
		Name:                    d.Name,
		EndpointID:              d.EndpointID,
		Platform:                store.Platform(d.Platform),
		OSType:                  d.OSType,
		MinimumMinions:          d.MinimumMinions,
		MaximumMinions:          d.MaximumMinions,
		MinionMaxIdleTime:       d.MinionMaxIdleTime,
		MinionRetentionStrategy: d.MinionRetentionStrategy,
	}
}

func poolToDTO(p *store.Pool) PoolDTO {
	return PoolDTO{
		ID:                      p.ID,
		Name:                    p.Name,
		EndpointID:              p.EndpointID,
		Platform:                string(p.Platform),
		OSType:                  p.OSType,
		MinimumMinions:          p.MinimumMinions,
		MaximumMinions:          p.MaximumMinions,
		MinionMaxIdleTime:       p.MinionMaxIdleTime,
		MinionRetentionStrategy: p.MinionRetentionStrategy,
		Status:                  string(p.Status),
	}
}

// CreatePoolRequest is the create_pool RPC payload.
type CreatePoolRequest struct {
	Pool           PoolDTO `json:"pool"`
	SkipAllocation bool    `json:"skip_allocation"`
}

// PoolIDRequest covers every RPC that takes only a pool id.
type PoolIDRequest struct {
	PoolID string `json:"pool_id"`
}

// DeallocatePoolRequest is the deallocate_pool RPC payload.
type DeallocatePoolRequest struct {
	PoolID string `json:"pool_id"`
	Force  bool   `json:"force"`
}

// UpdatePoolRequest is the update_pool RPC payload; nil pointers leave the
// corresponding field unchanged.
type UpdatePoolRequest struct {
	PoolID                  string  `json:"pool_id"`
	Name                    *string `json:"name,omitempty"`
	MinimumMinions          *int    `json:"minimum_minions,omitempty"`
	MaximumMinions          *int    `json:"maximum_minions,omitempty"`
	MinionMaxIdleTime       *int    `json:"minion_max_idle_time,omitempty"`
	MinionRetentionStrategy *string `json:"minion_retention_strategy,omitempty"`
}

// GetPoolRequest is the get_pool RPC payload.
type GetPoolRequest struct {
	PoolID          string `json:"pool_id"`
	IncludeMachines bool   `json:"include_machines"`
	IncludeEvents   bool   `json:"include_events"`
}

// MachineDTO is the wire representation of one minion machine.
type MachineDTO struct {
	ID              string `json:"id"`
	PoolID          string `json:"pool_id"`
	Status          string `json:"status"`
	AllocatedAction string `json:"allocated_action,omitempty"`
}

// PoolDetailResponse is the get_pool RPC response.
type PoolDetailResponse struct {
	Pool     PoolDTO      `json:"pool"`
	Machines []MachineDTO `json:"machines,omitempty"`
}

// ListPoolsRequest is the list_pools RPC payload; empty fields are
// unconstrained.
type ListPoolsRequest struct {
	Status     string `json:"status,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// ListPoolsResponse is the list_pools RPC response.
type ListPoolsResponse struct {
	Pools []PoolDTO `json:"pools"`
}

// ActionDTO is the wire representation of the transfer-action view the
// Allocation Service needs for validation and reservation.
type ActionDTO struct {
	ID                                   string            `json:"id"`
	OriginEndpointID                     string            `json:"origin_endpoint_id"`
	DestinationEndpointID                string            `json:"destination_endpoint_id"`
	OriginMinionPoolID                   string            `json:"origin_minion_pool_id,omitempty"`
	DestinationMinionPoolID              string            `json:"destination_minion_pool_id,omitempty"`
	InstanceOSMorphingMinionPoolMappings map[string]string `json:"instance_osmorphing_minion_pool_mappings,omitempty"`
	Instances                            []string          `json:"instances"`
}

func (d ActionDTO) toAction() allocsvc.Action {
	return allocsvc.Action{
		ID:                                   d.ID,
		OriginEndpointID:                     d.OriginEndpointID,
		DestinationEndpointID:                d.DestinationEndpointID,
		OriginMinionPoolID:                   d.OriginMinionPoolID,
		DestinationMinionPoolID:              d.DestinationMinionPoolID,
		InstanceOSMorphingMinionPoolMappings: d.InstanceOSMorphingMinionPoolMappings,
		Instances:                            d.Instances,
	}
}

// ValidateSelectionsRequest is the validate_minion_pool_selections_for_action
// RPC payload.
type ValidateSelectionsRequest struct {
	Action ActionDTO `json:"action"`
}

// AllocateReplicaRequest is the allocate_minion_machines_for_replica RPC
// payload.
type AllocateReplicaRequest struct {
	Action ActionDTO `json:"action"`
}

// AllocateMigrationRequest is the allocate_minion_machines_for_migration RPC
// payload.
type AllocateMigrationRequest struct {
	Action                   ActionDTO `json:"action"`
	IncludeTransferMinions   bool      `json:"include_transfer_minions"`
	IncludeOSMorphingMinions bool      `json:"include_osmorphing_minions"`
}

// MachineIDRequest covers every RPC that takes only a machine id.
type MachineIDRequest struct {
	MachineID string `json:"machine_id"`
}

// ActionIDRequest covers every RPC that takes only an action id.
type ActionIDRequest struct {
	ActionID string `json:"action_id"`
}

// Empty is the payload for RPCs with nothing to return.
type Empty struct{}

// --- handlers ---------------------------------------------------------------

func (s *Server) createPool(ctx context.Context, req CreatePoolRequest) (PoolDTO, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.Pool.ID))
	p, err := s.Service.CreatePool(ctx, req.Pool.toStore(), req.SkipAllocation)
	if err != nil {
		return PoolDTO{}, toRemoteError(err)
	}
	return poolToDTO(p), nil
}

func (s *Server) allocatePool(ctx context.Context, req PoolIDRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	return Empty{}, toRemoteError(s.Service.AllocatePool(ctx, req.PoolID))
}

func (s *Server) deallocatePool(ctx context.Context, req DeallocatePoolRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	return Empty{}, toRemoteError(s.Service.DeallocatePool(ctx, req.PoolID, req.Force))
}

func (s *Server) refreshMinionPool(ctx context.Context, req PoolIDRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	return Empty{}, toRemoteError(s.Service.RefreshMinionPool(ctx, req.PoolID))
}

func (s *Server) updatePool(ctx context.Context, req UpdatePoolRequest) (PoolDTO, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	p, err := s.Service.UpdatePool(ctx, req.PoolID, allocsvc.PoolUpdate{
		Name:                    req.Name,
		MinimumMinions:          req.MinimumMinions,
		MaximumMinions:          req.MaximumMinions,
		MinionMaxIdleTime:       req.MinionMaxIdleTime,
		MinionRetentionStrategy: req.MinionRetentionStrategy,
	})
	if err != nil {
		return PoolDTO{}, toRemoteError(err)
	}
	return poolToDTO(p), nil
}

func (s *Server) deletePool(ctx context.Context, req PoolIDRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	return Empty{}, toRemoteError(s.Service.DeletePool(ctx, req.PoolID))
}

func (s *Server) getPool(ctx context.Context, req GetPoolRequest) (PoolDetailResponse, error) {
	annotateSpan(ctx, observability.AttrPoolID.String(req.PoolID))
	detail, err := s.Service.GetPool(ctx, req.PoolID, req.IncludeMachines, req.IncludeEvents)
	if err != nil {
		return PoolDetailResponse{}, toRemoteError(err)
	}
	resp := PoolDetailResponse{Pool: poolToDTO(detail.Pool)}
	for _, m := range detail.Machines {
		allocated := ""
		if m.AllocatedAction != nil {
			allocated = *m.AllocatedAction
		}
		resp.Machines = append(resp.Machines, MachineDTO{
			ID:              m.ID,
			PoolID:          m.PoolID,
			Status:          string(m.Status),
			AllocatedAction: allocated,
		})
	}
	return resp, nil
}

func (s *Server) listPools(ctx context.Context, req ListPoolsRequest) (ListPoolsResponse, error) {
	pools, err := s.Service.ListPools(ctx, store.PoolFilter{
		Status:     store.PoolStatus(req.Status),
		EndpointID: req.EndpointID,
		Platform:   store.Platform(req.Platform),
	})
	if err != nil {
		return ListPoolsResponse{}, toRemoteError(err)
	}
	resp := ListPoolsResponse{Pools: make([]PoolDTO, 0, len(pools))}
	for _, p := range pools {
		resp.Pools = append(resp.Pools, poolToDTO(p))
	}
	return resp, nil
}

func (s *Server) validateSelections(ctx context.Context, req ValidateSelectionsRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrActionID.String(req.Action.ID))
	return Empty{}, toRemoteError(s.Service.ValidateMinionPoolSelectionsForAction(ctx, req.Action.toAction()))
}

func (s *Server) allocateReplica(ctx context.Context, req AllocateReplicaRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrActionID.String(req.Action.ID))
	return Empty{}, toRemoteError(s.Service.AllocateMinionMachinesForReplica(ctx, req.Action.toAction()))
}

func (s *Server) allocateMigration(ctx context.Context, req AllocateMigrationRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrActionID.String(req.Action.ID))
	err := s.Service.AllocateMinionMachinesForMigration(ctx, req.Action.toAction(), req.IncludeTransferMinions, req.IncludeOSMorphingMinions)
	return Empty{}, toRemoteError(err)
}

func (s *Server) deallocateMachine(ctx context.Context, req MachineIDRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrMachineID.String(req.MachineID))
	return Empty{}, toRemoteError(s.Service.DeallocateMinionMachine(ctx, req.MachineID))
}

func (s *Server) deallocateMachinesForAction(ctx context.Context, req ActionIDRequest) (Empty, error) {
	annotateSpan(ctx, observability.AttrActionID.String(req.ActionID))
	return Empty{}, toRemoteError(s.Service.DeallocateMinionMachinesForAction(ctx, req.ActionID))
}
