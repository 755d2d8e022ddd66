package rpcclients

import (
	"context"

	"google.golang.org/grpc"
)

// ConductorClient exposes the Conductor primitives this service needs:
// endpoint lookups and the allocation-outcome reporting calls terminal
// tasks make at the end of a reservation graph.
type ConductorClient interface {
	GetEndpoint(ctx context.Context, req GetEndpointRequest) (EndpointInfo, error)
	ReportReplicaMinionsAllocationError(ctx context.Context, req ReportAllocationErrorRequest) error
	ReportMigrationMinionsAllocationError(ctx context.Context, req ReportAllocationErrorRequest) error
	ConfirmReplicaMinionsAllocation(ctx context.Context, req ConfirmAllocationRequest) error
	ConfirmMigrationMinionsAllocation(ctx context.Context, req ConfirmAllocationRequest) error
}

// ConductorClientFactory builds a ConductorClient bound to a specific
// address, resolved fresh for every call site.
type ConductorClientFactory func(addr string) ConductorClient

// NewConductorClientFactory is the production ConductorClientFactory.
func NewConductorClientFactory() ConductorClientFactory {
	return func(addr string) ConductorClient {
		return grpcConductorClient{addr: addr}
	}
}

type grpcConductorClient struct {
	addr string
}

func (c grpcConductorClient) call(ctx context.Context, method string, req, resp any) error {
	return dialOnce(ctx, c.addr, func(conn *grpc.ClientConn) error {
		return invoke(ctx, conn, method, req, resp)
	})
}

func (c grpcConductorClient) GetEndpoint(ctx context.Context, req GetEndpointRequest) (EndpointInfo, error) {
	var resp EndpointInfo
	err := c.call(ctx, "/coriolis.Conductor/GetEndpoint", req, &resp)
	return resp, err
}

func (c grpcConductorClient) ReportReplicaMinionsAllocationError(ctx context.Context, req ReportAllocationErrorRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Conductor/ReportReplicaMinionsAllocationError", req, &resp)
}

func (c grpcConductorClient) ReportMigrationMinionsAllocationError(ctx context.Context, req ReportAllocationErrorRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Conductor/ReportMigrationMinionsAllocationError", req, &resp)
}

func (c grpcConductorClient) ConfirmReplicaMinionsAllocation(ctx context.Context, req ConfirmAllocationRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Conductor/ConfirmReplicaMinionsAllocation", req, &resp)
}

func (c grpcConductorClient) ConfirmMigrationMinionsAllocation(ctx context.Context, req ConfirmAllocationRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Conductor/ConfirmMigrationMinionsAllocation", req, &resp)
}
