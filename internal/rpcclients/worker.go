package rpcclients

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerClient exposes the endpoint-probing and minion-VM lifecycle
// primitives a Worker RPC endpoint serves: the get/validate pool-options
// pair, shared-resource provisioning, plus create/delete/healthcheck for
// individual minion machines.
type WorkerClient interface {
	GetPoolOptions(ctx context.Context, req PoolOptionsRequest) (PoolOptionsResponse, error)
	ValidatePoolOptions(ctx context.Context, req PoolOptionsRequest) error
	AllocateSharedResources(ctx context.Context, req AllocateSharedResourcesRequest) (AllocateSharedResourcesResponse, error)
	DeallocateSharedResources(ctx context.Context, req DeallocateSharedResourcesRequest) error
	CreateMinionMachine(ctx context.Context, req CreateMinionMachineRequest) (CreateMinionMachineResponse, error)
	DeleteMinionMachine(ctx context.Context, req DeleteMinionMachineRequest) error
	HealthcheckMinionMachine(ctx context.Context, req HealthcheckMinionMachineRequest) (HealthcheckMinionMachineResponse, error)
}

// WorkerClientFactory builds a WorkerClient bound to a specific worker
// address, resolved fresh for every call site. Task constructors take a
// factory, never a client, so nothing outlives the task that dialed it.
type WorkerClientFactory func(addr string) WorkerClient

// NewWorkerClientFactory is the production WorkerClientFactory: every
// method call dials its own connection and tears it down before
// returning.
func NewWorkerClientFactory() WorkerClientFactory {
	return func(addr string) WorkerClient {
		return grpcWorkerClient{addr: addr}
	}
}

type grpcWorkerClient struct {
	addr string
}

func (c grpcWorkerClient) call(ctx context.Context, method string, req, resp any) error {
	return dialOnce(ctx, c.addr, func(conn *grpc.ClientConn) error {
		return invoke(ctx, conn, method, req, resp)
	})
}

func (c grpcWorkerClient) GetPoolOptions(ctx context.Context, req PoolOptionsRequest) (PoolOptionsResponse, error) {
	var resp PoolOptionsResponse
	err := c.call(ctx, "/coriolis.Worker/GetPoolOptions", req, &resp)
	return resp, err
}

func (c grpcWorkerClient) ValidatePoolOptions(ctx context.Context, req PoolOptionsRequest) error {
	var resp PoolOptionsResponse
	return c.call(ctx, "/coriolis.Worker/ValidatePoolOptions", req, &resp)
}

func (c grpcWorkerClient) AllocateSharedResources(ctx context.Context, req AllocateSharedResourcesRequest) (AllocateSharedResourcesResponse, error) {
	var resp AllocateSharedResourcesResponse
	err := c.call(ctx, "/coriolis.Worker/AllocateSharedResources", req, &resp)
	return resp, err
}

func (c grpcWorkerClient) DeallocateSharedResources(ctx context.Context, req DeallocateSharedResourcesRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Worker/DeallocateSharedResources", req, &resp)
}

func (c grpcWorkerClient) CreateMinionMachine(ctx context.Context, req CreateMinionMachineRequest) (CreateMinionMachineResponse, error) {
	var resp CreateMinionMachineResponse
	err := c.call(ctx, "/coriolis.Worker/CreateMinionMachine", req, &resp)
	return resp, err
}

func (c grpcWorkerClient) DeleteMinionMachine(ctx context.Context, req DeleteMinionMachineRequest) error {
	var resp struct{}
	return c.call(ctx, "/coriolis.Worker/DeleteMinionMachine", req, &resp)
}

func (c grpcWorkerClient) HealthcheckMinionMachine(ctx context.Context, req HealthcheckMinionMachineRequest) (HealthcheckMinionMachineResponse, error) {
	var resp HealthcheckMinionMachineResponse
	err := c.call(ctx, "/coriolis.Worker/HealthcheckMinionMachine", req, &resp)
	return resp, err
}
