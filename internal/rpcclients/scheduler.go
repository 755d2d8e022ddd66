package rpcclients

import (
	"context"

	"google.golang.org/grpc"
)

// SchedulerClient exposes the single Scheduler primitive this service
// needs: picking a worker RPC endpoint to satisfy a set of requirements.
type SchedulerClient interface {
	GetWorkerServiceForSpecs(ctx context.Context, req WorkerServiceRequirements) (WorkerServiceDescriptor, error)
}

// SchedulerClientFactory builds a SchedulerClient bound to a specific
// address, resolved fresh for every call site.
type SchedulerClientFactory func(addr string) SchedulerClient

// NewSchedulerClientFactory is the production SchedulerClientFactory.
func NewSchedulerClientFactory() SchedulerClientFactory {
	return func(addr string) SchedulerClient {
		return grpcSchedulerClient{addr: addr}
	}
}

type grpcSchedulerClient struct {
	addr string
}

func (c grpcSchedulerClient) GetWorkerServiceForSpecs(ctx context.Context, req WorkerServiceRequirements) (WorkerServiceDescriptor, error) {
	var resp WorkerServiceDescriptor
	err := dialOnce(ctx, c.addr, func(conn *grpc.ClientConn) error {
		return invoke(ctx, conn, "/coriolis.Scheduler/GetWorkerServiceForSpecs", req, &resp)
	})
	return resp, err
}
