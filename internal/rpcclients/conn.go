package rpcclients

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/coriolis/minion-manager/internal/observability"
)

// dialOnce opens a single gRPC connection for the duration of one outbound
// call and tears it down afterwards regardless of outcome. Every client in
// this package routes through it rather than holding a conn field: a fresh
// dial per invocation, never a cached handle carried across a flow or fork
// boundary.
func dialOnce(ctx context.Context, addr string, fn func(*grpc.ClientConn) error) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	return fn(conn)
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any) error {
	ctx = outgoingTraceContext(ctx)
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	return nil
}

// outgoingTraceContext attaches the caller's W3C trace context as outbound
// gRPC metadata, so the server-side span rpcserver starts for this call
// joins the same trace rather than beginning a new one.
func outgoingTraceContext(ctx context.Context) context.Context {
	tc := observability.ExtractTraceContext(ctx)
	if tc.TraceParent == "" {
		return ctx
	}
	md := metadata.Pairs("traceparent", tc.TraceParent)
	if tc.TraceState != "" {
		md.Set("tracestate", tc.TraceState)
	}
	return metadata.NewOutgoingContext(ctx, md)
}
