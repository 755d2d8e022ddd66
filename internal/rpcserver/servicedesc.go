package rpcserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/coriolis/minion-manager/internal/observability"
)

// unaryHandler adapts one Server method into the grpc.MethodDesc.Handler
// shape, decoding the request with the registered codec (JSON, per
// internal/rpcclients/codec.go) and running any configured interceptor.
// There is no protoc-generated stub backing this: the ServiceDesc below is
// hand-built the same way the outbound rpcclients factories hand-build
// their calls, so both sides of the wire agree on the method names without
// a shared .proto.
//
// Before the handler runs, it extracts the caller's W3C trace context from
// inbound gRPC metadata (set by rpcclients.invoke on the other side) and
// starts a server span for fullMethod, closing it with the handler's
// outcome.
func unaryHandler[TReq any, TResp any](fullMethod string, method func(*Server, context.Context, TReq) (TResp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(TReq)
		if err := dec(in); err != nil {
			return nil, err
		}

		ctx = incomingTraceContext(ctx)
		ctx, span := observability.StartServerSpan(ctx, fullMethod, observability.AttrRequestID.String(newRequestID()))
		defer span.End()

		s := srv.(*Server)
		var (
			resp any
			err  error
		)
		if interceptor == nil {
			resp, err = method(s, ctx, *in)
		} else {
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return method(s, ctx, *req.(*TReq))
			}
			resp, err = interceptor(ctx, in, info, handler)
		}

		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		return resp, err
	}
}

// incomingTraceContext rebuilds the inbound request's trace context from
// gRPC metadata, so the server span started below is a child of the
// caller's span rather than the root of a new trace.
func incomingTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	tc := observability.TraceContext{}
	if vs := md.Get("traceparent"); len(vs) > 0 {
		tc.TraceParent = vs[0]
	}
	if vs := md.Get("tracestate"); len(vs) > 0 {
		tc.TraceState = vs[0]
	}
	return observability.InjectTraceContext(ctx, tc)
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

const serviceName = "coriolis.MinionManager"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreatePool", Handler: unaryHandler(serviceName+"/CreatePool", (*Server).createPool)},
		{MethodName: "AllocatePool", Handler: unaryHandler(serviceName+"/AllocatePool", (*Server).allocatePool)},
		{MethodName: "DeallocatePool", Handler: unaryHandler(serviceName+"/DeallocatePool", (*Server).deallocatePool)},
		{MethodName: "RefreshMinionPool", Handler: unaryHandler(serviceName+"/RefreshMinionPool", (*Server).refreshMinionPool)},
		{MethodName: "UpdatePool", Handler: unaryHandler(serviceName+"/UpdatePool", (*Server).updatePool)},
		{MethodName: "DeletePool", Handler: unaryHandler(serviceName+"/DeletePool", (*Server).deletePool)},
		{MethodName: "GetPool", Handler: unaryHandler(serviceName+"/GetPool", (*Server).getPool)},
		{MethodName: "ListPools", Handler: unaryHandler(serviceName+"/ListPools", (*Server).listPools)},
		{MethodName: "ValidateMinionPoolSelectionsForAction", Handler: unaryHandler(serviceName+"/ValidateMinionPoolSelectionsForAction", (*Server).validateSelections)},
		{MethodName: "AllocateMinionMachinesForReplica", Handler: unaryHandler(serviceName+"/AllocateMinionMachinesForReplica", (*Server).allocateReplica)},
		{MethodName: "AllocateMinionMachinesForMigration", Handler: unaryHandler(serviceName+"/AllocateMinionMachinesForMigration", (*Server).allocateMigration)},
		{MethodName: "DeallocateMinionMachine", Handler: unaryHandler(serviceName+"/DeallocateMinionMachine", (*Server).deallocateMachine)},
		{MethodName: "DeallocateMinionMachinesForAction", Handler: unaryHandler(serviceName+"/DeallocateMinionMachinesForAction", (*Server).deallocateMachinesForAction)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "minion-manager.rpc",
}
