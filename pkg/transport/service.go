package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lynfabric/fabric/pkg/types"
)

// InvokeRequest names one namespace.method call and its decoded arguments
// (spec.md §6's call table: group.*, server.*, sharding.*, event.*).
type InvokeRequest struct {
	Namespace string         `json:"namespace"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args"`
}

// InvokeResponse is the (summary, steps, return_value) wire contract of
// spec.md §4.6/§6, plus a Success flag and flattened Error string so a
// client never needs to inspect a gRPC status to tell a call apart from an
// RPC-transport-level failure.
type InvokeResponse struct {
	Success     bool                  `json:"success"`
	Summary     string                `json:"summary"`
	Steps       []types.StepDiagnosis `json:"steps"`
	ReturnValue any                   `json:"return_value"`
	Error       string                `json:"error,omitempty"`
}

// Handler is the subset of Server's behavior the generated-free ServiceDesc
// below dispatches to.
type Handler interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// ServiceDesc describes the Transport service by hand, since no .proto
// generates it: one unary method, Invoke, decoded with the "json" codec
// registered in codec.go rather than protobuf.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fabric.Transport",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/service.go",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(InvokeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fabric.Transport/Invoke"}
	wrapped := func(ctx context.Context, arg any) (any, error) {
		return srv.(Handler).Invoke(ctx, arg.(*InvokeRequest))
	}
	return interceptor(ctx, req, info, wrapped)
}
