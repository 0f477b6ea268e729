package transport

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/lynfabric/fabric/pkg/dispatch"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/types"
)

// Server adapts a dispatch.Registry to the gRPC Transport service. Call
// errors (a handler returning a *ferrors.Error) are carried inside
// InvokeResponse rather than as a gRPC status, matching spec.md §7's "no
// stack traces leak across the wire, every RPC returns success=false with a
// diagnosis" contract. A malformed request (unknown namespace.method) is the
// one case returned as an actual gRPC error, since it is a transport-level
// usage mistake rather than a domain failure.
type Server struct {
	registry *dispatch.Registry
}

// NewServer wraps registry for gRPC serving.
func NewServer(registry *dispatch.Registry) *Server {
	return &Server{registry: registry}
}

// Invoke implements the Handler interface in service.go.
func (s *Server) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	rec, err := s.registry.Invoke(req.Namespace, req.Method, dispatch.Args(req.Args))
	if err != nil {
		if ferrors.Is(err, ferrors.KindUnknownCallable) {
			return nil, err
		}
		return &InvokeResponse{Success: false, Error: err.Error()}, nil
	}
	return &InvokeResponse{
		Success:     rec.State == types.ProcedureComplete && allStepsSucceeded(rec.Diagnosis),
		Summary:     rec.Summary,
		Steps:       rec.Diagnosis,
		ReturnValue: rec.ReturnValue,
	}, nil
}

func allStepsSucceeded(steps []types.StepDiagnosis) bool {
	for _, s := range steps {
		if !s.Success {
			return false
		}
	}
	return true
}

// Serve registers srv on a grpc.Server bound to lis and blocks until the
// server stops or the listener errors. Intended to run in its own goroutine
// from cmd/fabric's serve command.
func Serve(lis net.Listener, srv *Server) error {
	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, srv)
	log.WithComponent("transport").Info().Str("address", lis.Addr().String()).Msg("gRPC transport listening")
	return gs.Serve(lis)
}
