package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lynfabric/fabric/pkg/dispatch"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/types"
)

func startTestServer(t *testing.T, registry *dispatch.Registry) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, NewServer(registry))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, namespace, method string, args map[string]any) *InvokeResponse {
	t.Helper()
	req := &InvokeRequest{Namespace: namespace, Method: method, Args: args}
	resp := new(InvokeResponse)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Invoke(ctx, "/fabric.Transport/Invoke", req, resp))
	return resp
}

func TestInvoke_RoundTripsImmediateCall(t *testing.T) {
	registry := dispatch.New()
	registry.Register("ping", "echo", func(a dispatch.Args) (*types.ProcedureRecord, error) {
		return dispatch.Immediate("echoed", a["value"])
	})
	conn := startTestServer(t, registry)

	resp := invoke(t, conn, "ping", "echo", map[string]any{"value": "hello"})
	require.True(t, resp.Success)
	require.Equal(t, "echoed", resp.Summary)
	require.Equal(t, "hello", resp.ReturnValue)
}

func TestInvoke_DomainErrorCarriedInResponseNotGRPCStatus(t *testing.T) {
	registry := dispatch.New()
	registry.Register("shard", "fail", func(a dispatch.Args) (*types.ProcedureRecord, error) {
		return nil, ferrors.New(ferrors.KindSharding, "boom")
	})
	conn := startTestServer(t, registry)

	resp := invoke(t, conn, "shard", "fail", nil)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "boom")
}

func TestInvoke_UnknownMethodReturnsGRPCError(t *testing.T) {
	registry := dispatch.New()
	conn := startTestServer(t, registry)

	req := &InvokeRequest{Namespace: "nope", Method: "nope"}
	resp := new(InvokeResponse)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := conn.Invoke(ctx, "/fabric.Transport/Invoke", req, resp)
	require.Error(t, err)
}
