package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin gRPC client for the Transport service, used by
// cmd/fabric's CLI subcommands when talking to a remote fabric serve
// process (as opposed to invoking a dispatch.Registry in-process).
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a fabric serve process at address.
func Dial(address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Invoke calls namespace.method on the remote Transport service.
func (c *Client) Invoke(ctx context.Context, namespace, method string, args map[string]any) (*InvokeResponse, error) {
	req := &InvokeRequest{Namespace: namespace, Method: method, Args: args}
	resp := new(InvokeResponse)
	if err := c.conn.Invoke(ctx, "/fabric.Transport/Invoke", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
