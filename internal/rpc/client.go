package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the SDKBackend service. Create it with Dial and release it
// with Close.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target. The connection is established lazily on
// the first call. opts are applied after the defaults (plaintext transport,
// JSON codec) and may override them.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, errors.New("rpc: target is required")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Evaluate(ctx context.Context, req *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	out := new(EvaluateResponse)
	if err := c.conn.Invoke(ctx, EvaluateMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, req *EvaluateBatchRequest, opts ...grpc.CallOption) (*EvaluateBatchResponse, error) {
	out := new(EvaluateBatchResponse)
	if err := c.conn.Invoke(ctx, EvaluateBatchMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateCache(ctx context.Context, req *UpdateCacheRequest, opts ...grpc.CallOption) (*UpdateCacheResponse, error) {
	out := new(UpdateCacheResponse)
	if err := c.conn.Invoke(ctx, UpdateCacheMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
