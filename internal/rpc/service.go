// Package rpc exposes the evaluation service over gRPC.
//
// Messages are plain Go structs carried by a JSON codec, so no generated
// protobuf code is involved. Clients must select the codec with
// grpc.CallContentSubtype("json"); Client does this for them.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "flagship.sdk.v1.SDKBackend"

// Full method names.
const (
	EvaluateMethod      = "/" + serviceName + "/Evaluate"
	EvaluateBatchMethod = "/" + serviceName + "/EvaluateBatch"
	UpdateCacheMethod   = "/" + serviceName + "/UpdateCache"
)

// SDKBackendServer is the server API of the SDKBackend service.
type SDKBackendServer interface {
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	EvaluateBatch(context.Context, *EvaluateBatchRequest) (*EvaluateBatchResponse, error)
	UpdateCache(context.Context, *UpdateCacheRequest) (*UpdateCacheResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SDKBackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "EvaluateBatch", Handler: evaluateBatchHandler},
		{MethodName: "UpdateCache", Handler: updateCacheHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flagship/sdk/v1/sdk.proto",
}

// RegisterSDKBackendServer registers srv on s.
func RegisterSDKBackendServer(s grpc.ServiceRegistrar, srv SDKBackendServer) {
	s.RegisterService(&serviceDesc, srv)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SDKBackendServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SDKBackendServer).Evaluate(ctx, req.(*EvaluateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SDKBackendServer).EvaluateBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateBatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SDKBackendServer).EvaluateBatch(ctx, req.(*EvaluateBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateCacheHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateCacheRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SDKBackendServer).UpdateCache(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: UpdateCacheMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SDKBackendServer).UpdateCache(ctx, req.(*UpdateCacheRequest))
	}
	return interceptor(ctx, in, info, handler)
}
