// Package grpcruntime serves and consumes potentials over gRPC. A runtime
// process hosts models behind the phin.inference.v1.Inference service; the
// bridge talks to it through Client, which implements inference.Loader.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code:
//
//	LoadModel {path, device}                         -> {handle, device, metadata}
//	Tune      {handle, allow_tf32, jit_bailout_depth,
//	           fusion_strategy: [{static, depth}]}    -> Empty
//	Forward   {handle, inputs: {name: tensor}}        -> {outputs: {name: tensor}}
//	Unload    {handle}                                -> Empty
package grpcruntime

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "phin.inference.v1.Inference"

const (
	methodLoadModel = "/" + ServiceName + "/LoadModel"
	methodTune      = "/" + ServiceName + "/Tune"
	methodForward   = "/" + ServiceName + "/Forward"
	methodUnload    = "/" + ServiceName + "/Unload"
)

// InferenceServer is the server side of the service.
type InferenceServer interface {
	LoadModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tune(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Forward(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unload(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// ServiceDesc registers an InferenceServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadModel", Handler: unary(methodLoadModel, InferenceServer.LoadModel)},
		{MethodName: "Tune", Handler: unary(methodTune, InferenceServer.Tune)},
		{MethodName: "Forward", Handler: unary(methodForward, InferenceServer.Forward)},
		{MethodName: "Unload", Handler: unary(methodUnload, InferenceServer.Unload)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "phin/inference/v1/inference.proto",
}

// RegisterInferenceServer attaches srv to s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[R any](fullMethod string, call func(InferenceServer, context.Context, *structpb.Struct) (R, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InferenceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InferenceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
