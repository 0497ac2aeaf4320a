package originrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "georigin.v1.OriginService"

// Full method names.
const (
	SubmitMeasurementMethod = "/" + ServiceName + "/SubmitMeasurement"
	GetOriginMethod         = "/" + ServiceName + "/GetOrigin"
	ToLocalMethod           = "/" + ServiceName + "/ToLocal"
	ToWorldMethod           = "/" + ServiceName + "/ToWorld"
	PlaceAnchorMethod       = "/" + ServiceName + "/PlaceAnchor"
	ListAnchorsMethod       = "/" + ServiceName + "/ListAnchors"
	RemoveAnchorMethod      = "/" + ServiceName + "/RemoveAnchor"
)

// OriginServiceServer is the server API for the origin service. Requests and
// responses are google.protobuf.Struct documents; the field names are listed
// on each Service method.
type OriginServiceServer interface {
	SubmitMeasurement(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetOrigin(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ToLocal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToWorld(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlaceAnchor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAnchors(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RemoveAnchor(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterOriginServiceServer registers srv with s.
func RegisterOriginServiceServer(s grpc.ServiceRegistrar, srv OriginServiceServer) {
	s.RegisterService(&OriginServiceDesc, srv)
}

// OriginServiceDesc describes the origin service for grpc.Server.
var OriginServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OriginServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitMeasurement", Handler: structHandler(SubmitMeasurementMethod, OriginServiceServer.SubmitMeasurement)},
		{MethodName: "GetOrigin", Handler: emptyHandler(GetOriginMethod, OriginServiceServer.GetOrigin)},
		{MethodName: "ToLocal", Handler: structHandler(ToLocalMethod, OriginServiceServer.ToLocal)},
		{MethodName: "ToWorld", Handler: structHandler(ToWorldMethod, OriginServiceServer.ToWorld)},
		{MethodName: "PlaceAnchor", Handler: structHandler(PlaceAnchorMethod, OriginServiceServer.PlaceAnchor)},
		{MethodName: "ListAnchors", Handler: emptyHandler(ListAnchorsMethod, OriginServiceServer.ListAnchors)},
		{MethodName: "RemoveAnchor", Handler: structHandler(RemoveAnchorMethod, OriginServiceServer.RemoveAnchor)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "georigin/v1/origin.proto",
}

func structHandler[Resp any](fullMethod string, call func(OriginServiceServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OriginServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OriginServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func emptyHandler[Resp any](fullMethod string, call func(OriginServiceServer, context.Context, *emptypb.Empty) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OriginServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OriginServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}
