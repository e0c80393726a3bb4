package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service is described by hand over well-known types, so no generated code is needed:
//
//	service Detect {
//	  rpc Info(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Detect(google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	}
const (
	ServiceName      = "hvacdet.Detect"
	infoFullMethod   = "/" + ServiceName + "/Info"
	detectFullMethod = "/" + ServiceName + "/Detect"
)

type DetectServer interface {
	Info(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Detect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var DetectServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: infoHandler},
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hvacdet.proto",
}

func RegisterDetectServer(s grpc.ServiceRegistrar, srv DetectServer) {
	s.RegisterService(&DetectServiceDesc, srv)
}

func infoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: infoFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServer).Info(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// DetectClient is the client side of hvacdet.Detect.
type DetectClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectClient(cc grpc.ClientConnInterface) *DetectClient {
	return &DetectClient{cc: cc}
}

func (c *DetectClient) Info(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, infoFullMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectClient) Detect(ctx context.Context, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, detectFullMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
