package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "clusterlock.v1.LockService"

	LockService_Acquire_FullMethodName = "/" + ServiceName + "/Acquire"
	LockService_Release_FullMethodName = "/" + ServiceName + "/Release"
	LockService_Inspect_FullMethodName = "/" + ServiceName + "/Inspect"
	LockService_Status_FullMethodName  = "/" + ServiceName + "/Status"
	LockService_Watch_FullMethodName   = "/" + ServiceName + "/Watch"
)

// LockServiceServer is the server API for the lock service.
type LockServiceServer interface {
	Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Inspect(context.Context, *InspectRequest) (*InspectResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Watch(*WatchRequest, LockService_WatchServer) error
}

// UnimplementedLockServiceServer can be embedded for forward compatibility.
type UnimplementedLockServiceServer struct{}

func (UnimplementedLockServiceServer) Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Acquire not implemented")
}
func (UnimplementedLockServiceServer) Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Release not implemented")
}
func (UnimplementedLockServiceServer) Inspect(context.Context, *InspectRequest) (*InspectResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Inspect not implemented")
}
func (UnimplementedLockServiceServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedLockServiceServer) Watch(*WatchRequest, LockService_WatchServer) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}

func RegisterLockServiceServer(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method string,
	call func(LockServiceServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LockServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _LockService_Watch_Handler(srv any, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(LockServiceServer).Watch(m, &lockServiceWatchServer{stream})
}

type LockService_WatchServer interface {
	Send(*WatchEvent) error
	grpc.ServerStream
}

type lockServiceWatchServer struct {
	grpc.ServerStream
}

func (x *lockServiceWatchServer) Send(m *WatchEvent) error {
	return x.ServerStream.SendMsg(m)
}

// LockService_ServiceDesc is the grpc.ServiceDesc for the lock service.
var LockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Acquire",
			Handler: unaryHandler(LockService_Acquire_FullMethodName, func(s LockServiceServer, ctx context.Context, in *AcquireRequest) (*AcquireResponse, error) {
				return s.Acquire(ctx, in)
			}),
		},
		{
			MethodName: "Release",
			Handler: unaryHandler(LockService_Release_FullMethodName, func(s LockServiceServer, ctx context.Context, in *ReleaseRequest) (*ReleaseResponse, error) {
				return s.Release(ctx, in)
			}),
		},
		{
			MethodName: "Inspect",
			Handler: unaryHandler(LockService_Inspect_FullMethodName, func(s LockServiceServer, ctx context.Context, in *InspectRequest) (*InspectResponse, error) {
				return s.Inspect(ctx, in)
			}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler(LockService_Status_FullMethodName, func(s LockServiceServer, ctx context.Context, in *StatusRequest) (*StatusResponse, error) {
				return s.Status(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       _LockService_Watch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "api/v1/service.go",
}

// LockServiceClient is the client API for the lock service.
// Every call negotiates the json codec.
type LockServiceClient interface {
	Acquire(ctx context.Context, in *AcquireRequest, opts ...grpc.CallOption) (*AcquireResponse, error)
	Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error)
	Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (LockService_WatchClient, error)
}

type lockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLockServiceClient(cc grpc.ClientConnInterface) LockServiceClient {
	return &lockServiceClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *lockServiceClient) Acquire(ctx context.Context, in *AcquireRequest, opts ...grpc.CallOption) (*AcquireResponse, error) {
	out := new(AcquireResponse)
	if err := c.cc.Invoke(ctx, LockService_Acquire_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	if err := c.cc.Invoke(ctx, LockService_Release_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error) {
	out := new(InspectResponse)
	if err := c.cc.Invoke(ctx, LockService_Inspect_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, LockService_Status_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (LockService_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &LockService_ServiceDesc.Streams[0], LockService_Watch_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &lockServiceWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type LockService_WatchClient interface {
	Recv() (*WatchEvent, error)
	grpc.ClientStream
}

type lockServiceWatchClient struct {
	grpc.ClientStream
}

func (x *lockServiceWatchClient) Recv() (*WatchEvent, error) {
	m := new(WatchEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
