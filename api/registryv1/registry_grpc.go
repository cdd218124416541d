package registryv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const WorkerRegistryService_Connect_FullMethodName = "/registry.v1.WorkerRegistryService/Connect"

// WorkerRegistryServiceClient is the client API for the worker control
// stream.
type WorkerRegistryServiceClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ConnectRequest, ConnectResponse], error)
}

type workerRegistryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewWorkerRegistryServiceClient(cc grpc.ClientConnInterface) WorkerRegistryServiceClient {
	return &workerRegistryServiceClient{cc: cc}
}

func (c *workerRegistryServiceClient) Connect(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ConnectRequest, ConnectResponse], error) {
	// The stream always rides WireCodec; callers don't need to force it on
	// their dial options.
	callOpts := append([]grpc.CallOption{grpc.ForceCodec(WireCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &WorkerRegistryService_ServiceDesc.Streams[0], WorkerRegistryService_Connect_FullMethodName, callOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ConnectRequest, ConnectResponse]{ClientStream: stream}, nil
}

// WorkerRegistryServiceServer is the server API for the single bidirectional
// worker control stream. Command/task submission is exposed to the rest of
// the process in-procedure (see internal/controlplane) rather than through
// additional RPCs, mirroring how the stream owns all worker-facing traffic.
type WorkerRegistryServiceServer interface {
	Connect(grpc.BidiStreamingServer[ConnectRequest, ConnectResponse]) error
}

// UnimplementedWorkerRegistryServiceServer must be embedded by server
// implementations for forward compatibility with new RPCs.
type UnimplementedWorkerRegistryServiceServer struct{}

func (UnimplementedWorkerRegistryServiceServer) Connect(grpc.BidiStreamingServer[ConnectRequest, ConnectResponse]) error {
	return status.Error(codes.Unimplemented, "method Connect not implemented")
}

func RegisterWorkerRegistryServiceServer(s grpc.ServiceRegistrar, srv WorkerRegistryServiceServer) {
	s.RegisterService(&WorkerRegistryService_ServiceDesc, srv)
}

func _WorkerRegistryService_Connect_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerRegistryServiceServer).Connect(&grpc.GenericServerStream[ConnectRequest, ConnectResponse]{ServerStream: stream})
}

// WorkerRegistryService_ServiceDesc mirrors the protoc-gen-go-grpc output for
// a service exposing a single bidirectional streaming method.
var WorkerRegistryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "registry.v1.WorkerRegistryService",
	HandlerType: (*WorkerRegistryServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       _WorkerRegistryService_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "registry/v1/registry.proto",
}
