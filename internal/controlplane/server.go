package controlplane

import (
	registryv1 "github.com/fleetrelay/console/api/registryv1"
	"google.golang.org/grpc"
)

// NewServer builds the gRPC server worker processes connect to. Worker
// authentication happens per-connection inside Connect's hello frame
// (node_id plus a hashed secret), not via a transport-level interceptor.
// The frame types are hand-maintained rather than protoc-generated, so the
// server is pinned to registryv1.WireCodec instead of the proto codec.
func NewServer(service registryv1.WorkerRegistryServiceServer) *grpc.Server {
	server := grpc.NewServer(grpc.ForceServerCodec(registryv1.WireCodec{}))
	registryv1.RegisterWorkerRegistryServiceServer(server, service)
	return server
}
