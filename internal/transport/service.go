package transport

import (
	"google.golang.org/grpc"
)

const (
	serviceName = "philosophers.v1.Ring"
	linkMethod  = "/" + serviceName + "/Link"
)

// LinkServer is the server API of the Ring service.
//
// The service is declared by hand instead of generated: its only method,
//
//	rpc Link(stream google.protobuf.Struct) returns (google.protobuf.Empty);
//
// uses well-known types, so no generated message code is involved.
type LinkServer interface {
	Link(stream grpc.ServerStream) error
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LinkServer).Link(stream)
}

var ringServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LinkServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ClientStreams: true,
		},
	},
	Metadata: "philosophers/v1/ring.proto",
}

// RegisterLinkServer registers the Ring service on a gRPC server.
func RegisterLinkServer(s grpc.ServiceRegistrar, srv LinkServer) {
	s.RegisterService(&ringServiceDesc, srv)
}
