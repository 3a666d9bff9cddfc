// Package channel defines the LinkService session stream. Messages travel as
// google.protobuf.Struct so no generated code is needed.
package channel

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "silolink.v1.LinkService"
	MethodName  = "/" + ServiceName + "/Channel"
)

const (
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeProbe        = "probe"
	TypeProbeAck     = "probe_ack"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeDisconnect   = "disconnect"
	TypeError        = "error"
)

const (
	MetaDeviceID  = "device_id"
	MetaAuthToken = "auth_token"
	MetaSessionID = "session_id"
)

type ServerStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

type ClientStream = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

type LinkServiceServer interface {
	Channel(ServerStream) error
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LinkServiceServer).Channel(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "silolink/v1/link.proto",
}

func RegisterLinkServiceServer(s grpc.ServiceRegistrar, srv LinkServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Open starts a Channel stream on cc.
func Open(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
