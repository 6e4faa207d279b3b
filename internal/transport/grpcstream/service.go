// Package grpcstream exposes the selector's input and output streams over
// gRPC. Messages are google.protobuf.Struct values carrying the same fields
// as the JSON-lines recording and the debug tail, so no generated code is
// needed on either side.
package grpcstream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "spirit.v1.PastImage"

const (
	ingestMethod = "/" + ServiceName + "/Ingest"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// PastImageServer is the server API for the PastImage service.
type PastImageServer interface {
	// Ingest receives pose, image and tracked records until the client
	// closes the stream, then replies with the number accepted.
	Ingest(grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error
	// Watch streams transforms and selections until the client goes away.
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the PastImage service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PastImageServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Ingest",
			Handler:       ingestHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "spirit/v1/pastimage.proto",
}

// Register registers srv with gs.
func Register(gs grpc.ServiceRegistrar, srv PastImageServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func ingestHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PastImageServer).Ingest(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PastImageServer).Watch(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Client is the client API for the PastImage service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Ingest opens an ingest stream.
func (c *Client) Ingest(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ingestMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

// Watch opens a watch stream. req may be nil.
func (c *Client) Watch(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = &structpb.Struct{}
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
