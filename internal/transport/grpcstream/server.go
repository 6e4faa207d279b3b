package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/transport"
)

// maxMsgSize allows full-resolution camera frames in a single message.
const maxMsgSize = 16 * 1024 * 1024

// Ensure Server implements the gRPC interface.
var _ PastImageServer = (*Server)(nil)

// Server feeds ingested events to a sink and streams bus messages to
// watchers.
type Server struct {
	sink transport.Sink
	bus  *transport.Bus
}

// NewServer creates a server. Either side may be nil, in which case the
// matching RPC returns Unimplemented.
func NewServer(sink transport.Sink, bus *transport.Bus) *Server {
	return &Server{sink: sink, bus: bus}
}

// Ingest implements the client-streaming ingest RPC.
func (s *Server) Ingest(stream grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error {
	if s.sink == nil {
		return status.Error(codes.Unimplemented, "ingest is not enabled")
	}
	ctx := stream.Context()
	accepted := 0
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			reply, err := structpb.NewStruct(map[string]any{"accepted": accepted})
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.SendAndClose(reply)
		}
		if err != nil {
			return err
		}

		ev, err := DecodeEvent(msg)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "message %d: %v", accepted, err)
		}
		if err := s.sink.Submit(ctx, ev); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return status.Error(codes.Unavailable, "selector is shutting down")
			}
			return status.FromContextError(err).Err()
		}
		accepted++
	}
}

// Watch implements the server-streaming watch RPC. The request may set
// "kinds" to a list of message kinds to receive and "images" to include
// image data in selections.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.bus == nil {
		return status.Error(codes.Unimplemented, "watch is not enabled")
	}
	kinds, withImage, err := parseWatchRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	monitoring.Logf("[grpc] watch client %s connected", id)
	defer monitoring.Logf("[grpc] watch client %s disconnected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if len(kinds) > 0 && !kinds[m.Kind] {
				continue
			}
			out, err := EncodeMessage(m, withImage)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func parseWatchRequest(req *structpb.Struct) (map[transport.MessageKind]bool, bool, error) {
	kinds := make(map[transport.MessageKind]bool)
	fields := req.GetFields()
	if v, ok := fields["kinds"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, false, fmt.Errorf("kinds must be a list")
		}
		for _, k := range list.GetValues() {
			switch kind := transport.MessageKind(k.GetStringValue()); kind {
			case transport.KindTransform, transport.KindSelection:
				kinds[kind] = true
			default:
				return nil, false, fmt.Errorf("unknown message kind %q", kind)
			}
		}
	}
	return kinds, fields["images"].GetBoolValue(), nil
}

// NewGRPCServer creates a grpc.Server sized for image payloads with the
// service registered.
func NewGRPCServer(srv PastImageServer) *grpc.Server {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	Register(gs, srv)
	return gs
}

// ListenAndServe serves srv on addr until ctx is cancelled, then stops
// gracefully.
func ListenAndServe(ctx context.Context, addr string, srv PastImageServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return Serve(ctx, lis, srv)
}

// Serve serves srv on lis until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, srv PastImageServer) error {
	gs := NewGRPCServer(srv)
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[grpc] listening on %s", lis.Addr())
		errc <- gs.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		// watch streams only end with their clients
		gs.Stop()
	}
	monitoring.Logf("[grpc] server stopped")
	return nil
}
