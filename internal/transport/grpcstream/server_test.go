package grpcstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/spirit/internal/pastimage"
	"github.com/banshee-data/spirit/internal/testutil"
	"github.com/banshee-data/spirit/internal/transport"
)

var epoch = time.Date(2015, 11, 3, 14, 0, 0, 0, time.UTC)

// startServer serves srv over an in-memory listener and returns a client.
func startServer(t *testing.T, srv PastImageServer) *Client {
	t.Helper()
	testutil.QuietLogs(t)
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, srv) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return NewClient(conn)
}

func pose(sec, x float64) pastimage.Pose {
	return pastimage.Pose{
		Stamp:       epoch.Add(time.Duration(sec * float64(time.Second))),
		Position:    r3.Vec{X: x},
		Orientation: quat.Number{Real: 1},
	}
}

func TestIngestFeedsSelector(t *testing.T) {
	d := transport.NewDispatcher(16)
	client := startServer(t, NewServer(d, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.Ingest(ctx)
	require.NoError(t, err)

	events := []transport.Event{
		transport.ImageEvent(&pastimage.Image{Stamp: epoch, Encoding: "rgb8", Width: 1, Height: 1, Data: []byte{1, 2, 3}}),
		transport.TrackedEvent(true),
		transport.PoseEvent(pose(0.5, 2)),
	}
	for _, ev := range events {
		msg, err := EncodeEvent(ev, epoch)
		require.NoError(t, err)
		require.NoError(t, stream.Send(msg))
	}
	reply, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, 3.0, reply.GetFields()["accepted"].GetNumberValue())

	cfg := pastimage.DefaultConfig()
	cfg.Policy = pastimage.Policy{Kind: pastimage.ConstantTimeDelay, Delay: time.Second}
	sel, err := pastimage.NewSelector(cfg, nil)
	require.NoError(t, err)
	d.Close()
	require.NoError(t, d.Run(ctx, sel))

	require.Equal(t, 1, sel.Len())
	f := sel.Frames()[0]
	assert.Equal(t, 2.0, f.Position.X)
	assert.Equal(t, []byte{1, 2, 3}, f.Image.Data)
	assert.Equal(t, epoch.Add(500*time.Millisecond), f.Stamp)
}

func TestIngestRejectsBadRecord(t *testing.T) {
	client := startServer(t, NewServer(transport.NewDispatcher(4), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.Ingest(ctx)
	require.NoError(t, err)

	bad, err := structpb.NewStruct(map[string]any{"topic": "imu", "stamp": 1.0})
	require.NoError(t, err)
	require.NoError(t, stream.Send(bad))

	_, err = stream.CloseAndRecv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "err = %v", err)
}

func TestIngestAfterShutdown(t *testing.T) {
	d := transport.NewDispatcher(4)
	d.Close()
	client := startServer(t, NewServer(d, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.Ingest(ctx)
	require.NoError(t, err)
	msg, err := EncodeEvent(transport.TrackedEvent(true), epoch)
	require.NoError(t, err)
	require.NoError(t, stream.Send(msg))

	_, err = stream.CloseAndRecv()
	assert.Equal(t, codes.Unavailable, status.Code(err), "err = %v", err)
}

func TestWatchStreamsSelections(t *testing.T) {
	bus := transport.NewBus(16)
	client := startServer(t, NewServer(nil, bus))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := structpb.NewStruct(map[string]any{
		"kinds":  []any{"selection"},
		"images": true,
	})
	require.NoError(t, err)
	stream, err := client.Watch(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	frame := pastimage.NewFrame(7, pose(1, 3), &pastimage.Image{Stamp: epoch, Encoding: "mono8", Width: 1, Height: 1, Data: []byte{42}}, pastimage.DefaultResolution)
	require.NoError(t, bus.PublishTransform(pastimage.Transform{Stamp: epoch, Parent: "world", Child: "ardrone"}))
	require.NoError(t, bus.PublishSelection(pastimage.Selection{Pose: pose(2, 0), Frame: frame}))

	msg, err := stream.Recv()
	require.NoError(t, err)
	v, err := DecodeView(msg)
	require.NoError(t, err)

	assert.Equal(t, transport.KindSelection, v.Kind, "transforms are filtered out")
	require.NotNil(t, v.FrameID)
	assert.Equal(t, uint64(7), *v.FrameID)
	assert.InDelta(t, 1.0, *v.Delay, 1e-6)
	assert.InDelta(t, 3.0, *v.Distance, 1e-12)
	require.NotNil(t, v.Image)
	assert.Equal(t, []byte{42}, v.Image.Data)
}

func TestWatchEndsWhenBusCloses(t *testing.T) {
	bus := transport.NewBus(4)
	client := startServer(t, NewServer(nil, bus))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.PublishTransform(pastimage.Transform{Stamp: epoch, Child: "ardrone"}))
	msg, err := stream.Recv()
	require.NoError(t, err)
	v, err := DecodeView(msg)
	require.NoError(t, err)
	assert.Equal(t, transport.KindTransform, v.Kind)
	assert.Equal(t, "ardrone", v.Child)

	require.NoError(t, bus.Close())
	_, err = stream.Recv()
	assert.Error(t, err, "stream ends once the bus is closed")
}

func TestWatchRejectsUnknownKind(t *testing.T) {
	client := startServer(t, NewServer(nil, transport.NewBus(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := structpb.NewStruct(map[string]any{"kinds": []any{"image"}})
	require.NoError(t, err)
	stream, err := client.Watch(ctx, req)
	require.NoError(t, err)

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnimplementedSides(t *testing.T) {
	client := startServer(t, NewServer(nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ingest, err := client.Ingest(ctx)
	require.NoError(t, err)
	_, err = ingest.CloseAndRecv()
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	watch, err := client.Watch(ctx, nil)
	require.NoError(t, err)
	_, err = watch.Recv()
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestEventCodecRoundTrip(t *testing.T) {
	for _, ev := range []transport.Event{
		transport.PoseEvent(pose(3, -1.25)),
		transport.TrackedEvent(false),
	} {
		s, err := EncodeEvent(ev, epoch)
		require.NoError(t, err)
		got, err := DecodeEvent(s)
		require.NoError(t, err)
		assert.Equal(t, ev.Kind, got.Kind)
		if ev.Kind == transport.EventPose {
			assert.Equal(t, *ev.Pose, *got.Pose)
		}
	}
}
