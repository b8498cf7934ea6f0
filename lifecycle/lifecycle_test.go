package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bes-go/bes-transport/envelope"
	"github.com/bes-go/bes-transport/ingress"
	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/retry"
	"github.com/bes-go/bes-transport/wire"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

// fakeRPCClient records lifecycle calls and hands back an ackingStreamHandle
// that ACKs every send synchronously, so Session.Run can be exercised
// end to end without a network dependency.
type fakeRPCClient struct {
	mu        sync.Mutex
	lifecycle []*buildv1.PublishLifecycleEventRequest
}

func (c *fakeRPCClient) PublishLifecycleEvent(ctx context.Context, req *buildv1.PublishLifecycleEventRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycle = append(c.lifecycle, req)
	return nil
}

func (c *fakeRPCClient) OpenStream(ctx context.Context, onAck wire.AckHandler) (wire.StreamHandle, error) {
	return &ackingStreamHandle{done: make(chan struct{}), onAck: onAck}, nil
}

func (c *fakeRPCClient) TranslateError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *fakeRPCClient) Close() error { return nil }

type ackingStreamHandle struct {
	mu      sync.Mutex
	done    chan struct{}
	onAck   wire.AckHandler
	aborted error
}

func (h *ackingStreamHandle) Send(req *buildv1.PublishBuildToolEventStreamRequest) error {
	h.onAck(req.GetOrderedBuildEvent().GetSequenceNumber())
	return nil
}

func (h *ackingStreamHandle) CloseSend() error {
	close(h.done)
	return nil
}

func (h *ackingStreamHandle) Abort(st *status.Status) {
	h.mu.Lock()
	h.aborted = st.Err()
	h.mu.Unlock()
}

func (h *ackingStreamHandle) Done() <-chan struct{} { return h.done }

func (h *ackingStreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

type noopFuture struct{}

func (noopFuture) Get(ctx context.Context) (record.PathConverter, error) { return nil, nil }

func TestSessionRunHappyPath(t *testing.T) {
	builder := envelope.NewBuilder(envelope.Config{BuildRequestID: "b", InvocationID: "i", ProjectID: "p", CommandName: "build"})
	client := &fakeRPCClient{}
	send := ingress.NewPendingSend()
	results := &envelope.ResultRegister{}

	sess := New(Config{
		Builder: builder,
		Client:  client,
		PendingQ: send,
		Clock:   fakeClock{t: time.Unix(0, 0)},
		Serializer: func(event any, conv record.PathConverter) (*anypb.Any, error) {
			return anypb.New(wrapperspb.String("x"))
		},
		Results:          results,
		PublishLifecycle: true,
	})

	seq := builder.NextSequenceNumber()
	send.Push(record.NewRecord(seq, time.Now(), noopFuture{}, "event-1"))
	send.Push(record.NewTerminator(builder.NextSequenceNumber(), time.Now()))

	results.Set(envelope.ResultSucceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := sess.Run(ctx, retry.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, envelope.ResultSucceeded, result)

	require.Len(t, client.lifecycle, 4) // build-enqueued, invocation-started, invocation-finished, build-finished
}

func TestSessionRunSkipsLifecycleWhenDisabled(t *testing.T) {
	builder := envelope.NewBuilder(envelope.Config{BuildRequestID: "b", InvocationID: "i", ProjectID: "p", CommandName: "build"})
	client := &fakeRPCClient{}
	send := ingress.NewPendingSend()

	sess := New(Config{
		Builder: builder,
		Client:  client,
		PendingQ: send,
		Serializer: func(event any, conv record.PathConverter) (*anypb.Any, error) {
			return anypb.New(wrapperspb.String("x"))
		},
		PublishLifecycle: false,
	})

	send.Push(record.NewTerminator(builder.NextSequenceNumber(), time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sess.Run(ctx, retry.DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, client.lifecycle)
}
