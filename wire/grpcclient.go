package wire

import (
	"context"
	"errors"
	"io"
	"sync"

	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GRPCClient is the default RPCClient, backed by a real
// buildv1.PublishBuildEventClient over a gRPC connection. Callers that need
// to fake the remote collector in tests implement RPCClient directly instead
// of standing up a gRPC server.
type GRPCClient struct {
	conn   *grpc.ClientConn
	client buildv1.PublishBuildEventClient

	closeOnce sync.Once
	closeErr  error
}

// NewGRPCClient wraps an already-dialed *grpc.ClientConn. The caller remains
// responsible for dialing: TLS, auth and keepalive are connection-setup
// concerns this package never needs to touch.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn, client: buildv1.NewPublishBuildEventClient(conn)}
}

// PublishLifecycleEvent implements RPCClient.
func (c *GRPCClient) PublishLifecycleEvent(ctx context.Context, req *buildv1.PublishLifecycleEventRequest) error {
	_, err := c.client.PublishLifecycleEvent(ctx, req)
	return err
}

// OpenStream implements RPCClient.
func (c *GRPCClient) OpenStream(ctx context.Context, onAck AckHandler) (StreamHandle, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	grpcStream, err := c.client.PublishBuildToolEventStream(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	h := &grpcStreamHandle{
		stream: grpcStream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.recvLoop(onAck)
	return h, nil
}

// TranslateError implements RPCClient.
func (c *GRPCClient) TranslateError(err error) string {
	if err == nil {
		return ""
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}

// Close implements RPCClient. Only the first call closes the connection;
// later calls return the first call's result.
func (c *GRPCClient) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

type grpcStreamHandle struct {
	stream buildv1.PublishBuildEvent_PublishBuildToolEventStreamClient
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
	done     chan struct{}
	err      error
}

func (h *grpcStreamHandle) Send(req *buildv1.PublishBuildToolEventStreamRequest) error {
	return h.stream.Send(req)
}

func (h *grpcStreamHandle) CloseSend() error {
	return h.stream.CloseSend()
}

func (h *grpcStreamHandle) Abort(st *status.Status) {
	h.finish(st.Err())
	h.cancel()
}

func (h *grpcStreamHandle) Done() <-chan struct{} {
	return h.done
}

func (h *grpcStreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *grpcStreamHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	h.err = err
	close(h.done)
}

// recvLoop is the ACK thread: it owns Recv() for the lifetime of the stream
// and invokes onAck for every response, exactly once each, in the order
// they arrive on the wire.
func (h *grpcStreamHandle) recvLoop(onAck AckHandler) {
	for {
		resp, err := h.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.finish(nil)
			} else {
				h.finish(err)
			}
			h.cancel()
			return
		}
		onAck(resp.GetSequenceNumber())
	}
}
