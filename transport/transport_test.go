package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/retry"
	"github.com/bes-go/bes-transport/wire"
)

type testEvent struct {
	exitCode     int
	isCompleting bool
	files        []string
}

type testAdapter struct{}

func (testAdapter) LocalPaths(event any) []string { return event.(*testEvent).files }

func (testAdapter) Serialize(event any, conv record.PathConverter) (*anypb.Any, error) {
	return anypb.New(wrapperspb.String("event"))
}

func (testAdapter) CompletingExitCode(event any) (int, bool) {
	e := event.(*testEvent)
	return e.exitCode, e.isCompleting
}

type recordingReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingReporter) Report(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type noopBackend struct{}

func (noopBackend) Upload(ctx context.Context, localPath string) (string, error) {
	return "remote://" + localPath, nil
}

type failingBackend struct{}

func (failingBackend) Upload(ctx context.Context, localPath string) (string, error) {
	return "", errors.New("upload broken")
}

// fakeClient ACKs every stream Send synchronously and records lifecycle
// calls, letting the whole transport façade run end to end in-process.
type fakeClient struct {
	mu        sync.Mutex
	lifecycle int
	closed    bool
}

func (c *fakeClient) PublishLifecycleEvent(ctx context.Context, req *buildv1.PublishLifecycleEventRequest) error {
	c.mu.Lock()
	c.lifecycle++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) OpenStream(ctx context.Context, onAck wire.AckHandler) (wire.StreamHandle, error) {
	return &fakeHandle{done: make(chan struct{}), onAck: onAck}, nil
}

func (c *fakeClient) TranslateError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeHandle struct {
	mu    sync.Mutex
	done  chan struct{}
	onAck wire.AckHandler
}

func (h *fakeHandle) Send(req *buildv1.PublishBuildToolEventStreamRequest) error {
	h.onAck(req.GetOrderedBuildEvent().GetSequenceNumber())
	return nil
}

func (h *fakeHandle) CloseSend() error {
	close(h.done)
	return nil
}

func (h *fakeHandle) Abort(st *status.Status) {}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error { return nil }

func TestTransportSendAndCloseHappyPath(t *testing.T) {
	client := &fakeClient{}
	reporter := &recordingReporter{}

	tr := New(Config{
		ProjectID:              "proj",
		BuildRequestID:         "b1",
		InvocationID:           "i1",
		CommandName:            "build",
		PublishLifecycleEvents: true,
		UploadTimeout:          2 * time.Second,
		RetryConfig:            retry.DefaultConfig(),
	}, client, noopBackend{}, testAdapter{}, reporter)

	ctx := context.Background()
	tr.SendEvent(ctx, &testEvent{})
	tr.SendEvent(ctx, &testEvent{exitCode: 0, isCompleting: true})

	err := tr.Close(ctx)
	require.NoError(t, err)

	msgs := reporter.all()
	assert.Contains(t, msgs, msgWaiting)
	assert.Contains(t, msgs, msgSuccess)
	assert.True(t, client.closed)
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	reporter := &recordingReporter{}

	tr := New(Config{
		BuildRequestID: "b1",
		InvocationID:   "i1",
		CommandName:    "build",
		UploadTimeout:  2 * time.Second,
		RetryConfig:    retry.DefaultConfig(),
	}, client, noopBackend{}, testAdapter{}, reporter)

	tr.SendEvent(context.Background(), &testEvent{isCompleting: true, exitCode: 0})

	err1 := tr.Close(context.Background())
	err2 := tr.Close(context.Background())
	assert.Equal(t, err1, err2)
}

func TestTransportDropsEventsAfterSessionFailsAndReportsOnce(t *testing.T) {
	client := &fakeClient{}
	reporter := &recordingReporter{}

	tr := New(Config{
		BuildRequestID: "b1",
		InvocationID:   "i1",
		CommandName:    "build",
		UploadTimeout:  2 * time.Second,
		RetryConfig:    retry.DefaultConfig(),
	}, client, failingBackend{}, testAdapter{}, reporter)

	ctx := context.Background()
	tr.SendEvent(ctx, &testEvent{files: []string{"/bad"}})

	require.Eventually(t, func() bool {
		select {
		case <-tr.sessionDone:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	// further events must be dropped silently, not queued, once the session
	// has already ended in error
	tr.SendEvent(ctx, &testEvent{})
	tr.SendEvent(ctx, &testEvent{})

	err := tr.CloseNow(ctx)
	require.NoError(t, err)

	failures := 0
	for _, m := range reporter.all() {
		if strings.HasPrefix(m, "Build Event Protocol upload failed") {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestTransportCloseNowForcesImmediateShutdown(t *testing.T) {
	client := &fakeClient{}
	reporter := &recordingReporter{}

	tr := New(Config{
		BuildRequestID: "b1",
		InvocationID:   "i1",
		CommandName:    "build",
	}, client, noopBackend{}, testAdapter{}, reporter)

	tr.SendEvent(context.Background(), &testEvent{})
	err := tr.CloseNow(context.Background())
	require.NoError(t, err)
	assert.True(t, client.closed)
	assert.Empty(t, reporter.all()) // CloseNow never reports the waiting/success messages
}
