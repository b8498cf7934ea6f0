// Package wire defines the contracts this transport consumes from the
// outside world: the RPC client capable of publishing lifecycle events and
// driving one bidirectional build-event stream. The wire envelope types that
// ride on it are used directly from the genproto build/v1 package; this
// package defines no envelope types of its own.
package wire

import (
	"context"

	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/status"
)

type (
	// AckHandler is invoked by the RPC client's own receive loop for every
	// inbound ACK on an open stream. It runs on the RPC client's callback
	// goroutine and must not block.
	AckHandler func(seqNo int64)

	// RPCClient abstracts opening a bidirectional build-event stream,
	// issuing unary lifecycle calls, and translating transport errors to
	// user-readable strings. Implementations own connection lifecycle;
	// Close tears the connection down.
	RPCClient interface {
		// PublishLifecycleEvent issues one unary lifecycle call.
		PublishLifecycleEvent(ctx context.Context, req *buildv1.PublishLifecycleEventRequest) error

		// OpenStream opens exactly one bidirectional stream. onAck fires for
		// every inbound ACK until the stream closes. The returned handle is
		// owned by the caller: it must be closed or aborted exactly once.
		OpenStream(ctx context.Context, onAck AckHandler) (StreamHandle, error)

		// TranslateError renders a transport error into a user-readable string.
		TranslateError(err error) string

		// Close releases the underlying connection. Idempotent.
		Close() error
	}

	// StreamHandle drives one open bidirectional stream. All methods are
	// safe to call from the orchestrator goroutine; Done/Err may be polled
	// from any goroutine.
	StreamHandle interface {
		// Send writes one framed request to the wire.
		Send(req *buildv1.PublishBuildToolEventStreamRequest) error

		// CloseSend signals a graceful half-close. The stream driver calls it
		// right after the terminator is sent, without waiting for the
		// terminator's ACK; the stream is expected to finish with an OK
		// status shortly after.
		CloseSend() error

		// Abort tears the stream down immediately with the given status,
		// used both by the stream driver (protocol violations, upload
		// failures) and by the ACK handler (out-of-order ACKs).
		Abort(st *status.Status)

		// Done is closed once the stream has fully terminated, whatever the
		// cause (clean close, Abort, or a transport-level failure).
		Done() <-chan struct{}

		// Err returns the terminal status once Done is closed. A nil error
		// or an OK status means the stream closed cleanly.
		Err() error
	}
)
