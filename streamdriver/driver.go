// Package streamdriver implements one stream attempt: draining pending-send
// records onto the wire in order, tracking unacknowledged records in
// pending-ack, enforcing strict ACK ordering, and waiting for the remote
// collector to finish the stream after the terminator is sent.
package streamdriver

import (
	"context"
	"fmt"
	"time"

	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bes-go/bes-transport/ingress"
	"github.com/bes-go/bes-transport/internal/telemetry"
	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/wire"
)

// pollInterval is how often Run checks pending-send for new work between
// records.
const pollInterval = time.Second

// closeWaitTimeout bounds how long Run waits for the remote collector to
// finish the stream after the terminator is sent. Run half-closes the
// stream as soon as the terminator's Send returns; it does not wait for the
// terminator's ACK before doing so.
const closeWaitTimeout = 30 * time.Second

// Serializer renders one record into its wire request, awaiting the
// record's payload future as needed. The caller (lifecycle) owns the
// envelope.Builder this closes over.
type Serializer func(ctx context.Context, r *record.Record) (*buildv1.PublishBuildToolEventStreamRequest, error)

// Result reports the outcome of one stream attempt: the records still
// unacknowledged when the attempt ended (to be replayed on the next
// attempt) and the terminal error, if any.
type Result struct {
	Unacked []*record.Record
	Err     error
}

// Driver runs exactly one stream attempt against an already-open StreamHandle.
type Driver struct {
	ctx     context.Context
	handle  wire.StreamHandle
	send    *ingress.PendingSend
	ack     *ingress.PendingAck
	logger  telemetry.Logger
	metrics telemetry.Metrics

	progress int // acks observed this attempt, read by the retry controller
}

// New constructs a Driver for one attempt. handle must already be open
// (wire.RPCClient.OpenStream) with its AckHandler wired to the returned
// Driver's HandleAck method. ctx is retained only for logging calls made
// from the ACK callback goroutine, which has no context of its own.
func New(ctx context.Context, handle wire.StreamHandle, send *ingress.PendingSend, logger telemetry.Logger, metrics telemetry.Metrics) *Driver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Driver{
		ctx:     ctx,
		handle:  handle,
		send:    send,
		ack:     ingress.NewPendingAck(),
		logger:  logger,
		metrics: metrics,
	}
}

// HandleAck is the wire.AckHandler bound to this attempt's stream. It runs
// on the RPC client's receive goroutine, so it must not block: AckHead only
// takes a short-lived mutex.
func (d *Driver) HandleAck(seqNo int64) {
	if err := d.ack.AckHead(seqNo); err != nil {
		d.logger.Error(d.ctx, "out of order ack, aborting stream", "seqNo", seqNo, "error", err)
		d.handle.Abort(status.New(codes.Internal, fmt.Sprintf("out-of-order ack: %v", err)))
		return
	}
	d.metrics.IncCounter("bes.stream.acks_received", 1)
	d.progress++
}

// Progress reports how many ACKs this attempt has observed so far, wired
// into retry.Do as the ProgressFunc for its reset rule.
func (d *Driver) Progress() int { return d.progress }

// Run drains pending-send, serializing and sending each record in order,
// until it pops a terminator (clean end of attempt) or the context, the
// stream, or a send fails. It always returns the records left in
// pending-ack so the caller can decide what to replay.
func (d *Driver) Run(ctx context.Context, ser Serializer) Result {
	start := time.Now()
	d.metrics.IncCounter("bes.stream.attempts", 1)
	defer func() {
		d.metrics.RecordTimer("bes.stream.attempt_duration", time.Since(start))
	}()

	for {
		r, ok := d.popNext(ctx)
		if !ok {
			cause := ctx.Err()
			if cause == nil {
				cause = d.handle.Err()
			}
			return d.finish(cause)
		}

		req, err := ser(ctx, r)
		if err != nil {
			return d.finish(err)
		}
		d.ack.Append(r)

		if err := d.handle.Send(req); err != nil {
			return d.finish(err)
		}
		if !r.IsTerminator() {
			d.metrics.IncCounter("bes.stream.events_sent", 1)
		}

		if r.IsTerminator() {
			return d.finishClean(ctx)
		}
	}
}

func (d *Driver) popNext(ctx context.Context) (*record.Record, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-d.handle.Done():
			return nil, false
		default:
		}
		tickCtx, tickCancel := context.WithTimeout(ctx, pollInterval)
		r, ok := d.send.Pop(tickCtx)
		tickCancel()
		if ok {
			return r, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		select {
		case <-d.handle.Done():
			return nil, false
		default:
		}
	}
}

// finish ends the attempt on an error (or context cancellation), draining
// whatever remains unacknowledged for replay.
func (d *Driver) finish(cause error) Result {
	unacked := d.ack.Drain()
	if cause != nil {
		d.handle.Abort(status.Convert(cause))
	}
	return Result{Unacked: unacked, Err: cause}
}

// finishClean half-closes the stream after the terminator was sent and
// waits for the remote collector to finish it.
func (d *Driver) finishClean(ctx context.Context) Result {
	if err := d.handle.CloseSend(); err != nil {
		return d.finish(err)
	}
	select {
	case <-d.handle.Done():
		return Result{Unacked: d.ack.Drain(), Err: d.handle.Err()}
	case <-time.After(closeWaitTimeout):
		st := status.New(codes.DeadlineExceeded, "timed out waiting for stream to finish after close")
		d.handle.Abort(st)
		return Result{Unacked: d.ack.Drain(), Err: st.Err()}
	case <-ctx.Done():
		return Result{Unacked: d.ack.Drain(), Err: ctx.Err()}
	}
}
