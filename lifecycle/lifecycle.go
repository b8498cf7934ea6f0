// Package lifecycle orchestrates one build's complete BES session: the
// lifecycle sends that bracket the build, the retry-wrapped stream driver
// in between, and the guaranteed teardown order on the way out — compute
// the final result, send the closing lifecycle events, then shut down the
// RPC client and the artifact uploader, in that order, regardless of how
// the middle stage ended.
package lifecycle

import (
	"context"
	"time"

	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"

	"github.com/bes-go/bes-transport/envelope"
	"github.com/bes-go/bes-transport/ingress"
	"github.com/bes-go/bes-transport/internal/telemetry"
	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/retry"
	"github.com/bes-go/bes-transport/streamdriver"
	"github.com/bes-go/bes-transport/wire"
)

// Clock abstracts time.Now so tests can control event timestamps; production
// callers use RealClock.
type Clock interface{ Now() time.Time }

// RealClock calls time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Serializer renders a build-tool event into its packed wire form, given
// the artifact path converter resolved for it. It is a host-supplied
// event-serialization collaborator.
type Serializer = record.Serializer

// Uploader is the artifact uploader's teardown half, implemented by
// *artifact.Uploader. The session closes it last, after the RPC client, as
// the final step of its guaranteed teardown sequence.
type Uploader interface {
	Close() error
}

// Session drives one build's BES session end to end.
type Session struct {
	builder          *envelope.Builder
	client           wire.RPCClient
	uploader         Uploader
	send             *ingress.PendingSend
	logger           telemetry.Logger
	metrics          telemetry.Metrics
	tracer           telemetry.Tracer
	clock            Clock
	ser              Serializer
	results          *envelope.ResultRegister
	publishLifecycle bool
	onRetry          func(error)
}

// Config bundles a Session's fixed collaborators.
type Config struct {
	Builder    *envelope.Builder
	Client     wire.RPCClient
	PendingQ   *ingress.PendingSend
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Tracer     telemetry.Tracer
	Clock      Clock
	Serializer Serializer
	// Uploader, if set, is shut down after the RPC client as the session's
	// final teardown step. Nil is valid: a session that never uploaded any
	// local files has nothing to release.
	Uploader Uploader
	// Results is the invocation-result register the transport façade's
	// completing-event interceptor writes to. Required.
	Results *envelope.ResultRegister
	// PublishLifecycle gates the build-enqueued/invocation-started/
	// invocation-finished/build-finished envelopes; when false only the
	// stream runs.
	PublishLifecycle bool
	// OnRetry, if set, is called with the error that triggered each stream
	// retry, so the host can surface the most recent retry cause if the
	// session is later abandoned by a timeout.
	OnRetry func(error)
}

// New constructs a Session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	results := cfg.Results
	if results == nil {
		results = &envelope.ResultRegister{}
	}
	return &Session{
		builder:          cfg.Builder,
		client:           cfg.Client,
		uploader:         cfg.Uploader,
		send:             cfg.PendingQ,
		logger:           logger,
		metrics:          metrics,
		tracer:           tracer,
		clock:            clock,
		ser:              cfg.Serializer,
		results:          results,
		publishLifecycle: cfg.PublishLifecycle,
		onRetry:          cfg.OnRetry,
	}
}

// Run executes the whole session: lifecycle-open, retried stream delivery,
// lifecycle-close, then teardown, in that exact order, the last stage
// running even if an earlier one failed. It returns the first error
// encountered, preferring the stream-delivery error over a
// lifecycle-close error, and only surfacing the teardown error if the
// session otherwise succeeded.
func (s *Session) Run(ctx context.Context, retryCfg retry.Config) (result envelope.Result, err error) {
	defer func() {
		if tErr := s.teardown(); err == nil {
			err = tErr
		}
	}()

	if s.publishLifecycle {
		if e := s.publishLifecycleEvent(ctx, retryCfg, s.builder.BuildEnqueued(s.clock.Now())); e != nil {
			return s.results.Get(), e
		}
		if e := s.publishLifecycleEvent(ctx, retryCfg, s.builder.InvocationStarted(s.clock.Now())); e != nil {
			return s.results.Get(), e
		}
	}

	streamErr := s.runStream(ctx, retryCfg)

	result = s.results.Get()
	var closeErr error
	if s.publishLifecycle {
		closeErr = s.closeLifecycle(ctx, retryCfg, result)
	}
	if streamErr != nil {
		err = streamErr
	} else {
		err = closeErr
	}
	return result, err
}

// teardown shuts down the RPC client, then the artifact uploader, in that
// order, regardless of how the session ended. It runs unconditionally as
// the last step of Run. A nil uploader (no local files ever uploaded) is
// skipped.
func (s *Session) teardown() error {
	clientErr := s.client.Close()
	var uploaderErr error
	if s.uploader != nil {
		uploaderErr = s.uploader.Close()
	}
	if clientErr != nil {
		return clientErr
	}
	return uploaderErr
}

// publishLifecycleEvent sends one lifecycle envelope under the retry
// controller, so a transient failure on build-enqueued or
// invocation-started doesn't abort the whole session outright.
func (s *Session) publishLifecycleEvent(ctx context.Context, retryCfg retry.Config, req *buildv1.PublishLifecycleEventRequest) error {
	return retry.Do(ctx, retryCfg, nil, func(ctx context.Context, attempt int) error {
		return s.client.PublishLifecycleEvent(ctx, req)
	})
}

func (s *Session) closeLifecycle(ctx context.Context, retryCfg retry.Config, result envelope.Result) error {
	firstErr := s.publishLifecycleEvent(ctx, retryCfg, s.builder.InvocationFinished(s.clock.Now(), result))
	if e := s.publishLifecycleEvent(ctx, retryCfg, s.builder.BuildFinished(s.clock.Now(), result)); e != nil && firstErr == nil {
		firstErr = e
	}
	return firstErr
}

// runStream drives the retry-wrapped sequence of stream attempts until the
// terminator is fully delivered or attempts are exhausted. Each attempt
// runs under its own span, so a trace backend can show exactly which
// attempt in the retry sequence failed and why.
func (s *Session) runStream(ctx context.Context, retryCfg retry.Config) error {
	var driver *streamdriver.Driver

	return retry.DoWithHook(ctx, retryCfg, func() int {
		if driver == nil {
			return 0
		}
		return driver.Progress()
	}, s.onRetry, func(ctx context.Context, attempt int) error {
		// Forget the previous attempt's driver so a failed OpenStream reports
		// no progress instead of the earlier attempt's ACK count.
		driver = nil
		attemptCtx, span := s.tracer.Start(ctx, "bes.stream_attempt")
		defer span.End()

		handle, err := s.client.OpenStream(attemptCtx, func(seq int64) {
			if driver != nil {
				driver.HandleAck(seq)
			}
		})
		if err != nil {
			span.RecordError(err)
			return err
		}
		driver = streamdriver.New(attemptCtx, handle, s.send, s.logger, s.metrics)

		res := driver.Run(attemptCtx, s.serializeRecord)
		if len(res.Unacked) > 0 {
			s.send.PrependAll(res.Unacked)
		}
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		return res.Err
	})
}

func (s *Session) serializeRecord(ctx context.Context, r *record.Record) (*buildv1.PublishBuildToolEventStreamRequest, error) {
	if r.IsTerminator() {
		return s.builder.StreamFinished(r.SequenceNumber(), r.EventTime()), nil
	}
	packed, err := r.Serialize(ctx, s.ser)
	if err != nil {
		return nil, err
	}
	return s.builder.BazelEvent(r.SequenceNumber(), r.EventTime(), packed), nil
}
