// Package transport is the public façade for the Build Event Service
// transport: the entry point build tools call to stream their event log to
// a remote collector. It wires together the envelope builder, the artifact
// uploader, the ingress queues, the retry-wrapped stream driver and the
// lifecycle orchestrator behind a small Send/Close surface.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/bes-go/bes-transport/artifact"
	"github.com/bes-go/bes-transport/envelope"
	"github.com/bes-go/bes-transport/ingress"
	"github.com/bes-go/bes-transport/internal/telemetry"
	"github.com/bes-go/bes-transport/lifecycle"
	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/retry"
	"github.com/bes-go/bes-transport/wire"
)

// User-visible message templates reported to the host via Reporter.
const (
	msgWaiting     = "Waiting for Build Event Protocol upload to finish."
	msgSuccess     = "Build Event Protocol upload finished successfully."
	msgFailedFmt   = "Build Event Protocol upload failed: %s"
	msgTimedOut    = "Build Event Protocol upload timed out."
	msgRetrySuffix = " Transport errors caused the upload to be retried. Last known reason for retry: %s"
	msgResultsFmt  = "Build Event Protocol results available at %s"
	msgPartialFmt  = "Partial Build Event Protocol results may be available at %s"
)

// EventAdapter bridges one build tool's event representation into this
// transport's record/serialization model. Implementations are supplied by
// the host integration: event serialization and exit-code inspection are
// host-specific concerns this package never needs to know about directly.
type EventAdapter interface {
	// LocalPaths returns the local file paths this event references, for
	// artifact upload and deduplication.
	LocalPaths(event any) []string
	// Serialize packs event into its wire form using conv to translate any
	// local paths into collector-visible references.
	Serialize(event any, conv record.PathConverter) (*anypb.Any, error)
	// CompletingExitCode reports whether event is a build-completing event
	// and, if so, its exit code, for intercepting the final build result.
	CompletingExitCode(event any) (exitCode int, isCompleting bool)
}

// Reporter surfaces the transport's user-visible status messages to the
// host. Implementations typically write to the build tool's console/log.
type Reporter interface {
	Report(message string)
}

// Config configures a Transport instance.
type Config struct {
	ProjectID          string
	BuildRequestID     string
	InvocationID       string
	CommandName        string
	AdditionalKeywords map[string]string

	// UploadTimeout bounds how long Close waits for the orchestrator; zero
	// waits forever.
	UploadTimeout time.Duration
	// PublishLifecycleEvents gates lifecycle envelopes; false runs the
	// stream only.
	PublishLifecycleEvents bool
	// ErrorsShouldFailTheBuild, when true, makes a failed session also log
	// an error saying the build should fail. The transport has no fatal-exit
	// hook: it requests no exit from the host, and the failure message is
	// reported the same way whatever this is set to.
	ErrorsShouldFailTheBuild bool
	// BESResultsURL, if set, is printed on success/partial-success.
	BESResultsURL string

	RetryConfig retry.Config
}

// Option configures optional collaborators not in Config's plain-data set.
type Option func(*Transport)

// WithLogger overrides the transport's structured logger.
func WithLogger(l telemetry.Logger) Option { return func(t *Transport) { t.logger = l } }

// WithMetrics overrides the transport's metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(t *Transport) { t.metrics = m } }

// WithClock overrides the lifecycle session's time source, for tests.
func WithClock(c lifecycle.Clock) Option { return func(t *Transport) { t.clock = c } }

// WithTracer overrides the tracer the lifecycle orchestrator opens attempt
// spans on; unset, attempts are untraced.
func WithTracer(tr telemetry.Tracer) Option { return func(t *Transport) { t.tracer = tr } }

// Transport is the public send-event/close surface.
type Transport struct {
	cfg      Config
	client   wire.RPCClient
	uploader *artifact.Uploader
	adapter  EventAdapter
	reporter Reporter

	builder *envelope.Builder
	send    *ingress.PendingSend
	results *envelope.ResultRegister

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	clock   lifecycle.Clock

	mu           sync.Mutex
	started      bool
	runCancel    context.CancelFunc
	sessionDone  chan struct{}
	sessionErr   error
	lastRetryErr error

	errorsOnce sync.Once

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New constructs a Transport. client, uploaderBackend, adapter and reporter
// are required collaborators; Option values override ambient defaults.
func New(cfg Config, client wire.RPCClient, uploaderBackend artifact.Backend, adapter EventAdapter, reporter Reporter, opts ...Option) *Transport {
	t := &Transport{
		cfg:          cfg,
		client:       client,
		uploader:     artifact.NewUploader(uploaderBackend, artifact.DefaultConfig()),
		adapter:      adapter,
		reporter:     reporter,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		clock:        lifecycle.RealClock{},
		send:         ingress.NewPendingSend(),
		results:      &envelope.ResultRegister{},
		sessionDone:  make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.builder = envelope.NewBuilder(envelope.Config{
		BuildRequestID:     cfg.BuildRequestID,
		InvocationID:       cfg.InvocationID,
		ProjectID:          cfg.ProjectID,
		CommandName:        cfg.CommandName,
		AdditionalKeywords: cfg.AdditionalKeywords,
	})
	return t
}

// SendEvent enqueues event for delivery. Safe to call from many goroutines.
// On the first call it lazily starts the orchestrator.
func (t *Transport) SendEvent(ctx context.Context, event any) {
	t.ensureStarted(ctx)

	// If the orchestrator has already ended in error (the stream aborted, an
	// artifact upload failed fatally, ...) further events can no longer be
	// delivered: report once and drop the event rather than growing a queue
	// nothing will ever drain.
	select {
	case <-t.sessionDone:
		t.mu.Lock()
		sessionErr := t.sessionErr
		t.mu.Unlock()
		if sessionErr != nil {
			t.reportOnce(fmt.Sprintf(msgFailedFmt, t.client.TranslateError(sessionErr)))
			return
		}
	default:
	}

	if exitCode, ok := t.adapter.CompletingExitCode(event); ok {
		t.results.Intercept(true, exitCode)
	}

	paths := t.adapter.LocalPaths(event)
	future := t.uploader.UploadBatch(ctx, paths)

	// Sequence assignment and enqueue form one critical section, so
	// concurrent producers enqueue records in sequence-number order.
	t.mu.Lock()
	seq := t.builder.NextSequenceNumber()
	r := record.NewRecord(seq, t.clock.Now(), future, event)
	t.send.Push(r)
	t.mu.Unlock()
}

// ensureStarted lazily launches the orchestrator on the first SendEvent or,
// if the host closes without ever sending an event, on shutdown — either way
// doShutdown must have a runSession goroutine to wait on. The orchestrator's
// context is derived from ctx so CloseNow can cancel it directly, interrupting
// a stuck attempt instead of leaving it to retry against a connection that's
// already gone.
func (t *Transport) ensureStarted(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		runCtx, cancel := context.WithCancel(ctx)
		t.runCancel = cancel
		go func() {
			defer cancel()
			t.runSession(runCtx)
		}()
	}
}

func (t *Transport) runSession(ctx context.Context) {
	sess := lifecycle.New(lifecycle.Config{
		Builder:          t.builder,
		Client:           t.client,
		Uploader:         t.uploader,
		PendingQ:         t.send,
		Logger:           t.logger,
		Metrics:          t.metrics,
		Tracer:           t.tracer,
		Clock:            t.clock,
		Serializer:       t.adapter.Serialize,
		Results:          t.results,
		PublishLifecycle: t.cfg.PublishLifecycleEvents,
		OnRetry: func(err error) {
			t.mu.Lock()
			t.lastRetryErr = err
			t.mu.Unlock()
		},
	})

	_, err := sess.Run(ctx, t.cfg.RetryConfig)
	t.mu.Lock()
	t.sessionErr = err
	t.mu.Unlock()
	close(t.sessionDone)

	if err != nil {
		// A session cut short by CloseNow (or by the caller's context) is
		// not reported as an upload failure.
		if ctx.Err() == nil {
			t.reportOnce(fmt.Sprintf(msgFailedFmt, t.client.TranslateError(err)))
		}
		if t.cfg.ErrorsShouldFailTheBuild {
			t.logger.Error(ctx, "bes upload failed, build should be failed", "error", err)
		}
	}
}

func (t *Transport) reportOnce(msg string) {
	t.errorsOnce.Do(func() {
		t.reporter.Report(msg)
	})
}

// Close enqueues the terminator and waits (up to the configured upload
// timeout) for the orchestrator to finish, reporting the appropriate
// user-visible message. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	return t.shutdown(ctx, false)
}

// CloseNow forces immediate shutdown without waiting for the orchestrator.
// Idempotent, and shares the same reentrancy guard as Close.
func (t *Transport) CloseNow(ctx context.Context) error {
	return t.shutdown(ctx, true)
}

func (t *Transport) shutdown(ctx context.Context, immediate bool) error {
	t.shutdownOnce.Do(func() {
		defer close(t.shutdownDone)
		t.shutdownErr = t.doShutdown(ctx, immediate)
	})
	<-t.shutdownDone
	return t.shutdownErr
}

func (t *Transport) doShutdown(ctx context.Context, immediate bool) error {
	t.ensureStarted(ctx)

	seq := t.builder.NextSequenceNumber()
	t.send.Push(record.NewTerminator(seq, t.clock.Now()))
	t.send.Close()

	if immediate {
		t.mu.Lock()
		cancel := t.runCancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return t.client.Close()
	}

	t.reporter.Report(msgWaiting)

	waitCtx := ctx
	if t.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.cfg.UploadTimeout)
		defer cancel()
	}

	var result error
	select {
	case <-t.sessionDone:
		t.mu.Lock()
		err := t.sessionErr
		t.mu.Unlock()
		if err != nil {
			result = err
		} else {
			t.reportOnce(msgSuccess)
			if t.cfg.BESResultsURL != "" {
				t.reporter.Report(fmt.Sprintf(msgResultsFmt, t.cfg.BESResultsURL))
			}
		}
	case <-waitCtx.Done():
		msg := msgTimedOut
		t.mu.Lock()
		last := t.lastRetryErr
		t.mu.Unlock()
		if last != nil {
			msg += fmt.Sprintf(msgRetrySuffix, t.client.TranslateError(last))
		}
		t.reportOnce(msg)
		if t.cfg.BESResultsURL != "" {
			t.reporter.Report(fmt.Sprintf(msgPartialFmt, t.cfg.BESResultsURL))
		}
		result = waitCtx.Err()
	}

	if cerr := t.client.Close(); cerr != nil && result == nil {
		result = cerr
	}
	return result
}
