// Package retry implements the stream-attempt retry controller: bounded
// exponential backoff with jitter, gRPC-status-code classification of
// terminal versus retryable failures, and a progress-based reset that
// forgives attempts once ACKs have flowed since the last retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bes-go/bes-transport/artifact"
)

// Config configures the backoff schedule: attempt 1 has no delay, subsequent
// attempts wait InitialBackoff * Multiplier^n capped at MaxBackoff, with
// up to Jitter fractional randomness applied.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the base delay: the delay before attempt n (n >= 2)
	// is InitialBackoff * Multiplier^n.
	InitialBackoff time.Duration
	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration
	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64
	// Jitter is the fractional randomness applied to each computed delay,
	// in [0,1).
	Jitter float64
}

// DefaultConfig returns a conservative schedule: 6 attempts, 1s initial
// backoff, 1.6x multiplier, a 60s ceiling and 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    6,
		InitialBackoff: 1000 * time.Millisecond,
		MaxBackoff:     60 * time.Second,
		Multiplier:     1.6,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned once MaxAttempts have all failed with
// retryable errors.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastErr       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastErr)
}

// Unwrap exposes the final underlying error to errors.Is/As.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// ProgressFunc reports how many ACKs have been observed since the attempt
// began, so Do can reset the attempt counter: if any ACK arrived during an
// attempt, that attempt's failure doesn't count against MaxAttempts — the
// counter resets to 1 before the next attempt.
type ProgressFunc func() (acksObserved int)

// Do runs fn up to cfg.MaxAttempts times, retrying on retryable errors with
// backoff between attempts. progress is polled after each failed attempt;
// if it reports a nonzero count the attempt counter resets rather than
// incrementing.
func Do(ctx context.Context, cfg Config, progress ProgressFunc, fn func(ctx context.Context, attempt int) error) error {
	return DoWithHook(ctx, cfg, progress, nil, fn)
}

// DoWithHook is Do with an additional onRetry hook, invoked with the error
// that triggered each retry just before the controller records it and
// sleeps. Callers that need to surface the most recent retry cause (the
// transport façade's timeout message) use this; Do is the plain form.
func DoWithHook(ctx context.Context, cfg Config, progress ProgressFunc, onRetry func(error), fn func(ctx context.Context, attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	attempt := 1
	var lastErr error

	for {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		madeProgress := progress != nil && progress() > 0
		if madeProgress {
			attempt = 1
		} else if attempt >= cfg.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, TotalDuration: time.Since(start), LastErr: lastErr}
		} else {
			attempt++
		}

		if onRetry != nil {
			onRetry(lastErr)
		}

		delay := backoffFor(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffFor computes the delay before the given attempt number. Attempt 1
// always has zero delay; attempt n >= 2 is InitialBackoff * Multiplier^n —
// the exponent is the attempt number itself, not an offset from it.
func backoffFor(cfg Config, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not a security boundary
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// IsRetryable classifies a stream-attempt failure: artifact-upload errors
// are never retryable (the failure is local, retrying the RPC won't fix
// it), INVALID_ARGUMENT and FAILED_PRECONDITION are terminal protocol
// errors, context.Canceled is a caller-requested stop, and everything else
// (including DEADLINE_EXCEEDED, UNAVAILABLE, transport resets) is
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var uploadErr *artifact.UploadError
	if errors.As(err, &uploadErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return false
	default:
		return true
	}
}
