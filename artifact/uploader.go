// Package artifact implements the artifact-upload side channel: before a
// record carrying local file references is serialized onto the stream, its
// files are uploaded out of band and replaced with collector-visible
// references. Upload starts are throttled with a token bucket, a fixed-rate
// simplification of an adaptive limiter since this transport has no
// provider backoff signal to adapt to.
package artifact

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bes-go/bes-transport/record"
)

// UploadError wraps a failure to upload one local file. It is never
// retryable at the stream level: retrying the RPC will not make a missing
// or unreadable local file uploadable.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("artifact: upload failed for %q: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Backend performs the actual upload of one local file, returning the
// identifier the remote collector will recognize in place of the local
// path. Backend is a host-supplied collaborator (object storage, a
// sidecar, cloud storage SDKs); callers supply their own.
type Backend interface {
	Upload(ctx context.Context, localPath string) (remoteRef string, err error)
}

// Future is the record.PayloadFuture a batch upload resolves: once Get
// returns, conv(path) reports the remote reference for any path in the
// batch, deduplicated by path across the whole transport instance lifetime.
type Future struct {
	done chan struct{}
	conv record.PathConverter
	err  error
}

// Get implements record.PayloadFuture.
func (f *Future) Get(ctx context.Context) (record.PathConverter, error) {
	select {
	case <-f.done:
		return f.conv, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newResolvedFuture(conv record.PathConverter, err error) *Future {
	f := &Future{done: make(chan struct{}), conv: conv, err: err}
	close(f.done)
	return f
}

// Uploader batches local-file uploads behind a rate-limited worker pool,
// deduplicating concurrent requests for the same path.
type Uploader struct {
	backend Backend
	limiter *rate.Limiter

	mu      sync.Mutex
	results map[string]*entry // path -> in-flight or resolved result
}

type entry struct {
	done chan struct{}
	ref  string
	err  error
}

// Config configures the uploader's concurrency throttle.
type Config struct {
	// MaxConcurrentUploads sets a token bucket that admits this many upload
	// starts per second, with a burst of the same size. It limits how fast
	// uploads start; it does not bound how many uploads are in flight at
	// once.
	MaxConcurrentUploads int
}

// DefaultConfig returns a conservative upload-start rate of 4 per second.
func DefaultConfig() Config {
	return Config{MaxConcurrentUploads: 4}
}

// NewUploader constructs an Uploader backed by backend.
func NewUploader(backend Backend, cfg Config) *Uploader {
	n := cfg.MaxConcurrentUploads
	if n <= 0 {
		n = 1
	}
	return &Uploader{
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(n), n),
		results: make(map[string]*entry),
	}
}

// Close releases any resources the upload backend holds (connections,
// file handles). It does not wait for in-flight uploads to finish; callers
// shut down the RPC client first so no new batches are started, then call
// this last. Safe to call even if the backend has no resources to release.
func (u *Uploader) Close() error {
	if closer, ok := u.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// UploadBatch uploads every distinct path in paths (deduplicating against
// both this call and any upload already in flight or completed for the same
// path) and returns a Future resolving to a converter covering all of them.
// An empty paths slice resolves immediately with a nil converter, for
// events that reference no local files.
func (u *Uploader) UploadBatch(ctx context.Context, paths []string) *Future {
	if len(paths) == 0 {
		return newResolvedFuture(nil, nil)
	}

	entries := make(map[string]*entry, len(paths))
	var toFetch []string
	u.mu.Lock()
	for _, p := range paths {
		if e, ok := u.results[p]; ok {
			entries[p] = e
			continue
		}
		e := &entry{done: make(chan struct{})}
		u.results[p] = e
		entries[p] = e
		toFetch = append(toFetch, p)
	}
	u.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range toFetch {
		wg.Add(1)
		go func(p string, e *entry) {
			defer wg.Done()
			defer close(e.done)
			if err := u.limiter.Wait(ctx); err != nil {
				e.err = err
				return
			}
			ref, err := u.backend.Upload(ctx, p)
			if err != nil {
				e.err = &UploadError{Path: p, Err: err}
				return
			}
			e.ref = ref
		}(p, entries[p])
	}

	result := &Future{done: make(chan struct{})}
	go func() {
		defer close(result.done)
		wg.Wait()
		refs := make(map[string]string, len(entries))
		for p, e := range entries {
			<-e.done
			if e.err != nil {
				result.err = e.err
				return
			}
			refs[p] = e.ref
		}
		result.conv = func(localPath string) (string, bool) {
			ref, ok := refs[localPath]
			return ref, ok
		}
	}()
	return result
}
