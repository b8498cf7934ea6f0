package artifact

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (b *countingBackend) Upload(ctx context.Context, localPath string) (string, error) {
	b.calls.Add(1)
	if b.fail[localPath] {
		return "", errors.New("upload rejected")
	}
	return "remote://" + localPath, nil
}

func TestUploadBatchEmptyResolvesImmediately(t *testing.T) {
	u := NewUploader(&countingBackend{}, DefaultConfig())
	f := u.UploadBatch(context.Background(), nil)
	conv, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestUploadBatchResolvesEachPath(t *testing.T) {
	backend := &countingBackend{}
	u := NewUploader(backend, DefaultConfig())
	f := u.UploadBatch(context.Background(), []string{"/a", "/b"})
	conv, err := f.Get(context.Background())
	require.NoError(t, err)

	ref, ok := conv("/a")
	require.True(t, ok)
	assert.Equal(t, "remote:///a", ref)

	ref, ok = conv("/b")
	require.True(t, ok)
	assert.Equal(t, "remote:///b", ref)

	_, ok = conv("/unknown")
	assert.False(t, ok)
}

func TestUploadBatchDeduplicatesConcurrentPaths(t *testing.T) {
	backend := &countingBackend{}
	u := NewUploader(backend, Config{MaxConcurrentUploads: 4})

	f1 := u.UploadBatch(context.Background(), []string{"/shared"})
	f2 := u.UploadBatch(context.Background(), []string{"/shared"})

	_, err1 := f1.Get(context.Background())
	_, err2 := f2.Get(context.Background())
	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestUploadBatchPropagatesBackendFailureAsUploadError(t *testing.T) {
	backend := &countingBackend{fail: map[string]bool{"/bad": true}}
	u := NewUploader(backend, DefaultConfig())
	f := u.UploadBatch(context.Background(), []string{"/bad"})

	_, err := f.Get(context.Background())
	require.Error(t, err)
	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "/bad", uploadErr.Path)
}
