package blob

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChunkedDownloader serves DownloadRange out of an in-memory buffer,
// sleeping a pseudo-random amount per call so chunk completion order is
// shuffled and DownloadConcurrent's reordering is actually exercised.
type fakeChunkedDownloader struct {
	id   BackendID
	data []byte
	rng  *rand.Rand
	mu   sync.Mutex
}

func (f *fakeChunkedDownloader) ID() BackendID { return f.id }
func (f *fakeChunkedDownloader) Type() Type    { return TypeLocal }

func (f *fakeChunkedDownloader) Upload(ctx context.Context, key Key, r io.Reader, size int64, opts UploadOpts) error {
	return nil
}
func (f *fakeChunkedDownloader) Download(ctx context.Context, key Key, opts DownloadOpts) (io.ReadCloser, ObjectInfo, error) {
	return nil, ObjectInfo{}, nil
}
func (f *fakeChunkedDownloader) Delete(ctx context.Context, key Key) error { return nil }
func (f *fakeChunkedDownloader) DeleteBatch(ctx context.Context, keys []Key) map[Key]error {
	return nil
}
func (f *fakeChunkedDownloader) Exists(ctx context.Context, key Key) (bool, ObjectInfo, error) {
	return true, ObjectInfo{Size: int64(len(f.data))}, nil
}
func (f *fakeChunkedDownloader) URL(ctx context.Context, key Key, expiry time.Duration) (string, bool, error) {
	return "", false, nil
}
func (f *fakeChunkedDownloader) Move(ctx context.Context, src, dst Key) error { return nil }
func (f *fakeChunkedDownloader) MoveBatch(ctx context.Context, moves map[Key]Key) map[Key]error {
	return nil
}
func (f *fakeChunkedDownloader) Stats(ctx context.Context) (Stats, error) { return Stats{}, nil }

func (f *fakeChunkedDownloader) Size(ctx context.Context, key Key) (int64, error) {
	return int64(len(f.data)), nil
}

func (f *fakeChunkedDownloader) DownloadRange(ctx context.Context, key Key, offset, length int64) (io.ReadCloser, error) {
	f.mu.Lock()
	d := time.Duration(f.rng.Intn(3)) * time.Millisecond
	f.mu.Unlock()
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return io.NopCloser(bytes.NewReader(f.data[offset : offset+length])), nil
}

var _ ChunkedDownloader = (*fakeChunkedDownloader)(nil)

func TestDownloadConcurrentReassemblesInOrder(t *testing.T) {
	data := make([]byte, MinChunkSize*5+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	d := &fakeChunkedDownloader{id: "fake", data: data, rng: rand.New(rand.NewSource(1))}

	rc, err := DownloadConcurrent(context.Background(), d, "k", 4, MinChunkSize)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDownloadConcurrentEmptyObject(t *testing.T) {
	d := &fakeChunkedDownloader{id: "fake", data: nil, rng: rand.New(rand.NewSource(1))}

	rc, err := DownloadConcurrent(context.Background(), d, "k", 4, MinChunkSize)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDownloadConcurrentPropagatesWorkerError(t *testing.T) {
	errDownloader := &erroringDownloader{size: MinChunkSize * 2}
	rc, err := DownloadConcurrent(context.Background(), errDownloader, "k", 2, MinChunkSize)
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.Error(t, err)
}

type erroringDownloader struct {
	fakeChunkedDownloader
	size int64
}

func (e *erroringDownloader) Size(ctx context.Context, key Key) (int64, error) { return e.size, nil }

func (e *erroringDownloader) DownloadRange(ctx context.Context, key Key, offset, length int64) (io.ReadCloser, error) {
	return nil, context.DeadlineExceeded
}

var _ ChunkedDownloader = (*erroringDownloader)(nil)
