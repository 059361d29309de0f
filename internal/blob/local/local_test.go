package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixelforge/gallery-core/internal/blob"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("hello, gallery")
	require.NoError(t, b.Upload(ctx, "a/b/c.jpg", bytes.NewReader(data), int64(len(data)), blob.UploadOpts{}))

	rc, info, err := b.Download(ctx, "a/b/c.jpg", blob.DownloadOpts{})
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), info.Size)
}

func TestDownloadMissingKeyReturnsErrNotExist(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	_, _, err = b.Download(context.Background(), "missing.jpg", blob.DownloadOpts{})
	require.ErrorIs(t, err, blob.ErrNotExist)
}

func TestKeyEscapeRejected(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	err = b.Upload(context.Background(), "../escape.jpg", bytes.NewReader(nil), 0, blob.UploadOpts{})
	require.Error(t, err)
}

func TestDownloadRange(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("0123456789")
	require.NoError(t, b.Upload(ctx, "x.bin", bytes.NewReader(data), int64(len(data)), blob.UploadOpts{}))

	rc, err := b.DownloadRange(ctx, "x.bin", 3, 4)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("3456"), got)

	size, err := b.Size(ctx, "x.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
}

func TestMoveRelocatesObject(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Upload(ctx, "src.jpg", bytes.NewReader([]byte("x")), 1, blob.UploadOpts{}))
	require.NoError(t, b.Move(ctx, "src.jpg", "nested/dst.jpg"))

	ok, _, err := b.Exists(ctx, "src.jpg")
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = b.Exists(ctx, "nested/dst.jpg")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMoveMissingSourceReturnsErrNotExist(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	err = b.Move(context.Background(), "nope.jpg", "dst.jpg")
	require.ErrorIs(t, err, blob.ErrNotExist)
}

func TestDeleteOfMissingKeyIsNotError(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Delete(context.Background(), "never-existed.jpg"))
}

func TestStatsCountsUploadedObjects(t *testing.T) {
	b, err := New("local-test", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Upload(ctx, "a.jpg", bytes.NewReader([]byte("aaa")), 3, blob.UploadOpts{}))
	require.NoError(t, b.Upload(ctx, "b.jpg", bytes.NewReader([]byte("bb")), 2, blob.UploadOpts{}))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.ObjectCount)
	require.Equal(t, int64(5), stats.UsedBytes)
}

var _ blob.ChunkedDownloader = (*Backend)(nil)
