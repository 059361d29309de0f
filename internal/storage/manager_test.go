package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelforge/gallery-core/internal/blob"
)

// fakeStore is a minimal in-memory blob.Store stand-in, tagged with a
// generation number so tests can tell which ApplyConfig call produced it.
type fakeStore struct {
	id  blob.BackendID
	gen int
}

func (f *fakeStore) ID() blob.BackendID { return f.id }
func (f *fakeStore) Type() blob.Type    { return blob.TypeLocal }
func (f *fakeStore) Upload(ctx context.Context, key blob.Key, r io.Reader, size int64, opts blob.UploadOpts) error {
	return nil
}
func (f *fakeStore) Download(ctx context.Context, key blob.Key, opts blob.DownloadOpts) (io.ReadCloser, blob.ObjectInfo, error) {
	return io.NopCloser(nil), blob.ObjectInfo{Key: key}, nil
}
func (f *fakeStore) Delete(ctx context.Context, key blob.Key) error { return nil }
func (f *fakeStore) DeleteBatch(ctx context.Context, keys []blob.Key) map[blob.Key]error {
	return nil
}
func (f *fakeStore) Exists(ctx context.Context, key blob.Key) (bool, blob.ObjectInfo, error) {
	return true, blob.ObjectInfo{Key: key}, nil
}
func (f *fakeStore) URL(ctx context.Context, key blob.Key, expiry time.Duration) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) Move(ctx context.Context, src, dst blob.Key) error { return nil }
func (f *fakeStore) MoveBatch(ctx context.Context, moves map[blob.Key]blob.Key) map[blob.Key]error {
	return nil
}
func (f *fakeStore) Stats(ctx context.Context) (blob.Stats, error) {
	return blob.Stats{BackendID: f.id}, nil
}

var _ blob.Store = (*fakeStore)(nil)

func fakeBuilder(gen *int) Builder {
	return func(ctx context.Context, cfg BackendConfig) (blob.Store, error) {
		return &fakeStore{id: cfg.ID, gen: *gen}, nil
	}
}

func TestApplyConfigSwapsRegistryAtomically(t *testing.T) {
	m := NewManager()
	gen := 1
	m.RegisterBuilder(blob.TypeLocal, fakeBuilder(&gen))

	cfg := Config{
		DefaultBackendID: "primary",
		Backends:         []BackendConfig{{ID: "primary", Type: blob.TypeLocal}},
	}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))

	b, err := m.Backend(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, b.(*fakeStore).gen)

	gen = 2
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))

	b, err = m.Backend(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, b.(*fakeStore).gen)
}

func TestApplyConfigRejectsUnknownDefault(t *testing.T) {
	m := NewManager()
	m.RegisterBuilder(blob.TypeLocal, fakeBuilder(new(int)))

	cfg := Config{
		DefaultBackendID: "missing",
		Backends:         []BackendConfig{{ID: "primary", Type: blob.TypeLocal}},
	}
	err := m.ApplyConfig(context.Background(), cfg)
	require.Error(t, err)
}

func TestApplyConfigFailureLeavesPriorConfigLive(t *testing.T) {
	m := NewManager()
	gen := 1
	m.RegisterBuilder(blob.TypeLocal, fakeBuilder(&gen))

	good := Config{
		DefaultBackendID: "primary",
		Backends:         []BackendConfig{{ID: "primary", Type: blob.TypeLocal}},
	}
	require.NoError(t, m.ApplyConfig(context.Background(), good))

	bad := Config{
		DefaultBackendID: "primary",
		Backends:         []BackendConfig{{ID: "primary", Type: blob.TypeAzure}},
	}
	err := m.ApplyConfig(context.Background(), bad)
	require.Error(t, err)

	b, err := m.Backend(context.Background())
	require.NoError(t, err)
	require.Equal(t, blob.BackendID("primary"), b.ID())
}

func TestBackendOverrideRoutesToNamedBackend(t *testing.T) {
	m := NewManager()
	m.RegisterBuilder(blob.TypeLocal, fakeBuilder(new(int)))

	cfg := Config{
		DefaultBackendID: "primary",
		Backends: []BackendConfig{
			{ID: "primary", Type: blob.TypeLocal},
			{ID: "archive", Type: blob.TypeLocal},
		},
	}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))

	ctx := WithBackendOverride(context.Background(), "archive")
	b, err := m.Backend(ctx)
	require.NoError(t, err)
	require.Equal(t, blob.BackendID("archive"), b.ID())
}

func TestBackendUnknownIDReturnsNotInitialized(t *testing.T) {
	m := NewManager()
	m.RegisterBuilder(blob.TypeLocal, fakeBuilder(new(int)))
	require.NoError(t, m.ApplyConfig(context.Background(), Config{
		DefaultBackendID: "primary",
		Backends:         []BackendConfig{{ID: "primary", Type: blob.TypeLocal}},
	}))

	_, err := m.BackendByID("nope")
	var notInit *ErrBackendNotInitialized
	require.True(t, errors.As(err, &notInit))
}
