package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixelforge/gallery-core/internal/modelclient"
)

type fakeClient struct {
	name string
	caps map[modelclient.TaskKind]bool
	fail bool
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Supports(kind modelclient.TaskKind) bool { return f.caps[kind] }
func (f *fakeClient) Embed(ctx context.Context, kind modelclient.TaskKind, payload []byte) (modelclient.EmbedResult, error) {
	if f.fail {
		return modelclient.EmbedResult{}, errors.New("boom")
	}
	return modelclient.EmbedResult{ModelID: f.name}, nil
}
func (f *fakeClient) Score(ctx context.Context, payload []byte) (float64, error) { return 0, nil }
func (f *fakeClient) Caption(ctx context.Context, images []modelclient.ImagePayload, prompt string) (string, error) {
	return "", nil
}

func newFakeClient(name string, kinds ...modelclient.TaskKind) *fakeClient {
	caps := make(map[modelclient.TaskKind]bool, len(kinds))
	for _, k := range kinds {
		caps[k] = true
	}
	return &fakeClient{name: name, caps: caps}
}

func TestClientPoolRoundRobinsAcrossCapableClients(t *testing.T) {
	a := newFakeClient("a", modelclient.TaskImageEmbedding)
	b := newFakeClient("b", modelclient.TaskImageEmbedding)
	pool := NewClientPool([]modelclient.Client{a, b})

	var order []string
	for i := 0; i < 4; i++ {
		result, err := pool.Dispatch(context.Background(), modelclient.TaskImageEmbedding, func(ctx context.Context, c modelclient.Client) (any, error) {
			return c.Name(), nil
		})
		require.NoError(t, err)
		order = append(order, result.(string))
	}
	require.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestClientPoolSkipsUnsupportedKind(t *testing.T) {
	a := newFakeClient("a", modelclient.TaskTagEmbedding)
	pool := NewClientPool([]modelclient.Client{a})

	_, err := pool.Dispatch(context.Background(), modelclient.TaskImageEmbedding, func(ctx context.Context, c modelclient.Client) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoCapableClient)
}

func TestClientPoolPropagatesGenuineErrors(t *testing.T) {
	a := newFakeClient("a", modelclient.TaskImageEmbedding)
	pool := NewClientPool([]modelclient.Client{a})

	sentinel := errors.New("model server unreachable")
	_, err := pool.Dispatch(context.Background(), modelclient.TaskImageEmbedding, func(ctx context.Context, c modelclient.Client) (any, error) {
		return nil, sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestClientPoolOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	a := newFakeClient("a", modelclient.TaskImageEmbedding)
	pool := NewClientPool([]modelclient.Client{a})

	failing := func(ctx context.Context, c modelclient.Client) (any, error) {
		return nil, errors.New("fail")
	}
	for i := 0; i < 5; i++ {
		_, err := pool.Dispatch(context.Background(), modelclient.TaskImageEmbedding, failing)
		require.Error(t, err)
	}

	// The breaker has now seen five consecutive failures and trips open; a
	// subsequent call is rejected before fn ever runs.
	_, err := pool.Dispatch(context.Background(), modelclient.TaskImageEmbedding, func(ctx context.Context, c modelclient.Client) (any, error) {
		t.Fatal("fn should not run once the only capable client's breaker is open")
		return nil, nil
	})
	require.Error(t, err)
}
