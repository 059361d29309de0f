package s3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelforge/gallery-core/internal/blob"
)

func TestURLPrefersCDNPrefixWhenConfigured(t *testing.T) {
	b := &Backend{id: "s3-archive", bucket: "photos", prefix: "", cdnURLPrefix: "https://cdn.example.com"}

	url, ok, err := b.URL(context.Background(), "albums/1/a.jpg", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://cdn.example.com/albums/1/a.jpg", url)
}

func TestURLAppliesKeyPrefixUnderCDN(t *testing.T) {
	b := &Backend{id: "s3-archive", bucket: "photos", prefix: "tenant-42", cdnURLPrefix: "https://cdn.example.com"}

	url, ok, err := b.URL(context.Background(), "a.jpg", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://cdn.example.com/tenant-42/a.jpg", url)
}

func TestFullKeyJoinsPrefixAndKey(t *testing.T) {
	b := &Backend{prefix: "tenant-42"}
	require.Equal(t, "tenant-42/a.jpg", b.fullKey("a.jpg"))

	b = &Backend{}
	require.Equal(t, "a.jpg", b.fullKey("a.jpg"))
}

var _ blob.Store = (*Backend)(nil)
