package azure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	gblob "github.com/pixelforge/gallery-core/internal/blob"
)

func TestBlobNameJoinsPrefixAndKey(t *testing.T) {
	b := &Backend{prefix: "tenant-42"}
	require.Equal(t, "tenant-42/a.jpg", b.blobName("a.jpg"))

	b = &Backend{}
	require.Equal(t, "a.jpg", b.blobName("a.jpg"))
}

func TestIsNotFoundMatchesBlobNotFoundCode(t *testing.T) {
	require.True(t, isNotFound(errors.New("ERROR CODE: BlobNotFound")))
	require.False(t, isNotFound(errors.New("ERROR CODE: AuthenticationFailed")))
	require.False(t, isNotFound(nil))
}

func TestMapNotFoundTranslatesToErrNotExist(t *testing.T) {
	require.NoError(t, mapNotFound(nil))

	err := mapNotFound(errors.New("ERROR CODE: BlobNotFound"))
	require.ErrorIs(t, err, gblob.ErrNotExist)

	other := errors.New("ERROR CODE: ServerBusy")
	require.Equal(t, other, mapNotFound(other))
}

var _ gblob.ChunkedDownloader = (*Backend)(nil)
