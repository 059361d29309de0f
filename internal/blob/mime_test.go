package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSniffContentType(t *testing.T) {
	cases := []struct {
		key  Key
		want string
	}{
		{"photo.jpg", "image/jpeg"},
		{"photo.JPEG", "image/jpeg"},
		{"icon.png", "image/png"},
		{"anim.gif", "image/gif"},
		{"nested/dir/photo.webp", "image/webp"},
		{"scan.heic", "image/heic"},
		{"no-extension", DefaultContentType},
		{"archive.zip", DefaultContentType},
	}
	for _, c := range cases {
		require.Equal(t, c.want, SniffContentType(c.key), "key %q", c.key)
	}
}
