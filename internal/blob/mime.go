package blob

import (
	"path/filepath"
	"strings"
)

// imageContentTypes maps known image extensions to their MIME type. Kept
// explicit rather than relying on mime.TypeByExtension, which is seeded from
// the host's /etc/mime.types and varies across deployment environments.
var imageContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".avif": "image/avif",
}

// DefaultContentType is used when a key's extension is unrecognized.
const DefaultContentType = "application/octet-stream"

// SniffContentType derives a Content-Type from key's file extension for
// backends whose wire protocol wants one set explicitly (S3's PutObject,
// for example, leaves it unset by default). Falls back to
// DefaultContentType for anything not in the known image set.
func SniffContentType(key Key) string {
	ext := strings.ToLower(filepath.Ext(string(key)))
	if ct, ok := imageContentTypes[ext]; ok {
		return ct
	}
	return DefaultContentType
}
