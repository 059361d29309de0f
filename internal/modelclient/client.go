// Package modelclient defines the small capability interface every model
// server adapter exposes, and the two concrete adapters: an Anthropic
// multimodal client and a generic HTTP client for arbitrary model servers.
package modelclient

import "context"

// TaskKind names one of the processor kinds a client may support.
type TaskKind string

const (
	TaskImageEmbedding  TaskKind = "image-embedding"
	TaskTagEmbedding    TaskKind = "tag-embedding"
	TaskAestheticScore  TaskKind = "aesthetic-scoring"
	TaskAlbumNaming     TaskKind = "album-naming"
	TaskSmartAlbum      TaskKind = "smart-album"
)

// EmbedResult is returned by Embed.
type EmbedResult struct {
	ModelID   string
	Dimension int
	Vector    []byte
}

// ImagePayload is one image handed to Caption, tagged with the MIME type a
// multimodal client needs to decode it correctly.
type ImagePayload struct {
	Bytes     []byte
	MediaType string
}

// Client is the capability interface processors and the dispatcher depend
// on. Not every client implements every method meaningfully: Supports
// reports which TaskKinds a given client can serve, and the dispatcher's
// load balancer only routes a task kind to clients that support it.
type Client interface {
	// Name identifies this client instance for logging and circuit breaking.
	Name() string
	// Supports reports whether this client can serve kind.
	Supports(kind TaskKind) bool
	// Embed returns a vector embedding for arbitrary bytes (image or text
	// encoded by the caller into a uniform request shape).
	Embed(ctx context.Context, kind TaskKind, payload []byte) (EmbedResult, error)
	// Score returns a scalar aesthetic/quality score in [0, 1].
	Score(ctx context.Context, payload []byte) (float64, error)
	// Caption asks a multimodal client to produce a short natural-language
	// name/caption from one or more images, used by album-naming. Clients
	// that only support a single image per request use the first and
	// ignore the rest.
	Caption(ctx context.Context, images []ImagePayload, prompt string) (string, error)
}
