// Package processor implements the five task kinds the AI dispatcher drives
// polymorphically: image-embedding, tag-embedding, aesthetic-scoring,
// album-naming, and smart-album.
package processor

import (
	"context"
	"fmt"
	"io"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// Processor is the polymorphic contract the dispatcher drives: each kind
// reports which items are pending and knows how to process exactly one.
type Processor interface {
	// TaskKind names the queue this processor serves.
	TaskKind() modelclient.TaskKind
	// FindPendingItems returns up to limit item ids (as strings; catalog ids
	// are formatted, smart-album tasks and album ids likewise) awaiting work
	// for modelName.
	FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error)
	// Process handles one item using client, the model adapter the
	// dispatcher's load balancer selected for this queue.
	Process(ctx context.Context, itemID string, modelName string, client modelclient.Client) error
}

// downloadImage fetches an image's original blob bytes through the storage
// manager, routed to the backend the catalog row names.
func downloadImage(ctx context.Context, mgr *storage.Manager, img catalog.Image) ([]byte, error) {
	routed := storage.WithBackendOverride(ctx, blob.BackendID(img.BackendID))
	rc, _, err := mgr.Download(routed, blob.Key(img.Path), blob.DownloadOpts{})
	if err != nil {
		return nil, fmt.Errorf("processor: download image %d: %w", img.ID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("processor: read image %d: %w", img.ID, err)
	}
	return data, nil
}
