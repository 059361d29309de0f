package processor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// AestheticScore implements the aesthetic-scoring processor: gated to
// clients that support it, scores images with no score on file.
type AestheticScore struct {
	Catalog catalog.Store
	Storage *storage.Manager
}

func (p *AestheticScore) TaskKind() modelclient.TaskKind { return modelclient.TaskAestheticScore }

func (p *AestheticScore) FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error) {
	ids, err := p.Catalog.ImagesMissingScore(ctx, limit)
	if err != nil {
		return nil, err
	}
	return int64sToStrings(ids), nil
}

func (p *AestheticScore) Process(ctx context.Context, itemID, modelName string, client modelclient.Client) error {
	if !client.Supports(modelclient.TaskAestheticScore) {
		return fmt.Errorf("processor: client %s does not support aesthetic scoring", client.Name())
	}

	imageID, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("processor: aesthetic-scoring bad item id %q: %w", itemID, err)
	}

	img, err := p.Catalog.Image(ctx, imageID)
	if err != nil {
		return err
	}
	data, err := downloadImage(ctx, p.Storage, img)
	if err != nil {
		return err
	}

	score, err := client.Score(ctx, data)
	if err != nil {
		return fmt.Errorf("processor: score image %d: %w", imageID, err)
	}
	return p.Catalog.SaveAestheticScore(ctx, imageID, score)
}

var _ Processor = (*AestheticScore)(nil)
