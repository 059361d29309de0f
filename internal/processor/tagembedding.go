package processor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
)

// TagEmbedding implements the tag-embedding processor: embeds the text
// description of tags that have no embedding for the queue's model yet. A
// tag whose description changes after it was embedded is not embedded again.
type TagEmbedding struct {
	Catalog catalog.Store
}

func (p *TagEmbedding) TaskKind() modelclient.TaskKind { return modelclient.TaskTagEmbedding }

func (p *TagEmbedding) FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error) {
	ids, err := p.Catalog.TagsNeedingEmbedding(ctx, modelName, limit)
	if err != nil {
		return nil, err
	}
	return int64sToStrings(ids), nil
}

func (p *TagEmbedding) Process(ctx context.Context, itemID, modelName string, client modelclient.Client) error {
	tagID, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("processor: tag-embedding bad item id %q: %w", itemID, err)
	}

	text, err := p.Catalog.TagText(ctx, tagID)
	if err != nil {
		return err
	}

	result, err := client.Embed(ctx, modelclient.TaskTagEmbedding, []byte(text))
	if err != nil {
		return fmt.Errorf("processor: embed tag %d: %w", tagID, err)
	}

	return p.Catalog.SaveTagEmbedding(ctx, tagID, catalog.Embedding{
		ModelName: modelName,
		ModelID:   result.ModelID,
		Dimension: result.Dimension,
		Vector:    result.Vector,
	})
}

var _ Processor = (*TagEmbedding)(nil)
