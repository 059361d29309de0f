package processor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// ImageEmbedding implements the image-embedding processor: embeds images
// missing a vector for the queue's model, and when that model is the
// catalog's default tag model, triggers tagging for the same image.
type ImageEmbedding struct {
	Catalog catalog.Store
	Storage *storage.Manager
}

func (p *ImageEmbedding) TaskKind() modelclient.TaskKind { return modelclient.TaskImageEmbedding }

func (p *ImageEmbedding) FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error) {
	ids, err := p.Catalog.ImagesMissingEmbedding(ctx, modelName, limit)
	if err != nil {
		return nil, err
	}
	return int64sToStrings(ids), nil
}

func (p *ImageEmbedding) Process(ctx context.Context, itemID, modelName string, client modelclient.Client) error {
	imageID, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("processor: image-embedding bad item id %q: %w", itemID, err)
	}

	img, err := p.Catalog.Image(ctx, imageID)
	if err != nil {
		return err
	}
	data, err := downloadImage(ctx, p.Storage, img)
	if err != nil {
		return err
	}

	result, err := client.Embed(ctx, modelclient.TaskImageEmbedding, data)
	if err != nil {
		return fmt.Errorf("processor: embed image %d: %w", imageID, err)
	}

	if err := p.Catalog.SaveImageEmbedding(ctx, imageID, catalog.Embedding{
		ModelName: modelName,
		ModelID:   result.ModelID,
		Dimension: result.Dimension,
		Vector:    result.Vector,
	}); err != nil {
		return err
	}

	defaultModel, err := p.Catalog.DefaultTagModel(ctx)
	if err == nil && defaultModel == modelName {
		if tagErr := p.attachMatchingTags(ctx, imageID, modelName, result.Vector); tagErr != nil {
			return fmt.Errorf("processor: tag image %d: %w", imageID, tagErr)
		}
	}

	return nil
}

// tagSimilarityThreshold and topKTags bound the tagging side-effect run for
// the default tag model: attach tags whose description embedding is close
// to the new image vector.
const (
	tagSimilarityThreshold = 0.75
	topKTags               = 5
)

func (p *ImageEmbedding) attachMatchingTags(ctx context.Context, imageID int64, modelName string, imageVector []byte) error {
	tagEmbeddings, err := p.Catalog.TagEmbeddingsForModel(ctx, modelName)
	if err != nil {
		return err
	}
	imgVec := decodeFloat32Vector(imageVector)
	if len(imgVec) == 0 {
		return nil
	}

	type scored = struct {
		tagID int64
		sim   float64
	}
	var candidates []scored
	for _, te := range tagEmbeddings {
		tagVec := decodeFloat32Vector(te.Vector)
		sim := cosineSimilarity(imgVec, tagVec)
		if sim >= tagSimilarityThreshold {
			candidates = append(candidates, scored{tagID: te.TagID, sim: sim})
		}
	}
	sortScoredDesc(candidates)
	if len(candidates) > topKTags {
		candidates = candidates[:topKTags]
	}
	for _, c := range candidates {
		if err := p.Catalog.AttachTag(ctx, imageID, c.tagID); err != nil {
			return err
		}
	}
	return nil
}

func sortScoredDesc(s []struct {
	tagID int64
	sim   float64
}) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].sim > s[j-1].sim; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func int64sToStrings(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

var _ Processor = (*ImageEmbedding)(nil)
