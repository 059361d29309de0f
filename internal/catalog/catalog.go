// Package catalog gives the core a narrow read/write contract into the
// (out-of-process) relational catalog of images, albums, and tags: blob
// references, migration repointing, and the few fields processors and the
// migration engine need.
package catalog

import (
	"context"
	"time"
)

// Image is the subset of catalog fields the core reads or writes. The core
// writes only (backend_id, path) during migration and migration-status
// fields; everything else is read-only from its perspective.
type Image struct {
	ID                 int64
	BackendID          string
	Path               string
	ThumbnailBackendID string
	ThumbnailPath      string
	Size               int64
	Hash               string
	TakenAt            time.Time
	CreatedAt          time.Time
	AlbumIDs           []int64
	Trashed            bool
	AestheticScore     *float64
}

// Album is the subset of album fields album-naming and smart-album touch.
type Album struct {
	ID              int64
	Name            string
	Description     string
	CoverImageID    *int64
}

// MigrationFilter narrows which images a migration plan selects.
type MigrationFilter struct {
	AlbumIDs     []int64
	TakenAfter   *time.Time
	TakenBefore  *time.Time
	MinSizeBytes *int64
	MaxSizeBytes *int64
}

// MigrationKind distinguishes moving full-resolution originals from thumbnails.
type MigrationKind string

const (
	MigrationKindOriginal  MigrationKind = "original"
	MigrationKindThumbnail MigrationKind = "thumbnail"
)

// Embedding is one model's vector for an image or a tag description.
type Embedding struct {
	ModelName string
	ModelID   string
	Dimension int
	Vector    []byte
}

// Reader is the read side of the catalog contract the core depends on.
type Reader interface {
	// ImagesMatching returns images stored on backendID for kind, restricted
	// by filter, for migration planning.
	ImagesMatching(ctx context.Context, kind MigrationKind, backendID string, filter MigrationFilter) ([]Image, error)
	// ImagesMissingEmbedding returns up to limit image ids with no
	// image_embeddings row for modelName, for C4 discovery.
	ImagesMissingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error)
	// TagsNeedingEmbedding returns up to limit tag ids that have no
	// tag_embeddings row for modelName. A tag whose description changes after
	// it has been embedded is not returned again.
	TagsNeedingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error)
	// Image fetches a single image row by id.
	Image(ctx context.Context, id int64) (Image, error)
	// DefaultTagModel returns the model_name processors treat as the
	// default tagging model, so image-embedding can trigger tagging.
	DefaultTagModel(ctx context.Context) (string, error)
	// TagText returns the description text a tag-embedding job embeds.
	TagText(ctx context.Context, tagID int64) (string, error)
	// ImagesMissingScore returns up to limit image ids with no aesthetic
	// score on file.
	ImagesMissingScore(ctx context.Context, limit int) ([]int64, error)
	// Album fetches a single album row by id.
	Album(ctx context.Context, id int64) (Album, error)
	// RepresentativeImages picks up to n images for album-naming: the
	// album's custom cover if set, else up to n images closest to the
	// album's mean embedding vector, else the n highest aesthetic-scored
	// images belonging to it.
	RepresentativeImages(ctx context.Context, albumID int64, n int) ([]Image, error)
	// PendingSmartAlbumTasks returns smart-album tasks awaiting clustering.
	PendingSmartAlbumTasks(ctx context.Context) ([]SmartAlbumTask, error)
	// SmartAlbumTask fetches a single smart-album task by id.
	SmartAlbumTask(ctx context.Context, id int64) (SmartAlbumTask, error)
	// EmbeddingsForModel returns every image embedding on file for modelName,
	// the input to a clustering pass.
	EmbeddingsForModel(ctx context.Context, modelName string) ([]ImageEmbedding, error)
	// TagEmbeddingsForModel returns every tag embedding on file for modelName,
	// the candidate set image-embedding matches a new image vector against.
	TagEmbeddingsForModel(ctx context.Context, modelName string) ([]TagEmbedding, error)
}

// TagEmbedding pairs an embedding with the tag id it describes.
type TagEmbedding struct {
	TagID int64
	Embedding
}

// SmartAlbumTask mirrors one smart_album_tasks row.
type SmartAlbumTask struct {
	ID              int64
	ModelName       string
	ClusterEndpoint string
	HDBSCANParams   HDBSCANParams
	UMAPParams      UMAPParams
	Status          string
}

// HDBSCANParams is the clustering processor's HDBSCAN configuration.
type HDBSCANParams struct {
	MinClusterSize        int     `json:"min_cluster_size"`
	MinSamples             int     `json:"min_samples"`
	ClusterSelectionEpsilon float64 `json:"cluster_selection_epsilon"`
	ClusterSelectionMethod string  `json:"cluster_selection_method"`
	Metric                 string  `json:"metric"`
}

// UMAPParams is the clustering processor's optional UMAP pre-reduction config.
type UMAPParams struct {
	Enabled      bool `json:"enabled"`
	NComponents  int  `json:"n_components"`
	NNeighbors   int  `json:"n_neighbors"`
}

// ImageEmbedding pairs an embedding with the image id it belongs to.
type ImageEmbedding struct {
	ImageID int64
	Embedding
}

// Writer is the write side of the catalog contract the core depends on.
type Writer interface {
	// Repoint updates an image's (backend_id, path) after a migration copy,
	// or its thumbnail counterpart when kind is MigrationKindThumbnail.
	Repoint(ctx context.Context, imageID int64, kind MigrationKind, backendID, path string) error
	// SaveImageEmbedding writes/overwrites an image's vector for a model.
	SaveImageEmbedding(ctx context.Context, imageID int64, e Embedding) error
	// SaveTagEmbedding writes/overwrites a tag's vector for a model.
	SaveTagEmbedding(ctx context.Context, tagID int64, e Embedding) error
	// AttachTag associates tagID with imageID (idempotent).
	AttachTag(ctx context.Context, imageID, tagID int64) error
	// CreateAlbum creates an album with name and attaches imageIDs to it in
	// one transaction, returning the new album id.
	CreateAlbum(ctx context.Context, name string, imageIDs []int64) (int64, error)
	// SaveAestheticScore persists an image's aesthetic score.
	SaveAestheticScore(ctx context.Context, imageID int64, score float64) error
	// RenameAlbum updates an album's display name.
	RenameAlbum(ctx context.Context, albumID int64, name string) error
	// NextSmartAlbumSequence returns the next monotonically increasing N for
	// "智能相册 #N" naming, based on the count of existing smart albums.
	NextSmartAlbumSequence(ctx context.Context) (int, error)
	// SetSmartAlbumTaskStatus transitions a smart-album task's status.
	SetSmartAlbumTaskStatus(ctx context.Context, taskID int64, status string) error
}

// Store combines Reader and Writer; the sqlx-backed implementation lives in sqlcatalog.go.
type Store interface {
	Reader
	Writer
}
