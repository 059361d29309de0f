package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SQLStore is the thin sqlx-backed implementation of Store, covering only
// the fields the core needs access to.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type imageRow struct {
	ID                 int64        `db:"id"`
	BackendID          string       `db:"backend_id"`
	Path               string       `db:"path"`
	ThumbnailBackendID *string      `db:"thumbnail_backend_id"`
	ThumbnailPath      *string      `db:"thumbnail_path"`
	Size               int64        `db:"size"`
	Hash               string       `db:"hash"`
	TakenAt            *time.Time   `db:"taken_at"`
	CreatedAt          time.Time    `db:"created_at"`
	Trashed            bool         `db:"trashed"`
	AestheticScore     *float64     `db:"aesthetic_score"`
}

func (r imageRow) toImage() Image {
	img := Image{
		ID:        r.ID,
		BackendID: r.BackendID,
		Path:      r.Path,
		Size:      r.Size,
		Hash:      r.Hash,
		CreatedAt: r.CreatedAt,
		Trashed:   r.Trashed,
	}
	if r.ThumbnailBackendID != nil {
		img.ThumbnailBackendID = *r.ThumbnailBackendID
	}
	if r.ThumbnailPath != nil {
		img.ThumbnailPath = *r.ThumbnailPath
	}
	if r.TakenAt != nil {
		img.TakenAt = *r.TakenAt
	}
	img.AestheticScore = r.AestheticScore
	return img
}

func (s *SQLStore) ImagesMatching(ctx context.Context, kind MigrationKind, backendID string, filter MigrationFilter) ([]Image, error) {
	backendCol, pathCol := "backend_id", "path"
	if kind == MigrationKindThumbnail {
		backendCol, pathCol = "thumbnail_backend_id", "thumbnail_path"
	}

	query := fmt.Sprintf(`
		SELECT i.id, i.backend_id, i.path, i.thumbnail_backend_id, i.thumbnail_path,
		       i.size, i.hash, i.taken_at, i.created_at, i.trashed
		FROM images i
		WHERE i.%s = $1 AND i.trashed = false
	`, backendCol)
	args := []any{backendID}
	argN := 2

	if len(filter.AlbumIDs) > 0 {
		query += fmt.Sprintf(" AND i.id IN (SELECT image_id FROM album_images WHERE album_id = ANY($%d))", argN)
		args = append(args, pq.Array(filter.AlbumIDs))
		argN++
	}
	if filter.TakenAfter != nil {
		query += fmt.Sprintf(" AND i.taken_at >= $%d", argN)
		args = append(args, *filter.TakenAfter)
		argN++
	}
	if filter.TakenBefore != nil {
		query += fmt.Sprintf(" AND i.taken_at <= $%d", argN)
		args = append(args, *filter.TakenBefore)
		argN++
	}
	if filter.MinSizeBytes != nil {
		query += fmt.Sprintf(" AND i.size >= $%d", argN)
		args = append(args, *filter.MinSizeBytes)
		argN++
	}
	if filter.MaxSizeBytes != nil {
		query += fmt.Sprintf(" AND i.size <= $%d", argN)
		args = append(args, *filter.MaxSizeBytes)
		argN++
	}
	_ = pathCol // selected columns always include both original and thumbnail fields

	var rows []imageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("catalog: images matching: %w", err)
	}
	out := make([]Image, len(rows))
	for i, r := range rows {
		out[i] = r.toImage()
	}
	return out, nil
}

func (s *SQLStore) ImagesMissingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT i.id FROM images i
		WHERE i.trashed = false
		  AND NOT EXISTS (
		      SELECT 1 FROM image_embeddings e
		      WHERE e.image_id = i.id AND e.model_name = $1
		  )
		ORDER BY i.id
		LIMIT $2
	`, modelName, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: images missing embedding: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) TagsNeedingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT t.id FROM tags t
		LEFT JOIN tag_embeddings e ON e.tag_id = t.id AND e.model_name = $1
		WHERE e.tag_id IS NULL
		ORDER BY t.id
		LIMIT $2
	`, modelName, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: tags needing embedding: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) ImagesMissingScore(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM images WHERE trashed = false AND aesthetic_score IS NULL
		ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: images missing score: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) Image(ctx context.Context, id int64) (Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, backend_id, path, thumbnail_backend_id, thumbnail_path,
		       size, hash, taken_at, created_at, trashed
		FROM images WHERE id = $1
	`, id)
	if err != nil {
		return Image{}, fmt.Errorf("catalog: image %d: %w", id, err)
	}
	return row.toImage(), nil
}

func (s *SQLStore) DefaultTagModel(ctx context.Context) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT value FROM settings WHERE category = 'ai' AND key = 'default_tag_model'`)
	if err != nil {
		return "", fmt.Errorf("catalog: default tag model: %w", err)
	}
	return name, nil
}

func (s *SQLStore) Repoint(ctx context.Context, imageID int64, kind MigrationKind, backendID, path string) error {
	backendCol, pathCol := "backend_id", "path"
	if kind == MigrationKindThumbnail {
		backendCol, pathCol = "thumbnail_backend_id", "thumbnail_path"
	}
	query := fmt.Sprintf(`UPDATE images SET %s = $1, %s = $2 WHERE id = $3`, backendCol, pathCol)
	_, err := s.db.ExecContext(ctx, query, backendID, path, imageID)
	if err != nil {
		return fmt.Errorf("catalog: repoint image %d: %w", imageID, err)
	}
	return nil
}

func (s *SQLStore) SaveImageEmbedding(ctx context.Context, imageID int64, e Embedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_embeddings (image_id, model_name, model_id, dimension, vector)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (image_id, model_name) DO UPDATE
		SET model_id = EXCLUDED.model_id, dimension = EXCLUDED.dimension, vector = EXCLUDED.vector
	`, imageID, e.ModelName, e.ModelID, e.Dimension, e.Vector)
	if err != nil {
		return fmt.Errorf("catalog: save image embedding %d/%s: %w", imageID, e.ModelName, err)
	}
	return nil
}

func (s *SQLStore) SaveTagEmbedding(ctx context.Context, tagID int64, e Embedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_embeddings (tag_id, model_name, dimension, vector)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag_id, model_name) DO UPDATE
		SET dimension = EXCLUDED.dimension, vector = EXCLUDED.vector
	`, tagID, e.ModelName, e.Dimension, e.Vector)
	if err != nil {
		return fmt.Errorf("catalog: save tag embedding %d/%s: %w", tagID, e.ModelName, err)
	}
	return nil
}

func (s *SQLStore) AttachTag(ctx context.Context, imageID, tagID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_tags (image_id, tag_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, imageID, tagID)
	if err != nil {
		return fmt.Errorf("catalog: attach tag %d to image %d: %w", tagID, imageID, err)
	}
	return nil
}

func (s *SQLStore) CreateAlbum(ctx context.Context, name string, imageIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: create album begin: %w", err)
	}
	defer tx.Rollback()

	var albumID int64
	if err := tx.GetContext(ctx, &albumID, `INSERT INTO albums (name) VALUES ($1) RETURNING id`, name); err != nil {
		return 0, fmt.Errorf("catalog: insert album: %w", err)
	}
	for _, imageID := range imageIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO album_images (album_id, image_id) VALUES ($1, $2)`, albumID, imageID); err != nil {
			return 0, fmt.Errorf("catalog: attach image %d to album %d: %w", imageID, albumID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: create album commit: %w", err)
	}
	return albumID, nil
}

func (s *SQLStore) TagText(ctx context.Context, tagID int64) (string, error) {
	var description string
	err := s.db.GetContext(ctx, &description, `SELECT description FROM tags WHERE id = $1`, tagID)
	if err != nil {
		return "", fmt.Errorf("catalog: tag text %d: %w", tagID, err)
	}
	return description, nil
}

type albumRow struct {
	ID           int64   `db:"id"`
	Name         string  `db:"name"`
	Description  string  `db:"description"`
	CoverImageID *int64  `db:"cover_image_id"`
}

func (s *SQLStore) Album(ctx context.Context, id int64) (Album, error) {
	var row albumRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, description, cover_image_id FROM albums WHERE id = $1`, id)
	if err != nil {
		return Album{}, fmt.Errorf("catalog: album %d: %w", id, err)
	}
	return Album{ID: row.ID, Name: row.Name, Description: row.Description, CoverImageID: row.CoverImageID}, nil
}

// RepresentativeImages implements the album-naming cover-selection rule, in
// order: (1) the custom cover if the album has one; (2) up to n images
// closest to the album's mean embedding vector, when at least one model has
// embedded two or more of its images; (3) otherwise, the n highest
// aesthetic-scored images in the album.
func (s *SQLStore) RepresentativeImages(ctx context.Context, albumID int64, n int) ([]Image, error) {
	album, err := s.Album(ctx, albumID)
	if err != nil {
		return nil, err
	}
	if album.CoverImageID != nil {
		img, err := s.Image(ctx, *album.CoverImageID)
		if err != nil {
			return nil, err
		}
		return []Image{img}, nil
	}

	byVector, err := s.representativeImagesByVector(ctx, albumID, n)
	if err != nil {
		return nil, err
	}
	if len(byVector) > 0 {
		return byVector, nil
	}

	return s.representativeImagesByScore(ctx, albumID, n)
}

type imageVectorRow struct {
	imageRow
	Vector []byte `db:"vector"`
}

// representativeImagesByVector picks the model with embeddings covering the
// most of the album's images, computes the album's mean vector under that
// model, and returns up to n images ranked by cosine similarity to it.
func (s *SQLStore) representativeImagesByVector(ctx context.Context, albumID int64, n int) ([]Image, error) {
	var modelName string
	err := s.db.GetContext(ctx, &modelName, `
		SELECT e.model_name
		FROM image_embeddings e
		JOIN album_images ai ON ai.image_id = e.image_id
		WHERE ai.album_id = $1
		GROUP BY e.model_name
		ORDER BY COUNT(*) DESC
		LIMIT 1
	`, albumID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: dominant embedding model for album %d: %w", albumID, err)
	}

	var rows []imageVectorRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT i.id, i.backend_id, i.path, i.thumbnail_backend_id, i.thumbnail_path,
		       i.size, i.hash, i.taken_at, i.created_at, i.trashed, i.aesthetic_score,
		       e.vector
		FROM images i
		JOIN album_images ai ON ai.image_id = i.id
		JOIN image_embeddings e ON e.image_id = i.id AND e.model_name = $2
		WHERE ai.album_id = $1 AND i.trashed = false
	`, albumID, modelName)
	if err != nil {
		return nil, fmt.Errorf("catalog: vectors for album %d: %w", albumID, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	vecs := make([][]float32, len(rows))
	for i, r := range rows {
		vecs[i] = decodeFloat32Vector(r.Vector)
	}
	mean := meanVector(vecs)
	if mean == nil {
		return nil, nil
	}

	type scored struct {
		img Image
		sim float64
	}
	ranked := make([]scored, len(rows))
	for i, r := range rows {
		ranked[i] = scored{img: r.toImage(), sim: cosineSimilarity(vecs[i], mean)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Image, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].img
	}
	return out, nil
}

func (s *SQLStore) representativeImagesByScore(ctx context.Context, albumID int64, n int) ([]Image, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT i.id, i.backend_id, i.path, i.thumbnail_backend_id, i.thumbnail_path,
		       i.size, i.hash, i.taken_at, i.created_at, i.trashed, i.aesthetic_score
		FROM images i
		JOIN album_images ai ON ai.image_id = i.id
		WHERE ai.album_id = $1 AND i.trashed = false
		ORDER BY i.aesthetic_score DESC NULLS LAST, i.id
		LIMIT $2
	`, albumID, n)
	if err != nil {
		return nil, fmt.Errorf("catalog: representative images for album %d: %w", albumID, err)
	}
	out := make([]Image, len(rows))
	for i, r := range rows {
		out[i] = r.toImage()
	}
	return out, nil
}

type smartAlbumTaskRow struct {
	ID              int64  `db:"id"`
	ModelName       string `db:"model_name"`
	ClusterEndpoint string `db:"cluster_endpoint"`
	HDBSCANParams   []byte `db:"hdbscan_params"`
	UMAPParams      []byte `db:"umap_params"`
	Status          string `db:"status"`
}

func (s *SQLStore) PendingSmartAlbumTasks(ctx context.Context) ([]SmartAlbumTask, error) {
	var rows []smartAlbumTaskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, model_name, cluster_endpoint, hdbscan_params, umap_params, status
		FROM smart_album_tasks WHERE status = 'pending' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: pending smart album tasks: %w", err)
	}
	out := make([]SmartAlbumTask, len(rows))
	for i, r := range rows {
		var hdbscan HDBSCANParams
		var umap UMAPParams
		_ = json.Unmarshal(r.HDBSCANParams, &hdbscan)
		_ = json.Unmarshal(r.UMAPParams, &umap)
		out[i] = SmartAlbumTask{
			ID:              r.ID,
			ModelName:       r.ModelName,
			ClusterEndpoint: r.ClusterEndpoint,
			HDBSCANParams:   hdbscan,
			UMAPParams:      umap,
			Status:          r.Status,
		}
	}
	return out, nil
}

func (s *SQLStore) SmartAlbumTask(ctx context.Context, id int64) (SmartAlbumTask, error) {
	var row smartAlbumTaskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, model_name, cluster_endpoint, hdbscan_params, umap_params, status
		FROM smart_album_tasks WHERE id = $1
	`, id)
	if err != nil {
		return SmartAlbumTask{}, fmt.Errorf("catalog: smart album task %d: %w", id, err)
	}
	var hdbscan HDBSCANParams
	var umap UMAPParams
	_ = json.Unmarshal(row.HDBSCANParams, &hdbscan)
	_ = json.Unmarshal(row.UMAPParams, &umap)
	return SmartAlbumTask{
		ID:              row.ID,
		ModelName:       row.ModelName,
		ClusterEndpoint: row.ClusterEndpoint,
		HDBSCANParams:   hdbscan,
		UMAPParams:      umap,
		Status:          row.Status,
	}, nil
}

func (s *SQLStore) EmbeddingsForModel(ctx context.Context, modelName string) ([]ImageEmbedding, error) {
	var rows []struct {
		ImageID   int64  `db:"image_id"`
		ModelID   string `db:"model_id"`
		Dimension int    `db:"dimension"`
		Vector    []byte `db:"vector"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT image_id, model_id, dimension, vector FROM image_embeddings
		WHERE model_name = $1 ORDER BY image_id
	`, modelName)
	if err != nil {
		return nil, fmt.Errorf("catalog: embeddings for model %s: %w", modelName, err)
	}
	out := make([]ImageEmbedding, len(rows))
	for i, r := range rows {
		out[i] = ImageEmbedding{
			ImageID: r.ImageID,
			Embedding: Embedding{
				ModelName: modelName,
				ModelID:   r.ModelID,
				Dimension: r.Dimension,
				Vector:    r.Vector,
			},
		}
	}
	return out, nil
}

func (s *SQLStore) TagEmbeddingsForModel(ctx context.Context, modelName string) ([]TagEmbedding, error) {
	var rows []struct {
		TagID     int64  `db:"tag_id"`
		Dimension int    `db:"dimension"`
		Vector    []byte `db:"vector"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tag_id, dimension, vector FROM tag_embeddings
		WHERE model_name = $1 ORDER BY tag_id
	`, modelName)
	if err != nil {
		return nil, fmt.Errorf("catalog: tag embeddings for model %s: %w", modelName, err)
	}
	out := make([]TagEmbedding, len(rows))
	for i, r := range rows {
		out[i] = TagEmbedding{
			TagID: r.TagID,
			Embedding: Embedding{
				ModelName: modelName,
				Dimension: r.Dimension,
				Vector:    r.Vector,
			},
		}
	}
	return out, nil
}

func (s *SQLStore) SaveAestheticScore(ctx context.Context, imageID int64, score float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE images SET aesthetic_score = $1 WHERE id = $2`, score, imageID)
	if err != nil {
		return fmt.Errorf("catalog: save aesthetic score for image %d: %w", imageID, err)
	}
	return nil
}

func (s *SQLStore) RenameAlbum(ctx context.Context, albumID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE albums SET name = $1 WHERE id = $2`, name, albumID)
	if err != nil {
		return fmt.Errorf("catalog: rename album %d: %w", albumID, err)
	}
	return nil
}

// NextSmartAlbumSequence counts existing "智能相册 #N" albums to derive the
// next monotonically increasing N.
func (s *SQLStore) NextSmartAlbumSequence(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM albums WHERE name LIKE '智能相册 #%'`)
	if err != nil {
		return 0, fmt.Errorf("catalog: next smart album sequence: %w", err)
	}
	return count + 1, nil
}

func (s *SQLStore) SetSmartAlbumTaskStatus(ctx context.Context, taskID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE smart_album_tasks SET status = $1, updated_at = now() WHERE id = $2
	`, status, taskID)
	if err != nil {
		return fmt.Errorf("catalog: set smart album task %d status: %w", taskID, err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
