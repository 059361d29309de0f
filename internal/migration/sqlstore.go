package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/catalog"
)

// SQLStore implements Store against migration_tasks/migration_file_records.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type taskRow struct {
	ID                int64      `db:"id"`
	Kind              string     `db:"kind"`
	SourceBackendID   string     `db:"source_backend_id"`
	TargetBackendID   string     `db:"target_backend_id"`
	FilterJSON        []byte     `db:"filter_json"`
	DeleteSourceAfter bool       `db:"delete_source_after"`
	Status            string     `db:"status"`
	TotalFiles        int        `db:"total_files"`
	ProcessedCount    int        `db:"processed_count"`
	FailedCount       int        `db:"failed_count"`
	CreatedAt         time.Time  `db:"created_at"`
	StartedAt         *time.Time `db:"started_at"`
	FinishedAt        *time.Time `db:"finished_at"`
}

func (r taskRow) toTask() Task {
	var filter catalog.MigrationFilter
	_ = json.Unmarshal(r.FilterJSON, &filter)
	return Task{
		ID:                r.ID,
		Kind:              catalog.MigrationKind(r.Kind),
		SourceBackendID:   blob.BackendID(r.SourceBackendID),
		TargetBackendID:   blob.BackendID(r.TargetBackendID),
		Filter:            filter,
		DeleteSourceAfter: r.DeleteSourceAfter,
		Status:            Status(r.Status),
		TotalFiles:        r.TotalFiles,
		ProcessedCount:    r.ProcessedCount,
		FailedCount:       r.FailedCount,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
	}
}

func (s *SQLStore) CreateTaskWithRecords(ctx context.Context, task Task, imageIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("migration: begin create task: %w", err)
	}
	defer tx.Rollback()

	filterJSON, err := json.Marshal(task.Filter)
	if err != nil {
		return 0, fmt.Errorf("migration: marshal filter: %w", err)
	}

	var taskID int64
	err = tx.GetContext(ctx, &taskID, `
		INSERT INTO migration_tasks
			(kind, source_backend_id, target_backend_id, filter_json, delete_source_after, status, total_files)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, string(task.Kind), string(task.SourceBackendID), string(task.TargetBackendID),
		filterJSON, task.DeleteSourceAfter, StatusPending, len(imageIDs))
	if err != nil {
		return 0, fmt.Errorf("migration: insert task: %w", err)
	}

	for _, imageID := range imageIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migration_file_records (task_id, image_id, status)
			VALUES ($1, $2, $3)
		`, taskID, imageID, RecordPending); err != nil {
			return 0, fmt.Errorf("migration: insert record for image %d: %w", imageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("migration: commit create task: %w", err)
	}
	return taskID, nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, kind, source_backend_id, target_backend_id, filter_json,
		       delete_source_after, status, total_files, processed_count,
		       failed_count, created_at, started_at, finished_at
		FROM migration_tasks WHERE id = $1
	`, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("migration: get task %d: %w", taskID, err)
	}
	return row.toTask(), nil
}

func (s *SQLStore) SetStatus(ctx context.Context, taskID int64, status Status) error {
	switch status {
	case StatusRunning:
		_, err := s.db.ExecContext(ctx, `
			UPDATE migration_tasks SET status = $1, started_at = COALESCE(started_at, now()) WHERE id = $2
		`, status, taskID)
		return err
	case StatusCompleted, StatusFailed, StatusCancelled:
		_, err := s.db.ExecContext(ctx, `
			UPDATE migration_tasks SET status = $1, finished_at = now() WHERE id = $2
		`, status, taskID)
		return err
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE migration_tasks SET status = $1 WHERE id = $2`, status, taskID)
		return err
	}
}

func (s *SQLStore) PendingAndFailedRecords(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT image_id FROM migration_file_records
		WHERE task_id = $1 AND status IN ($2, $3, $4)
		ORDER BY image_id
	`, taskID, RecordPending, RecordFailed, RecordUploaded)
	if err != nil {
		return nil, fmt.Errorf("migration: pending/failed records for task %d: %w", taskID, err)
	}
	return ids, nil
}

func (s *SQLStore) MarkRecordInProgress(ctx context.Context, taskID, imageID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_file_records SET status = $1, updated_at = now(), error = NULL
		WHERE task_id = $2 AND image_id = $3
	`, RecordInProgress, taskID, imageID)
	return err
}

func (s *SQLStore) MarkRecordUploaded(ctx context.Context, taskID, imageID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_file_records SET status = $1, updated_at = now()
		WHERE task_id = $2 AND image_id = $3
	`, RecordUploaded, taskID, imageID)
	return err
}

func (s *SQLStore) MarkRecordFailed(ctx context.Context, taskID, imageID int64, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration: begin mark failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_file_records SET status = $1, error = $2, updated_at = now()
		WHERE task_id = $3 AND image_id = $4
	`, RecordFailed, errMsg, taskID, imageID); err != nil {
		return fmt.Errorf("migration: update record failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_tasks SET failed_count = failed_count + 1 WHERE id = $1
	`, taskID); err != nil {
		return fmt.Errorf("migration: increment failed_count: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) CompleteRecordAndRepoint(ctx context.Context, task Task, imageID int64, newPath string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration: begin complete record: %w", err)
	}
	defer tx.Rollback()

	backendCol, pathCol := "backend_id", "path"
	if task.Kind == catalog.MigrationKindThumbnail {
		backendCol, pathCol = "thumbnail_backend_id", "thumbnail_path"
	}
	query := fmt.Sprintf(`UPDATE images SET %s = $1, %s = $2 WHERE id = $3`, backendCol, pathCol)
	if _, err := tx.ExecContext(ctx, query, string(task.TargetBackendID), newPath, imageID); err != nil {
		return fmt.Errorf("migration: repoint image %d: %w", imageID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_file_records SET status = $1, error = NULL, updated_at = now()
		WHERE task_id = $2 AND image_id = $3
	`, RecordSuccess, task.ID, imageID); err != nil {
		return fmt.Errorf("migration: mark record success: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_tasks SET processed_count = processed_count + 1 WHERE id = $1
	`, task.ID); err != nil {
		return fmt.Errorf("migration: increment processed_count: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) UploadedNotRepointedRecords(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT image_id FROM migration_file_records
		WHERE task_id = $1 AND status = $2
	`, taskID, RecordUploaded)
	if err != nil {
		return nil, fmt.Errorf("migration: uploaded-not-repointed records: %w", err)
	}
	return ids, nil
}
