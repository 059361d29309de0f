package migration

import "context"

// Store is the persistence contract the engine depends on, implemented by
// sqlstore.go against the migration_tasks/migration_file_records tables.
type Store interface {
	// CreateTaskWithRecords inserts task and one pending record per imageID,
	// in a single transaction, and returns the new task id.
	CreateTaskWithRecords(ctx context.Context, task Task, imageIDs []int64) (int64, error)
	// GetTask returns the current row for taskID.
	GetTask(ctx context.Context, taskID int64) (Task, error)
	// SetStatus transitions task to status, stamping started_at/finished_at
	// as appropriate.
	SetStatus(ctx context.Context, taskID int64, status Status) error
	// PendingAndFailedRecords returns the image ids of records not yet
	// succeeded, for (re)execution — this includes records stuck in
	// RecordUploaded, whose target copy landed but whose repoint
	// transaction never committed.
	PendingAndFailedRecords(ctx context.Context, taskID int64) ([]int64, error)
	// MarkRecordInProgress transitions one record to in_progress.
	MarkRecordInProgress(ctx context.Context, taskID, imageID int64) error
	// MarkRecordUploaded transitions one record to uploaded: the copy on
	// the target backend exists but the image row has not yet been
	// repointed to it.
	MarkRecordUploaded(ctx context.Context, taskID, imageID int64) error
	// MarkRecordFailed transitions one record to failed with errMsg and
	// increments the task's failed_count.
	MarkRecordFailed(ctx context.Context, taskID, imageID int64, errMsg string) error
	// CompleteRecordAndRepoint marks the record success, repoints the image
	// row to (task.TargetBackendID, newPath), and increments processed_count,
	// all in one transaction.
	CompleteRecordAndRepoint(ctx context.Context, task Task, imageID int64, newPath string) error
	// UploadedNotRepointedRecords returns image ids stuck in RecordUploaded:
	// the target copy was written but the repoint transaction never
	// committed, so the catalog row still names the source backend. Cancel
	// uses this to find orphaned target copies to best-effort delete.
	UploadedNotRepointedRecords(ctx context.Context, taskID int64) ([]int64, error)
}
