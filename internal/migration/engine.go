// Package migration implements the storage migration engine:
// plan/execute/pause/resume/cancel/rollback against a bounded worker pool,
// with a channel-driven pause/resume control plane per task.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/notify"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// Status is a MigrationTask's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RecordStatus is a MigrationFileRecord's lifecycle state.
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordInProgress RecordStatus = "in_progress"
	// RecordUploaded marks a copy successfully written to the target
	// backend whose repoint transaction has not yet committed — a
	// transient state between the upload and CompleteRecordAndRepoint.
	RecordUploaded RecordStatus = "uploaded"
	RecordSuccess  RecordStatus = "success"
	RecordFailed   RecordStatus = "failed"
)

// Task mirrors the migration_tasks row.
type Task struct {
	ID                int64
	Kind              catalog.MigrationKind
	SourceBackendID   blob.BackendID
	TargetBackendID   blob.BackendID
	Filter            catalog.MigrationFilter
	DeleteSourceAfter bool
	Status            Status
	TotalFiles        int
	ProcessedCount    int
	FailedCount       int
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// Progress is a point-in-time snapshot of a task's counts. The engine itself
// publishes notify.MigrationProgressEvent on notify.TopicMigrationProgress.
type Progress struct {
	TaskID      int64
	FilesTotal  int
	FilesDone   int
	FilesFailed int
	Status      Status
}

// concurrencyFloor returns the minimum worker count for a backend kind:
// 4 for cloud backends, higher for local disk.
func concurrencyFloor(t blob.Type) int {
	if t == blob.TypeLocal {
		return 10
	}
	return 4
}

// Engine runs and tracks migration tasks.
type Engine struct {
	store   Store
	catalog catalog.Store
	mgr     *storage.Manager
	bus     *notify.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	running map[int64]*runningTask
}

type runningTask struct {
	cancel  context.CancelFunc
	pauseCh chan struct{}
	done    chan struct{}
}

// New returns an Engine.
func New(store Store, catalogStore catalog.Store, mgr *storage.Manager, bus *notify.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		catalog: catalogStore,
		mgr:     mgr,
		bus:     bus,
		log:     log,
		running: map[int64]*runningTask{},
	}
}

// Plan enumerates catalog rows matching the task's filter and inserts one
// MigrationFileRecord per row, all in a single transaction.
func (e *Engine) Plan(ctx context.Context, task Task) (int64, error) {
	images, err := e.catalog.ImagesMatching(ctx, task.Kind, string(task.SourceBackendID), task.Filter)
	if err != nil {
		return 0, fmt.Errorf("migration: plan images matching: %w", err)
	}
	task.TotalFiles = len(images)
	task.Status = StatusPending

	ids := make([]int64, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}

	taskID, err := e.store.CreateTaskWithRecords(ctx, task, ids)
	if err != nil {
		return 0, fmt.Errorf("migration: plan create task: %w", err)
	}
	return taskID, nil
}

// Execute transitions task to running and starts its worker pool. It returns
// immediately; progress is pushed to notify.Bus and can be polled via the
// Store's GetTask.
func (e *Engine) Execute(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("migration: execute get task %d: %w", taskID, err)
	}
	if task.Status != StatusPending && task.Status != StatusPaused {
		return fmt.Errorf("migration: task %d is %s, not pending or paused", taskID, task.Status)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{cancel: cancel, pauseCh: make(chan struct{}), done: make(chan struct{})}

	e.mu.Lock()
	e.running[taskID] = rt
	e.mu.Unlock()

	if err := e.store.SetStatus(ctx, taskID, StatusRunning); err != nil {
		cancel()
		return fmt.Errorf("migration: set running: %w", err)
	}

	go e.run(runCtx, taskID, rt)
	return nil
}

func (e *Engine) run(ctx context.Context, taskID int64, rt *runningTask) {
	defer close(rt.done)
	defer func() {
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
	}()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Int64("task_id", taskID).Msg("migration: load task failed")
		return
	}

	workers := concurrencyFloor(blob.TypeS3)
	if tgt, err := e.mgr.BackendByID(task.TargetBackendID); err == nil {
		workers = concurrencyFloor(tgt.Type())
	}

	records, err := e.store.PendingAndFailedRecords(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Int64("task_id", taskID).Msg("migration: load records failed")
		e.store.SetStatus(context.Background(), taskID, StatusFailed)
		return
	}

	jobs := make(chan int64, len(records))
	for _, r := range records {
		jobs <- r
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for imageID := range jobs {
				select {
				case <-rt.pauseCh:
					return
				case <-ctx.Done():
					return
				default:
				}
				e.processRecord(ctx, task, imageID)
				e.pushProgress(ctx, taskID)
			}
		}()
	}
	wg.Wait()

	select {
	case <-ctx.Done():
		e.store.SetStatus(context.Background(), taskID, StatusCancelled)
		return
	default:
	}

	select {
	case <-rt.pauseCh:
		// Pause may have been requested after every job already drained the
		// queue on its own, in which case there's nothing left to resume;
		// only report Paused if records remain pending/failed/uploaded.
		remaining, err := e.store.PendingAndFailedRecords(context.Background(), taskID)
		if err == nil && len(remaining) > 0 {
			e.store.SetStatus(context.Background(), taskID, StatusPaused)
			return
		}
	default:
	}

	final, err := e.store.GetTask(context.Background(), taskID)
	if err == nil && final.FailedCount > 0 && final.ProcessedCount == 0 {
		e.store.SetStatus(context.Background(), taskID, StatusFailed)
		return
	}
	e.store.SetStatus(context.Background(), taskID, StatusCompleted)
}

func recordKeys(kind catalog.MigrationKind, img catalog.Image) (src, dst blob.Key) {
	if kind == catalog.MigrationKindThumbnail {
		return blob.Key(img.ThumbnailPath), blob.Key(img.ThumbnailPath)
	}
	return blob.Key(img.Path), blob.Key(img.Path)
}

func (e *Engine) processRecord(ctx context.Context, task Task, imageID int64) {
	if err := e.store.MarkRecordInProgress(ctx, task.ID, imageID); err != nil {
		e.log.Warn().Err(err).Int64("task_id", task.ID).Int64("image_id", imageID).Msg("migration: mark in_progress failed")
	}

	img, err := e.catalog.Image(ctx, imageID)
	if err != nil {
		e.failRecord(ctx, task, imageID, err)
		return
	}

	srcBackend, err := e.mgr.BackendByID(task.SourceBackendID)
	if err != nil {
		e.failRecord(ctx, task, imageID, err)
		return
	}
	dstBackend, err := e.mgr.BackendByID(task.TargetBackendID)
	if err != nil {
		e.failRecord(ctx, task, imageID, err)
		return
	}

	srcKey, dstKey := recordKeys(task.Kind, img)

	rc, _, err := srcBackend.Download(ctx, srcKey, blob.DownloadOpts{})
	if err != nil {
		e.failRecord(ctx, task, imageID, err)
		return
	}
	defer rc.Close()

	if err := dstBackend.Upload(ctx, dstKey, rc, -1, blob.UploadOpts{}); err != nil {
		e.failRecord(ctx, task, imageID, err)
		return
	}

	// The target copy now exists; mark it before attempting the repoint so
	// a repoint-transaction failure leaves a record Cancel can find and
	// clean up, instead of silently orphaning the upload.
	if err := e.store.MarkRecordUploaded(ctx, task.ID, imageID); err != nil {
		e.log.Warn().Err(err).Int64("task_id", task.ID).Int64("image_id", imageID).Msg("migration: mark uploaded failed")
	}

	if err := e.store.CompleteRecordAndRepoint(ctx, task, imageID, string(dstKey)); err != nil {
		e.log.Error().Err(err).Int64("task_id", task.ID).Int64("image_id", imageID).Msg("migration: repoint failed after upload; record left uploaded for retry/cleanup")
		return
	}

	if task.DeleteSourceAfter {
		if err := srcBackend.Delete(ctx, srcKey); err != nil {
			e.log.Warn().Err(err).Int64("image_id", imageID).Msg("migration: delete-source-after failed; orphaned blob left in place")
		}
	}
}

func (e *Engine) failRecord(ctx context.Context, task Task, imageID int64, err error) {
	if markErr := e.store.MarkRecordFailed(ctx, task.ID, imageID, err.Error()); markErr != nil {
		e.log.Error().Err(markErr).Int64("task_id", task.ID).Int64("image_id", imageID).Msg("migration: mark failed record write failed")
	}
}

func (e *Engine) pushProgress(ctx context.Context, taskID int64) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	e.bus.Publish(notify.MigrationProgressEvent{
		BaseEvent:   notify.BaseEvent{EventTopic: notify.TopicMigrationProgress},
		TaskID:      fmt.Sprintf("%d", taskID),
		FilesTotal:  task.TotalFiles,
		FilesDone:   task.ProcessedCount,
		FilesFailed: task.FailedCount,
		Status:      string(task.Status),
	})
}

// Pause signals the worker pool to stop at the next record boundary;
// in-flight records complete before the pool exits. Idempotent.
func (e *Engine) Pause(ctx context.Context, taskID int64) error {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rt.pauseCh:
	default:
		close(rt.pauseCh)
	}
	return nil
}

// Resume transitions a paused task back to running, retrying failed and
// pending records and skipping those already succeeded.
func (e *Engine) Resume(ctx context.Context, taskID int64) error {
	return e.Execute(ctx, taskID)
}

// Cancel transitions the task to cancelled, stops its pool, and best-effort
// deletes copies already written to the target whose image rows were not
// yet repointed.
func (e *Engine) Cancel(ctx context.Context, taskID int64) error {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	e.mu.Unlock()
	if ok {
		rt.cancel()
		<-rt.done
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("migration: cancel get task: %w", err)
	}

	orphans, err := e.store.UploadedNotRepointedRecords(ctx, taskID)
	if err != nil {
		return fmt.Errorf("migration: cancel list orphans: %w", err)
	}
	if dstBackend, err := e.mgr.BackendByID(task.TargetBackendID); err == nil {
		for _, imageID := range orphans {
			img, err := e.catalog.Image(ctx, imageID)
			if err != nil {
				continue
			}
			_, dstKey := recordKeys(task.Kind, img)
			_ = dstBackend.Delete(ctx, dstKey)
		}
	}

	return e.store.SetStatus(ctx, taskID, StatusCancelled)
}

// Rollback schedules a new task with source and target swapped and
// delete_source_after forced true, against the records that were flipped.
func (e *Engine) Rollback(ctx context.Context, taskID int64) (int64, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("migration: rollback get task: %w", err)
	}
	reverse := Task{
		Kind:              task.Kind,
		SourceBackendID:   task.TargetBackendID,
		TargetBackendID:   task.SourceBackendID,
		Filter:            task.Filter,
		DeleteSourceAfter: true,
	}
	return e.Plan(ctx, reverse)
}
