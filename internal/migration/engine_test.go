package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/blob/local"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/notify"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// memStore is an in-memory Store used to exercise the engine's lifecycle
// without a database.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	tasks       map[int64]Task
	records     map[int64]map[int64]RecordStatus // taskID -> imageID -> status
	repointFail map[int64]map[int64]bool         // taskID -> imageID -> force CompleteRecordAndRepoint to fail
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       map[int64]Task{},
		records:     map[int64]map[int64]RecordStatus{},
		repointFail: map[int64]map[int64]bool{},
	}
}

// forceRepointFailure makes a subsequent CompleteRecordAndRepoint call for
// (taskID, imageID) return an error, simulating a repoint transaction that
// fails after the target upload already succeeded.
func (s *memStore) forceRepointFailure(taskID, imageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repointFail[taskID] == nil {
		s.repointFail[taskID] = map[int64]bool{}
	}
	s.repointFail[taskID][imageID] = true
}

func (s *memStore) CreateTaskWithRecords(ctx context.Context, task Task, imageIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	s.tasks[task.ID] = task
	recs := map[int64]RecordStatus{}
	for _, id := range imageIDs {
		recs[id] = RecordPending
	}
	s.records[task.ID] = recs
	return task.ID, nil
}

func (s *memStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID], nil
}

func (s *memStore) SetStatus(ctx context.Context, taskID int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.Status = status
	s.tasks[taskID] = t
	return nil
}

func (s *memStore) PendingAndFailedRecords(ctx context.Context, taskID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, st := range s.records[taskID] {
		if st == RecordPending || st == RecordFailed || st == RecordUploaded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) MarkRecordInProgress(ctx context.Context, taskID, imageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[taskID][imageID] = RecordInProgress
	return nil
}

func (s *memStore) MarkRecordUploaded(ctx context.Context, taskID, imageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[taskID][imageID] = RecordUploaded
	return nil
}

func (s *memStore) MarkRecordFailed(ctx context.Context, taskID, imageID int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[taskID][imageID] = RecordFailed
	t := s.tasks[taskID]
	t.FailedCount++
	s.tasks[taskID] = t
	return nil
}

func (s *memStore) CompleteRecordAndRepoint(ctx context.Context, task Task, imageID int64, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repointFail[task.ID][imageID] {
		return errRepointInjected
	}
	s.records[task.ID][imageID] = RecordSuccess
	t := s.tasks[task.ID]
	t.ProcessedCount++
	s.tasks[task.ID] = t
	return nil
}

func (s *memStore) UploadedNotRepointedRecords(ctx context.Context, taskID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, st := range s.records[taskID] {
		if st == RecordUploaded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var _ Store = (*memStore)(nil)

var errRepointInjected = fmt.Errorf("migration: injected repoint failure")

// memCatalog backs Engine's catalog.Store dependency with an in-memory
// image set; only the methods the engine actually calls are implemented.
type memCatalog struct {
	mu     sync.Mutex
	images map[int64]catalog.Image
}

func (c *memCatalog) ImagesMatching(ctx context.Context, kind catalog.MigrationKind, backendID string, filter catalog.MigrationFilter) ([]catalog.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.Image
	for _, img := range c.images {
		if img.BackendID == backendID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (c *memCatalog) Image(ctx context.Context, id int64) (catalog.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images[id], nil
}

func (c *memCatalog) ImagesMissingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error) {
	return nil, nil
}
func (c *memCatalog) TagsNeedingEmbedding(ctx context.Context, modelName string, limit int) ([]int64, error) {
	return nil, nil
}
func (c *memCatalog) DefaultTagModel(ctx context.Context) (string, error)      { return "", nil }
func (c *memCatalog) TagText(ctx context.Context, tagID int64) (string, error) { return "", nil }
func (c *memCatalog) ImagesMissingScore(ctx context.Context, limit int) ([]int64, error) {
	return nil, nil
}
func (c *memCatalog) Album(ctx context.Context, id int64) (catalog.Album, error) {
	return catalog.Album{}, nil
}
func (c *memCatalog) RepresentativeImages(ctx context.Context, albumID int64, n int) ([]catalog.Image, error) {
	return nil, nil
}
func (c *memCatalog) PendingSmartAlbumTasks(ctx context.Context) ([]catalog.SmartAlbumTask, error) {
	return nil, nil
}
func (c *memCatalog) SmartAlbumTask(ctx context.Context, id int64) (catalog.SmartAlbumTask, error) {
	return catalog.SmartAlbumTask{}, nil
}
func (c *memCatalog) EmbeddingsForModel(ctx context.Context, modelName string) ([]catalog.ImageEmbedding, error) {
	return nil, nil
}
func (c *memCatalog) Repoint(ctx context.Context, imageID int64, kind catalog.MigrationKind, backendID, path string) error {
	return nil
}
func (c *memCatalog) SaveImageEmbedding(ctx context.Context, imageID int64, e catalog.Embedding) error {
	return nil
}
func (c *memCatalog) SaveTagEmbedding(ctx context.Context, tagID int64, e catalog.Embedding) error {
	return nil
}
func (c *memCatalog) AttachTag(ctx context.Context, imageID, tagID int64) error { return nil }
func (c *memCatalog) CreateAlbum(ctx context.Context, name string, imageIDs []int64) (int64, error) {
	return 0, nil
}
func (c *memCatalog) SaveAestheticScore(ctx context.Context, imageID int64, score float64) error {
	return nil
}
func (c *memCatalog) RenameAlbum(ctx context.Context, albumID int64, name string) error { return nil }
func (c *memCatalog) NextSmartAlbumSequence(ctx context.Context) (int, error)           { return 0, nil }
func (c *memCatalog) SetSmartAlbumTaskStatus(ctx context.Context, taskID int64, status string) error {
	return nil
}

var _ catalog.Store = (*memCatalog)(nil)

func newTestManager(t *testing.T) (*storage.Manager, blob.BackendID, blob.BackendID) {
	t.Helper()
	mgr := storage.NewManager()
	mgr.RegisterBuilder(blob.TypeLocal, func(ctx context.Context, cfg storage.BackendConfig) (blob.Store, error) {
		return local.New(cfg.ID, cfg.Params["root"].(string))
	})
	require.NoError(t, mgr.ApplyConfig(context.Background(), storage.Config{
		DefaultBackendID: "src",
		Backends: []storage.BackendConfig{
			{ID: "src", Type: blob.TypeLocal, Params: map[string]any{"root": t.TempDir()}},
			{ID: "dst", Type: blob.TypeLocal, Params: map[string]any{"root": t.TempDir()}},
		},
	}))
	return mgr, "src", "dst"
}

func TestPlanExecuteCompletesAllRecords(t *testing.T) {
	mgr, srcID, dstID := newTestManager(t)
	src, err := mgr.BackendByID(srcID)
	require.NoError(t, err)

	require.NoError(t, src.Upload(context.Background(), "a.jpg", strings.NewReader("aaa"), 3, blob.UploadOpts{}))
	require.NoError(t, src.Upload(context.Background(), "b.jpg", strings.NewReader("bb"), 2, blob.UploadOpts{}))

	cat := &memCatalog{images: map[int64]catalog.Image{
		1: {ID: 1, BackendID: string(srcID), Path: "a.jpg"},
		2: {ID: 2, BackendID: string(srcID), Path: "b.jpg"},
	}}
	store := newMemStore()
	bus := notify.NewBus(8)
	eng := New(store, cat, mgr, bus, zerolog.Nop())

	taskID, err := eng.Plan(context.Background(), Task{
		Kind:            catalog.MigrationKindOriginal,
		SourceBackendID: srcID,
		TargetBackendID: dstID,
	})
	require.NoError(t, err)
	require.Len(t, store.records[taskID], 2)

	require.NoError(t, eng.Execute(context.Background(), taskID))
	waitForTerminal(t, store, taskID)

	task, err := eng.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)
	require.Equal(t, 2, task.ProcessedCount)
}

func TestCancelDeletesUploadedButUnrepointedCopies(t *testing.T) {
	mgr, srcID, dstID := newTestManager(t)
	src, err := mgr.BackendByID(srcID)
	require.NoError(t, err)
	require.NoError(t, src.Upload(context.Background(), "a.jpg", strings.NewReader("aaa"), 3, blob.UploadOpts{}))

	cat := &memCatalog{images: map[int64]catalog.Image{
		1: {ID: 1, BackendID: string(srcID), Path: "a.jpg"},
	}}
	store := newMemStore()
	// Pre-seed the repoint-failure trigger for image 1 so
	// CompleteRecordAndRepoint fails and the record is left RecordUploaded.
	bus := notify.NewBus(8)
	eng := New(store, cat, mgr, bus, zerolog.Nop())

	taskID, err := eng.Plan(context.Background(), Task{
		Kind:            catalog.MigrationKindOriginal,
		SourceBackendID: srcID,
		TargetBackendID: dstID,
	})
	require.NoError(t, err)

	store.forceRepointFailure(taskID, 1)

	require.NoError(t, eng.Execute(context.Background(), taskID))
	waitForStatus(t, store, taskID, StatusCompleted)

	// The record should have landed in RecordUploaded, never RecordSuccess,
	// and the dst backend should hold the orphaned copy Cancel must clean up.
	store.mu.Lock()
	st := store.records[taskID][1]
	store.mu.Unlock()
	require.Equal(t, RecordUploaded, st)

	dst, err := mgr.BackendByID(dstID)
	require.NoError(t, err)
	ok, _, err := dst.Exists(context.Background(), "a.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, eng.Cancel(context.Background(), taskID))

	ok, _, err = dst.Exists(context.Background(), "a.jpg")
	require.NoError(t, err)
	require.False(t, ok, "Cancel should have deleted the orphaned target copy")

	task, err := eng.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, task.Status)
}

func TestPauseStopsBeforeNewRecordsStart(t *testing.T) {
	mgr, srcID, dstID := newTestManager(t)
	src, err := mgr.BackendByID(srcID)
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, src.Upload(context.Background(), blob.Key(keyFor(i)), strings.NewReader("x"), 1, blob.UploadOpts{}))
	}

	images := map[int64]catalog.Image{}
	for i := int64(1); i <= 5; i++ {
		images[i] = catalog.Image{ID: i, BackendID: string(srcID), Path: keyFor(i)}
	}
	cat := &memCatalog{images: images}
	store := newMemStore()
	bus := notify.NewBus(8)
	eng := New(store, cat, mgr, bus, zerolog.Nop())

	taskID, err := eng.Plan(context.Background(), Task{
		Kind:            catalog.MigrationKindOriginal,
		SourceBackendID: srcID,
		TargetBackendID: dstID,
	})
	require.NoError(t, err)

	require.NoError(t, eng.Execute(context.Background(), taskID))
	require.NoError(t, eng.Pause(context.Background(), taskID))

	waitForStatus(t, store, taskID, StatusPaused, StatusCompleted)
	// Either outcome is a valid race resolution of pause-vs-finish; the
	// important invariant is that Pause never errors and the task reaches
	// a terminal/paused state without deadlocking.
}

func TestRollbackPlansReverseTaskWithSourceAndTargetSwapped(t *testing.T) {
	mgr, srcID, dstID := newTestManager(t)
	src, err := mgr.BackendByID(srcID)
	require.NoError(t, err)
	require.NoError(t, src.Upload(context.Background(), "a.jpg", strings.NewReader("aaa"), 3, blob.UploadOpts{}))

	cat := &memCatalog{images: map[int64]catalog.Image{
		1: {ID: 1, BackendID: string(srcID), Path: "a.jpg"},
	}}
	store := newMemStore()
	bus := notify.NewBus(8)
	eng := New(store, cat, mgr, bus, zerolog.Nop())

	taskID, err := eng.Plan(context.Background(), Task{
		Kind:            catalog.MigrationKindOriginal,
		SourceBackendID: srcID,
		TargetBackendID: dstID,
	})
	require.NoError(t, err)

	rollbackID, err := eng.Rollback(context.Background(), taskID)
	require.NoError(t, err)
	require.NotEqual(t, taskID, rollbackID)

	reverse, err := store.GetTask(context.Background(), rollbackID)
	require.NoError(t, err)
	require.Equal(t, dstID, reverse.SourceBackendID)
	require.Equal(t, srcID, reverse.TargetBackendID)
	require.True(t, reverse.DeleteSourceAfter)
}

func keyFor(i int64) string { return strconv.FormatInt(i, 10) + ".jpg" }

func waitForTerminal(t *testing.T, store *memStore, taskID int64) {
	t.Helper()
	waitForStatus(t, store, taskID, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused)
}

func waitForStatus(t *testing.T, store *memStore, taskID int64, want ...Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		cur := store.tasks[taskID].Status
		store.mu.Unlock()
		for _, w := range want {
			if cur == w {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %d did not reach any of %v in time", taskID, want)
}
