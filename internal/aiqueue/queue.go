// Package aiqueue implements the persistent per-(task_kind, model_name)
// backlog: idempotent enqueue via a unique (queue_key, item_id) index,
// retry/ignore operations, and discovery driven by each task kind's
// processor.
package aiqueue

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Status is an AITaskItem's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// QueueStatus is an AIQueue's lifecycle state.
type QueueStatus string

const (
	QueueIdle       QueueStatus = "idle"
	QueueProcessing QueueStatus = "processing"
)

// Queue mirrors one AIQueue row.
type Queue struct {
	ID           int64       `db:"id"`
	QueueKey     string      `db:"queue_key"`
	TaskKind     string      `db:"task_kind"`
	ModelName    string      `db:"model_name"`
	Status       QueueStatus `db:"status"`
	PendingCount int         `db:"pending_count"`
	FailedCount  int         `db:"failed_count"`
}

// Item mirrors one AITaskItem row.
type Item struct {
	ID       int64  `db:"id"`
	QueueID  int64  `db:"queue_id"`
	QueueKey string `db:"queue_key"`
	ItemID   string `db:"item_id"`
	Status   Status `db:"status"`
	Error    string `db:"error"`
}

func queueKey(taskKind, modelName string) string {
	return taskKind + ":" + modelName
}

// Store persists queues and items.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureQueue resolves or lazily creates the queue row for (taskKind, modelName).
func (s *Store) EnsureQueue(ctx context.Context, taskKind, modelName string) (Queue, error) {
	key := queueKey(taskKind, modelName)

	var q Queue
	err := s.db.GetContext(ctx, &q, `
		SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count
		FROM ai_queues WHERE queue_key = $1
	`, key)
	if err == nil {
		return q, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_queues (queue_key, task_kind, model_name, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue_key) DO NOTHING
	`, key, taskKind, modelName, QueueIdle)
	if err != nil {
		return Queue{}, fmt.Errorf("aiqueue: ensure queue %s: %w", key, err)
	}

	err = s.db.GetContext(ctx, &q, `
		SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count
		FROM ai_queues WHERE queue_key = $1
	`, key)
	if err != nil {
		return Queue{}, fmt.Errorf("aiqueue: load queue %s: %w", key, err)
	}
	return q, nil
}

// Enqueue inserts an item row with status pending. The (queue_key, item_id)
// unique index makes this idempotent: a conflicting insert is a no-op,
// including when the existing row is failed (caller must explicitly Retry).
func (s *Store) Enqueue(ctx context.Context, taskKind, modelName, itemID string) error {
	q, err := s.EnsureQueue(ctx, taskKind, modelName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_task_items (queue_id, queue_key, item_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue_key, item_id) DO NOTHING
	`, q.ID, q.QueueKey, itemID, StatusPending)
	if err != nil {
		return fmt.Errorf("aiqueue: enqueue %s/%s: %w", q.QueueKey, itemID, err)
	}
	return s.refreshCounts(ctx, q.ID)
}

// NextPending pulls up to limit pending items from queueKey in FIFO order.
func (s *Store) NextPending(ctx context.Context, queueKey string, limit int) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, queue_id, queue_key, item_id, status, COALESCE(error, '') AS error
		FROM ai_task_items
		WHERE queue_key = $1 AND status = $2
		ORDER BY id
		LIMIT $3
	`, queueKey, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("aiqueue: next pending for %s: %w", queueKey, err)
	}
	return items, nil
}

// Succeed deletes the item row: completion removes it from the backlog.
func (s *Store) Succeed(ctx context.Context, itemID int64) error {
	var queueID int64
	if err := s.db.GetContext(ctx, &queueID, `SELECT queue_id FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: lookup item %d: %w", itemID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: delete succeeded item %d: %w", itemID, err)
	}
	return s.refreshCounts(ctx, queueID)
}

// Fail updates status to failed with errMsg.
func (s *Store) Fail(ctx context.Context, itemID int64, errMsg string) error {
	var queueID int64
	if err := s.db.GetContext(ctx, &queueID, `SELECT queue_id FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: lookup item %d: %w", itemID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ai_task_items SET status = $1, error = $2, updated_at = now() WHERE id = $3
	`, StatusFailed, errMsg, itemID); err != nil {
		return fmt.Errorf("aiqueue: fail item %d: %w", itemID, err)
	}
	return s.refreshCounts(ctx, queueID)
}

// Retry sets status back to pending, clearing error.
func (s *Store) Retry(ctx context.Context, itemID int64) error {
	var queueID int64
	if err := s.db.GetContext(ctx, &queueID, `SELECT queue_id FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: lookup item %d: %w", itemID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ai_task_items SET status = $1, error = NULL, updated_at = now() WHERE id = $2
	`, StatusPending, itemID); err != nil {
		return fmt.Errorf("aiqueue: retry item %d: %w", itemID, err)
	}
	return s.refreshCounts(ctx, queueID)
}

// RetryQueueFailed sets all failed items in queueID back to pending.
func (s *Store) RetryQueueFailed(ctx context.Context, queueID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ai_task_items SET status = $1, error = NULL, updated_at = now()
		WHERE queue_id = $2 AND status = $3
	`, StatusPending, queueID, StatusFailed); err != nil {
		return fmt.Errorf("aiqueue: retry queue %d failed items: %w", queueID, err)
	}
	return s.refreshCounts(ctx, queueID)
}

// Ignore deletes the item, treating it as permanently skipped.
func (s *Store) Ignore(ctx context.Context, itemID int64) error {
	var queueID int64
	if err := s.db.GetContext(ctx, &queueID, `SELECT queue_id FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: lookup item %d: %w", itemID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ai_task_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("aiqueue: ignore item %d: %w", itemID, err)
	}
	return s.refreshCounts(ctx, queueID)
}

// SetQueueStatus transitions a queue's idle/processing flag.
func (s *Store) SetQueueStatus(ctx context.Context, queueID int64, status QueueStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ai_queues SET status = $1, updated_at = now() WHERE id = $2`, status, queueID)
	return err
}

// EnabledQueues returns every AIQueue row, used by the dispatcher to spawn
// one goroutine per tuple at startup.
func (s *Store) EnabledQueues(ctx context.Context) ([]Queue, error) {
	var qs []Queue
	err := s.db.SelectContext(ctx, &qs, `
		SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count
		FROM ai_queues ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("aiqueue: list queues: %w", err)
	}
	return qs, nil
}

func (s *Store) refreshCounts(ctx context.Context, queueID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ai_queues q SET
			pending_count = (SELECT count(*) FROM ai_task_items WHERE queue_id = q.id AND status = $1),
			failed_count  = (SELECT count(*) FROM ai_task_items WHERE queue_id = q.id AND status = $2),
			updated_at = now()
		WHERE q.id = $3
	`, StatusPending, StatusFailed, queueID)
	if err != nil {
		return fmt.Errorf("aiqueue: refresh counts for queue %d: %w", queueID, err)
	}
	return nil
}
