package aiqueue

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestEnqueueIsIdempotentOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	queueCols := []string{"id", "queue_key", "task_kind", "model_name", "status", "pending_count", "failed_count"}

	// First Enqueue: queue doesn't exist yet, gets created, then the item
	// insert is a fresh row.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count FROM ai_queues WHERE queue_key = $1")).
		WithArgs("caption:claude").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ai_queues")).
		WithArgs("caption:claude", "caption", "claude", QueueIdle).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count FROM ai_queues WHERE queue_key = $1")).
		WithArgs("caption:claude").
		WillReturnRows(sqlmock.NewRows(queueCols).AddRow(1, "caption:claude", "caption", "claude", QueueIdle, 0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ai_task_items")).
		WithArgs(int64(1), "caption:claude", "img-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ai_queues")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Enqueue(ctx, "caption", "claude", "img-1"))

	// Second Enqueue for the same item: queue now exists, and the item
	// insert hits the unique index and is a no-op (RowsAffected 0), which
	// must not surface as an error.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, queue_key, task_kind, model_name, status, pending_count, failed_count FROM ai_queues WHERE queue_key = $1")).
		WithArgs("caption:claude").
		WillReturnRows(sqlmock.NewRows(queueCols).AddRow(1, "caption:claude", "caption", "claude", QueueIdle, 1, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ai_task_items")).
		WithArgs(int64(1), "caption:claude", "img-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ai_queues")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Enqueue(ctx, "caption", "claude", "img-1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSucceedDeletesItemAndRefreshesCounts(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT queue_id FROM ai_task_items WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"queue_id"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ai_task_items WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ai_queues")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Succeed(ctx, 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueFailedResetsStatus(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ai_task_items SET status = $1, error = NULL, updated_at = now() WHERE queue_id = $2 AND status = $3")).
		WithArgs(StatusPending, int64(1), StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ai_queues")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RetryQueueFailed(ctx, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}
