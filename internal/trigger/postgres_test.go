package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresQueue_DefaultVisibility(t *testing.T) {
	q := NewPostgresQueue(nil, 0)
	assert.Equal(t, 5*time.Minute, q.visibility)
}

func TestPostgresQueue_Enqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tr := New(TaskChanged, "t1", "k1")
	mock.ExpectExec(`INSERT INTO risk_triggers`).
		WithArgs(tr.ID, "TaskChanged", "t1", "k1", 0, tr.EnqueuedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	q := NewPostgresQueue(mock, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), tr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Enqueue_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tr := New(TaskChanged, "t1", "k1")
	mock.ExpectExec(`INSERT INTO risk_triggers`).
		WithArgs(tr.ID, "TaskChanged", "t1", "k1", 0, tr.EnqueuedAt).
		WillReturnError(fmt.Errorf("connection refused"))

	q := NewPostgresQueue(mock, time.Minute)
	err = q.Enqueue(context.Background(), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres enqueue")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_DequeueBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, kind, tenant_id, entity_id, attempt, enqueued_at\s+FROM risk_triggers`).
		WithArgs(10, 60.0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "tenant_id", "entity_id", "attempt", "enqueued_at"}).
			AddRow("a", "TaskChanged", "t1", "k1", 0, at).
			AddRow("b", "SupervisorChanged", "t1", "s1", 2, at))
	mock.ExpectExec(`UPDATE risk_triggers\s+SET status = 'processing'`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	q := NewPostgresQueue(mock, time.Minute)
	batch, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, TaskChanged, batch[0].Kind)
	assert.Equal(t, SupervisorChanged, batch[1].Kind)
	assert.Equal(t, 2, batch[1].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_DequeueBatch_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM risk_triggers`).
		WithArgs(5, 300.0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "tenant_id", "entity_id", "attempt", "enqueued_at"}))
	mock.ExpectCommit()

	q := NewPostgresQueue(mock, 0)
	batch, err := q.DequeueBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, batch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_AckNackDeadLetter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tr := Trigger{ID: "a", Kind: TaskChanged, TenantID: "t1", EntityID: "k1"}
	mock.ExpectExec(`SET status = 'complete'`).WithArgs("a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'pending'`).WithArgs("a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'dead'`).WithArgs("a", "retries exhausted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	q := NewPostgresQueue(mock, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Ack(ctx, tr))
	require.NoError(t, q.Nack(ctx, tr))
	require.NoError(t, DeadLetter(ctx, q, tr, "retries exhausted"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Peek(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE status IN \('pending', 'processing'\)`).
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "tenant_id", "entity_id", "attempt", "enqueued_at"}).
			AddRow("a", "SupervisorChanged", "t1", "s1", 0, at))

	q := NewPostgresQueue(mock, time.Minute)
	peeked, err := q.Peek(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, peeked, 1)
	assert.Equal(t, SupervisorChanged, peeked[0].Kind)
	assert.Equal(t, "s1", peeked[0].EntityID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_PurgeComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM risk_triggers WHERE status = 'complete'`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	q := NewPostgresQueue(mock, time.Minute)
	n, err := q.PurgeComplete(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThrottled_Passthrough(t *testing.T) {
	inner := NewMemoryQueue()
	q := NewThrottled(inner, 0, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k1")))
	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.DeadLetter(ctx, batch[0], "x"))
	assert.Len(t, inner.Dead(), 1)
}

func TestThrottled_WaitHonoursContext(t *testing.T) {
	q := NewThrottled(NewMemoryQueue(), 0.001, 1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k1")))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(cctx, New(TaskChanged, "t1", "k2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle")
}
