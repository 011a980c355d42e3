package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T, consumer string) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return NewRedisQueue(client, "test", consumer), mr
}

// eachQueue runs fn against the in-memory and the Redis queue.
func eachQueue(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryQueue()) })
	t.Run("redis", func(t *testing.T) {
		q, _ := newTestRedisQueue(t, "w1")
		fn(t, q)
	})
}

func TestQueue_FIFO(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		a := New(TaskChanged, "t1", "k1")
		b := New(ActivityChanged, "t1", "a1")
		c := New(SupervisorChanged, "t1", "s1")
		for _, tr := range []Trigger{a, b, c} {
			require.NoError(t, q.Enqueue(ctx, tr))
		}

		batch, err := q.DequeueBatch(ctx, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, a.ID, batch[0].ID)
		assert.Equal(t, b.ID, batch[1].ID)

		rest, err := q.DequeueBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, c.ID, rest[0].ID)

		for _, tr := range append(batch, rest...) {
			require.NoError(t, q.Ack(ctx, tr))
		}
		empty, err := q.DequeueBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestQueue_NackReturnsToHead(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		a := New(TaskChanged, "t1", "k1")
		b := New(TaskChanged, "t1", "k2")
		require.NoError(t, q.Enqueue(ctx, a))
		require.NoError(t, q.Enqueue(ctx, b))

		batch, err := q.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, q.Nack(ctx, batch[0]))

		again, err := q.DequeueBatch(ctx, 2)
		require.NoError(t, err)
		require.Len(t, again, 2)
		assert.Equal(t, a.ID, again[0].ID)
		assert.Equal(t, b.ID, again[1].ID)
	})
}

func TestQueue_RetryKeepsIdentity(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, New(CrewChanged, "t1", "c1")))
		batch, err := q.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		require.NoError(t, q.Enqueue(ctx, batch[0].Retry()))
		require.NoError(t, q.Ack(ctx, batch[0]))

		again, err := q.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, batch[0].ID, again[0].ID)
		assert.Equal(t, 1, again[0].Attempt)
	})
}

func TestQueue_RejectsInvalidTrigger(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		err := q.Enqueue(context.Background(), Trigger{Kind: "Bogus", TenantID: "t1", EntityID: "x"})
		assert.ErrorContains(t, err, "unknown kind")
		err = q.Enqueue(context.Background(), New(TaskChanged, "", "x"))
		assert.ErrorContains(t, err, "tenant_id")
	})
}

func TestQueue_DeadLetter(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k1")))
		batch, err := q.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, DeadLetter(ctx, q, batch[0], "retries exhausted"))

		empty, err := q.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestQueue_PeekDoesNotClaim(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		a := New(SupervisorChanged, "t1", "s1")
		b := New(ContractorChanged, "t1", "c1")
		require.NoError(t, q.Enqueue(ctx, a))
		require.NoError(t, q.Enqueue(ctx, b))

		peeked, err := Peek(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, peeked, 1)
		assert.Equal(t, a.ID, peeked[0].ID)
		assert.Equal(t, SupervisorChanged, peeked[0].Kind)

		batch, err := q.DequeueBatch(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, batch, 2, "peeked triggers stay claimable")

		peeked, err = Peek(ctx, q, 10)
		require.NoError(t, err)
		assert.Empty(t, peeked)
	})
}

// listless hides every optional queue capability.
type listless struct{ Queue }

func TestPeek_Unsupported(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), New(TaskChanged, "t1", "k1")))

	peeked, err := Peek(context.Background(), listless{q}, 10)
	require.NoError(t, err)
	assert.Nil(t, peeked)

	peeked, err = Peek(context.Background(), NewThrottled(q, 0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, peeked, 1)
}

func TestMemoryQueue_Accounting(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k1")))
	require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k2")))
	assert.Equal(t, 2, q.Len())

	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.InFlight())

	require.NoError(t, q.DeadLetter(ctx, batch[0], "boom"))
	assert.Equal(t, 0, q.InFlight())
	require.Len(t, q.Dead(), 1)
	assert.Equal(t, "boom", q.Dead()[0].Reason)

	assert.Error(t, q.Ack(ctx, batch[0]))
	_, err = q.DequeueBatch(ctx, 0)
	assert.Error(t, err)
}

func TestMemoryQueue_DuplicatesDelivered(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	tr := New(TaskChanged, "t1", "k1")
	require.NoError(t, q.Enqueue(ctx, tr))
	require.NoError(t, q.Enqueue(ctx, tr))

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, q.Ack(ctx, batch[0]))
	require.NoError(t, q.Ack(ctx, batch[1]))
	assert.Equal(t, 0, q.InFlight())
}

func TestRedisQueue_RecoverAbandonedWork(t *testing.T) {
	q, mr := newTestRedisQueue(t, "w1")
	ctx := context.Background()
	a := New(TaskChanged, "t1", "k1")
	require.NoError(t, q.Enqueue(ctx, a))

	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Simulate a crash: the entry is still in the processing list.
	processing, err := mr.List("test:triggers:processing:w1")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.False(t, mr.Exists("test:triggers:processing:w1"))
}

func TestRedisQueue_DeadLetterList(t *testing.T) {
	q, _ := newTestRedisQueue(t, "w1")
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, New(ContractorChanged, "t1", "c1")))
	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, batch[0], "retries exhausted"))

	dead, err := q.Dead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ContractorChanged, dead[0].Trigger.Kind)
	assert.Equal(t, "retries exhausted", dead[0].Reason)
}

func TestRedisQueue_UndecodableEntryParked(t *testing.T) {
	q, mr := newTestRedisQueue(t, "w1")
	ctx := context.Background()
	_, err := mr.Push("test:triggers:pending", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, New(TaskChanged, "t1", "k1")))

	batch, err := q.DequeueBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, TaskChanged, batch[0].Kind)

	dead, err := mr.List("test:triggers:dead")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRedisQueue_ConsumersIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck
	w1 := NewRedisQueue(client, "test", "w1")
	w2 := NewRedisQueue(client, "test", "w2")
	ctx := context.Background()

	require.NoError(t, w1.Enqueue(ctx, New(TaskChanged, "t1", "k1")))
	require.NoError(t, w1.Enqueue(ctx, New(TaskChanged, "t1", "k2")))

	b1, err := w1.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	b2, err := w2.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, b1, 1)
	require.Len(t, b2, 1)
	assert.NotEqual(t, b1[0].ID, b2[0].ID)

	n, err := w2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, w1.Ack(ctx, b1[0]))
	assert.False(t, mr.Exists("test:triggers:processing:w1"))
}

func TestTrigger_JSONShape(t *testing.T) {
	tr := Trigger{
		ID:         "id-1",
		Kind:       TaskChanged,
		TenantID:   "t1",
		EntityID:   "k1",
		Attempt:    2,
		EnqueuedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id-1","kind":"TaskChanged","tenant_id":"t1","entity_id":"k1","attempt":2,"enqueued_at":"2024-01-01T00:00:00Z"}`, string(data))
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("TaskRenamed")
	assert.Error(t, err)
}

func TestTrigger_Retry(t *testing.T) {
	tr := New(TaskDeleted, "t1", "k1")
	r := tr.Retry().Retry()
	assert.Equal(t, tr.ID, r.ID)
	assert.Equal(t, 2, r.Attempt)
	assert.Equal(t, "TaskDeleted(t1/k1)", r.String())
}
