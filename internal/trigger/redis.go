package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/resilience"
)

// RedisQueue is a reliable list queue. Producers RPUSH onto the pending list;
// each consumer LMOVEs claimed entries into its own processing list and
// removes them on ack, so a crashed consumer's work can be recovered.
type RedisQueue struct {
	client   redis.UniversalClient
	prefix   string
	consumer string
	retry    resilience.RetryConfig
}

// NewRedisQueue returns a queue whose keys live under prefix. consumer names
// this process's processing list and must be stable across restarts for
// Recover to find abandoned work.
func NewRedisQueue(client redis.UniversalClient, prefix, consumer string) *RedisQueue {
	if prefix == "" {
		prefix = "riskengine"
	}
	if consumer == "" {
		consumer = "default"
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("trigger_queue", "redis")
	return &RedisQueue{client: client, prefix: prefix, consumer: consumer, retry: retry}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":triggers:pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":triggers:processing:" + q.consumer }
func (q *RedisQueue) deadKey() string       { return q.prefix + ":triggers:dead" }

// Enqueue appends t to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "trigger: redis marshal")
	}
	err = resilience.Do(ctx, q.retry, func(ctx context.Context) error {
		return q.client.RPush(ctx, q.pendingKey(), data).Err()
	})
	return eris.Wrapf(err, "trigger: redis enqueue %s", t)
}

// DequeueBatch moves up to limit entries into this consumer's processing list.
func (q *RedisQueue) DequeueBatch(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 {
		return nil, eris.New("trigger: batch size must be positive")
	}
	var out []Trigger
	for len(out) < limit {
		raw, err := q.client.LMove(ctx, q.pendingKey(), q.processingKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				// Claimed entries stay in the processing list and are
				// returned so the caller can ack them.
				zap.L().Warn("trigger: redis dequeue interrupted", zap.Error(err), zap.Int("claimed", len(out)))
				break
			}
			return nil, eris.Wrap(err, "trigger: redis dequeue")
		}
		var t Trigger
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			zap.L().Error("trigger: redis undecodable entry", zap.String("raw", raw), zap.Error(err))
			q.park(ctx, raw, "undecodable: "+err.Error())
			continue
		}
		t.receipt = raw
		out = append(out, t)
	}
	return out, nil
}

// Ack removes a claimed entry from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, t Trigger) error {
	err := resilience.Do(ctx, q.retry, func(ctx context.Context) error {
		return q.client.LRem(ctx, q.processingKey(), 1, q.receiptOf(t)).Err()
	})
	return eris.Wrapf(err, "trigger: redis ack %s", t)
}

// Nack moves a claimed entry back to the head of the pending list.
func (q *RedisQueue) Nack(ctx context.Context, t Trigger) error {
	raw := q.receiptOf(t)
	err := resilience.Do(ctx, q.retry, func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.pendingKey(), raw)
		_, err := pipe.Exec(ctx)
		return err
	})
	return eris.Wrapf(err, "trigger: redis nack %s", t)
}

// DeadLetter moves a claimed entry to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, t Trigger, reason string) error {
	entry, err := json.Marshal(DeadEntry{Trigger: t, Reason: reason})
	if err != nil {
		return eris.Wrap(err, "trigger: redis marshal dead entry")
	}
	raw := q.receiptOf(t)
	err = resilience.Do(ctx, q.retry, func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.RPush(ctx, q.deadKey(), entry)
		_, err := pipe.Exec(ctx)
		return err
	})
	return eris.Wrapf(err, "trigger: redis dead-letter %s", t)
}

// Recover returns every entry left in this consumer's processing list to the
// head of the pending list. Call it at startup before dequeueing.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, eris.Wrap(err, "trigger: redis recover")
		}
		n++
	}
}

// Len returns the number of pending entries.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	return n, eris.Wrap(err, "trigger: redis len")
}

// Peek returns up to limit pending entries from the head. Entries claimed by
// other consumers are not listed.
func (q *RedisQueue) Peek(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, q.pendingKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "trigger: redis peek")
	}
	out := make([]Trigger, 0, len(raws))
	for _, raw := range raws {
		var t Trigger
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Dead returns up to limit dead-letter entries, oldest first.
func (q *RedisQueue) Dead(ctx context.Context, limit int64) ([]DeadEntry, error) {
	raws, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "trigger: redis list dead")
	}
	out := make([]DeadEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeadEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) receiptOf(t Trigger) string {
	if t.receipt != "" {
		return t.receipt
	}
	data, _ := json.Marshal(t)
	return string(data)
}

func (q *RedisQueue) park(ctx context.Context, raw, reason string) {
	entry, _ := json.Marshal(map[string]any{
		"raw":       raw,
		"reason":    reason,
		"parked_at": time.Now().UTC(),
	})
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.RPush(ctx, q.deadKey(), entry)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Error("trigger: redis park entry", zap.Error(err))
	}
}
