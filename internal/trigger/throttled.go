package trigger

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Throttled rate-limits Enqueue on an underlying queue. The reactor applies
// no rate limiting of its own, so backpressure on producers lives here.
type Throttled struct {
	Queue
	limiter *rate.Limiter
}

// NewThrottled wraps q. A non-positive perSecond disables limiting.
func NewThrottled(q Queue, perSecond float64, burst int) *Throttled {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{Queue: q, limiter: rate.NewLimiter(limit, burst)}
}

// Enqueue waits for a token, then enqueues.
func (q *Throttled) Enqueue(ctx context.Context, t Trigger) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "trigger: throttle")
	}
	return q.Queue.Enqueue(ctx, t)
}

// DeadLetter delegates to the wrapped queue.
func (q *Throttled) DeadLetter(ctx context.Context, t Trigger, reason string) error {
	return DeadLetter(ctx, q.Queue, t, reason)
}

// Peek delegates to the wrapped queue.
func (q *Throttled) Peek(ctx context.Context, limit int) ([]Trigger, error) {
	return Peek(ctx, q.Queue, limit)
}
