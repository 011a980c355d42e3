package trigger

import (
	"context"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"
)

// DeadEntry is a dead-lettered trigger with the reason it was parked.
type DeadEntry struct {
	Trigger Trigger `json:"trigger"`
	Reason  string  `json:"reason"`
}

// MemoryQueue is a single-process queue for tests and simulation.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Trigger
	inflight map[string]Trigger
	dead     []DeadEntry
	seq      int
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]Trigger)}
}

// Enqueue appends t at the tail.
func (q *MemoryQueue) Enqueue(_ context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t.receipt = ""
	q.pending = append(q.pending, t)
	return nil
}

// DequeueBatch claims up to limit triggers from the head.
func (q *MemoryQueue) DequeueBatch(ctx context.Context, limit int) ([]Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, eris.New("trigger: batch size must be positive")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.pending))
	out := make([]Trigger, n)
	for i := range n {
		t := q.pending[i]
		q.seq++
		t.receipt = t.ID + "#" + strconv.Itoa(q.seq)
		q.inflight[t.receipt] = t
		out[i] = t
	}
	q.pending = q.pending[n:]
	return out, nil
}

// Ack forgets a claimed trigger.
func (q *MemoryQueue) Ack(_ context.Context, t Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[t.receipt]; !ok {
		return eris.Errorf("trigger: %s is not in flight", t)
	}
	delete(q.inflight, t.receipt)
	return nil
}

// Nack puts a claimed trigger back at the head.
func (q *MemoryQueue) Nack(_ context.Context, t Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	orig, ok := q.inflight[t.receipt]
	if !ok {
		return eris.Errorf("trigger: %s is not in flight", t)
	}
	delete(q.inflight, t.receipt)
	orig.receipt = ""
	q.pending = append([]Trigger{orig}, q.pending...)
	return nil
}

// DeadLetter parks a claimed trigger.
func (q *MemoryQueue) DeadLetter(_ context.Context, t Trigger, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, t.receipt)
	t.receipt = ""
	q.dead = append(q.dead, DeadEntry{Trigger: t, Reason: reason})
	return nil
}

// Len returns the number of pending triggers.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of claimed, unacknowledged triggers.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Dead returns a copy of the dead-letter list.
func (q *MemoryQueue) Dead() []DeadEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadEntry(nil), q.dead...)
}

// Peek returns up to limit pending triggers from the head.
func (q *MemoryQueue) Peek(_ context.Context, limit int) ([]Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max(limit, 0), len(q.pending))
	return append([]Trigger(nil), q.pending[:n]...), nil
}

// Pending returns a copy of the pending triggers in queue order.
func (q *MemoryQueue) Pending() []Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Trigger(nil), q.pending...)
}
