// Package trigger carries identifier-only change events from mutation paths
// to the reactor. Delivery is at least once; consumers must be idempotent.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Kind is the closed set of change events.
type Kind string

const (
	TaskChanged                   Kind = "TaskChanged"
	TaskDeleted                   Kind = "TaskDeleted"
	ActivityChanged               Kind = "ActivityChanged"
	ActivityDeleted               Kind = "ActivityDeleted"
	LocationSiteConditionsChanged Kind = "LocationSiteConditionsChanged"
	ContractorChanged             Kind = "ContractorChanged"
	SupervisorChanged             Kind = "SupervisorChanged"
	CrewChanged                   Kind = "CrewChanged"
	WorkPackageChanged            Kind = "WorkPackageChanged"
	ProjectLocationChanged        Kind = "ProjectLocationChanged"
)

// Kinds lists every accepted trigger kind.
var Kinds = []Kind{
	TaskChanged,
	TaskDeleted,
	ActivityChanged,
	ActivityDeleted,
	LocationSiteConditionsChanged,
	ContractorChanged,
	SupervisorChanged,
	CrewChanged,
	WorkPackageChanged,
	ProjectLocationChanged,
}

// Valid reports whether k is an accepted kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", eris.Errorf("trigger: unknown kind %q", s)
	}
	return k, nil
}

// Trigger is one change event. It carries identifiers only.
type Trigger struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TenantID   string    `json:"tenant_id"`
	EntityID   string    `json:"entity_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// receipt is the queue-specific handle used to ack or nack a dequeued
	// trigger.
	receipt string
}

// New returns a trigger with a fresh ID.
func New(kind Kind, tenantID, entityID string) Trigger {
	return Trigger{
		ID:         uuid.New().String(),
		Kind:       kind,
		TenantID:   tenantID,
		EntityID:   entityID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Validate checks the kind and identifiers.
func (t Trigger) Validate() error {
	if !t.Kind.Valid() {
		return eris.Errorf("trigger: unknown kind %q", t.Kind)
	}
	if t.TenantID == "" {
		return eris.New("trigger: tenant_id is required")
	}
	if t.EntityID == "" {
		return eris.New("trigger: entity_id is required")
	}
	return nil
}

// Retry returns the trigger prepared for re-enqueueing at the tail.
func (t Trigger) Retry() Trigger {
	t.Attempt++
	t.EnqueuedAt = time.Now().UTC()
	t.receipt = ""
	return t
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s(%s/%s)", t.Kind, t.TenantID, t.EntityID)
}

// Fields returns the zap fields identifying the trigger.
func (t Trigger) Fields() []zap.Field {
	return []zap.Field{
		zap.String("trigger_id", t.ID),
		zap.String("trigger_kind", string(t.Kind)),
		zap.String("tenant_id", t.TenantID),
		zap.String("entity_id", t.EntityID),
		zap.Int("attempt", t.Attempt),
	}
}

// Queue is a durable FIFO of triggers shared by every reactor worker.
type Queue interface {
	Enqueue(ctx context.Context, t Trigger) error
	// DequeueBatch claims up to limit pending triggers. It returns an empty
	// slice when nothing is pending.
	DequeueBatch(ctx context.Context, limit int) ([]Trigger, error)
	// Ack removes a claimed trigger permanently.
	Ack(ctx context.Context, t Trigger) error
	// Nack returns a claimed trigger to the head of the queue.
	Nack(ctx context.Context, t Trigger) error
}

// DeadLetterer is implemented by queues that can park triggers which
// exceeded their retry budget.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, t Trigger, reason string) error
}

// DeadLetter parks a claimed trigger. Queues without dead-letter support
// log the trigger and ack it.
func DeadLetter(ctx context.Context, q Queue, t Trigger, reason string) error {
	if dl, ok := q.(DeadLetterer); ok {
		return dl.DeadLetter(ctx, t, reason)
	}
	zap.L().Error("trigger: dead-lettered",
		append(t.Fields(), zap.String("reason", reason))...)
	return q.Ack(ctx, t)
}

// Peeker is implemented by queues that can list unfinished triggers without
// claiming them.
type Peeker interface {
	Peek(ctx context.Context, limit int) ([]Trigger, error)
}

// Peek lists up to limit unfinished triggers of q, oldest first. Queues
// that cannot list return nil.
func Peek(ctx context.Context, q Queue, limit int) ([]Trigger, error) {
	if p, ok := q.(Peeker); ok {
		return p.Peek(ctx, limit)
	}
	return nil, nil
}
