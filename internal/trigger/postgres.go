package trigger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/db"
)

// PostgresMigration creates the trigger queue table.
const PostgresMigration = `
CREATE TABLE IF NOT EXISTS risk_triggers (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	error       TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_risk_triggers_status ON risk_triggers(status, enqueued_at);
`

// PostgresQueue is a trigger queue on a table claimed with
// FOR UPDATE SKIP LOCKED, so concurrent workers never claim the same row.
// Rows left in processing longer than the visibility timeout are reclaimed.
type PostgresQueue struct {
	pool       db.Pool
	visibility time.Duration
}

// NewPostgresQueue returns a queue on pool. A non-positive visibility
// timeout defaults to five minutes.
func NewPostgresQueue(pool db.Pool, visibility time.Duration) *PostgresQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &PostgresQueue{pool: pool, visibility: visibility}
}

// Migrate creates the queue table.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, PostgresMigration)
	return eris.Wrap(err, "trigger: postgres migrate")
}

// Enqueue inserts t, or resets it to pending when the ID already exists.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO risk_triggers (id, kind, tenant_id, entity_id, attempt, status, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, now())
		ON CONFLICT (id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			status = 'pending',
			error = NULL,
			enqueued_at = EXCLUDED.enqueued_at,
			updated_at = now()`,
		t.ID, string(t.Kind), t.TenantID, t.EntityID, t.Attempt, t.EnqueuedAt,
	)
	return eris.Wrapf(err, "trigger: postgres enqueue %s", t)
}

// DequeueBatch claims up to limit pending or stale rows and marks them
// processing.
func (q *PostgresQueue) DequeueBatch(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 {
		return nil, eris.New("trigger: batch size must be positive")
	}
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "trigger: postgres begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, kind, tenant_id, entity_id, attempt, enqueued_at
		FROM risk_triggers
		WHERE status = 'pending'
		   OR (status = 'processing' AND updated_at < now() - make_interval(secs => $2))
		ORDER BY enqueued_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit, q.visibility.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "trigger: postgres claim rows")
	}

	var claimed []Trigger
	for rows.Next() {
		var (
			t    Trigger
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.TenantID, &t.EntityID, &t.Attempt, &t.EnqueuedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "trigger: postgres scan row")
		}
		t.Kind = Kind(kind)
		t.EnqueuedAt = t.EnqueuedAt.UTC()
		t.receipt = t.ID
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "trigger: postgres iterate rows")
	}

	if len(claimed) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	ids := make([]string, len(claimed))
	for i, t := range claimed {
		ids[i] = t.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE risk_triggers
		SET status = 'processing', updated_at = now()
		WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, eris.Wrap(err, "trigger: postgres mark processing")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "trigger: postgres commit claim")
	}
	return claimed, nil
}

// Ack marks a claimed row complete.
func (q *PostgresQueue) Ack(ctx context.Context, t Trigger) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE risk_triggers SET status = 'complete', updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		t.ID,
	)
	return eris.Wrapf(err, "trigger: postgres ack %s", t)
}

// Nack returns a claimed row to pending ahead of newer work.
func (q *PostgresQueue) Nack(ctx context.Context, t Trigger) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE risk_triggers SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		t.ID,
	)
	return eris.Wrapf(err, "trigger: postgres nack %s", t)
}

// DeadLetter marks a claimed row dead with the reason.
func (q *PostgresQueue) DeadLetter(ctx context.Context, t Trigger, reason string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE risk_triggers SET status = 'dead', error = $2, updated_at = now()
		WHERE id = $1`,
		t.ID, reason,
	)
	return eris.Wrapf(err, "trigger: postgres dead-letter %s", t)
}

// Peek lists up to limit pending or processing rows without claiming them.
// Rows another worker is processing count as unfinished.
func (q *PostgresQueue) Peek(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx, `
		SELECT id, kind, tenant_id, entity_id, attempt, enqueued_at
		FROM risk_triggers
		WHERE status IN ('pending', 'processing')
		ORDER BY enqueued_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "trigger: postgres peek")
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var (
			t    Trigger
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.TenantID, &t.EntityID, &t.Attempt, &t.EnqueuedAt); err != nil {
			return nil, eris.Wrap(err, "trigger: postgres scan peeked row")
		}
		t.Kind = Kind(kind)
		t.EnqueuedAt = t.EnqueuedAt.UTC()
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "trigger: postgres iterate peeked rows")
}

// PurgeComplete deletes completed rows last updated before cutoff.
func (q *PostgresQueue) PurgeComplete(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM risk_triggers WHERE status = 'complete' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "trigger: postgres purge")
	}
	return tag.RowsAffected(), nil
}
