package tenantconfig

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/db"
)

// PostgresMigration creates the tenant configuration tables.
const PostgresMigration = `
CREATE TABLE IF NOT EXISTS risk_tenant_config (
	tenant_id  TEXT NOT NULL,
	path       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, path)
);

CREATE TABLE IF NOT EXISTS risk_tenant_config_generation (
	tenant_id  TEXT PRIMARY KEY,
	generation BIGINT NOT NULL DEFAULT 0
);
`

// Postgres stores tenant configuration in a path/value table with a
// per-tenant generation counter.
type Postgres struct {
	pool db.Pool
}

// NewPostgres returns a source on pool.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the configuration tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, PostgresMigration)
	return eris.Wrap(err, "tenantconfig: postgres migrate")
}

func (p *Postgres) Load(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT path, value FROM risk_tenant_config WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "tenantconfig: postgres load")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, eris.Wrap(err, "tenantconfig: postgres scan")
		}
		out[path] = value
	}
	return out, eris.Wrap(rows.Err(), "tenantconfig: postgres iterate")
}

func (p *Postgres) Generation(ctx context.Context, tenantID string) (int64, error) {
	var gen int64
	err := p.pool.QueryRow(ctx,
		`SELECT generation FROM risk_tenant_config_generation WHERE tenant_id = $1`, tenantID,
	).Scan(&gen)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "tenantconfig: postgres generation")
	}
	return gen, nil
}

// Set upserts values and bumps the tenant's generation in one transaction,
// so every resolver reloads on its next lookup and never sees a bump without
// the values behind it.
func (p *Postgres) Set(ctx context.Context, tenantID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	b := &db.Batch{
		Table:   "risk_tenant_config",
		Columns: []string{"tenant_id", "path", "value"},
		Keys:    []string{"tenant_id", "path"},
	}
	for _, path := range paths {
		b.Add(tenantID, path, values[path])
	}
	bump := db.Statement{
		SQL: `INSERT INTO risk_tenant_config_generation (tenant_id, generation) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET generation = risk_tenant_config_generation.generation + 1`,
		Args: []any{tenantID},
	}
	_, err := db.Merge(ctx, p.pool, []*db.Batch{b}, bump)
	return eris.Wrapf(err, "tenantconfig: postgres set %s", tenantID)
}
