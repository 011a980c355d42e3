package metricstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/db"
	"github.com/sells-group/riskengine/internal/resilience"
)

// Postgres implements Store with one table per metric kind.
type Postgres struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres wraps an existing pool. closeFn, when non-nil, is called by Close.
func NewPostgres(pool db.Pool, closeFn func()) *Postgres {
	return &Postgres{pool: pool, closeFn: closeFn}
}

// Pool returns the underlying pool.
func (s *Postgres) Pool() db.Pool {
	return s.pool
}

// PostgresMigration returns the DDL creating every metric table.
func PostgresMigration() string {
	var b strings.Builder
	for _, k := range Kinds() {
		spec := specs[k]
		table := pgx.Identifier{spec.Table()}.Sanitize()
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
		b.WriteString("\tid            BIGSERIAL PRIMARY KEY,\n")
		b.WriteString("\ttenant_id     TEXT NOT NULL,\n")
		if spec.EntityColumn != "" {
			fmt.Fprintf(&b, "\t%s TEXT NOT NULL,\n", spec.EntityColumn)
		}
		if spec.Dated {
			b.WriteString("\tdate          DATE NOT NULL,\n")
		}
		b.WriteString("\tcalculated_at TIMESTAMPTZ NOT NULL,\n")
		b.WriteString("\tvalue         DOUBLE PRECISION NOT NULL,\n")
		b.WriteString("\tinputs        JSONB,\n")
		b.WriteString("\tparams        JSONB\n")
		b.WriteString(");\n")
		idxCols := append([]string{"tenant_id"}, spec.KeyColumns()...)
		idxCols = append(idxCols, "calculated_at DESC")
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s (%s);\n\n",
			pgx.Identifier{"idx_" + spec.Table() + "_latest"}.Sanitize(), table, strings.Join(idxCols, ", "))
	}
	return b.String()
}

// Migrate creates the metric tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresMigration())
	return eris.Wrap(err, "metricstore: postgres migrate")
}

// Close releases the pool when it is owned by the store.
func (s *Postgres) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Append inserts a row.
func (s *Postgres) Append(ctx context.Context, row Row) error {
	spec, err := validate(row)
	if err != nil {
		return err
	}
	subject := normalize(spec, row.Subject)

	cols := append([]string{"tenant_id"}, spec.KeyColumns()...)
	cols = append(cols, "calculated_at", "value", "inputs", "params")
	args := append(subjectArgs(spec, subject), row.CalculatedAt.UTC(), row.Value, nullableJSON(row.Inputs), nullableJSON(row.Params))

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{spec.Table()}.Sanitize(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return eris.Wrapf(err, "metricstore: append %s %s", row.Kind, subject)
	}
	return nil
}

// LoadLatest returns the latest row not after before.
func (s *Postgres) LoadLatest(ctx context.Context, kind Kind, subject Subject, before time.Time) (Row, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return Row{}, err
	}
	if err := validateSubject(spec, subject); err != nil {
		return Row{}, err
	}
	subject = normalize(spec, subject)

	where := []string{"tenant_id = $1"}
	args := subjectArgs(spec, subject)
	for i, c := range spec.KeyColumns() {
		where = append(where, fmt.Sprintf("%s = $%d", c, i+2))
	}
	if !before.IsZero() {
		args = append(args, before.UTC())
		where = append(where, fmt.Sprintf("calculated_at <= $%d", len(args)))
	}
	sql := fmt.Sprintf(
		"SELECT calculated_at, value, inputs, params FROM %s WHERE %s ORDER BY calculated_at DESC, id DESC LIMIT 1",
		pgx.Identifier{spec.Table()}.Sanitize(), strings.Join(where, " AND "))

	var (
		calculatedAt   time.Time
		value          float64
		inputs, params []byte
	)
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&calculatedAt, &value, &inputs, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, missing(kind, subject)
	}
	if err != nil {
		return Row{}, eris.Wrapf(err, "metricstore: load latest %s %s", kind, subject)
	}
	return Row{
		Kind:         kind,
		Subject:      subject,
		CalculatedAt: calculatedAt.UTC(),
		Value:        value,
		Inputs:       cloneJSON(inputs),
		Params:       cloneJSON(params),
	}, nil
}

// LoadManyLatest issues one DISTINCT ON query per tenant present in subjects.
func (s *Postgres) LoadManyLatest(ctx context.Context, kind Kind, subjects []Subject, before time.Time) ([]Latest, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return nil, err
	}
	out := make([]Latest, len(subjects))
	if len(subjects) == 0 {
		return out, nil
	}
	if spec.TenantLevel() {
		for i, subj := range subjects {
			row, err := s.LoadLatest(ctx, kind, subj, before)
			if err != nil && !resilience.IsMissingMetric(err) {
				return nil, err
			}
			out[i] = Latest{Row: row, Err: err}
		}
		return out, nil
	}

	normalized := make([]Subject, len(subjects))
	byTenant := map[string][]int{}
	var tenants []string
	for i, subj := range subjects {
		if err := validateSubject(spec, subj); err != nil {
			return nil, err
		}
		normalized[i] = normalize(spec, subj)
		if _, ok := byTenant[subj.TenantID]; !ok {
			tenants = append(tenants, subj.TenantID)
		}
		byTenant[subj.TenantID] = append(byTenant[subj.TenantID], i)
	}

	for _, tenant := range tenants {
		idx := byTenant[tenant]
		found, err := s.loadTenantLatest(ctx, spec, tenant, normalized, idx, before)
		if err != nil {
			return nil, err
		}
		for _, i := range idx {
			if row, ok := found[normalized[i].Key()]; ok {
				out[i] = Latest{Row: row}
			} else {
				out[i] = Latest{Err: missing(kind, normalized[i])}
			}
		}
	}
	return out, nil
}

func (s *Postgres) loadTenantLatest(ctx context.Context, spec KindSpec, tenant string, subjects []Subject, idx []int, before time.Time) (map[string]Row, error) {
	entities := make([]string, len(idx))
	dates := make([]time.Time, len(idx))
	for j, i := range idx {
		entities[j] = subjects[i].EntityID
		dates[j] = subjects[i].Date
	}

	keyCols := strings.Join(spec.KeyColumns(), ", ")
	args := []any{tenant, entities}
	var match string
	if spec.Dated {
		args = append(args, dates)
		match = fmt.Sprintf("(%s, date) IN (SELECT * FROM unnest($2::text[], $3::date[]))", spec.EntityColumn)
	} else {
		match = fmt.Sprintf("%s = ANY($2)", spec.EntityColumn)
	}
	where := "tenant_id = $1 AND " + match
	if !before.IsZero() {
		args = append(args, before.UTC())
		where += fmt.Sprintf(" AND calculated_at <= $%d", len(args))
	}
	sql := fmt.Sprintf(
		"SELECT DISTINCT ON (%s) %s, calculated_at, value, inputs, params FROM %s WHERE %s ORDER BY %s, calculated_at DESC, id DESC",
		keyCols, keyCols, pgx.Identifier{spec.Table()}.Sanitize(), where, keyCols)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "metricstore: load many latest %s", spec.Kind)
	}
	defer rows.Close()

	found := make(map[string]Row, len(idx))
	for rows.Next() {
		var (
			r              Row
			date           time.Time
			inputs, params []byte
		)
		r.Kind = spec.Kind
		r.Subject.TenantID = tenant
		dest := []any{&r.Subject.EntityID}
		if spec.Dated {
			dest = append(dest, &date)
		}
		dest = append(dest, &r.CalculatedAt, &r.Value, &inputs, &params)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrapf(err, "metricstore: scan %s", spec.Kind)
		}
		if spec.Dated {
			r.Subject.Date = date.UTC()
		}
		r.CalculatedAt = r.CalculatedAt.UTC()
		r.Inputs = cloneJSON(inputs)
		r.Params = cloneJSON(params)
		found[r.Subject.Key()] = r
	}
	return found, eris.Wrapf(rows.Err(), "metricstore: iterate %s", spec.Kind)
}

// AggregatePopulation computes avg and stddev_pop over the latest row per
// subject in the tenant.
func (s *Postgres) AggregatePopulation(ctx context.Context, kind Kind, tenantID string, before time.Time) (Population, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return Population{}, err
	}
	if spec.TenantLevel() {
		return Population{}, eris.Errorf("metricstore: %s has no per-entity population", kind)
	}

	keyCols := strings.Join(spec.KeyColumns(), ", ")
	args := []any{tenantID}
	where := "tenant_id = $1"
	if !before.IsZero() {
		args = append(args, before.UTC())
		where += " AND calculated_at <= $2"
	}
	sql := fmt.Sprintf(`SELECT count(*), coalesce(avg(value), 0), coalesce(stddev_pop(value), 0) FROM (
	SELECT DISTINCT ON (%s) value FROM %s WHERE %s ORDER BY %s, calculated_at DESC, id DESC
) latest`, keyCols, pgx.Identifier{spec.Table()}.Sanitize(), where, keyCols)

	var (
		p     Population
		count int64
	)
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count, &p.Mean, &p.StdDev); err != nil {
		return Population{}, eris.Wrapf(err, "metricstore: aggregate population %s", kind)
	}
	p.Count = int(count)
	return p, nil
}

func subjectArgs(spec KindSpec, s Subject) []any {
	args := []any{s.TenantID}
	if spec.EntityColumn != "" {
		args = append(args, s.EntityID)
	}
	if spec.Dated {
		args = append(args, s.Date)
	}
	return args
}
