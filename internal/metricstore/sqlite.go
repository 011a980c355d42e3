package metricstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
)

// SQLite implements Store on a single-file database. Timestamps are stored as
// INTEGER microseconds since the epoch and dates as YYYY-MM-DD text.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "metricstore: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "metricstore: sqlite exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

func sqliteMigration() string {
	var b strings.Builder
	for _, k := range Kinds() {
		spec := specs[k]
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", spec.Table())
		b.WriteString("\tid            INTEGER PRIMARY KEY AUTOINCREMENT,\n")
		b.WriteString("\ttenant_id     TEXT NOT NULL,\n")
		if spec.EntityColumn != "" {
			fmt.Fprintf(&b, "\t%s TEXT NOT NULL,\n", spec.EntityColumn)
		}
		if spec.Dated {
			b.WriteString("\tdate          TEXT NOT NULL,\n")
		}
		b.WriteString("\tcalculated_at INTEGER NOT NULL,\n")
		b.WriteString("\tvalue         REAL NOT NULL,\n")
		b.WriteString("\tinputs        TEXT,\n")
		b.WriteString("\tparams        TEXT\n")
		b.WriteString(");\n")
		idxCols := append([]string{"tenant_id"}, spec.KeyColumns()...)
		idxCols = append(idxCols, "calculated_at")
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_latest ON %s (%s);\n\n",
			spec.Table(), spec.Table(), strings.Join(idxCols, ", "))
	}
	return b.String()
}

// Migrate creates the metric tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration())
	return eris.Wrap(err, "metricstore: sqlite migrate")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Append inserts a row.
func (s *SQLite) Append(ctx context.Context, row Row) error {
	spec, err := validate(row)
	if err != nil {
		return err
	}
	subject := normalize(spec, row.Subject)

	cols := append([]string{"tenant_id"}, spec.KeyColumns()...)
	cols = append(cols, "calculated_at", "value", "inputs", "params")
	args := append(sqliteSubjectArgs(spec, subject),
		row.CalculatedAt.UnixMicro(), row.Value, nullableText(row.Inputs), nullableText(row.Params))

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table(), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return eris.Wrapf(err, "metricstore: sqlite append %s %s", row.Kind, subject)
	}
	return nil
}

// LoadLatest returns the latest row not after before.
func (s *SQLite) LoadLatest(ctx context.Context, kind Kind, subject Subject, before time.Time) (Row, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return Row{}, err
	}
	if err := validateSubject(spec, subject); err != nil {
		return Row{}, err
	}
	subject = normalize(spec, subject)

	where := []string{"tenant_id = ?"}
	for _, c := range spec.KeyColumns() {
		where = append(where, c+" = ?")
	}
	args := sqliteSubjectArgs(spec, subject)
	if !before.IsZero() {
		where = append(where, "calculated_at <= ?")
		args = append(args, before.UnixMicro())
	}
	q := fmt.Sprintf(
		"SELECT calculated_at, value, inputs, params FROM %s WHERE %s ORDER BY calculated_at DESC, id DESC LIMIT 1",
		spec.Table(), strings.Join(where, " AND "))

	var (
		micros         int64
		value          float64
		inputs, params sql.NullString
	)
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&micros, &value, &inputs, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, missing(kind, subject)
	}
	if err != nil {
		return Row{}, eris.Wrapf(err, "metricstore: sqlite load latest %s %s", kind, subject)
	}
	return Row{
		Kind:         kind,
		Subject:      subject,
		CalculatedAt: time.UnixMicro(micros).UTC(),
		Value:        value,
		Inputs:       textJSON(inputs),
		Params:       textJSON(params),
	}, nil
}

// LoadManyLatest looks up each subject in turn.
func (s *SQLite) LoadManyLatest(ctx context.Context, kind Kind, subjects []Subject, before time.Time) ([]Latest, error) {
	if _, err := SpecOf(kind); err != nil {
		return nil, err
	}
	out := make([]Latest, len(subjects))
	for i, subj := range subjects {
		row, err := s.LoadLatest(ctx, kind, subj, before)
		if err != nil && !resilience.IsMissingMetric(err) {
			return nil, err
		}
		out[i] = Latest{Row: row, Err: err}
	}
	return out, nil
}

// AggregatePopulation selects the latest value per subject and summarises
// them in process.
func (s *SQLite) AggregatePopulation(ctx context.Context, kind Kind, tenantID string, before time.Time) (Population, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return Population{}, err
	}
	if spec.TenantLevel() {
		return Population{}, eris.Errorf("metricstore: %s has no per-entity population", kind)
	}

	match := []string{"r2.tenant_id = r.tenant_id"}
	for _, c := range spec.KeyColumns() {
		match = append(match, fmt.Sprintf("r2.%s = r.%s", c, c))
	}
	args := []any{}
	if !before.IsZero() {
		match = append(match, "r2.calculated_at <= ?")
		args = append(args, before.UnixMicro())
	}
	args = append(args, tenantID)
	q := fmt.Sprintf(`SELECT r.value FROM %s r WHERE r.id = (
	SELECT r2.id FROM %s r2 WHERE %s ORDER BY r2.calculated_at DESC, r2.id DESC LIMIT 1
) AND r.tenant_id = ?`, spec.Table(), spec.Table(), strings.Join(match, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Population{}, eris.Wrapf(err, "metricstore: sqlite aggregate population %s", kind)
	}
	defer rows.Close() //nolint:errcheck

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return Population{}, eris.Wrapf(err, "metricstore: sqlite scan %s", kind)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return Population{}, eris.Wrapf(err, "metricstore: sqlite iterate %s", kind)
	}
	return populationStats(values), nil
}

func sqliteSubjectArgs(spec KindSpec, s Subject) []any {
	args := []any{s.TenantID}
	if spec.EntityColumn != "" {
		args = append(args, s.EntityID)
	}
	if spec.Dated {
		args = append(args, s.Date.Format(model.DateLayout))
	}
	return args
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textJSON(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
