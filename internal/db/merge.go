package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Batch is a set of rows merged into one table by key. Rows are added with
// Add so a malformed row fails before any SQL runs.
type Batch struct {
	Table   string   // target table, optionally schema-qualified
	Columns []string // every column a row carries, in row order
	Keys    []string // columns of the table's unique constraint

	rows [][]any
	err  error
}

// Add appends a row. A row whose length differs from Columns is recorded
// as an error returned by Merge.
func (b *Batch) Add(values ...any) {
	if len(values) != len(b.Columns) {
		if b.err == nil {
			b.err = eris.Errorf("db: merge %s: row %d has %d values, want %d", b.Table, len(b.rows), len(values), len(b.Columns))
		}
		return
	}
	b.rows = append(b.rows, values)
}

// Len is the number of rows added so far.
func (b *Batch) Len() int { return len(b.rows) }

// Statement is a plain statement run after the batches, inside the same
// transaction.
type Statement struct {
	SQL  string
	Args []any
}

// Merge writes every non-empty batch in a single transaction: each is
// copied into a temp table and merged with INSERT ... ON CONFLICT DO UPDATE.
// Rows repeating a key collapse to the last one added. The trailing
// statements then run before commit, so either everything lands or nothing
// does. The result maps table to rows affected.
func Merge(ctx context.Context, pool Pool, batches []*Batch, then ...Statement) (map[string]int64, error) {
	for _, b := range batches {
		if err := b.check(); err != nil {
			return nil, err
		}
	}
	affected := make(map[string]int64, len(batches))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "db: merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, b := range batches {
		if len(b.rows) == 0 {
			continue
		}
		n, err := b.merge(ctx, tx)
		if err != nil {
			return nil, err
		}
		affected[b.Table] += n
	}
	for _, st := range then {
		if _, err := tx.Exec(ctx, st.SQL, st.Args...); err != nil {
			return nil, eris.Wrap(err, "db: merge: trailing statement")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "db: merge: commit tx")
	}
	return affected, nil
}

func (b *Batch) check() error {
	if b.err != nil {
		return b.err
	}
	if len(b.Columns) == 0 {
		return eris.Errorf("db: merge %s: no columns specified", b.Table)
	}
	if len(b.Keys) == 0 {
		return eris.Errorf("db: merge %s: no conflict keys specified", b.Table)
	}
	for _, k := range b.Keys {
		if b.index(k) < 0 {
			return eris.Errorf("db: merge %s: key %q is not a column", b.Table, k)
		}
	}
	return nil
}

func (b *Batch) index(col string) int {
	for i, c := range b.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

func (b *Batch) merge(ctx context.Context, tx pgx.Tx) (int64, error) {
	temp := pgx.Identifier{"_merge_" + strings.ReplaceAll(b.Table, ".", "_")}
	target := sanitizeTable(b.Table)

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", temp.Sanitize(), target)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: create temp table", b.Table)
	}
	if _, err := tx.CopyFrom(ctx, temp, b.Columns, pgx.CopyFromRows(b.unique())); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: copy rows", b.Table)
	}

	cols := quoteAndJoin(b.Columns)
	action := "DO NOTHING"
	if set := b.updates(); len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		target, cols, cols, temp.Sanitize(), quoteAndJoin(b.Keys), action)
	tag, err := tx.Exec(ctx, insert)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: insert on conflict", b.Table)
	}
	return tag.RowsAffected(), nil
}

// unique drops every row whose key is repeated later in the batch. A
// single INSERT ... ON CONFLICT cannot touch the same row twice.
func (b *Batch) unique() [][]any {
	idx := make([]int, len(b.Keys))
	for i, k := range b.Keys {
		idx[i] = b.index(k)
	}
	last := make(map[string]int, len(b.rows))
	keys := make([]string, len(b.rows))
	for i, row := range b.rows {
		parts := make([]string, len(idx))
		for j, c := range idx {
			parts[j] = fmt.Sprint(row[c])
		}
		keys[i] = strings.Join(parts, "\x00")
		last[keys[i]] = i
	}
	if len(last) == len(b.rows) {
		return b.rows
	}
	out := make([][]any, 0, len(last))
	for i, row := range b.rows {
		if last[keys[i]] == i {
			out = append(out, row)
		}
	}
	return out
}

func (b *Batch) updates() []string {
	skip := make(map[string]bool, len(b.Keys))
	for _, c := range b.Keys {
		skip[c] = true
	}
	var set []string
	for _, c := range b.Columns {
		if skip[c] {
			continue
		}
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}
	return set
}

func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
