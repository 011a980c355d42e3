package metricstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and local simulation.
type Memory struct {
	mu   sync.RWMutex
	rows map[Kind]map[string][]Row
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[Kind]map[string][]Row)}
}

// Append stores a row.
func (m *Memory) Append(_ context.Context, row Row) error {
	spec, err := validate(row)
	if err != nil {
		return err
	}
	row.Subject = normalize(spec, row.Subject)
	row.CalculatedAt = row.CalculatedAt.UTC()
	row.Inputs = cloneJSON(row.Inputs)
	row.Params = cloneJSON(row.Params)

	m.mu.Lock()
	defer m.mu.Unlock()
	bySubject, ok := m.rows[row.Kind]
	if !ok {
		bySubject = make(map[string][]Row)
		m.rows[row.Kind] = bySubject
	}
	key := row.Subject.Key()
	bySubject[key] = append(bySubject[key], row)
	return nil
}

// LoadLatest returns the latest row not after before.
func (m *Memory) LoadLatest(_ context.Context, kind Kind, subject Subject, before time.Time) (Row, error) {
	spec, err := SpecOf(kind)
	if err != nil {
		return Row{}, err
	}
	subject = normalize(spec, subject)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := latestOf(m.rows[kind][subject.Key()], before); ok {
		return row, nil
	}
	return Row{}, missing(kind, subject)
}

// LoadManyLatest returns the latest row for each subject in order.
func (m *Memory) LoadManyLatest(ctx context.Context, kind Kind, subjects []Subject, before time.Time) ([]Latest, error) {
	if _, err := SpecOf(kind); err != nil {
		return nil, err
	}
	out := make([]Latest, len(subjects))
	for i, s := range subjects {
		row, err := m.LoadLatest(ctx, kind, s, before)
		out[i] = Latest{Row: row, Err: err}
	}
	return out, nil
}

// AggregatePopulation computes statistics over the latest row per subject in
// the tenant.
func (m *Memory) AggregatePopulation(_ context.Context, kind Kind, tenantID string, before time.Time) (Population, error) {
	if _, err := SpecOf(kind); err != nil {
		return Population{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var values []float64
	for _, history := range m.rows[kind] {
		if len(history) == 0 || history[0].Subject.TenantID != tenantID {
			continue
		}
		if row, ok := latestOf(history, before); ok {
			values = append(values, row.Value)
		}
	}
	return populationStats(values), nil
}

// Rows returns every stored row of kind for a tenant, ordered by subject key
// then calculated_at.
func (m *Memory) Rows(kind Kind, tenantID string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, history := range m.rows[kind] {
		for _, r := range history {
			if r.Subject.TenantID == tenantID {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Subject.Key() != out[j].Subject.Key() {
			return out[i].Subject.Key() < out[j].Subject.Key()
		}
		return out[i].CalculatedAt.Before(out[j].CalculatedAt)
	})
	return out
}

// Migrate is a no-op.
func (m *Memory) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// latestOf picks the greatest calculated_at not after before. Ties go to the
// later append.
func latestOf(history []Row, before time.Time) (Row, bool) {
	var best Row
	found := false
	for _, r := range history {
		if !before.IsZero() && r.CalculatedAt.After(before) {
			continue
		}
		if !found || !r.CalculatedAt.Before(best.CalculatedAt) {
			best = r
			found = true
		}
	}
	return best, found
}
