package metricstore

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
)

// Subject identifies the entity a metric row describes. EntityID is empty for
// tenant-level kinds and Date is zero for undated kinds.
type Subject struct {
	TenantID string    `json:"tenant_id"`
	EntityID string    `json:"entity_id,omitempty"`
	Date     time.Time `json:"date,omitzero"`
}

// NewSubject builds a subject with its date truncated to the calendar day.
func NewSubject(tenantID, entityID string, date time.Time) Subject {
	return Subject{TenantID: tenantID, EntityID: entityID, Date: model.Day(date)}
}

// Key returns the canonical string form "tenant/entity/date", omitting
// absent parts.
func (s Subject) Key() string {
	parts := []string{s.TenantID}
	if s.EntityID != "" {
		parts = append(parts, s.EntityID)
	}
	if !s.Date.IsZero() {
		parts = append(parts, s.Date.UTC().Format(model.DateLayout))
	}
	return strings.Join(parts, "/")
}

func (s Subject) String() string { return s.Key() }

// Row is one appended metric value. Rows are never updated or deleted.
type Row struct {
	Kind         Kind            `json:"kind"`
	Subject      Subject         `json:"subject"`
	CalculatedAt time.Time       `json:"calculated_at"`
	Value        float64         `json:"value"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Latest is one entry of a batched latest-row lookup. Err is a
// *resilience.MissingMetricError when the subject has no row.
type Latest struct {
	Row Row
	Err error
}

// Population summarises the latest row of every subject of a kind within a
// tenant. StdDev is the population standard deviation.
type Population struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"count"`
}

// Store is the durable metric row storage.
type Store interface {
	// Append stores a row.
	Append(ctx context.Context, row Row) error
	// LoadLatest returns the row with the greatest calculated_at not after
	// before, or the absolute latest when before is zero.
	LoadLatest(ctx context.Context, kind Kind, subject Subject, before time.Time) (Row, error)
	// LoadManyLatest is the batched LoadLatest. Results keep subject order.
	LoadManyLatest(ctx context.Context, kind Kind, subjects []Subject, before time.Time) ([]Latest, error)
	// AggregatePopulation computes statistics over the latest row per subject.
	AggregatePopulation(ctx context.Context, kind Kind, tenantID string, before time.Time) (Population, error)

	Migrate(ctx context.Context) error
	Close() error
}

// validate checks a row's subject against its kind's shape.
func validate(row Row) (KindSpec, error) {
	spec, err := SpecOf(row.Kind)
	if err != nil {
		return spec, err
	}
	if err := validateSubject(spec, row.Subject); err != nil {
		return spec, err
	}
	if row.CalculatedAt.IsZero() {
		return spec, eris.Errorf("metricstore: %s: calculated_at is required", row.Kind)
	}
	if math.IsNaN(row.Value) || math.IsInf(row.Value, 0) {
		return spec, eris.Errorf("metricstore: %s %s: value is not finite", row.Kind, row.Subject)
	}
	return spec, nil
}

func validateSubject(spec KindSpec, s Subject) error {
	if s.TenantID == "" {
		return eris.Errorf("metricstore: %s: tenant_id is required", spec.Kind)
	}
	if !spec.TenantLevel() && s.EntityID == "" {
		return eris.Errorf("metricstore: %s: %s is required", spec.Kind, spec.EntityColumn)
	}
	if spec.Dated && s.Date.IsZero() {
		return eris.Errorf("metricstore: %s: date is required", spec.Kind)
	}
	return nil
}

// normalize drops subject parts the kind does not carry and truncates the date.
func normalize(spec KindSpec, s Subject) Subject {
	out := Subject{TenantID: s.TenantID}
	if !spec.TenantLevel() {
		out.EntityID = s.EntityID
	}
	if spec.Dated {
		out.Date = model.Day(s.Date)
	}
	return out
}

func missing(kind Kind, s Subject) error {
	return resilience.NewMissingMetric(string(kind), s.Key())
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// populationStats returns the mean and population standard deviation.
func populationStats(values []float64) Population {
	if len(values) == 0 {
		return Population{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return Population{
		Mean:   mean,
		StdDev: math.Sqrt(sq / float64(len(values))),
		Count:  len(values),
	}
}
