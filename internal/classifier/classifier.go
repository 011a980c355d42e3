package classifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// NoContributingChildren is the inputs key set by aggregators whose value
// came from no child at all.
const NoContributingChildren = "no_contributing_children"

// Target binds a classifiable entity type to its metric family and the
// metric kind each variant stores.
type Target struct {
	Entity     string
	Family     tenantconfig.Family
	Rule       metricstore.Kind
	Stochastic metricstore.Kind
}

// Kind returns the metric kind classified under variant. It reports false
// when the family is disabled.
func (t Target) Kind(v tenantconfig.Variant) (metricstore.Kind, bool) {
	switch v {
	case tenantconfig.RuleBasedEngine:
		return t.Rule, true
	case tenantconfig.StochasticModel:
		return t.Stochastic, true
	default:
		return "", false
	}
}

// Classifiable targets.
var (
	LocationTarget = Target{
		Entity:     "location",
		Family:     tenantconfig.TotalProjectLocationRiskScore,
		Rule:       metricstore.LocationTotalTaskRisk,
		Stochastic: metricstore.StochasticLocationTotalTaskRisk,
	}
	WorkPackageTarget = Target{
		Entity:     "work_package",
		Family:     tenantconfig.TotalProjectRiskScore,
		Rule:       metricstore.WorkPackageTotalTaskRisk,
		Stochastic: metricstore.StochasticWorkPackageTotalTaskRisk,
	}
)

// Result is one classification.
type Result struct {
	Entity   string           `json:"entity"`
	EntityID string           `json:"entity_id"`
	Level    model.RiskLevel  `json:"level"`
	Kind     metricstore.Kind `json:"kind,omitempty"`
	Date     time.Time        `json:"date,omitzero"`
	Score    *float64         `json:"score,omitempty"`
}

// Classifier classifies the latest aggregate score of an entity and stamps
// the level onto it.
type Classifier struct {
	store       metricstore.Store
	entities    entity.Source
	stamper     entity.RiskStamper
	configs     tenantconfig.Lookup
	now         func() time.Time
	concurrency int
}

// New returns a classifier.
func New(store metricstore.Store, entities entity.Source, stamper entity.RiskStamper, configs tenantconfig.Lookup) *Classifier {
	return &Classifier{
		store:       store,
		entities:    entities,
		stamper:     stamper,
		configs:     configs,
		now:         time.Now,
		concurrency: 8,
	}
}

// WithClock overrides the reference clock.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Location classifies and stamps one location.
func (c *Classifier) Location(ctx context.Context, tenantID, locationID string) (Result, error) {
	loc, err := c.entities.Location(ctx, tenantID, locationID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "classifier: location %s", locationID)
	}
	start, end, err := c.locationRange(ctx, tenantID, locationID)
	if err != nil {
		return Result{}, err
	}
	res, err := c.classify(ctx, LocationTarget, tenantID, locationID, start, end, loc.Archived)
	if err != nil {
		return res, err
	}
	if err := c.stamper.StampLocationRisk(ctx, tenantID, locationID, res.Level); err != nil {
		return res, eris.Wrapf(err, "classifier: stamp location %s", locationID)
	}
	return res, nil
}

// WorkPackage classifies and stamps one work package.
func (c *Classifier) WorkPackage(ctx context.Context, tenantID, workPackageID string) (Result, error) {
	wp, err := c.entities.WorkPackage(ctx, tenantID, workPackageID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "classifier: work package %s", workPackageID)
	}
	locs, err := c.entities.LocationsByWorkPackage(ctx, tenantID, workPackageID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "classifier: locations of %s", workPackageID)
	}
	var start, end time.Time
	for _, l := range locs {
		s, e, err := c.locationRange(ctx, tenantID, l.ID)
		if err != nil {
			return Result{}, err
		}
		start, end = widen(start, end, s, e)
	}
	if start.IsZero() && end.IsZero() {
		start, end = wp.StartDate, wp.EndDate
	}
	res, err := c.classify(ctx, WorkPackageTarget, tenantID, workPackageID, start, end, wp.Archived)
	if err != nil {
		return res, err
	}
	if err := c.stamper.StampWorkPackageRisk(ctx, tenantID, workPackageID, res.Level); err != nil {
		return res, eris.Wrapf(err, "classifier: stamp work package %s", workPackageID)
	}
	return res, nil
}

// Tenant restamps every location and work package of a tenant.
func (c *Classifier) Tenant(ctx context.Context, tenantID string) ([]Result, error) {
	locs, err := c.entities.LocationsByTenant(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: list locations")
	}
	wps, err := c.entities.WorkPackagesByTenant(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: list work packages")
	}

	results := make([]Result, len(locs)+len(wps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, l := range locs {
		g.Go(func() error {
			r, err := c.Location(gctx, tenantID, l.ID)
			results[i] = r
			return err
		})
	}
	for i, w := range wps {
		g.Go(func() error {
			r, err := c.WorkPackage(gctx, tenantID, w.ID)
			results[len(locs)+i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	zap.L().Info("classifier: tenant restamped",
		zap.String("tenant_id", tenantID),
		zap.Int("locations", len(locs)),
		zap.Int("work_packages", len(wps)),
	)
	return results, nil
}

func (c *Classifier) classify(ctx context.Context, target Target, tenantID, entityID string, start, end time.Time, archived bool) (Result, error) {
	res := Result{Entity: target.Entity, EntityID: entityID, Level: model.RiskUnknown}
	if archived || (start.IsZero() && end.IsZero()) {
		return res, nil
	}
	cfg, err := c.configs.Resolve(ctx, tenantID)
	if err != nil {
		return res, err
	}
	mc := cfg.Family(target.Family)
	kind, ok := target.Kind(mc.Type)
	if !ok {
		return res, nil
	}
	res.Kind = kind
	res.Date = model.ClampDate(c.now(), start, end)

	row, err := c.store.LoadLatest(ctx, kind, metricstore.NewSubject(tenantID, entityID, res.Date), time.Time{})
	if resilience.IsMissingMetric(err) {
		return res, nil
	}
	if err != nil {
		return res, eris.Wrapf(err, "classifier: load %s", kind)
	}
	if noContributors(row.Inputs) {
		return res, nil
	}
	th, _, err := Thresholds(ctx, c.store, mc, kind, tenantID, time.Time{})
	if err != nil {
		return res, err
	}
	score := row.Value
	res.Score = &score
	res.Level = Level(score, th)
	return res, nil
}

func (c *Classifier) locationRange(ctx context.Context, tenantID, locationID string) (time.Time, time.Time, error) {
	acts, err := c.entities.ActivitiesByLocation(ctx, tenantID, locationID)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "classifier: activities of %s", locationID)
	}
	var start, end time.Time
	for _, a := range acts {
		if a.Archived {
			continue
		}
		start, end = widen(start, end, a.StartDate, a.EndDate)
	}
	return start, end, nil
}

func widen(start, end, s, e time.Time) (time.Time, time.Time) {
	if !s.IsZero() && (start.IsZero() || s.Before(start)) {
		start = s
	}
	if !e.IsZero() && (end.IsZero() || e.After(end)) {
		end = e
	}
	return start, end
}

func noContributors(inputs json.RawMessage) bool {
	if len(inputs) == 0 {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(inputs, &m); err != nil {
		return false
	}
	v, _ := m[NoContributingChildren].(bool)
	return v
}
