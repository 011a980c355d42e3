package riskmodel

import (
	"context"

	"github.com/sells-group/riskengine/internal/classifier"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// parentLevel selects the entity an aggregator summarises.
type parentLevel int

const (
	activityLevel parentLevel = iota
	locationLevel
	workPackageLevel
)

// children returns the parent's archived flag and candidate tasks.
func (p parentLevel) children(ctx context.Context, c *Calc) (bool, []model.Task, error) {
	src, tenant, id := c.env.entities, c.Tenant(), c.Subject.EntityID
	switch p {
	case activityLevel:
		a, err := src.Activity(ctx, tenant, id)
		if err != nil {
			return false, nil, c.gone(err)
		}
		tasks, err := src.TasksByActivity(ctx, tenant, id)
		return a.Archived, tasks, err
	case locationLevel:
		l, err := src.Location(ctx, tenant, id)
		if err != nil {
			return false, nil, c.gone(err)
		}
		tasks, err := src.TasksByLocation(ctx, tenant, id)
		return l.Archived, tasks, err
	default:
		w, err := src.WorkPackage(ctx, tenant, id)
		if err != nil {
			return false, nil, c.gone(err)
		}
		tasks, err := src.TasksByWorkPackage(ctx, tenant, id)
		return w.Archived, tasks, err
	}
}

// contributing drops archived, non-progressing and out-of-range tasks, and
// tasks under an archived activity or location.
func contributing(ctx context.Context, c *Calc, tasks []model.Task) ([]model.Task, error) {
	src, tenant := c.env.entities, c.Tenant()
	archivedAct := make(map[string]bool)
	archivedLoc := make(map[string]bool)
	var out []model.Task
	for _, t := range tasks {
		if t.Archived || !t.IsProgressing() || !t.ActiveOn(c.Subject.Date) {
			continue
		}
		gone, seen := archivedAct[t.ActivityID]
		if !seen {
			a, err := src.Activity(ctx, tenant, t.ActivityID)
			if err != nil {
				return nil, c.gone(err)
			}
			locGone, seenLoc := archivedLoc[a.LocationID]
			if !seenLoc {
				l, err := src.Location(ctx, tenant, a.LocationID)
				if err != nil {
					return nil, c.gone(err)
				}
				locGone = l.Archived
				archivedLoc[a.LocationID] = locGone
			}
			gone = a.Archived || locGone
			archivedAct[t.ActivityID] = gone
		}
		if !gone {
			out = append(out, t)
		}
	}
	return out, nil
}

// aggregate is the weighted mean of child task scores, where each child's
// weight is the family weight of its class under the task score
// thresholds. The stochastic location aggregate is scaled by
// (1 + relative precursor risk). The value is 0 only when no child
// contributes.
func aggregate(level parentLevel, family tenantconfig.Family, child metricstore.Kind, precursor bool) ComputeFunc {
	return func(ctx context.Context, c *Calc) (float64, error) {
		weights := c.Family(family).Weights
		th, fromPop, err := classifier.Thresholds(ctx, c.env.store, c.Family(tenantconfig.TaskSpecificRiskScore), child, c.Tenant(), c.At)
		if err != nil {
			return 0, err
		}
		c.Param("weights", weights)
		c.Param("thresholds", th)
		if fromPop {
			c.Param("thresholds_from_population", true)
		}

		archived, tasks, err := level.children(ctx, c)
		if err != nil {
			return 0, err
		}
		if archived {
			c.Input(classifier.NoContributingChildren, true)
			c.Input("archived", true)
			return 0, nil
		}
		tasks, err = contributing(ctx, c, tasks)
		if err != nil {
			return 0, err
		}

		if len(tasks) == 0 {
			c.Input(classifier.NoContributingChildren, true)
			return 0, nil
		}

		// Every contributing child must have a score. A missing one is a
		// missing dependency, never a zero.
		scores := make(map[string]float64, len(tasks))
		var sum, sumW float64
		for _, t := range tasks {
			row, err := c.Load(ctx, child, metricstore.NewSubject(c.Tenant(), t.ID, c.Subject.Date))
			if err != nil {
				return 0, err
			}
			scores[t.ID] = row.Value
			w := classifier.Weight(classifier.Level(row.Value, th), weights)
			sum += row.Value * w
			sumW += w
		}
		c.Input("children", scores)
		if sumW == 0 {
			return 0, nil
		}
		value := sum / sumW

		if precursor {
			rel, err := c.Load(ctx, metricstore.SiteConditionRelativePrecursorRisk, c.Subject)
			if err != nil {
				return 0, err
			}
			c.Input("relative_precursor_risk", rel.Value)
			value *= 1 + rel.Value
		}
		return value, nil
	}
}
