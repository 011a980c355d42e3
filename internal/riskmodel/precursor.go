package riskmodel

import (
	"context"
	"time"

	"github.com/sells-group/riskengine/internal/metricstore"
)

// precursorRisk sums the multipliers of the site conditions applying at the
// location on the date.
func precursorRisk(ctx context.Context, c *Calc) (float64, error) {
	if _, err := c.env.entities.Location(ctx, c.Tenant(), c.Subject.EntityID); err != nil {
		return 0, c.gone(err)
	}
	conds, err := applying(ctx, c, c.Subject.EntityID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, sc := range conds {
		sum += sc.Multiplier
	}
	return sum, nil
}

// relativePrecursorRisk is the location's precursor risk over the tenant
// average, or 0 when the average is 0.
func relativePrecursorRisk(ctx context.Context, c *Calc) (float64, error) {
	own, err := c.Load(ctx, metricstore.SiteConditionPrecursorRisk, c.Subject)
	if err != nil {
		return 0, err
	}
	avg, err := c.Load(ctx, metricstore.Average(metricstore.SiteConditionPrecursorRisk), metricstore.NewSubject(c.Tenant(), "", time.Time{}))
	if err != nil {
		return 0, err
	}
	c.Input("precursor_risk", own.Value)
	c.Input("average_precursor_risk", avg.Value)
	if avg.Value == 0 {
		return 0, nil
	}
	return own.Value / avg.Value, nil
}

// baseline computes a tenant population statistic of base.
func baseline(base metricstore.Kind, stddev bool) ComputeFunc {
	return func(ctx context.Context, c *Calc) (float64, error) {
		pop, err := c.env.store.AggregatePopulation(ctx, base, c.Tenant(), c.At)
		if err != nil {
			return 0, err
		}
		c.Input("count", pop.Count)
		if stddev {
			return pop.StdDev, nil
		}
		return pop.Mean, nil
	}
}
