package riskmodel

import (
	"context"
	"time"

	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// severityWeighted sums incident counts weighted by severity coefficient.
func severityWeighted(c *Calc, incidents []model.Incident) (float64, map[string]int, error) {
	counts := make(map[string]int)
	var sum float64
	for _, in := range incidents {
		coef, ok := in.Severity.Coefficient()
		if !ok {
			return 0, nil, c.Invalid("incident %s has unknown severity %q", in.ID, in.Severity)
		}
		counts[string(in.Severity)]++
		sum += coef
	}
	return sum, counts, nil
}

// safetyClimate weighs the library task's recent incidents by severity.
// Fewer than min_incidents incidents yields zero.
func safetyClimate(ctx context.Context, c *Calc) (float64, error) {
	mc := c.Family(tenantconfig.LibraryTaskSafetyClimate)
	c.Param("window_years", mc.WindowYears)
	c.Param("min_incidents", mc.MinIncidents)

	if _, err := c.env.entities.LibraryTask(ctx, c.Subject.EntityID); err != nil {
		return 0, c.gone(err)
	}
	since := c.Ref().AddDate(-mc.WindowYears, 0, 0)
	incidents, err := c.env.entities.IncidentsByLibraryTask(ctx, c.Tenant(), c.Subject.EntityID, since)
	if err != nil {
		return 0, err
	}
	sum, counts, err := severityWeighted(c, incidents)
	if err != nil {
		return 0, err
	}
	c.Input("incidents", len(incidents))
	c.Input("counts", counts)
	if len(incidents) < mc.MinIncidents {
		c.Input("insufficient_history", true)
		return 0, nil
	}
	return sum, nil
}

// supervisorEngagement is the rate of observations owned by the supervisor
// per month over the trailing window.
func supervisorEngagement(ctx context.Context, c *Calc) (float64, error) {
	mc := c.Family(tenantconfig.SupervisorEngagementFactor)
	c.Param("window_months", mc.WindowMonths)

	since := c.Ref().AddDate(0, -mc.WindowMonths, 0)
	obs, err := c.env.entities.ObservationsBySupervisor(ctx, c.Tenant(), c.Subject.EntityID, since)
	if err != nil {
		return 0, err
	}
	byType := make(map[string]int)
	for _, o := range obs {
		byType[string(o.Type)]++
	}
	c.Input("observations", len(obs))
	c.Input("by_type", byType)
	return float64(len(obs)) / float64(mc.WindowMonths), nil
}

type incidentLister func(ctx context.Context, tenantID, id string, since time.Time) ([]model.Incident, error)

// incidentRate is the severity-weighted incident sum per month over the
// trailing window of a family.
func incidentRate(family tenantconfig.Family, list func(entity.Source) incidentLister) ComputeFunc {
	return func(ctx context.Context, c *Calc) (float64, error) {
		mc := c.Family(family)
		c.Param("window_years", mc.WindowYears)

		since := c.Ref().AddDate(-mc.WindowYears, 0, 0)
		incidents, err := list(c.env.entities)(ctx, c.Tenant(), c.Subject.EntityID, since)
		if err != nil {
			return 0, err
		}
		sum, counts, err := severityWeighted(c, incidents)
		if err != nil {
			return 0, err
		}
		c.Input("incidents", len(incidents))
		c.Input("counts", counts)
		return sum / float64(mc.WindowYears*12), nil
	}
}

// projectSafetyClimate combines the engagement of the location's supervisor
// with the safety score of the owning work package's contractor. Both must
// have been calculated no later than this row.
func projectSafetyClimate(ctx context.Context, c *Calc) (float64, error) {
	loc, err := c.env.entities.Location(ctx, c.Tenant(), c.Subject.EntityID)
	if err != nil {
		return 0, c.gone(err)
	}
	if loc.SupervisorID == "" {
		return 0, c.Invalid("location %s has no supervisor", loc.ID)
	}
	wp, err := c.env.entities.WorkPackage(ctx, c.Tenant(), loc.WorkPackageID)
	if err != nil {
		return 0, c.gone(err)
	}
	if wp.ContractorID == "" {
		return 0, c.Invalid("work package %s has no contractor", wp.ID)
	}

	sef, err := c.Load(ctx, metricstore.SupervisorEngagementFactor, metricstore.NewSubject(c.Tenant(), loc.SupervisorID, time.Time{}))
	if err != nil {
		return 0, err
	}
	css, err := c.Load(ctx, metricstore.ContractorSafetyScore, metricstore.NewSubject(c.Tenant(), wp.ContractorID, time.Time{}))
	if err != nil {
		return 0, err
	}
	c.Input("supervisor_id", loc.SupervisorID)
	c.Input("contractor_id", wp.ContractorID)
	c.Input("supervisor_engagement_factor", sef.Value)
	c.Input("contractor_safety_score", css.Value)
	return sef.Value + css.Value, nil
}
