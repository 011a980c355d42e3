package riskmodel

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
)

type conditionInput struct {
	ID         string  `json:"id"`
	Handle     string  `json:"handle"`
	Multiplier float64 `json:"multiplier"`
}

// applying evaluates the site conditions at a location on the reference
// date and rejects negative multipliers.
func applying(ctx context.Context, c *Calc, locationID string) ([]conditionInput, error) {
	conds, err := c.env.evaluator.Evaluate(ctx, c.Tenant(), locationID, c.Ref())
	if err != nil {
		return nil, err
	}
	out := make([]conditionInput, 0, len(conds))
	for _, sc := range conds {
		if sc.Multiplier < 0 || math.IsNaN(sc.Multiplier) {
			return nil, c.Invalid("site condition %s has multiplier %v", sc.ID, sc.Multiplier)
		}
		out = append(out, conditionInput{ID: sc.ID, Handle: sc.Handle, Multiplier: sc.Multiplier})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.Input("conditions", out)
	return out, nil
}

// taskLocation resolves the task and the location of its activity.
func taskLocation(ctx context.Context, c *Calc) (model.Task, string, error) {
	task, err := c.env.entities.Task(ctx, c.Tenant(), c.Subject.EntityID)
	if err != nil {
		return task, "", c.gone(err)
	}
	act, err := c.env.entities.Activity(ctx, c.Tenant(), task.ActivityID)
	if err != nil {
		return task, "", c.gone(err)
	}
	return task, act.LocationID, nil
}

// siteConditions combines the applying multipliers as Σm - (n-1), or 0 when
// none apply.
func siteConditions(ctx context.Context, c *Calc) (float64, error) {
	_, locationID, err := taskLocation(ctx, c)
	if err != nil {
		return 0, err
	}
	conds, err := applying(ctx, c, locationID)
	if err != nil {
		return 0, err
	}
	if len(conds) == 0 {
		return 0, nil
	}
	var sum float64
	for _, sc := range conds {
		sum += sc.Multiplier
	}
	return sum - float64(len(conds)-1), nil
}

// taskScore is max(0, HESP × (1+safety climate) × (1+site conditions)),
// scaled by (1+project safety climate) when stochastic.
func taskScore(stochastic bool) ComputeFunc {
	return func(ctx context.Context, c *Calc) (float64, error) {
		task, locationID, err := taskLocation(ctx, c)
		if err != nil {
			return 0, err
		}
		lt, err := c.env.entities.LibraryTask(ctx, task.LibraryTaskID)
		if err != nil {
			return 0, c.gone(err)
		}
		if lt.HESP < 0 {
			return 0, c.Invalid("library task %s has negative hesp %d", lt.ID, lt.HESP)
		}

		sc, err := c.Load(ctx, metricstore.LibraryTaskSafetyClimateMultiplier, metricstore.NewSubject(c.Tenant(), lt.ID, time.Time{}))
		if err != nil {
			return 0, err
		}
		scm, err := c.Load(ctx, metricstore.TaskSpecificSiteConditionsMultiplier, c.Subject)
		if err != nil {
			return 0, err
		}
		c.Input("hesp", lt.HESP)
		c.Input("safety_climate", sc.Value)
		c.Input("site_conditions", scm.Value)
		score := float64(lt.HESP) * (1 + sc.Value) * (1 + scm.Value)

		if stochastic {
			pscm, err := c.Load(ctx, metricstore.ProjectSafetyClimateMultiplier, metricstore.NewSubject(c.Tenant(), locationID, time.Time{}))
			if err != nil {
				return 0, err
			}
			c.Input("project_safety_climate", pscm.Value)
			score *= 1 + pscm.Value
		}
		return math.Max(0, score), nil
	}
}
