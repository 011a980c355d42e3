// Package riskmodel declares the risk metric catalogue, the static
// dependency graph between metrics and triggers, and the engine that
// computes, stores and explains metric rows.
package riskmodel

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// ComputeFunc computes the value of one subject. It reads inputs through the
// Calc and records what it used.
type ComputeFunc func(ctx context.Context, c *Calc) (float64, error)

// Definition declares one metric kind.
type Definition struct {
	Kind metricstore.Kind
	// Families gates the metric: it runs when any listed family is
	// configured with Variant. An empty list always runs.
	Families []tenantconfig.Family
	Variant  tenantconfig.Variant
	// Inputs are the metric kinds the computation reads.
	Inputs []metricstore.Kind
	// Deferrable inputs raise MissingDependencyError when absent; other
	// absent inputs raise MissingMetricError.
	Deferrable []metricstore.Kind
	Compute    ComputeFunc
}

// Enabled reports whether the tenant runs the metric.
func (d *Definition) Enabled(cfg *tenantconfig.TenantConfig) bool {
	if len(d.Families) == 0 {
		return true
	}
	for _, f := range d.Families {
		if cfg.Family(f).Type == d.Variant {
			return true
		}
	}
	return false
}

func (d *Definition) deferrable(k metricstore.Kind) bool {
	return slices.Contains(d.Deferrable, k)
}

// env is the set of collaborators a computation reads from.
type env struct {
	store     metricstore.Store
	entities  entity.Source
	evaluator entity.Evaluator
}

// load is one input read made by a computation.
type load struct {
	kind    metricstore.Kind
	subject metricstore.Subject
	row     *metricstore.Row
	err     error
}

// Calc is the state of one computation: the subject, the timestamp the row
// will carry, and the inputs and params recorded so far.
type Calc struct {
	Subject metricstore.Subject
	At      time.Time
	Config  *tenantconfig.TenantConfig

	def     *Definition
	env     env
	explain bool
	// horizon is the calculated_before reported on missing dependencies.
	horizon time.Time
	inputs  map[string]any
	params  map[string]any
	loads   []load
}

func newCalc(def *Definition, e env, cfg *tenantconfig.TenantConfig, subject metricstore.Subject, at time.Time, explain bool) *Calc {
	return &Calc{
		Subject: subject,
		At:      at,
		Config:  cfg,
		def:     def,
		env:     e,
		explain: explain,
		horizon: at,
		inputs:  make(map[string]any),
		params:  make(map[string]any),
	}
}

// Kind returns the metric being computed.
func (c *Calc) Kind() metricstore.Kind { return c.def.Kind }

// Tenant returns the subject's tenant.
func (c *Calc) Tenant() string { return c.Subject.TenantID }

// Ref is the reference day of the computation: the subject's date for
// dated kinds, otherwise the day of At.
func (c *Calc) Ref() time.Time {
	if !c.Subject.Date.IsZero() {
		return c.Subject.Date
	}
	return model.Day(c.At)
}

// Family returns the tenant's configuration of f.
func (c *Calc) Family(f tenantconfig.Family) tenantconfig.MetricConfig {
	return c.Config.Family(f)
}

// Input records a value the computation used.
func (c *Calc) Input(key string, v any) { c.inputs[key] = v }

// Param records a configuration value the computation used.
func (c *Calc) Param(key string, v any) { c.params[key] = v }

// Load reads the latest input row calculated no later than At. An absent
// deferrable input is a MissingDependencyError.
func (c *Calc) Load(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject) (metricstore.Row, error) {
	row, err := c.env.store.LoadLatest(ctx, kind, subject, c.At)
	if err == nil {
		c.loads = append(c.loads, load{kind: kind, subject: subject, row: &row})
		return row, nil
	}
	if !resilience.IsMissingMetric(err) {
		return row, err
	}
	if c.def.deferrable(kind) {
		err = &resilience.MissingDependencyError{
			Metric:            string(c.def.Kind),
			Subject:           c.Subject.Key(),
			Dependency:        string(kind),
			DependencySubject: subject.Key(),
			CalculatedBefore:  c.horizon,
			Cause:             err,
		}
	}
	c.loads = append(c.loads, load{kind: kind, subject: subject, err: err})
	if c.explain {
		// Keep going so every missing input shows up in the tree.
		return metricstore.Row{Kind: kind, Subject: subject}, nil
	}
	return row, err
}

// Invalid returns an InvalidInputError for the subject.
func (c *Calc) Invalid(format string, args ...any) error {
	return &resilience.InvalidInputError{
		Metric:  string(c.def.Kind),
		Subject: c.Subject.Key(),
		Reason:  fmt.Sprintf(format, args...),
	}
}

// gone maps an entity lookup failure to a MissingMetricError when the
// entity no longer exists.
func (c *Calc) gone(err error) error {
	if entity.IsNotFound(err) {
		return &resilience.MissingMetricError{
			Kind:    string(c.def.Kind),
			Subject: c.Subject.Key(),
			Reason:  resilience.ReasonArchived,
		}
	}
	return err
}

// missingInput returns the first absent input recorded in explain mode.
func (c *Calc) missingInput() error {
	for _, l := range c.loads {
		if l.err != nil {
			return l.err
		}
	}
	return nil
}
