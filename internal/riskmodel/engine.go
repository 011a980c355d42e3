package riskmodel

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/resilience"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     metricstore.Store
	Entities  entity.Source
	Evaluator entity.Evaluator
	Configs   tenantconfig.Lookup
	Clock     Clock
	Retry     resilience.RetryConfig
}

// Engine computes, stores and explains metric rows.
type Engine struct {
	store     metricstore.Store
	entities  entity.Source
	evaluator entity.Evaluator
	configs   tenantconfig.Lookup
	clock     Clock
	retry     resilience.RetryConfig
	graph     *Graph
}

// New builds an engine over the full catalogue. It fails when the
// declarations contain a cycle.
func New(d Deps) (*Engine, error) {
	g, err := NewGraph(Catalogue(), Invalidations())
	if err != nil {
		return nil, err
	}
	return NewWithGraph(d, g), nil
}

// NewWithGraph builds an engine over a custom graph.
func NewWithGraph(d Deps, g *Graph) *Engine {
	if d.Evaluator == nil {
		d.Evaluator = entity.StoredEvaluator{Source: d.Entities}
	}
	if d.Clock == nil {
		d.Clock = NewMonotonicClock()
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = resilience.DefaultRetryConfig()
		d.Retry.OnRetry = resilience.RetryLogger("riskmodel", "append")
	}
	return &Engine{
		store:     d.Store,
		entities:  d.Entities,
		evaluator: d.Evaluator,
		configs:   d.Configs,
		clock:     d.Clock,
		retry:     d.Retry,
		graph:     g,
	}
}

// Graph returns the dependency graph.
func (e *Engine) Graph() *Graph { return e.graph }

func (e *Engine) env() env {
	return env{store: e.store, entities: e.entities, evaluator: e.evaluator}
}

func (e *Engine) definition(kind metricstore.Kind) (*Definition, error) {
	d, ok := e.graph.Definition(kind)
	if !ok {
		return nil, eris.Errorf("riskmodel: unknown metric %q", kind)
	}
	return d, nil
}

// Enabled reports whether the tenant runs kind.
func (e *Engine) Enabled(ctx context.Context, kind metricstore.Kind, tenantID string) (bool, error) {
	d, err := e.definition(kind)
	if err != nil {
		return false, err
	}
	cfg, err := e.configs.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return d.Enabled(cfg), nil
}

// Run computes one calculation and appends its row.
func (e *Engine) Run(ctx context.Context, calc Calculation) (metricstore.Row, error) {
	d, err := e.definition(calc.Kind)
	if err != nil {
		return metricstore.Row{}, err
	}
	cfg, err := e.configs.Resolve(ctx, calc.Subject.TenantID)
	if err != nil {
		return metricstore.Row{}, err
	}

	c := newCalc(d, e.env(), cfg, calc.Subject, e.clock.Now(), false)
	value, err := d.Compute(ctx, c)
	if err != nil {
		return metricstore.Row{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return metricstore.Row{}, c.Invalid("computed value %v is not finite", value)
	}

	row := metricstore.Row{
		Kind:         calc.Kind,
		Subject:      calc.Subject,
		CalculatedAt: c.At,
		Value:        value,
	}
	if row.Inputs, err = encode(c.inputs); err != nil {
		return row, eris.Wrapf(err, "riskmodel: encode inputs of %s", calc)
	}
	if row.Params, err = encode(c.params); err != nil {
		return row, eris.Wrapf(err, "riskmodel: encode params of %s", calc)
	}
	err = resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.store.Append(ctx, row)
	})
	if err != nil {
		return row, eris.Wrapf(err, "riskmodel: append %s", calc)
	}
	zap.L().Debug("riskmodel: stored",
		zap.String("metric", string(calc.Kind)),
		zap.String("subject", calc.Subject.Key()),
		zap.Float64("value", value),
	)
	return row, nil
}

func encode(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Latest reads the stored row of a subject.
func (e *Engine) Latest(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject, before time.Time) (metricstore.Row, error) {
	if _, err := e.definition(kind); err != nil {
		return metricstore.Row{}, err
	}
	return e.store.LoadLatest(ctx, kind, subject, before)
}
