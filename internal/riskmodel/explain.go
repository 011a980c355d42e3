package riskmodel

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/resilience"
)

// MissingNode is an input that had no row at the horizon.
type MissingNode struct {
	Metric  metricstore.Kind    `json:"metric"`
	Subject metricstore.Subject `json:"subject"`
	Error   string              `json:"error"`
	Kind    string              `json:"kind"`
	Reason  string              `json:"reason,omitempty"`
}

// StoredValue is the stored row of the explained subject.
type StoredValue struct {
	Value        float64   `json:"value"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// ExplainTree is a dry-run computation: the value the metric would take
// now, the inputs it read, absent inputs as typed nodes, and optionally the
// explanation of each input.
type ExplainTree struct {
	Metric           metricstore.Kind    `json:"metric"`
	Subject          metricstore.Subject `json:"subject"`
	CalculatedBefore time.Time           `json:"calculated_before,omitzero"`
	Disabled         bool                `json:"disabled,omitempty"`
	Value            *float64            `json:"value,omitempty"`
	Stored           *StoredValue        `json:"stored,omitempty"`
	Inputs           map[string]any      `json:"inputs,omitempty"`
	Params           map[string]any      `json:"params,omitempty"`
	Missing          []MissingNode       `json:"missing,omitempty"`
	Error            string              `json:"error,omitempty"`
	ErrorKind        string              `json:"error_kind,omitempty"`
	Children         []*ExplainTree      `json:"children,omitempty"`
}

// Explain computes kind for subject without storing anything. Inputs are
// read as of before, or as of now when before is zero. depth bounds the
// recursion into inputs; 0 explains the subject alone. Computation
// failures are reported inside the tree; only infrastructure failures
// return an error.
func (e *Engine) Explain(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject, before time.Time, depth int) (*ExplainTree, error) {
	at := before
	if at.IsZero() {
		at = e.clock.Now()
	}
	return e.explain(ctx, kind, subject, before, at, depth)
}

func (e *Engine) explain(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject, before, at time.Time, depth int) (*ExplainTree, error) {
	d, err := e.definition(kind)
	if err != nil {
		return nil, err
	}
	spec, err := metricstore.SpecOf(kind)
	if err != nil {
		return nil, err
	}
	subject = shape(spec, subject)

	tree := &ExplainTree{Metric: kind, Subject: subject, CalculatedBefore: before}

	stored, err := e.store.LoadLatest(ctx, kind, subject, before)
	switch {
	case err == nil:
		tree.Stored = &StoredValue{Value: stored.Value, CalculatedAt: stored.CalculatedAt}
	case !resilience.IsMissingMetric(err):
		return nil, err
	}

	cfg, err := e.configs.Resolve(ctx, subject.TenantID)
	if err != nil {
		var ce *resilience.ConfigError
		if errors.As(err, &ce) {
			tree.Error, tree.ErrorKind = err.Error(), resilience.ErrorKind(err)
			return tree, nil
		}
		return nil, err
	}
	if !d.Enabled(cfg) {
		tree.Disabled = true
		return tree, nil
	}

	c := newCalc(d, e.env(), cfg, subject, at, true)
	c.horizon = before
	value, cerr := d.Compute(ctx, c)
	if cerr == nil {
		cerr = c.missingInput()
	}
	if len(c.inputs) > 0 {
		tree.Inputs = c.inputs
	}
	if len(c.params) > 0 {
		tree.Params = c.params
	}
	for _, l := range c.loads {
		if l.err != nil {
			tree.Missing = append(tree.Missing, missingNode(l))
		}
	}
	if cerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tree.Error, tree.ErrorKind = cerr.Error(), resilience.ErrorKind(cerr)
	} else {
		tree.Value = &value
	}

	if depth > 0 {
		for _, l := range c.loads {
			if _, ok := e.graph.Definition(l.kind); !ok {
				continue
			}
			child, err := e.explain(ctx, l.kind, l.subject, before, at, depth-1)
			if err != nil {
				return nil, err
			}
			tree.Children = append(tree.Children, child)
		}
	}
	return tree, nil
}

func missingNode(l load) MissingNode {
	n := MissingNode{
		Metric:  l.kind,
		Subject: l.subject,
		Error:   l.err.Error(),
		Kind:    resilience.ErrorKind(l.err),
	}
	var mm *resilience.MissingMetricError
	if errors.As(l.err, &mm) {
		n.Reason = string(mm.Reason)
	}
	return n
}

// shape drops subject parts the kind does not carry.
func shape(spec metricstore.KindSpec, s metricstore.Subject) metricstore.Subject {
	out := metricstore.Subject{TenantID: s.TenantID}
	if !spec.TenantLevel() {
		out.EntityID = s.EntityID
	}
	if spec.Dated {
		out.Date = s.Date
	}
	return metricstore.NewSubject(out.TenantID, out.EntityID, out.Date)
}
