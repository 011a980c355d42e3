package riskmodel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

func TestExplain_MissingChain(t *testing.T) {
	h := newHarness(t, siteYAML)
	h.stochastic(t)
	ctx := context.Background()
	subject := metricstore.NewSubject("t1", "L", time.Time{})

	tree, err := h.engine.Explain(ctx, metricstore.ProjectSafetyClimateMultiplier, subject, time.Time{}, 1)
	require.NoError(t, err)
	assert.Nil(t, tree.Value)
	assert.Nil(t, tree.Stored)
	assert.Equal(t, "missing_dependency", tree.ErrorKind)
	require.Len(t, tree.Missing, 2)
	assert.Equal(t, metricstore.SupervisorEngagementFactor, tree.Missing[0].Metric)
	assert.Equal(t, metricstore.ContractorSafetyScore, tree.Missing[1].Metric)

	require.Len(t, tree.Children, 2)
	sef := tree.Children[0]
	assert.Equal(t, metricstore.SupervisorEngagementFactor, sef.Metric)
	require.NotNil(t, sef.Value)
	assert.InDelta(t, 2.0/6.0, *sef.Value, 1e-9)

	h.run(t, metricstore.SupervisorEngagementFactor, "S", time.Time{})
	h.run(t, metricstore.ContractorSafetyScore, "C", time.Time{})
	h.run(t, metricstore.ProjectSafetyClimateMultiplier, "L", time.Time{})

	tree, err = h.engine.Explain(ctx, metricstore.ProjectSafetyClimateMultiplier, subject, time.Time{}, 1)
	require.NoError(t, err)
	require.NotNil(t, tree.Value)
	require.NotNil(t, tree.Stored)
	assert.Equal(t, *tree.Value, tree.Stored.Value)
	assert.Empty(t, tree.Missing)
	assert.Empty(t, tree.Error)
	for _, child := range tree.Children {
		require.NotNil(t, child.Stored, child.Metric)
	}
}

func TestExplain_Idempotent(t *testing.T) {
	h := newHarness(t, siteYAML)
	ctx := context.Background()
	h.run(t, metricstore.LibraryTaskSafetyClimateMultiplier, "LT", time.Time{})
	subject := metricstore.NewSubject("t1", "K", day1)

	for _, before := range []time.Time{{}, now.Add(time.Hour)} {
		first, err := h.engine.Explain(ctx, metricstore.TaskSpecificRiskScore, subject, before, 2)
		require.NoError(t, err)
		second, err := h.engine.Explain(ctx, metricstore.TaskSpecificRiskScore, subject, before, 2)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		// The site-conditions input was never stored.
		require.Len(t, first.Missing, 1)
		assert.Equal(t, metricstore.TaskSpecificSiteConditionsMultiplier, first.Missing[0].Metric)
		assert.Equal(t, "never_computed", first.Missing[0].Reason)
	}

	// Nothing was written.
	_, err := h.store.LoadLatest(ctx, metricstore.TaskSpecificRiskScore, subject, time.Time{})
	assert.Error(t, err)
}

func TestExplain_Disabled(t *testing.T) {
	h := newHarness(t, siteYAML)
	tree, err := h.engine.Explain(context.Background(), metricstore.StochasticTaskSpecificRiskScore,
		metricstore.NewSubject("t1", "K", day1), time.Time{}, 0)
	require.NoError(t, err)
	assert.True(t, tree.Disabled)
	assert.Nil(t, tree.Value)
}

func TestExplain_ConfigError(t *testing.T) {
	h := newHarness(t, siteYAML)
	require.NoError(t, h.configs.Set(context.Background(), "t1", map[string]string{
		tenantconfig.TaskSpecificRiskScore.Path("weights"): "oops",
	}))
	tree, err := h.engine.Explain(context.Background(), metricstore.TaskSpecificRiskScore,
		metricstore.NewSubject("t1", "K", day1), time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, "config", tree.ErrorKind)
}

func TestExplain_ShapesSubject(t *testing.T) {
	h := newHarness(t, siteYAML)
	tree, err := h.engine.Explain(context.Background(), metricstore.LibraryTaskSafetyClimateMultiplier,
		metricstore.NewSubject("t1", "LT2", day1), time.Time{}, 0)
	require.NoError(t, err)
	assert.True(t, tree.Subject.Date.IsZero())
	require.NotNil(t, tree.Value)
	assert.InDelta(t, 0.274, *tree.Value, 1e-9)
}
