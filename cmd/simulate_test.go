package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
)

const simFixture = `
tenant_id: T
work_packages:
  - id: W
locations:
  - id: L
    work_package_id: W
activities:
  - id: A
    location_id: L
    start_date: 2024-01-01
    end_date: 2024-01-03
tasks:
  - id: K
    activity_id: A
    library_task_id: LT
library_tasks:
  - id: LT
    hesp: 100
triggers:
  - kind: TaskChanged
    entity_id: K
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSimulate(t *testing.T) {
	res, err := simulate(context.Background(), simulateOptions{
		FixturePath: writeFile(t, "fixture.yaml", simFixture),
		Explain:     []string{string(metricstore.LocationTotalTaskRisk)},
		Depth:       1,
	})
	require.NoError(t, err)

	assert.Equal(t, "T", res.TenantID)
	assert.Equal(t, 1, res.Report.Triggers)
	assert.Zero(t, res.Report.Failed)
	assert.Empty(t, res.DeadLettered)

	scores := res.Rows[metricstore.TaskSpecificRiskScore]
	require.Len(t, scores, 3, "one row per active day")
	for _, r := range scores {
		assert.Equal(t, 100.0, r.Value)
	}
	assert.NotContains(t, res.Rows, metricstore.StochasticTaskSpecificRiskScore)

	require.Len(t, res.Classifications, 2)
	assert.Equal(t, "location", res.Classifications[0].Entity)
	assert.Equal(t, model.RiskLow, res.Classifications[0].Level)
	assert.Equal(t, "work_package", res.Classifications[1].Entity)

	require.Len(t, res.Explain, 3)
	require.NotNil(t, res.Explain[0].Value)
	assert.Equal(t, 100.0, *res.Explain[0].Value)

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, res))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded["rows"], string(metricstore.LocationTotalTaskRisk))
}

func TestSimulate_TenantConfigFile(t *testing.T) {
	cfgPath := writeFile(t, "tenants.yaml", `
tenants:
  T:
    RISK_MODEL.TOTAL_PROJECT_LOCATION_RISK_SCORE_METRIC.thresholds: {low: 50, medium: 150}
`)
	res, err := simulate(context.Background(), simulateOptions{
		FixturePath:      writeFile(t, "fixture.yaml", simFixture),
		TenantConfigPath: cfgPath,
	})
	require.NoError(t, err)
	require.Len(t, res.Classifications, 2)
	assert.Equal(t, model.RiskMedium, res.Classifications[0].Level)
	assert.Equal(t, model.RiskLow, res.Classifications[1].Level)
	assert.Empty(t, res.Explain)
}

func TestSimulate_Errors(t *testing.T) {
	_, err := simulate(context.Background(), simulateOptions{FixturePath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	noTenant := writeFile(t, "fixture.yaml", "library_tasks:\n  - id: LT\n    hesp: 1\n")
	_, err = simulate(context.Background(), simulateOptions{FixturePath: noTenant})
	assert.ErrorContains(t, err, "tenant_id")

	badTrigger := writeFile(t, "bad.yaml", "tenant_id: T\ntriggers:\n  - kind: Bogus\n    entity_id: K\n")
	_, err = simulate(context.Background(), simulateOptions{FixturePath: badTrigger})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = simulate(context.Background(), simulateOptions{
		FixturePath: writeFile(t, "ok.yaml", simFixture),
		Explain:     []string{"nope"},
	})
	assert.ErrorContains(t, err, "unknown metric kind")
}
