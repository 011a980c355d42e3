package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/config"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/trigger"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:        config.StoreConfig{Driver: "memory"},
		Queue:        config.QueueConfig{Driver: "memory", BatchSize: 10, EnqueueRate: 1000, EnqueueBurst: 10},
		Reactor:      config.ReactorConfig{Workers: 1, MaxRetries: 3, SoftDeadline: time.Minute, ShutdownTimeout: time.Second, PollInterval: 10 * time.Millisecond},
		TenantConfig: config.TenantConfigConfig{Driver: "memory"},
		Entities:     config.EntitiesConfig{Driver: "fixture", FixturePath: writeFile(t, "fixture.yaml", simFixture)},
		Log:          config.LogConfig{Level: "info", Format: "json"},
	}
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitEnv_MemoryDrivers(t *testing.T) {
	withConfig(t, memoryConfig(t))
	ctx := context.Background()

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	assert.Empty(t, env.Checks, "no network backends configured")
	assert.IsType(t, &trigger.Throttled{}, env.Queue)
	require.NotNil(t, env.Depth)
	require.NoError(t, env.Migrate(ctx))

	require.NoError(t, env.Queue.Enqueue(ctx, trigger.New(trigger.TaskChanged, "T", "K")))
	depth, err := env.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	report, err := env.Reactor().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggers)
	assert.Positive(t, report.Stored)

	row, err := env.Engine.Latest(ctx, metricstore.TaskSpecificRiskScore, metricstore.NewSubject("T", "K", model.MustDate("2024-01-02")), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, row.Value)

	loc, err := env.Entities.Location(ctx, "T", "L")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, loc.Risk)
}

func TestInitEnv_MissingFixture(t *testing.T) {
	c := memoryConfig(t)
	c.Entities.FixturePath = "/nonexistent/fixture.yaml"
	withConfig(t, c)

	_, err := initEnv(context.Background())
	assert.Error(t, err)
}

func TestSubjectFromFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		c := &cobra.Command{Use: "x"}
		addSubjectFlags(c)
		require.NoError(t, c.ParseFlags(args))
		return c
	}

	kind, subject, before, err := subjectFromFlags(newCmd("--tenant", "T", "--entity", "K", "--date", "2024-01-02"), string(metricstore.TaskSpecificRiskScore))
	require.NoError(t, err)
	assert.Equal(t, metricstore.TaskSpecificRiskScore, kind)
	assert.Equal(t, "T/K/2024-01-02", subject.Key())
	assert.True(t, before.IsZero())

	_, subject, _, err = subjectFromFlags(newCmd("--tenant", "T"), string(metricstore.Average(metricstore.CrewRiskScore)))
	require.NoError(t, err)
	assert.Equal(t, "T", subject.Key())

	_, _, before, err = subjectFromFlags(newCmd("--tenant", "T", "--entity", "R", "--before", "2024-05-01T00:00:00Z"), string(metricstore.CrewRiskScore))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), before)

	tests := []struct {
		name string
		args []string
		kind metricstore.Kind
		want string
	}{
		{"unknown kind", []string{"--tenant", "T"}, "nope", "unknown metric kind"},
		{"no entity", []string{"--tenant", "T"}, metricstore.CrewRiskScore, "--entity"},
		{"no date", []string{"--tenant", "T", "--entity", "K"}, metricstore.TaskSpecificRiskScore, "--date"},
		{"bad date", []string{"--tenant", "T", "--entity", "K", "--date", "01/02/2024"}, metricstore.TaskSpecificRiskScore, "parse --date"},
		{"bad before", []string{"--tenant", "T", "--entity", "R", "--before", "yesterday"}, metricstore.CrewRiskScore, "parse --before"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := subjectFromFlags(newCmd(tt.args...), string(tt.kind))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
