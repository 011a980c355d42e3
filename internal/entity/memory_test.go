package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/model"
)

const fixtureYAML = `
tenant_id: t1
work_packages:
  - id: W
    name: Substation rebuild
    contractor_id: C
    start_date: 2024-01-01
    end_date: 2024-03-31
locations:
  - id: L
    work_package_id: W
    supervisor_id: S
    latitude: 29.76
    longitude: -95.36
activities:
  - id: A
    location_id: L
    start_date: 2024-01-01
    end_date: 2024-01-03
tasks:
  - id: K
    activity_id: A
    library_task_id: LT
  - id: K2
    activity_id: A
    library_task_id: LT
    status: not_completed
library_tasks:
  - id: LT
    name: Excavation
    hesp: 100
incidents:
  - id: I1
    library_task_ids: [LT]
    contractor_id: C
    crew_id: CR
    severity: first_aid
    occurred_at: 2023-06-01T00:00:00Z
  - id: I2
    library_task_ids: [LT]
    severity: sif
    occurred_at: 2015-06-01T00:00:00Z
  - id: I3
    library_task_ids: [LT]
    severity: sif
    occurred_at: 2023-07-01T00:00:00Z
    archived: true
observations:
  - id: O1
    supervisor_id: S
    observation_type: effective_safety_discussion
    observed_at: 2023-12-01T00:00:00Z
site_conditions:
  - id: SC1
    location_id: L
    handle: high_wind
    date: 2024-01-02
    multiplier: 0.5
    applies: true
  - id: SC2
    location_id: L
    handle: heat
    date: 2024-01-02
    multiplier: 0.2
    applies: false
triggers:
  - kind: TaskChanged
    entity_id: K
`

func loadTestFixture(t *testing.T) *Memory {
	t.Helper()
	f, err := ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	return f.Memory()
}

func TestParseFixture_AppliesTenant(t *testing.T) {
	f, err := ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	assert.Equal(t, "t1", f.Tasks[0].TenantID)
	assert.Equal(t, "t1", f.SiteConditions[1].TenantID)
	require.Len(t, f.Triggers, 1)
	assert.Equal(t, "TaskChanged", f.Triggers[0].Kind)
	assert.Equal(t, 100, f.LibraryTasks[0].HESP)
}

func TestParseFixture_Invalid(t *testing.T) {
	_, err := ParseFixture([]byte("tasks:\n  - id: K\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fixture")

	_, err = ParseFixture([]byte("tasks: [oops"))
	assert.ErrorContains(t, err, "parse fixture")
}

func TestLoadFixture_MissingFile(t *testing.T) {
	_, err := LoadFixture(t.TempDir() + "/nope.yaml")
	assert.ErrorContains(t, err, "read fixture")
}

func TestMemory_TaskInheritsActivityDates(t *testing.T) {
	m := loadTestFixture(t)
	task, err := m.Task(context.Background(), "t1", "K")
	require.NoError(t, err)
	assert.Equal(t, model.MustDate("2024-01-01"), task.StartDate)
	assert.Equal(t, model.MustDate("2024-01-03"), task.EndDate)
	assert.Equal(t, model.TaskStatusNotStarted, task.Status)
}

func TestMemory_NotFoundAndTenantIsolation(t *testing.T) {
	m := loadTestFixture(t)
	ctx := context.Background()
	_, err := m.Task(ctx, "t2", "K")
	assert.True(t, IsNotFound(err))
	_, err = m.Location(ctx, "t1", "missing")
	assert.True(t, IsNotFound(err))
	_, err = m.LibraryTask(ctx, "LT")
	assert.NoError(t, err)

	tasks, err := m.TasksByLibraryTask(ctx, "t2", "LT")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMemory_Hierarchy(t *testing.T) {
	m := loadTestFixture(t)
	ctx := context.Background()

	byLoc, err := m.TasksByLocation(ctx, "t1", "L")
	require.NoError(t, err)
	require.Len(t, byLoc, 2)
	assert.Equal(t, "K", byLoc[0].ID)

	byWP, err := m.TasksByWorkPackage(ctx, "t1", "W")
	require.NoError(t, err)
	assert.Len(t, byWP, 2)

	acts, err := m.ActivitiesByLocation(ctx, "t1", "L")
	require.NoError(t, err)
	assert.Len(t, acts, 1)

	locs, err := m.LocationsBySupervisor(ctx, "t1", "S")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, model.RiskUnknown, locs[0].Risk)

	wps, err := m.WorkPackagesByContractor(ctx, "t1", "C")
	require.NoError(t, err)
	assert.Len(t, wps, 1)

	require.True(t, m.ArchiveTask("t1", "K2"))
	assert.False(t, m.ArchiveTask("t1", "nope"))
	byAct, err := m.TasksByActivity(ctx, "t1", "A")
	require.NoError(t, err)
	require.Len(t, byAct, 2, "archived tasks stay readable")
	assert.True(t, byAct[1].Archived)

	require.True(t, m.ArchiveActivity("t1", "A"))
	a, err := m.Activity(ctx, "t1", "A")
	require.NoError(t, err)
	assert.True(t, a.Archived)
}

func TestMemory_EventWindows(t *testing.T) {
	m := loadTestFixture(t)
	ctx := context.Background()
	since := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	incs, err := m.IncidentsByLibraryTask(ctx, "t1", "LT", since)
	require.NoError(t, err)
	require.Len(t, incs, 1, "old and archived incidents are excluded")
	assert.Equal(t, "I1", incs[0].ID)

	byContractor, err := m.IncidentsByContractor(ctx, "t1", "C", since)
	require.NoError(t, err)
	assert.Len(t, byContractor, 1)

	byCrew, err := m.IncidentsByCrew(ctx, "t1", "CR", since)
	require.NoError(t, err)
	assert.Len(t, byCrew, 1)

	obs, err := m.ObservationsBySupervisor(ctx, "t1", "S", since)
	require.NoError(t, err)
	assert.Len(t, obs, 1)
	obs, err = m.ObservationsBySupervisor(ctx, "t1", "S", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestStoredEvaluator(t *testing.T) {
	m := loadTestFixture(t)
	ctx := context.Background()
	ev := StoredEvaluator{Source: m}

	got, err := ev.Evaluate(ctx, "t1", "L", model.MustDate("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high_wind", got[0].Handle)

	got, err = ev.Evaluate(ctx, "t1", "L", model.MustDate("2024-01-01"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_Stamp(t *testing.T) {
	m := loadTestFixture(t)
	ctx := context.Background()
	require.NoError(t, m.StampLocationRisk(ctx, "t1", "L", model.RiskLow))
	require.NoError(t, m.StampWorkPackageRisk(ctx, "t1", "W", model.RiskHigh))

	l, err := m.Location(ctx, "t1", "L")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, l.Risk)
	w, err := m.WorkPackage(ctx, "t1", "W")
	require.NoError(t, err)
	assert.Equal(t, model.RiskHigh, w.Risk)

	assert.True(t, IsNotFound(m.StampLocationRisk(ctx, "t1", "nope", model.RiskLow)))
}
