package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/model"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func floatPtr(f float64) *float64 { return &f }

func TestPointRoundTrip(t *testing.T) {
	data, err := EncodePoint(29.76, -95.36)
	require.NoError(t, err)

	p, err := DecodePoint(data)
	require.NoError(t, err)
	assert.InDelta(t, -95.36, p.X(), 1e-9)
	assert.InDelta(t, 29.76, p.Y(), 1e-9)
	assert.Equal(t, 4326, p.SRID())

	p, err = DecodePoint(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = DecodePoint([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestPostgres_Task(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM tasks t\s+LEFT JOIN activities a`).
		WithArgs("t1", "K").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "activity_id", "library_task_id", "status", "archived", "start_date", "end_date"}).
			AddRow("K", "t1", "A", "LT", "in_progress", false, timePtr(start), timePtr(end)))

	s := NewPostgres(mock)
	task, err := s.Task(context.Background(), "t1", "K")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, task.Status)
	assert.Equal(t, start, task.StartDate)
	assert.Equal(t, end, task.EndDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM activities WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "A").
		WillReturnError(pgx.ErrNoRows)

	s := NewPostgres(mock)
	_, err = s.Activity(context.Background(), "t1", "A")
	assert.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LocationDecodesPoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	wkb, err := EncodePoint(29.76, -95.36)
	require.NoError(t, err)
	mock.ExpectQuery(`ST_AsEWKB\(geom\)`).
		WithArgs("t1", "L").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "work_package_id", "supervisor_id", "name", "latitude", "longitude", "geom", "archived", "risk"}).
			AddRow("L", "t1", "W", strPtr("S"), "Yard", floatPtr(0), floatPtr(0), wkb, false, "MEDIUM"))

	s := NewPostgres(mock)
	l, err := s.Location(context.Background(), "t1", "L")
	require.NoError(t, err)
	require.NotNil(t, l.Point)
	assert.InDelta(t, 29.76, l.Latitude, 1e-9)
	assert.InDelta(t, -95.36, l.Longitude, 1e-9)
	assert.Equal(t, "S", l.SupervisorID)
	assert.Equal(t, model.RiskMedium, l.Risk)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncidentsByLibraryTask(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM incidents\s+WHERE tenant_id = \$1 AND NOT archived AND occurred_at >= \$2 AND \$3 = ANY\(library_task_ids\)`).
		WithArgs("t1", since, "LT").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "library_task_ids", "contractor_id", "supervisor_id", "crew_id", "severity", "occurred_at", "archived"}).
			AddRow("I1", "t1", []string{"LT"}, strPtr("C"), strPtr("S"), strPtr("CR"), "first_aid", at, false).
			AddRow("I2", "t1", []string{"LT", "LT2"}, strPtr(""), strPtr(""), strPtr(""), "sif", at, false))

	s := NewPostgres(mock)
	incs, err := s.IncidentsByLibraryTask(context.Background(), "t1", "LT", since)
	require.NoError(t, err)
	require.Len(t, incs, 2)
	assert.Equal(t, model.SeverityFirstAid, incs[0].Severity)
	assert.Equal(t, "CR", incs[0].CrewID)
	assert.Equal(t, []string{"LT", "LT2"}, incs[1].LibraryTaskIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SiteConditions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	day := model.MustDate("2024-01-02")
	mock.ExpectQuery(`FROM site_conditions`).
		WithArgs("t1", "L", day).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "location_id", "handle", "date", "multiplier", "applies", "archived"}).
			AddRow("SC1", "t1", "L", "high_wind", day, 0.5, true, false).
			AddRow("SC2", "t1", "L", "heat", day, 0.2, true, true))

	ev := StoredEvaluator{Source: NewPostgres(mock)}
	got, err := ev.Evaluate(context.Background(), "t1", "L", day.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Multiplier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Stamp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE locations SET risk = \$3`).
		WithArgs("t1", "L", "HIGH").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE work_packages SET risk = \$3`).
		WithArgs("t1", "W", "LOW").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := NewPostgres(mock)
	ctx := context.Background()
	require.NoError(t, s.StampLocationRisk(ctx, "t1", "L", model.RiskHigh))
	err = s.StampWorkPackageRisk(ctx, "t1", "W", model.RiskLow)
	assert.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SeedLibraryTasks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_merge_library_tasks"}, []string{"id", "name", "category", "hesp", "is_critical"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "library_tasks"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewPostgres(mock)
	f := &Fixture{LibraryTasks: []model.LibraryTask{
		{ID: "LT", Name: "Trenching", HESP: 80},
		{ID: "LT", Name: "Excavation", HESP: 100},
	}}
	require.NoError(t, s.Seed(context.Background(), f))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SeedRollsBackOnFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_merge_library_tasks"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_merge_library_tasks"}, []string{"id", "name", "category", "hesp", "is_critical"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "library_tasks"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TEMP TABLE "_merge_tasks"`).WillReturnError(errors.New(`relation "tasks" does not exist`))
	mock.ExpectRollback()

	f := &Fixture{
		LibraryTasks: []model.LibraryTask{{ID: "LT", Name: "Excavation", HESP: 100}},
		Tasks:        []model.Task{{ID: "K", TenantID: "t1", ActivityID: "A", LibraryTaskID: "LT"}},
	}
	err = NewPostgres(mock).Seed(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity: seed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS work_packages`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, NewPostgres(mock).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, PostgresMigration, "geometry(Point, 4326)")
}
