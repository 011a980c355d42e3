package metricstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgres(mock, nil), mock
}

func TestPostgres_Append(t *testing.T) {
	s, mock := newMockPostgres(t)
	row := taskRow("t1", "k1", "2024-01-02", t0, 150)

	mock.ExpectExec(`INSERT INTO "rm_task_specific_risk_score" \(tenant_id, task_id, date, calculated_at, value, inputs, params\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).
		WithArgs("t1", "k1", model.MustDate("2024-01-02"), t0, 150.0, []byte(`{"hesp":100}`), []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Append(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadLatest(t *testing.T) {
	s, mock := newMockPostgres(t)
	subj := NewSubject("t1", "k1", model.MustDate("2024-01-02"))
	before := t0.Add(time.Hour)

	mock.ExpectQuery(`SELECT calculated_at, value, inputs, params FROM "rm_task_specific_risk_score" WHERE tenant_id = \$1 AND task_id = \$2 AND date = \$3 AND calculated_at <= \$4 ORDER BY calculated_at DESC, id DESC LIMIT 1`).
		WithArgs("t1", "k1", subj.Date, before).
		WillReturnRows(pgxmock.NewRows([]string{"calculated_at", "value", "inputs", "params"}).
			AddRow(t0, 150.0, []byte(`{"hesp":100}`), []byte(nil)))

	got, err := s.LoadLatest(context.Background(), TaskSpecificRiskScore, subj, before)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.Value)
	assert.Equal(t, t0, got.CalculatedAt)
	assert.JSONEq(t, `{"hesp":100}`, string(got.Inputs))
	assert.Nil(t, got.Params)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadLatest_NotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`FROM "rm_contractor_safety_score" WHERE tenant_id = \$1 AND contractor_id = \$2 ORDER BY`).
		WithArgs("t1", "c1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadLatest(context.Background(), ContractorSafetyScore, NewSubject("t1", "c1", time.Time{}), time.Time{})
	var mm *resilience.MissingMetricError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "contractor_safety_score", mm.Kind)
	assert.Equal(t, "t1/c1", mm.Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadManyLatest(t *testing.T) {
	s, mock := newMockPostgres(t)
	d := model.MustDate("2024-01-01")

	mock.ExpectQuery(`SELECT DISTINCT ON \(task_id, date\) task_id, date, calculated_at, value, inputs, params FROM "rm_task_specific_risk_score" WHERE tenant_id = \$1 AND \(task_id, date\) IN \(SELECT \* FROM unnest\(\$2::text\[\], \$3::date\[\]\)\)`).
		WithArgs("t1", []string{"a", "b"}, []time.Time{d, d}).
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "date", "calculated_at", "value", "inputs", "params"}).
			AddRow("b", d, t0, 20.0, []byte(nil), []byte(nil)))

	res, err := s.LoadManyLatest(context.Background(), TaskSpecificRiskScore, []Subject{
		NewSubject("t1", "a", d),
		NewSubject("t1", "b", d),
	}, time.Time{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, resilience.IsMissingMetric(res[0].Err))
	require.NoError(t, res[1].Err)
	assert.Equal(t, 20.0, res[1].Row.Value)
	assert.Equal(t, "t1/b/2024-01-01", res[1].Row.Subject.Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AggregatePopulation(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT count\(\*\), coalesce\(avg\(value\), 0\), coalesce\(stddev_pop\(value\), 0\) FROM \(\s*SELECT DISTINCT ON \(supervisor_id\) value FROM "rm_supervisor_engagement_factor" WHERE tenant_id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"count", "avg", "stddev_pop"}).AddRow(int64(4), 1.5, 0.5))

	pop, err := s.AggregatePopulation(context.Background(), SupervisorEngagementFactor, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Population{Mean: 1.5, StdDev: 0.5, Count: 4}, pop)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AggregatePopulation_TenantLevelRejected(t *testing.T) {
	s, _ := newMockPostgres(t)
	_, err := s.AggregatePopulation(context.Background(), Average(CrewRiskScore), "t1", time.Time{})
	assert.ErrorContains(t, err, "no per-entity population")
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "rm_activity_total_task_risk"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigration_TablePerKind(t *testing.T) {
	ddl := PostgresMigration()
	for _, k := range Kinds() {
		spec, _ := Lookup(k)
		assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "`+spec.Table()+`"`)
	}
	assert.Contains(t, ddl, "library_task_id TEXT NOT NULL")
}
