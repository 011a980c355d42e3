package entity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/riskengine/internal/db"
	"github.com/sells-group/riskengine/internal/model"
)

// PostgresMigration creates the entity tables read by the risk model.
// Locations carry a PostGIS point alongside the raw coordinates.
const PostgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS work_packages (
	id            TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	contractor_id TEXT,
	start_date    DATE,
	end_date      DATE,
	archived      BOOLEAN NOT NULL DEFAULT false,
	risk          TEXT NOT NULL DEFAULT 'UNKNOWN',
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS locations (
	id              TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	work_package_id TEXT NOT NULL,
	supervisor_id   TEXT,
	name            TEXT NOT NULL DEFAULT '',
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	geom            geometry(Point, 4326),
	archived        BOOLEAN NOT NULL DEFAULT false,
	risk            TEXT NOT NULL DEFAULT 'UNKNOWN',
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	location_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	start_date  DATE,
	end_date    DATE,
	is_critical BOOLEAN NOT NULL DEFAULT false,
	archived    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS library_tasks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	hesp        INTEGER NOT NULL DEFAULT 0,
	is_critical BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	activity_id     TEXT NOT NULL,
	library_task_id TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'not_started',
	archived        BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS incidents (
	id               TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	library_task_ids TEXT[] NOT NULL DEFAULT '{}',
	contractor_id    TEXT,
	supervisor_id    TEXT,
	crew_id          TEXT,
	severity         TEXT NOT NULL,
	occurred_at      TIMESTAMPTZ NOT NULL,
	archived         BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS observations (
	id               TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	supervisor_id    TEXT,
	contractor_id    TEXT,
	observation_type TEXT NOT NULL,
	observed_at      TIMESTAMPTZ NOT NULL,
	archived         BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS site_conditions (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	location_id TEXT NOT NULL,
	handle      TEXT NOT NULL DEFAULT '',
	date        DATE NOT NULL,
	multiplier  DOUBLE PRECISION NOT NULL DEFAULT 0,
	applies     BOOLEAN NOT NULL DEFAULT false,
	archived    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_activities_location ON activities(tenant_id, location_id);
CREATE INDEX IF NOT EXISTS idx_tasks_activity ON tasks(tenant_id, activity_id);
CREATE INDEX IF NOT EXISTS idx_tasks_library_task ON tasks(tenant_id, library_task_id);
CREATE INDEX IF NOT EXISTS idx_incidents_occurred ON incidents(tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_site_conditions_location ON site_conditions(tenant_id, location_id, date);
`

// Postgres reads entities from the relational schema and stamps risk levels.
type Postgres struct {
	pool db.Pool
}

// NewPostgres returns a source on pool.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the entity tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresMigration)
	return eris.Wrap(err, "entity: postgres migrate")
}

// EncodePoint returns the EWKB encoding of a WGS84 point.
func EncodePoint(lat, lon float64) ([]byte, error) {
	p := geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "entity: encode point")
	}
	return data, nil
}

// DecodePoint decodes EWKB into a point. Nil input yields a nil point.
func DecodePoint(data []byte) (*geom.Point, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "entity: decode point")
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return nil, eris.Errorf("entity: expected point geometry, got %T", g)
	}
	return p, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return eris.Wrapf(err, "entity: load %s %s", what, id)
}

func ptr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func date(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return model.Day(*t)
}

const workPackageCols = `id, tenant_id, name, contractor_id, start_date, end_date, archived, risk`

func scanWorkPackage(row pgx.Row) (model.WorkPackage, error) {
	var (
		w          model.WorkPackage
		contractor *string
		start, end *time.Time
		risk       string
	)
	if err := row.Scan(&w.ID, &w.TenantID, &w.Name, &contractor, &start, &end, &w.Archived, &risk); err != nil {
		return w, err
	}
	w.ContractorID = ptr(contractor)
	w.StartDate, w.EndDate = date(start), date(end)
	w.Risk = model.RiskLevel(risk)
	return w, nil
}

const locationCols = `id, tenant_id, work_package_id, supervisor_id, name, latitude, longitude, ST_AsEWKB(geom), archived, risk`

func scanLocation(row pgx.Row) (model.Location, error) {
	var (
		l          model.Location
		supervisor *string
		lat, lon   *float64
		wkb        []byte
		risk       string
	)
	if err := row.Scan(&l.ID, &l.TenantID, &l.WorkPackageID, &supervisor, &l.Name, &lat, &lon, &wkb, &l.Archived, &risk); err != nil {
		return l, err
	}
	l.SupervisorID = ptr(supervisor)
	if lat != nil && lon != nil {
		l.Latitude, l.Longitude = *lat, *lon
	}
	p, err := DecodePoint(wkb)
	if err != nil {
		return l, err
	}
	l.SetPoint(p)
	l.Risk = model.RiskLevel(risk)
	return l, nil
}

const activityCols = `id, tenant_id, location_id, name, start_date, end_date, is_critical, archived`

func scanActivity(row pgx.Row) (model.Activity, error) {
	var (
		a          model.Activity
		start, end *time.Time
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.LocationID, &a.Name, &start, &end, &a.IsCritical, &a.Archived); err != nil {
		return a, err
	}
	a.StartDate, a.EndDate = date(start), date(end)
	return a, nil
}

// Tasks are always read joined to their activity so dates are inherited.
const taskSelect = `
	SELECT t.id, t.tenant_id, t.activity_id, t.library_task_id, t.status, t.archived, a.start_date, a.end_date
	FROM tasks t
	LEFT JOIN activities a ON a.tenant_id = t.tenant_id AND a.id = t.activity_id`

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t          model.Task
		status     string
		start, end *time.Time
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.ActivityID, &t.LibraryTaskID, &status, &t.Archived, &start, &end); err != nil {
		return t, err
	}
	t.Status = model.TaskStatus(status)
	t.StartDate, t.EndDate = date(start), date(end)
	return t, nil
}

const incidentCols = `id, tenant_id, library_task_ids, contractor_id, supervisor_id, crew_id, severity, occurred_at, archived`

func scanIncident(row pgx.Row) (model.Incident, error) {
	var (
		in                    model.Incident
		contractor, sup, crew *string
		severity              string
	)
	if err := row.Scan(&in.ID, &in.TenantID, &in.LibraryTaskIDs, &contractor, &sup, &crew, &severity, &in.OccurredAt, &in.Archived); err != nil {
		return in, err
	}
	in.ContractorID, in.SupervisorID, in.CrewID = ptr(contractor), ptr(sup), ptr(crew)
	in.Severity = model.IncidentSeverity(severity)
	return in, nil
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error), what string) ([]T, error) {
	if err != nil {
		return nil, eris.Wrapf(err, "entity: query %s", what)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "entity: scan %s", what)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "entity: iterate %s", what)
	}
	return out, nil
}

func (s *Postgres) WorkPackage(ctx context.Context, tenantID, id string) (model.WorkPackage, error) {
	w, err := scanWorkPackage(s.pool.QueryRow(ctx,
		`SELECT `+workPackageCols+` FROM work_packages WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return w, notFound(err, "work package", id)
	}
	return w, nil
}

func (s *Postgres) Location(ctx context.Context, tenantID, id string) (model.Location, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx,
		`SELECT `+locationCols+` FROM locations WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return l, notFound(err, "location", id)
	}
	return l, nil
}

func (s *Postgres) Activity(ctx context.Context, tenantID, id string) (model.Activity, error) {
	a, err := scanActivity(s.pool.QueryRow(ctx,
		`SELECT `+activityCols+` FROM activities WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return a, notFound(err, "activity", id)
	}
	return a, nil
}

func (s *Postgres) Task(ctx context.Context, tenantID, id string) (model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, taskSelect+` WHERE t.tenant_id = $1 AND t.id = $2`, tenantID, id))
	if err != nil {
		return t, notFound(err, "task", id)
	}
	return t, nil
}

func (s *Postgres) LibraryTask(ctx context.Context, id string) (model.LibraryTask, error) {
	var lt model.LibraryTask
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, category, hesp, is_critical FROM library_tasks WHERE id = $1`, id,
	).Scan(&lt.ID, &lt.Name, &lt.Category, &lt.HESP, &lt.IsCritical)
	if err != nil {
		return lt, notFound(err, "library task", id)
	}
	return lt, nil
}

func (s *Postgres) TasksByActivity(ctx context.Context, tenantID, activityID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` WHERE t.tenant_id = $1 AND t.activity_id = $2 ORDER BY t.id`, tenantID, activityID)
	return collect(rows, err, scanTask, "tasks by activity")
}

func (s *Postgres) TasksByLocation(ctx context.Context, tenantID, locationID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` WHERE t.tenant_id = $1 AND a.location_id = $2 ORDER BY t.id`, tenantID, locationID)
	return collect(rows, err, scanTask, "tasks by location")
}

func (s *Postgres) TasksByWorkPackage(ctx context.Context, tenantID, workPackageID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		JOIN locations l ON l.tenant_id = a.tenant_id AND l.id = a.location_id
		WHERE t.tenant_id = $1 AND l.work_package_id = $2 ORDER BY t.id`, tenantID, workPackageID)
	return collect(rows, err, scanTask, "tasks by work package")
}

func (s *Postgres) TasksByLibraryTask(ctx context.Context, tenantID, libraryTaskID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` WHERE t.tenant_id = $1 AND t.library_task_id = $2 ORDER BY t.id`, tenantID, libraryTaskID)
	return collect(rows, err, scanTask, "tasks by library task")
}

func (s *Postgres) ActivitiesByLocation(ctx context.Context, tenantID, locationID string) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+activityCols+` FROM activities WHERE tenant_id = $1 AND location_id = $2 ORDER BY id`, tenantID, locationID)
	return collect(rows, err, scanActivity, "activities by location")
}

func (s *Postgres) LocationsByWorkPackage(ctx context.Context, tenantID, workPackageID string) ([]model.Location, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+locationCols+` FROM locations WHERE tenant_id = $1 AND work_package_id = $2 ORDER BY id`, tenantID, workPackageID)
	return collect(rows, err, scanLocation, "locations by work package")
}

func (s *Postgres) LocationsBySupervisor(ctx context.Context, tenantID, supervisorID string) ([]model.Location, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+locationCols+` FROM locations WHERE tenant_id = $1 AND supervisor_id = $2 ORDER BY id`, tenantID, supervisorID)
	return collect(rows, err, scanLocation, "locations by supervisor")
}

func (s *Postgres) LocationsByTenant(ctx context.Context, tenantID string) ([]model.Location, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+locationCols+` FROM locations WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return collect(rows, err, scanLocation, "locations by tenant")
}

func (s *Postgres) WorkPackagesByContractor(ctx context.Context, tenantID, contractorID string) ([]model.WorkPackage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workPackageCols+` FROM work_packages WHERE tenant_id = $1 AND contractor_id = $2 ORDER BY id`, tenantID, contractorID)
	return collect(rows, err, scanWorkPackage, "work packages by contractor")
}

func (s *Postgres) WorkPackagesByTenant(ctx context.Context, tenantID string) ([]model.WorkPackage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workPackageCols+` FROM work_packages WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return collect(rows, err, scanWorkPackage, "work packages by tenant")
}

func (s *Postgres) incidents(ctx context.Context, where string, args ...any) ([]model.Incident, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+incidentCols+` FROM incidents
		WHERE tenant_id = $1 AND NOT archived AND occurred_at >= $2 AND `+where+` ORDER BY occurred_at`, args...)
	return collect(rows, err, scanIncident, "incidents")
}

func (s *Postgres) IncidentsByLibraryTask(ctx context.Context, tenantID, libraryTaskID string, since time.Time) ([]model.Incident, error) {
	return s.incidents(ctx, `$3 = ANY(library_task_ids)`, tenantID, since, libraryTaskID)
}

func (s *Postgres) IncidentsByContractor(ctx context.Context, tenantID, contractorID string, since time.Time) ([]model.Incident, error) {
	return s.incidents(ctx, `contractor_id = $3`, tenantID, since, contractorID)
}

func (s *Postgres) IncidentsByCrew(ctx context.Context, tenantID, crewID string, since time.Time) ([]model.Incident, error) {
	return s.incidents(ctx, `crew_id = $3`, tenantID, since, crewID)
}

func (s *Postgres) ObservationsBySupervisor(ctx context.Context, tenantID, supervisorID string, since time.Time) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, supervisor_id, contractor_id, observation_type, observed_at, archived
		FROM observations
		WHERE tenant_id = $1 AND supervisor_id = $2 AND NOT archived AND observed_at >= $3
		ORDER BY observed_at`, tenantID, supervisorID, since)
	return collect(rows, err, func(row pgx.Row) (model.Observation, error) {
		var (
			o             model.Observation
			sup, contract *string
			typ           string
		)
		if err := row.Scan(&o.ID, &o.TenantID, &sup, &contract, &typ, &o.ObservedAt, &o.Archived); err != nil {
			return o, err
		}
		o.SupervisorID, o.ContractorID = ptr(sup), ptr(contract)
		o.Type = model.ObservationType(typ)
		return o, nil
	}, "observations")
}

func (s *Postgres) SiteConditions(ctx context.Context, tenantID, locationID string, day time.Time) ([]model.SiteCondition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, location_id, handle, date, multiplier, applies, archived
		FROM site_conditions
		WHERE tenant_id = $1 AND location_id = $2 AND date = $3
		ORDER BY id`, tenantID, locationID, model.Day(day))
	return collect(rows, err, func(row pgx.Row) (model.SiteCondition, error) {
		var c model.SiteCondition
		if err := row.Scan(&c.ID, &c.TenantID, &c.LocationID, &c.Handle, &c.Date, &c.Multiplier, &c.Applies, &c.Archived); err != nil {
			return c, err
		}
		c.Date = model.Day(c.Date)
		return c, nil
	}, "site conditions")
}

// StampLocationRisk overwrites the location's risk column.
func (s *Postgres) StampLocationRisk(ctx context.Context, tenantID, locationID string, level model.RiskLevel) error {
	tag, err := s.pool.Exec(ctx, `UPDATE locations SET risk = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, locationID, string(level))
	if err != nil {
		return eris.Wrapf(err, "entity: stamp location %s", locationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "location %s", locationID)
	}
	return nil
}

// StampWorkPackageRisk overwrites the work package's risk column.
func (s *Postgres) StampWorkPackageRisk(ctx context.Context, tenantID, workPackageID string, level model.RiskLevel) error {
	tag, err := s.pool.Exec(ctx, `UPDATE work_packages SET risk = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, workPackageID, string(level))
	if err != nil {
		return eris.Wrapf(err, "entity: stamp work package %s", workPackageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "work package %s", workPackageID)
	}
	return nil
}
