package entity

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/db"
	"github.com/sells-group/riskengine/internal/model"
)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dateArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return model.Day(t)
}

// Seed merges every entity in the fixture in one transaction. Existing rows
// with the same key are overwritten, except location and work package risk
// levels, which are never seeded. An entity repeated in the fixture keeps
// its last occurrence.
func (s *Postgres) Seed(ctx context.Context, f *Fixture) error {
	wp := &db.Batch{
		Table:   "work_packages",
		Columns: []string{"id", "tenant_id", "name", "contractor_id", "start_date", "end_date", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, w := range f.WorkPackages {
		wp.Add(w.ID, w.TenantID, w.Name, nullable(w.ContractorID), dateArg(w.StartDate), dateArg(w.EndDate), w.Archived)
	}

	loc := &db.Batch{
		Table:   "locations",
		Columns: []string{"id", "tenant_id", "work_package_id", "supervisor_id", "name", "latitude", "longitude", "geom", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, l := range f.Locations {
		point, err := EncodePoint(l.Latitude, l.Longitude)
		if err != nil {
			return err
		}
		loc.Add(l.ID, l.TenantID, l.WorkPackageID, nullable(l.SupervisorID), l.Name, l.Latitude, l.Longitude, point, l.Archived)
	}

	act := &db.Batch{
		Table:   "activities",
		Columns: []string{"id", "tenant_id", "location_id", "name", "start_date", "end_date", "is_critical", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, a := range f.Activities {
		act.Add(a.ID, a.TenantID, a.LocationID, a.Name, dateArg(a.StartDate), dateArg(a.EndDate), a.IsCritical, a.Archived)
	}

	lib := &db.Batch{
		Table:   "library_tasks",
		Columns: []string{"id", "name", "category", "hesp", "is_critical"},
		Keys:    []string{"id"},
	}
	for _, lt := range f.LibraryTasks {
		lib.Add(lt.ID, lt.Name, lt.Category, lt.HESP, lt.IsCritical)
	}

	tasks := &db.Batch{
		Table:   "tasks",
		Columns: []string{"id", "tenant_id", "activity_id", "library_task_id", "status", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, t := range f.Tasks {
		status := t.Status
		if status == "" {
			status = model.TaskStatusNotStarted
		}
		tasks.Add(t.ID, t.TenantID, t.ActivityID, t.LibraryTaskID, string(status), t.Archived)
	}

	inc := &db.Batch{
		Table:   "incidents",
		Columns: []string{"id", "tenant_id", "library_task_ids", "contractor_id", "supervisor_id", "crew_id", "severity", "occurred_at", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, in := range f.Incidents {
		ids := in.LibraryTaskIDs
		if ids == nil {
			ids = []string{}
		}
		inc.Add(in.ID, in.TenantID, ids, nullable(in.ContractorID), nullable(in.SupervisorID), nullable(in.CrewID), string(in.Severity), in.OccurredAt, in.Archived)
	}

	obs := &db.Batch{
		Table:   "observations",
		Columns: []string{"id", "tenant_id", "supervisor_id", "contractor_id", "observation_type", "observed_at", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, o := range f.Observations {
		obs.Add(o.ID, o.TenantID, nullable(o.SupervisorID), nullable(o.ContractorID), string(o.Type), o.ObservedAt, o.Archived)
	}

	sc := &db.Batch{
		Table:   "site_conditions",
		Columns: []string{"id", "tenant_id", "location_id", "handle", "date", "multiplier", "applies", "archived"},
		Keys:    []string{"tenant_id", "id"},
	}
	for _, c := range f.SiteConditions {
		sc.Add(c.ID, c.TenantID, c.LocationID, c.Handle, model.Day(c.Date), c.Multiplier, c.Applies, c.Archived)
	}

	affected, err := db.Merge(ctx, s.pool, []*db.Batch{wp, loc, act, lib, tasks, inc, obs, sc})
	if err != nil {
		return eris.Wrap(err, "entity: seed")
	}
	for table, n := range affected {
		zap.L().Debug("entity: seeded", zap.String("table", table), zap.Int64("rows", n))
	}
	return nil
}
