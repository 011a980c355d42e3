package entity

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/model"
)

// Memory is an in-process Source and RiskStamper for tests and the simulate
// command. Entities are keyed by tenant and ID.
type Memory struct {
	mu             sync.RWMutex
	workPackages   map[key]model.WorkPackage
	locations      map[key]model.Location
	activities     map[key]model.Activity
	tasks          map[key]model.Task
	libraryTasks   map[string]model.LibraryTask
	observations   []model.Observation
	incidents      []model.Incident
	siteConditions []model.SiteCondition
}

type key struct{ tenant, id string }

// NewMemory returns an empty source.
func NewMemory() *Memory {
	return &Memory{
		workPackages: make(map[key]model.WorkPackage),
		locations:    make(map[key]model.Location),
		activities:   make(map[key]model.Activity),
		tasks:        make(map[key]model.Task),
		libraryTasks: make(map[string]model.LibraryTask),
	}
}

// PutWorkPackage inserts or replaces a work package.
func (m *Memory) PutWorkPackage(v model.WorkPackage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Risk == "" {
		v.Risk = model.RiskUnknown
	}
	m.workPackages[key{v.TenantID, v.ID}] = v
}

// PutLocation inserts or replaces a location.
func (m *Memory) PutLocation(v model.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Risk == "" {
		v.Risk = model.RiskUnknown
	}
	m.locations[key{v.TenantID, v.ID}] = v
}

// PutActivity inserts or replaces an activity.
func (m *Memory) PutActivity(v model.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[key{v.TenantID, v.ID}] = v
}

// PutTask inserts or replaces a task.
func (m *Memory) PutTask(v model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == "" {
		v.Status = model.TaskStatusNotStarted
	}
	m.tasks[key{v.TenantID, v.ID}] = v
}

// PutLibraryTask inserts or replaces a catalogue entry.
func (m *Memory) PutLibraryTask(v model.LibraryTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libraryTasks[v.ID] = v
}

// PutObservation appends an observation.
func (m *Memory) PutObservation(v model.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, v)
}

// PutIncident appends an incident.
func (m *Memory) PutIncident(v model.Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, v)
}

// PutSiteCondition appends a site condition.
func (m *Memory) PutSiteCondition(v model.SiteCondition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Date = model.Day(v.Date)
	m.siteConditions = append(m.siteConditions, v)
}

// ArchiveTask soft-deletes a task. It reports whether the task exists.
func (m *Memory) ArchiveTask(tenantID, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, id}
	t, ok := m.tasks[k]
	if ok {
		t.Archived = true
		m.tasks[k] = t
	}
	return ok
}

// ArchiveActivity soft-deletes an activity. It reports whether the activity
// exists.
func (m *Memory) ArchiveActivity(tenantID, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, id}
	a, ok := m.activities[k]
	if ok {
		a.Archived = true
		m.activities[k] = a
	}
	return ok
}

func (m *Memory) WorkPackage(_ context.Context, tenantID, id string) (model.WorkPackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.workPackages[key{tenantID, id}]
	if !ok {
		return model.WorkPackage{}, eris.Wrapf(ErrNotFound, "work package %s", id)
	}
	return v, nil
}

func (m *Memory) Location(_ context.Context, tenantID, id string) (model.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.locations[key{tenantID, id}]
	if !ok {
		return model.Location{}, eris.Wrapf(ErrNotFound, "location %s", id)
	}
	return v, nil
}

func (m *Memory) Activity(_ context.Context, tenantID, id string) (model.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.activities[key{tenantID, id}]
	if !ok {
		return model.Activity{}, eris.Wrapf(ErrNotFound, "activity %s", id)
	}
	return v, nil
}

func (m *Memory) Task(_ context.Context, tenantID, id string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tasks[key{tenantID, id}]
	if !ok {
		return model.Task{}, eris.Wrapf(ErrNotFound, "task %s", id)
	}
	return m.inherit(v), nil
}

func (m *Memory) LibraryTask(_ context.Context, id string) (model.LibraryTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.libraryTasks[id]
	if !ok {
		return model.LibraryTask{}, eris.Wrapf(ErrNotFound, "library task %s", id)
	}
	return v, nil
}

// inherit copies the activity's dates onto a task. Caller holds the lock.
func (m *Memory) inherit(t model.Task) model.Task {
	if a, ok := m.activities[key{t.TenantID, t.ActivityID}]; ok {
		t.StartDate = a.StartDate
		t.EndDate = a.EndDate
	}
	return t
}

func (m *Memory) filterTasks(tenantID string, keep func(model.Task) bool) []model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Task
	for k, t := range m.tasks {
		if k.tenant != tenantID {
			continue
		}
		t = m.inherit(t)
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// parents snapshots activity->location and location->work package links
// for a tenant.
func (m *Memory) parents(tenantID string) (actLoc, locWP map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actLoc = make(map[string]string)
	locWP = make(map[string]string)
	for k, a := range m.activities {
		if k.tenant == tenantID {
			actLoc[a.ID] = a.LocationID
		}
	}
	for k, l := range m.locations {
		if k.tenant == tenantID {
			locWP[l.ID] = l.WorkPackageID
		}
	}
	return actLoc, locWP
}

func (m *Memory) TasksByActivity(_ context.Context, tenantID, activityID string) ([]model.Task, error) {
	return m.filterTasks(tenantID, func(t model.Task) bool { return t.ActivityID == activityID }), nil
}

func (m *Memory) TasksByLocation(_ context.Context, tenantID, locationID string) ([]model.Task, error) {
	actLoc, _ := m.parents(tenantID)
	return m.filterTasks(tenantID, func(t model.Task) bool { return actLoc[t.ActivityID] == locationID }), nil
}

func (m *Memory) TasksByWorkPackage(_ context.Context, tenantID, workPackageID string) ([]model.Task, error) {
	actLoc, locWP := m.parents(tenantID)
	return m.filterTasks(tenantID, func(t model.Task) bool {
		l, ok := actLoc[t.ActivityID]
		return ok && locWP[l] == workPackageID
	}), nil
}

func (m *Memory) TasksByLibraryTask(_ context.Context, tenantID, libraryTaskID string) ([]model.Task, error) {
	return m.filterTasks(tenantID, func(t model.Task) bool { return t.LibraryTaskID == libraryTaskID }), nil
}

func (m *Memory) ActivitiesByLocation(_ context.Context, tenantID, locationID string) ([]model.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Activity
	for k, a := range m.activities {
		if k.tenant == tenantID && a.LocationID == locationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) filterLocations(tenantID string, keep func(model.Location) bool) []model.Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Location
	for k, l := range m.locations {
		if k.tenant == tenantID && keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) LocationsByWorkPackage(_ context.Context, tenantID, workPackageID string) ([]model.Location, error) {
	return m.filterLocations(tenantID, func(l model.Location) bool { return l.WorkPackageID == workPackageID }), nil
}

func (m *Memory) LocationsBySupervisor(_ context.Context, tenantID, supervisorID string) ([]model.Location, error) {
	return m.filterLocations(tenantID, func(l model.Location) bool { return l.SupervisorID == supervisorID }), nil
}

func (m *Memory) LocationsByTenant(_ context.Context, tenantID string) ([]model.Location, error) {
	return m.filterLocations(tenantID, func(model.Location) bool { return true }), nil
}

func (m *Memory) filterWorkPackages(tenantID string, keep func(model.WorkPackage) bool) []model.WorkPackage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.WorkPackage
	for k, w := range m.workPackages {
		if k.tenant == tenantID && keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) WorkPackagesByContractor(_ context.Context, tenantID, contractorID string) ([]model.WorkPackage, error) {
	return m.filterWorkPackages(tenantID, func(w model.WorkPackage) bool { return w.ContractorID == contractorID }), nil
}

func (m *Memory) WorkPackagesByTenant(_ context.Context, tenantID string) ([]model.WorkPackage, error) {
	return m.filterWorkPackages(tenantID, func(model.WorkPackage) bool { return true }), nil
}

func (m *Memory) filterIncidents(tenantID string, since time.Time, keep func(model.Incident) bool) []model.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Incident
	for _, in := range m.incidents {
		if in.TenantID != tenantID || in.Archived || in.OccurredAt.Before(since) {
			continue
		}
		if keep(in) {
			out = append(out, in)
		}
	}
	return out
}

func (m *Memory) IncidentsByLibraryTask(_ context.Context, tenantID, libraryTaskID string, since time.Time) ([]model.Incident, error) {
	return m.filterIncidents(tenantID, since, func(in model.Incident) bool {
		return slices.Contains(in.LibraryTaskIDs, libraryTaskID)
	}), nil
}

func (m *Memory) IncidentsByContractor(_ context.Context, tenantID, contractorID string, since time.Time) ([]model.Incident, error) {
	return m.filterIncidents(tenantID, since, func(in model.Incident) bool { return in.ContractorID == contractorID }), nil
}

func (m *Memory) IncidentsByCrew(_ context.Context, tenantID, crewID string, since time.Time) ([]model.Incident, error) {
	return m.filterIncidents(tenantID, since, func(in model.Incident) bool { return in.CrewID == crewID }), nil
}

func (m *Memory) ObservationsBySupervisor(_ context.Context, tenantID, supervisorID string, since time.Time) ([]model.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Observation
	for _, o := range m.observations {
		if o.TenantID == tenantID && o.SupervisorID == supervisorID && !o.Archived && !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) SiteConditions(_ context.Context, tenantID, locationID string, date time.Time) ([]model.SiteCondition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := model.Day(date)
	var out []model.SiteCondition
	for _, c := range m.siteConditions {
		if c.TenantID == tenantID && c.LocationID == locationID && c.Date.Equal(day) {
			out = append(out, c)
		}
	}
	return out, nil
}

// StampLocationRisk overwrites the location's risk level.
func (m *Memory) StampLocationRisk(_ context.Context, tenantID, locationID string, level model.RiskLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, locationID}
	v, ok := m.locations[k]
	if !ok {
		return eris.Wrapf(ErrNotFound, "location %s", locationID)
	}
	v.Risk = level
	m.locations[k] = v
	return nil
}

// StampWorkPackageRisk overwrites the work package's risk level.
func (m *Memory) StampWorkPackageRisk(_ context.Context, tenantID, workPackageID string, level model.RiskLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, workPackageID}
	v, ok := m.workPackages[k]
	if !ok {
		return eris.Wrapf(ErrNotFound, "work package %s", workPackageID)
	}
	v.Risk = level
	m.workPackages[k] = v
	return nil
}
