package riskmodel

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/trigger"
)

// Calculation is one concrete metric computation.
type Calculation struct {
	Kind    metricstore.Kind    `json:"kind"`
	Subject metricstore.Subject `json:"subject"`
}

// Key identifies the calculation for deduplication.
func (c Calculation) Key() string {
	return string(c.Kind) + "|" + c.Subject.Key()
}

func (c Calculation) String() string { return c.Key() }

type dateSet map[time.Time]struct{}

func (d dateSet) add(days ...time.Time) {
	for _, day := range days {
		d[model.Day(day)] = struct{}{}
	}
}

func (d dateSet) sorted() []time.Time {
	out := make([]time.Time, 0, len(d))
	for day := range d {
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// scope is the set of entities one trigger touches, with the dates each
// dated subject must be recomputed on.
type scope struct {
	src    entity.Source
	tenant string

	tasks        map[string]model.Task
	activities   map[string]dateSet
	locations    map[string]dateSet
	workPackages map[string]dateSet
	libraryTasks map[string]bool
	supervisors  map[string]bool
	contractors  map[string]bool
	crews        map[string]bool

	actLoc map[string]string
	locWP  map[string]string
}

func newScope(src entity.Source, tenant string) *scope {
	return &scope{
		src:          src,
		tenant:       tenant,
		tasks:        make(map[string]model.Task),
		activities:   make(map[string]dateSet),
		locations:    make(map[string]dateSet),
		workPackages: make(map[string]dateSet),
		libraryTasks: make(map[string]bool),
		supervisors:  make(map[string]bool),
		contractors:  make(map[string]bool),
		crews:        make(map[string]bool),
		actLoc:       make(map[string]string),
		locWP:        make(map[string]string),
	}
}

func dates(m map[string]dateSet, id string) dateSet {
	d, ok := m[id]
	if !ok {
		d = make(dateSet)
		m[id] = d
	}
	return d
}

// parentsOf resolves and caches the location and work package of an
// activity.
func (s *scope) parentsOf(ctx context.Context, activityID string) (string, string, error) {
	if loc, ok := s.actLoc[activityID]; ok {
		return loc, s.locWP[loc], nil
	}
	a, err := s.src.Activity(ctx, s.tenant, activityID)
	if err != nil {
		return "", "", err
	}
	s.actLoc[activityID] = a.LocationID
	if _, ok := s.locWP[a.LocationID]; !ok {
		l, err := s.src.Location(ctx, s.tenant, a.LocationID)
		if err != nil {
			return "", "", err
		}
		s.locWP[l.ID] = l.WorkPackageID
	}
	return a.LocationID, s.locWP[a.LocationID], nil
}

// addTask adds a task and spreads its dates to its parents.
func (s *scope) addTask(ctx context.Context, t model.Task) error {
	loc, wp, err := s.parentsOf(ctx, t.ActivityID)
	if err != nil {
		return err
	}
	s.tasks[t.ID] = t
	s.libraryTasks[t.LibraryTaskID] = true
	days := model.DateRange(t.StartDate, t.EndDate)
	dates(s.activities, t.ActivityID).add(days...)
	dates(s.locations, loc).add(days...)
	dates(s.workPackages, wp).add(days...)
	return nil
}

// addActivity adds an activity over its whole range with all its tasks.
func (s *scope) addActivity(ctx context.Context, a model.Activity) error {
	loc, wp, err := s.parentsOf(ctx, a.ID)
	if err != nil {
		return err
	}
	days := model.DateRange(a.StartDate, a.EndDate)
	dates(s.activities, a.ID).add(days...)
	dates(s.locations, loc).add(days...)
	dates(s.workPackages, wp).add(days...)
	tasks, err := s.src.TasksByActivity(ctx, s.tenant, a.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.addTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// addLocation adds a location and everything under it.
func (s *scope) addLocation(ctx context.Context, l model.Location) error {
	s.locWP[l.ID] = l.WorkPackageID
	dates(s.locations, l.ID)
	dates(s.workPackages, l.WorkPackageID)
	acts, err := s.src.ActivitiesByLocation(ctx, s.tenant, l.ID)
	if err != nil {
		return err
	}
	for _, a := range acts {
		if err := s.addActivity(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *scope) addWorkPackage(ctx context.Context, wp model.WorkPackage) error {
	dates(s.workPackages, wp.ID)
	locs, err := s.src.LocationsByWorkPackage(ctx, s.tenant, wp.ID)
	if err != nil {
		return err
	}
	for _, l := range locs {
		if err := s.addLocation(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// seed collects the entities a trigger touches.
func (s *scope) seed(ctx context.Context, t trigger.Trigger) error {
	src, id := s.src, t.EntityID
	switch t.Kind {
	case trigger.TaskChanged, trigger.TaskDeleted:
		task, err := src.Task(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		return s.addTask(ctx, task)
	case trigger.ActivityChanged, trigger.ActivityDeleted:
		a, err := src.Activity(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		return s.addActivity(ctx, a)
	case trigger.LocationSiteConditionsChanged, trigger.ProjectLocationChanged:
		l, err := src.Location(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		return s.addLocation(ctx, l)
	case trigger.WorkPackageChanged:
		wp, err := src.WorkPackage(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		return s.addWorkPackage(ctx, wp)
	case trigger.SupervisorChanged:
		s.supervisors[id] = true
		locs, err := src.LocationsBySupervisor(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		for _, l := range locs {
			if err := s.addLocation(ctx, l); err != nil {
				return err
			}
		}
	case trigger.ContractorChanged:
		s.contractors[id] = true
		wps, err := src.WorkPackagesByContractor(ctx, s.tenant, id)
		if err != nil {
			return err
		}
		for _, wp := range wps {
			if err := s.addWorkPackage(ctx, wp); err != nil {
				return err
			}
		}
	case trigger.CrewChanged:
		s.crews[id] = true
	}
	return nil
}

// subjects returns the subjects of kind inside the scope, ordered by key.
func (s *scope) subjects(kind metricstore.Kind) []metricstore.Subject {
	var out []metricstore.Subject
	undated := func(ids map[string]bool) {
		for id := range ids {
			out = append(out, metricstore.NewSubject(s.tenant, id, time.Time{}))
		}
	}
	dated := func(m map[string]dateSet) {
		for id, ds := range m {
			for _, day := range ds.sorted() {
				out = append(out, metricstore.NewSubject(s.tenant, id, day))
			}
		}
	}

	switch kind {
	case metricstore.LibraryTaskSafetyClimateMultiplier:
		undated(s.libraryTasks)
	case metricstore.TaskSpecificSiteConditionsMultiplier,
		metricstore.TaskSpecificRiskScore,
		metricstore.StochasticTaskSpecificRiskScore:
		for id, t := range s.tasks {
			for _, day := range model.DateRange(t.StartDate, t.EndDate) {
				out = append(out, metricstore.NewSubject(s.tenant, id, day))
			}
		}
	case metricstore.ActivityTotalTaskRisk, metricstore.StochasticActivityTotalTaskRisk:
		dated(s.activities)
	case metricstore.LocationTotalTaskRisk,
		metricstore.StochasticLocationTotalTaskRisk,
		metricstore.SiteConditionPrecursorRisk,
		metricstore.SiteConditionRelativePrecursorRisk:
		dated(s.locations)
	case metricstore.WorkPackageTotalTaskRisk, metricstore.StochasticWorkPackageTotalTaskRisk:
		dated(s.workPackages)
	case metricstore.SupervisorEngagementFactor:
		undated(s.supervisors)
	case metricstore.ContractorSafetyScore:
		undated(s.contractors)
	case metricstore.CrewRiskScore:
		undated(s.crews)
	case metricstore.ProjectSafetyClimateMultiplier:
		for id := range s.locations {
			out = append(out, metricstore.NewSubject(s.tenant, id, time.Time{}))
		}
	default:
		if _, ok := metricstore.BaseOf(kind); ok {
			out = append(out, metricstore.NewSubject(s.tenant, "", time.Time{}))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Plan expands a trigger into the calculations it invalidates, in
// dependency order. A deleted task or activity is archived, so its trigger
// still reaches the parent aggregates. A trigger whose entity no longer
// exists plans nothing.
func (e *Engine) Plan(ctx context.Context, t trigger.Trigger) ([]Calculation, error) {
	kinds := e.graph.Expand(t.Kind)
	if len(kinds) == 0 {
		return nil, nil
	}
	s := newScope(e.entities, t.TenantID)
	if err := s.seed(ctx, t); err != nil {
		if entity.IsNotFound(err) {
			if t.Kind == trigger.TaskDeleted || t.Kind == trigger.ActivityDeleted {
				// Parents of a hard-deleted entity cannot be resolved.
				zap.L().Warn("riskmodel: deleted entity not archived, aggregates not refreshed", t.Fields()...)
			} else {
				zap.L().Debug("riskmodel: trigger entity gone", t.Fields()...)
			}
			return nil, nil
		}
		return nil, err
	}
	var out []Calculation
	for _, k := range kinds {
		for _, subj := range s.subjects(k) {
			out = append(out, Calculation{Kind: k, Subject: subj})
		}
	}
	return out, nil
}

// Order sorts calculations in dependency order, stable within a kind.
func (e *Engine) Order(calcs []Calculation) {
	sort.SliceStable(calcs, func(i, j int) bool {
		ri, rj := e.graph.Rank(calcs[i].Kind), e.graph.Rank(calcs[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return calcs[i].Subject.Key() < calcs[j].Subject.Key()
	})
}
