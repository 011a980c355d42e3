// Package entity exposes the read-only entity graph the risk model consumes
// and the single write it makes back: the denormalised risk level.
package entity

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/riskengine/internal/model"
)

// ErrNotFound is returned when an entity does not exist. Soft-deleted
// entities are still returned, with Archived set.
var ErrNotFound = errors.New("entity: not found")

// Source reads entities. Every lookup is scoped to a tenant except library
// tasks, which form a shared catalogue.
//
// Deletion is soft: a deleted task or activity must stay readable with
// Archived set, so a TaskDeleted or ActivityDeleted trigger can still reach
// the aggregates that hold its score.
type Source interface {
	WorkPackage(ctx context.Context, tenantID, id string) (model.WorkPackage, error)
	Location(ctx context.Context, tenantID, id string) (model.Location, error)
	Activity(ctx context.Context, tenantID, id string) (model.Activity, error)
	// Task returns the task with dates inherited from its activity.
	Task(ctx context.Context, tenantID, id string) (model.Task, error)
	LibraryTask(ctx context.Context, id string) (model.LibraryTask, error)

	TasksByActivity(ctx context.Context, tenantID, activityID string) ([]model.Task, error)
	TasksByLocation(ctx context.Context, tenantID, locationID string) ([]model.Task, error)
	TasksByWorkPackage(ctx context.Context, tenantID, workPackageID string) ([]model.Task, error)
	TasksByLibraryTask(ctx context.Context, tenantID, libraryTaskID string) ([]model.Task, error)
	ActivitiesByLocation(ctx context.Context, tenantID, locationID string) ([]model.Activity, error)
	LocationsByWorkPackage(ctx context.Context, tenantID, workPackageID string) ([]model.Location, error)
	LocationsBySupervisor(ctx context.Context, tenantID, supervisorID string) ([]model.Location, error)
	LocationsByTenant(ctx context.Context, tenantID string) ([]model.Location, error)
	WorkPackagesByContractor(ctx context.Context, tenantID, contractorID string) ([]model.WorkPackage, error)
	WorkPackagesByTenant(ctx context.Context, tenantID string) ([]model.WorkPackage, error)

	// Event queries return non-archived events at or after since.
	IncidentsByLibraryTask(ctx context.Context, tenantID, libraryTaskID string, since time.Time) ([]model.Incident, error)
	IncidentsByContractor(ctx context.Context, tenantID, contractorID string, since time.Time) ([]model.Incident, error)
	IncidentsByCrew(ctx context.Context, tenantID, crewID string, since time.Time) ([]model.Incident, error)
	ObservationsBySupervisor(ctx context.Context, tenantID, supervisorID string, since time.Time) ([]model.Observation, error)

	// SiteConditions returns the stored conditions at a location on a date.
	SiteConditions(ctx context.Context, tenantID, locationID string, date time.Time) ([]model.SiteCondition, error)
}

// RiskStamper writes the denormalised risk level onto classifiable entities.
type RiskStamper interface {
	StampLocationRisk(ctx context.Context, tenantID, locationID string, level model.RiskLevel) error
	StampWorkPackageRisk(ctx context.Context, tenantID, workPackageID string, level model.RiskLevel) error
}

// Evaluator decides which site conditions apply to a location on a date.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID, locationID string, date time.Time) ([]model.SiteCondition, error)
}

// StoredEvaluator evaluates site conditions from the stored predicate
// results: a condition applies when its Applies flag is set and it is not
// archived.
type StoredEvaluator struct {
	Source Source
}

// Evaluate returns the applying conditions.
func (e StoredEvaluator) Evaluate(ctx context.Context, tenantID, locationID string, date time.Time) ([]model.SiteCondition, error) {
	all, err := e.Source.SiteConditions(ctx, tenantID, locationID, date)
	if err != nil {
		return nil, err
	}
	var out []model.SiteCondition
	for _, c := range all {
		if c.Applies && !c.Archived {
			out = append(out, c)
		}
	}
	return out, nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
