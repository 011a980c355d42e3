package model

import (
	"time"

	"github.com/twpayne/go-geom"
)

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusNotStarted   TaskStatus = "not_started"
	TaskStatusInProgress   TaskStatus = "in_progress"
	TaskStatusComplete     TaskStatus = "complete"
	TaskStatusNotCompleted TaskStatus = "not_completed"
)

// WorkPackage is the root schedule that owns locations.
type WorkPackage struct {
	ID           string    `json:"id" yaml:"id" validate:"required"`
	TenantID     string    `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name         string    `json:"name" yaml:"name"`
	ContractorID string    `json:"contractor_id,omitempty" yaml:"contractor_id"`
	StartDate    time.Time `json:"start_date" yaml:"start_date"`
	EndDate      time.Time `json:"end_date" yaml:"end_date"`
	Archived     bool      `json:"archived" yaml:"archived"`
	Risk         RiskLevel `json:"risk" yaml:"-"`
}

// Location is a geo-referenced site owned by one work package.
type Location struct {
	ID            string      `json:"id" yaml:"id" validate:"required"`
	TenantID      string      `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	WorkPackageID string      `json:"work_package_id" yaml:"work_package_id" validate:"required"`
	SupervisorID  string      `json:"supervisor_id,omitempty" yaml:"supervisor_id"`
	Name          string      `json:"name" yaml:"name"`
	Latitude      float64     `json:"latitude" yaml:"latitude"`
	Longitude     float64     `json:"longitude" yaml:"longitude"`
	Point         *geom.Point `json:"-" yaml:"-"`
	Archived      bool        `json:"archived" yaml:"archived"`
	Risk          RiskLevel   `json:"risk" yaml:"-"`
}

// SetPoint stores the coordinates from a decoded geometry.
func (l *Location) SetPoint(p *geom.Point) {
	if p == nil || p.Empty() {
		return
	}
	l.Point = p
	l.Longitude = p.X()
	l.Latitude = p.Y()
}

// Activity is a dated bucket of tasks at a location.
type Activity struct {
	ID         string    `json:"id" yaml:"id" validate:"required"`
	TenantID   string    `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	LocationID string    `json:"location_id" yaml:"location_id" validate:"required"`
	Name       string    `json:"name" yaml:"name"`
	StartDate  time.Time `json:"start_date" yaml:"start_date"`
	EndDate    time.Time `json:"end_date" yaml:"end_date"`
	IsCritical bool      `json:"is_critical" yaml:"is_critical"`
	Archived   bool      `json:"archived" yaml:"archived"`
}

// Task is an instance of a library task within an activity. StartDate and
// EndDate are inherited from the activity by the entity source.
type Task struct {
	ID            string     `json:"id" yaml:"id" validate:"required"`
	TenantID      string     `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	ActivityID    string     `json:"activity_id" yaml:"activity_id" validate:"required"`
	LibraryTaskID string     `json:"library_task_id" yaml:"library_task_id" validate:"required"`
	Status        TaskStatus `json:"status" yaml:"status"`
	StartDate     time.Time  `json:"start_date" yaml:"-"`
	EndDate       time.Time  `json:"end_date" yaml:"-"`
	Archived      bool       `json:"archived" yaml:"archived"`
}

// IsProgressing reports whether the task still contributes to aggregate risk.
func (t Task) IsProgressing() bool {
	return t.Status != TaskStatusNotCompleted
}

// ActiveOn reports whether date falls inside the task's inherited date range.
func (t Task) ActiveOn(date time.Time) bool {
	return InRange(date, t.StartDate, t.EndDate)
}

// LibraryTask is a catalogue entry shared across tenants.
type LibraryTask struct {
	ID         string `json:"id" yaml:"id" validate:"required"`
	Name       string `json:"name" yaml:"name"`
	Category   string `json:"category" yaml:"category"`
	HESP       int    `json:"hesp" yaml:"hesp" validate:"gte=0"`
	IsCritical bool   `json:"is_critical" yaml:"is_critical"`
}

// Contractor is an organisation performing work packages.
type Contractor struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name     string `json:"name" yaml:"name"`
}

// Supervisor owns locations and safety observations.
type Supervisor struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name     string `json:"name" yaml:"name"`
}

// Crew is a group of workers attributed to incidents.
type Crew struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name     string `json:"name" yaml:"name"`
}

// Observation is a historical safety observation recorded by a supervisor.
type Observation struct {
	ID           string          `json:"id" yaml:"id" validate:"required"`
	TenantID     string          `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	SupervisorID string          `json:"supervisor_id" yaml:"supervisor_id"`
	ContractorID string          `json:"contractor_id,omitempty" yaml:"contractor_id"`
	Type         ObservationType `json:"observation_type" yaml:"observation_type"`
	ObservedAt   time.Time       `json:"observed_at" yaml:"observed_at"`
	Archived     bool            `json:"archived" yaml:"archived"`
}

// Incident is a historical safety event typed by severity.
type Incident struct {
	ID             string           `json:"id" yaml:"id" validate:"required"`
	TenantID       string           `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	LibraryTaskIDs []string         `json:"library_task_ids,omitempty" yaml:"library_task_ids"`
	ContractorID   string           `json:"contractor_id,omitempty" yaml:"contractor_id"`
	SupervisorID   string           `json:"supervisor_id,omitempty" yaml:"supervisor_id"`
	CrewID         string           `json:"crew_id,omitempty" yaml:"crew_id"`
	Severity       IncidentSeverity `json:"severity" yaml:"severity"`
	OccurredAt     time.Time        `json:"occurred_at" yaml:"occurred_at"`
	Archived       bool             `json:"archived" yaml:"archived"`
}

// SiteCondition is an evaluated predicate at a location for a date.
type SiteCondition struct {
	ID         string    `json:"id" yaml:"id" validate:"required"`
	TenantID   string    `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	LocationID string    `json:"location_id" yaml:"location_id" validate:"required"`
	Handle     string    `json:"handle" yaml:"handle"`
	Date       time.Time `json:"date" yaml:"date"`
	Multiplier float64   `json:"multiplier" yaml:"multiplier"`
	Applies    bool      `json:"applies" yaml:"applies"`
	Archived   bool      `json:"archived" yaml:"archived"`
}
