package entity

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/riskengine/internal/model"
)

// Fixture is a YAML description of an entity graph plus the triggers to
// replay against it. A TenantID at the top level fills in entities that
// omit their own.
type Fixture struct {
	TenantID       string                `yaml:"tenant_id"`
	WorkPackages   []model.WorkPackage   `yaml:"work_packages" validate:"dive"`
	Locations      []model.Location      `yaml:"locations" validate:"dive"`
	Activities     []model.Activity      `yaml:"activities" validate:"dive"`
	Tasks          []model.Task          `yaml:"tasks" validate:"dive"`
	LibraryTasks   []model.LibraryTask   `yaml:"library_tasks" validate:"dive"`
	Contractors    []model.Contractor    `yaml:"contractors" validate:"dive"`
	Supervisors    []model.Supervisor    `yaml:"supervisors" validate:"dive"`
	Crews          []model.Crew          `yaml:"crews" validate:"dive"`
	Observations   []model.Observation   `yaml:"observations" validate:"dive"`
	Incidents      []model.Incident      `yaml:"incidents" validate:"dive"`
	SiteConditions []model.SiteCondition `yaml:"site_conditions" validate:"dive"`
	Triggers       []FixtureTrigger      `yaml:"triggers" validate:"dive"`
}

// FixtureTrigger names a trigger to enqueue after loading.
type FixtureTrigger struct {
	Kind     string `yaml:"kind" validate:"required"`
	EntityID string `yaml:"entity_id" validate:"required"`
}

var validate = validator.New()

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "entity: read fixture %s", path)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "entity: parse fixture")
	}
	f.applyTenant()
	if err := validate.Struct(&f); err != nil {
		return nil, eris.Wrap(err, "entity: invalid fixture")
	}
	return &f, nil
}

func (f *Fixture) applyTenant() {
	t := f.TenantID
	if t == "" {
		return
	}
	fill := func(s *string) {
		if *s == "" {
			*s = t
		}
	}
	for i := range f.WorkPackages {
		fill(&f.WorkPackages[i].TenantID)
	}
	for i := range f.Locations {
		fill(&f.Locations[i].TenantID)
	}
	for i := range f.Activities {
		fill(&f.Activities[i].TenantID)
	}
	for i := range f.Tasks {
		fill(&f.Tasks[i].TenantID)
	}
	for i := range f.Contractors {
		fill(&f.Contractors[i].TenantID)
	}
	for i := range f.Supervisors {
		fill(&f.Supervisors[i].TenantID)
	}
	for i := range f.Crews {
		fill(&f.Crews[i].TenantID)
	}
	for i := range f.Observations {
		fill(&f.Observations[i].TenantID)
	}
	for i := range f.Incidents {
		fill(&f.Incidents[i].TenantID)
	}
	for i := range f.SiteConditions {
		fill(&f.SiteConditions[i].TenantID)
	}
}

// Memory builds an in-memory source holding the fixture's entities.
func (f *Fixture) Memory() *Memory {
	m := NewMemory()
	for _, v := range f.WorkPackages {
		m.PutWorkPackage(v)
	}
	for _, v := range f.Locations {
		m.PutLocation(v)
	}
	for _, v := range f.Activities {
		m.PutActivity(v)
	}
	for _, v := range f.Tasks {
		m.PutTask(v)
	}
	for _, v := range f.LibraryTasks {
		m.PutLibraryTask(v)
	}
	for _, v := range f.Observations {
		m.PutObservation(v)
	}
	for _, v := range f.Incidents {
		m.PutIncident(v)
	}
	for _, v := range f.SiteConditions {
		m.PutSiteCondition(v)
	}
	return m
}
