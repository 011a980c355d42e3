// Package metricstore is the append-only, time-indexed storage of risk
// metric rows. Every metric kind is persisted to its own table; the latest
// row at or before a horizon is authoritative.
package metricstore

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Kind names a metric. It doubles as the discriminator of a Row and the
// suffix of the kind's table name.
type Kind string

// Metric kinds.
const (
	LibraryTaskSafetyClimateMultiplier   Kind = "library_task_safety_climate_multiplier"
	TaskSpecificSiteConditionsMultiplier Kind = "task_specific_site_conditions_multiplier"
	TaskSpecificRiskScore                Kind = "task_specific_risk_score"
	StochasticTaskSpecificRiskScore      Kind = "stochastic_task_specific_risk_score"
	ActivityTotalTaskRisk                Kind = "activity_total_task_risk"
	StochasticActivityTotalTaskRisk      Kind = "stochastic_activity_total_task_risk"
	LocationTotalTaskRisk                Kind = "location_total_task_risk"
	StochasticLocationTotalTaskRisk      Kind = "stochastic_location_total_task_risk"
	WorkPackageTotalTaskRisk             Kind = "work_package_total_task_risk"
	StochasticWorkPackageTotalTaskRisk   Kind = "stochastic_work_package_total_task_risk"
	SupervisorEngagementFactor           Kind = "supervisor_engagement_factor"
	ContractorSafetyScore                Kind = "contractor_safety_score"
	CrewRiskScore                        Kind = "crew_risk_score"
	ProjectSafetyClimateMultiplier       Kind = "project_safety_climate_multiplier"
	SiteConditionPrecursorRisk           Kind = "site_condition_precursor_risk"
	SiteConditionRelativePrecursorRisk   Kind = "site_condition_relative_precursor_risk"
)

const (
	averagePrefix = "average_"
	stddevPrefix  = "stddev_"
)

// BaselineBases are the metrics with per-tenant population baselines.
var BaselineBases = []Kind{
	ContractorSafetyScore,
	SupervisorEngagementFactor,
	CrewRiskScore,
	TaskSpecificRiskScore,
	SiteConditionPrecursorRisk,
}

// Average returns the tenant-level mean baseline kind for base.
func Average(base Kind) Kind { return Kind(averagePrefix + string(base)) }

// StdDev returns the tenant-level standard deviation baseline kind for base.
func StdDev(base Kind) Kind { return Kind(stddevPrefix + string(base)) }

// BaseOf returns the base kind of a baseline kind.
func BaseOf(k Kind) (Kind, bool) {
	s := string(k)
	switch {
	case strings.HasPrefix(s, averagePrefix):
		return Kind(strings.TrimPrefix(s, averagePrefix)), true
	case strings.HasPrefix(s, stddevPrefix):
		return Kind(strings.TrimPrefix(s, stddevPrefix)), true
	}
	return "", false
}

// KindSpec describes the subject shape and table of a metric kind.
type KindSpec struct {
	Kind Kind
	// EntityColumn is the identity column of the subject entity. Empty for
	// tenant-level kinds.
	EntityColumn string
	// Dated kinds carry a calendar date in their subject key.
	Dated bool
}

// Table returns the kind's table name.
func (s KindSpec) Table() string {
	return "rm_" + string(s.Kind)
}

// TenantLevel reports whether subjects are identified by tenant alone.
func (s KindSpec) TenantLevel() bool {
	return s.EntityColumn == ""
}

// KeyColumns returns the subject columns after tenant_id.
func (s KindSpec) KeyColumns() []string {
	var cols []string
	if s.EntityColumn != "" {
		cols = append(cols, s.EntityColumn)
	}
	if s.Dated {
		cols = append(cols, "date")
	}
	return cols
}

var specs = func() map[Kind]KindSpec {
	m := map[Kind]KindSpec{}
	add := func(k Kind, col string, dated bool) {
		m[k] = KindSpec{Kind: k, EntityColumn: col, Dated: dated}
	}
	add(LibraryTaskSafetyClimateMultiplier, "library_task_id", false)
	add(TaskSpecificSiteConditionsMultiplier, "task_id", true)
	add(TaskSpecificRiskScore, "task_id", true)
	add(StochasticTaskSpecificRiskScore, "task_id", true)
	add(ActivityTotalTaskRisk, "activity_id", true)
	add(StochasticActivityTotalTaskRisk, "activity_id", true)
	add(LocationTotalTaskRisk, "location_id", true)
	add(StochasticLocationTotalTaskRisk, "location_id", true)
	add(WorkPackageTotalTaskRisk, "work_package_id", true)
	add(StochasticWorkPackageTotalTaskRisk, "work_package_id", true)
	add(SupervisorEngagementFactor, "supervisor_id", false)
	add(ContractorSafetyScore, "contractor_id", false)
	add(CrewRiskScore, "crew_id", false)
	add(ProjectSafetyClimateMultiplier, "location_id", false)
	add(SiteConditionPrecursorRisk, "location_id", true)
	add(SiteConditionRelativePrecursorRisk, "location_id", true)
	for _, base := range BaselineBases {
		add(Average(base), "", false)
		add(StdDev(base), "", false)
	}
	return m
}()

// Lookup returns the spec of a kind.
func Lookup(k Kind) (KindSpec, bool) {
	s, ok := specs[k]
	return s, ok
}

// SpecOf returns the spec of a kind or an error naming the unknown kind.
func SpecOf(k Kind) (KindSpec, error) {
	s, ok := specs[k]
	if !ok {
		return KindSpec{}, eris.Errorf("metricstore: unknown metric kind %q", k)
	}
	return s, nil
}

// Kinds returns every known kind in name order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(specs))
	for k := range specs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
