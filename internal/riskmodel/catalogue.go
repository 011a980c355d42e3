package riskmodel

import (
	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/tenantconfig"
	"github.com/sells-group/riskengine/internal/trigger"
)

// scoreFamilies are the families whose variant selects the task score
// chain.
var scoreFamilies = []tenantconfig.Family{
	tenantconfig.TaskSpecificRiskScore,
	tenantconfig.TotalActivityRiskScore,
	tenantconfig.TotalProjectLocationRiskScore,
	tenantconfig.TotalProjectRiskScore,
}

func rule(d Definition, families ...tenantconfig.Family) Definition {
	d.Families, d.Variant = families, tenantconfig.RuleBasedEngine
	return d
}

func stochastic(d Definition, families ...tenantconfig.Family) Definition {
	d.Families, d.Variant = families, tenantconfig.StochasticModel
	return d
}

// Catalogue returns every metric definition.
func Catalogue() []Definition {
	const (
		ltsc  = metricstore.LibraryTaskSafetyClimateMultiplier
		tsscm = metricstore.TaskSpecificSiteConditionsMultiplier
		tsrs  = metricstore.TaskSpecificRiskScore
		stsrs = metricstore.StochasticTaskSpecificRiskScore
		sef   = metricstore.SupervisorEngagementFactor
		css   = metricstore.ContractorSafetyScore
		crs   = metricstore.CrewRiskScore
		pscm  = metricstore.ProjectSafetyClimateMultiplier
		scpr  = metricstore.SiteConditionPrecursorRisk
		scrpr = metricstore.SiteConditionRelativePrecursorRisk
	)
	avgPre := metricstore.Average(scpr)

	defs := []Definition{
		{Kind: ltsc, Compute: safetyClimate},
		{Kind: tsscm, Compute: siteConditions},
		rule(Definition{
			Kind:    tsrs,
			Inputs:  []metricstore.Kind{ltsc, tsscm},
			Compute: taskScore(false),
		}, scoreFamilies...),
		stochastic(Definition{
			Kind:       stsrs,
			Inputs:     []metricstore.Kind{ltsc, tsscm, pscm},
			Deferrable: []metricstore.Kind{pscm},
			Compute:    taskScore(true),
		}, scoreFamilies...),
		rule(Definition{
			Kind:       metricstore.ActivityTotalTaskRisk,
			Inputs:     []metricstore.Kind{tsrs},
			Deferrable: []metricstore.Kind{tsrs},
			Compute:    aggregate(activityLevel, tenantconfig.TotalActivityRiskScore, tsrs, false),
		}, tenantconfig.TotalActivityRiskScore),
		stochastic(Definition{
			Kind:       metricstore.StochasticActivityTotalTaskRisk,
			Inputs:     []metricstore.Kind{stsrs},
			Deferrable: []metricstore.Kind{stsrs},
			Compute:    aggregate(activityLevel, tenantconfig.TotalActivityRiskScore, stsrs, false),
		}, tenantconfig.TotalActivityRiskScore),
		rule(Definition{
			Kind:       metricstore.LocationTotalTaskRisk,
			Inputs:     []metricstore.Kind{tsrs},
			Deferrable: []metricstore.Kind{tsrs},
			Compute:    aggregate(locationLevel, tenantconfig.TotalProjectLocationRiskScore, tsrs, false),
		}, tenantconfig.TotalProjectLocationRiskScore),
		stochastic(Definition{
			Kind:       metricstore.StochasticLocationTotalTaskRisk,
			Inputs:     []metricstore.Kind{stsrs, scrpr},
			Deferrable: []metricstore.Kind{stsrs, scrpr},
			Compute:    aggregate(locationLevel, tenantconfig.TotalProjectLocationRiskScore, stsrs, true),
		}, tenantconfig.TotalProjectLocationRiskScore),
		rule(Definition{
			Kind:       metricstore.WorkPackageTotalTaskRisk,
			Inputs:     []metricstore.Kind{tsrs},
			Deferrable: []metricstore.Kind{tsrs},
			Compute:    aggregate(workPackageLevel, tenantconfig.TotalProjectRiskScore, tsrs, false),
		}, tenantconfig.TotalProjectRiskScore),
		stochastic(Definition{
			Kind:       metricstore.StochasticWorkPackageTotalTaskRisk,
			Inputs:     []metricstore.Kind{stsrs},
			Deferrable: []metricstore.Kind{stsrs},
			Compute:    aggregate(workPackageLevel, tenantconfig.TotalProjectRiskScore, stsrs, false),
		}, tenantconfig.TotalProjectRiskScore),
		{Kind: sef, Compute: supervisorEngagement},
		{Kind: css, Compute: incidentRate(tenantconfig.ContractorSafetyScore, func(s entity.Source) incidentLister {
			return s.IncidentsByContractor
		})},
		{Kind: crs, Compute: incidentRate(tenantconfig.CrewRiskScore, func(s entity.Source) incidentLister {
			return s.IncidentsByCrew
		})},
		// Only the stochastic chain reads the climate and precursor
		// metrics.
		stochastic(Definition{
			Kind:       pscm,
			Inputs:     []metricstore.Kind{sef, css},
			Deferrable: []metricstore.Kind{sef, css},
			Compute:    projectSafetyClimate,
		}, scoreFamilies...),
		stochastic(Definition{Kind: scpr, Compute: precursorRisk}, scoreFamilies...),
		stochastic(Definition{
			Kind:       scrpr,
			Inputs:     []metricstore.Kind{scpr, avgPre},
			Deferrable: []metricstore.Kind{scpr, avgPre},
			Compute:    relativePrecursorRisk,
		}, scoreFamilies...),
	}
	for _, base := range metricstore.BaselineBases {
		avg := Definition{Kind: metricstore.Average(base), Inputs: []metricstore.Kind{base}, Compute: baseline(base, false)}
		sd := Definition{Kind: metricstore.StdDev(base), Inputs: []metricstore.Kind{base}, Compute: baseline(base, true)}
		if base == scpr {
			avg, sd = stochastic(avg, scoreFamilies...), stochastic(sd, scoreFamilies...)
		}
		defs = append(defs, avg, sd)
	}
	return defs
}

// Invalidations maps each trigger kind to the metrics it directly
// invalidates.
func Invalidations() map[trigger.Kind][]metricstore.Kind {
	aggregates := []metricstore.Kind{
		metricstore.ActivityTotalTaskRisk,
		metricstore.StochasticActivityTotalTaskRisk,
		metricstore.LocationTotalTaskRisk,
		metricstore.StochasticLocationTotalTaskRisk,
		metricstore.WorkPackageTotalTaskRisk,
		metricstore.StochasticWorkPackageTotalTaskRisk,
	}
	upper := aggregates[2:]
	return map[trigger.Kind][]metricstore.Kind{
		trigger.TaskChanged: {
			metricstore.LibraryTaskSafetyClimateMultiplier,
			metricstore.TaskSpecificSiteConditionsMultiplier,
		},
		trigger.TaskDeleted:     aggregates,
		trigger.ActivityChanged: {metricstore.TaskSpecificSiteConditionsMultiplier},
		trigger.ActivityDeleted: upper,
		trigger.LocationSiteConditionsChanged: {
			metricstore.TaskSpecificSiteConditionsMultiplier,
			metricstore.SiteConditionPrecursorRisk,
		},
		trigger.ContractorChanged: {metricstore.ContractorSafetyScore},
		trigger.SupervisorChanged: {metricstore.SupervisorEngagementFactor},
		trigger.CrewChanged:       {metricstore.CrewRiskScore},
		trigger.WorkPackageChanged: {
			metricstore.ProjectSafetyClimateMultiplier,
			metricstore.LocationTotalTaskRisk,
			metricstore.WorkPackageTotalTaskRisk,
		},
		trigger.ProjectLocationChanged: {
			metricstore.ProjectSafetyClimateMultiplier,
			metricstore.SiteConditionPrecursorRisk,
			metricstore.LocationTotalTaskRisk,
			metricstore.WorkPackageTotalTaskRisk,
		},
	}
}
