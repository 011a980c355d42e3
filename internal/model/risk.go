package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// RiskLevel is the discrete classification stamped on entities.
type RiskLevel string

const (
	RiskUnknown RiskLevel = "UNKNOWN"
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
)

// ParseRiskLevel parses a case-insensitive risk level. Empty input is UNKNOWN.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case "", RiskUnknown:
		return RiskUnknown, nil
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return RiskUnknown, eris.Errorf("model: unknown risk level %q", s)
	}
}

// IncidentSeverity classes are ordered from least to most severe. The order
// indexes SeverityCoefficients.
type IncidentSeverity string

const (
	SeverityNearMiss   IncidentSeverity = "near_miss"
	SeverityFirstAid   IncidentSeverity = "first_aid"
	SeverityRecordable IncidentSeverity = "recordable"
	SeverityRestricted IncidentSeverity = "restricted"
	SeverityLostTime   IncidentSeverity = "lost_time"
	SeverityPSIF       IncidentSeverity = "p_sif"
	SeveritySIF        IncidentSeverity = "sif"
)

// Severities lists every severity class in coefficient order.
var Severities = []IncidentSeverity{
	SeverityNearMiss,
	SeverityFirstAid,
	SeverityRecordable,
	SeverityRestricted,
	SeverityLostTime,
	SeverityPSIF,
	SeveritySIF,
}

// SeverityCoefficients weights incident counts per severity class.
var SeverityCoefficients = []float64{0.001, 0.007, 0.033, 0.033, 0.067, 0.1, 0.1}

// Coefficient returns the weight of a severity class and whether it is known.
func (s IncidentSeverity) Coefficient() (float64, bool) {
	for i, sev := range Severities {
		if sev == s {
			return SeverityCoefficients[i], true
		}
	}
	return 0, false
}

// ObservationType is the categorical type of a supervisor observation.
type ObservationType string

const (
	ObservationEffectiveSafetyDiscussion ObservationType = "effective_safety_discussion"
	ObservationJobSafetyBriefing         ObservationType = "job_safety_briefing"
	ObservationEnergyBased               ObservationType = "energy_based_observation"
	ObservationHazard                    ObservationType = "hazard"
	ObservationNearMiss                  ObservationType = "near_miss"
)
