// Package tenantconfig resolves per-tenant risk model configuration: which
// variant each metric family runs, and the ranking thresholds and weights.
package tenantconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/resilience"
)

// Variant selects the implementation a metric family runs.
type Variant string

const (
	Disabled        Variant = "DISABLED"
	RuleBasedEngine Variant = "RULE_BASED_ENGINE"
	StochasticModel Variant = "STOCHASTIC_MODEL"
)

// ParseVariant parses a variant tag.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToUpper(strings.TrimSpace(s))); v {
	case Disabled, RuleBasedEngine, StochasticModel:
		return v, nil
	default:
		return "", eris.Errorf("tenantconfig: unknown variant %q", s)
	}
}

// Family names a configurable metric family. The config path of a family is
// RISK_MODEL.<family>_METRIC.
type Family string

const (
	TaskSpecificRiskScore          Family = "TASK_SPECIFIC_RISK_SCORE"
	TotalActivityRiskScore         Family = "TOTAL_ACTIVITY_RISK_SCORE"
	TotalProjectLocationRiskScore  Family = "TOTAL_PROJECT_LOCATION_RISK_SCORE"
	TotalProjectRiskScore          Family = "TOTAL_PROJECT_RISK_SCORE"
	LibraryTaskSafetyClimate       Family = "LIBRARY_TASK_SAFETY_CLIMATE_MULTIPLIER"
	SupervisorEngagementFactor     Family = "SUPERVISOR_ENGAGEMENT_FACTOR"
	ContractorSafetyScore          Family = "CONTRACTOR_SAFETY_SCORE"
	CrewRiskScore                  Family = "CREW_RISK_SCORE"
	ProjectSafetyClimateMultiplier Family = "PROJECT_SAFETY_CLIMATE_MULTIPLIER"
)

// Families lists every recognised family.
var Families = []Family{
	TaskSpecificRiskScore,
	TotalActivityRiskScore,
	TotalProjectLocationRiskScore,
	TotalProjectRiskScore,
	LibraryTaskSafetyClimate,
	SupervisorEngagementFactor,
	ContractorSafetyScore,
	CrewRiskScore,
	ProjectSafetyClimateMultiplier,
}

// Path returns the config path of a field within the family.
func (f Family) Path(field string) string {
	return "RISK_MODEL." + string(f) + "_METRIC." + field
}

// Thresholds are ranking ceilings: values <= Low are LOW, <= Medium are
// MEDIUM, above are HIGH.
type Thresholds struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
}

// Weights are the aggregator weights per ranking class.
type Weights struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// MetricConfig is the resolved configuration of one family.
type MetricConfig struct {
	Type                     Variant    `json:"type"`
	Thresholds               Thresholds `json:"thresholds"`
	Weights                  Weights    `json:"weights"`
	ThresholdsFromPopulation bool       `json:"thresholds_from_population"`
	MinIncidents             int        `json:"min_incidents"`
	WindowYears              int        `json:"window_years"`
	WindowMonths             int        `json:"window_months"`
}

// Defaults.
var (
	DefaultThresholds = Thresholds{Low: 100, Medium: 200}
	DefaultWeights    = Weights{Low: 1, Medium: 2, High: 3}
)

const (
	DefaultMinIncidents = 1
	DefaultWindowYears  = 5
	DefaultWindowMonths = 6
)

// DefaultMetricConfig returns the configuration used for missing paths.
func DefaultMetricConfig() MetricConfig {
	return MetricConfig{
		Type:         RuleBasedEngine,
		Thresholds:   DefaultThresholds,
		Weights:      DefaultWeights,
		MinIncidents: DefaultMinIncidents,
		WindowYears:  DefaultWindowYears,
		WindowMonths: DefaultWindowMonths,
	}
}

// TenantConfig is the resolved configuration of a tenant.
type TenantConfig struct {
	TenantID   string                  `json:"tenant_id"`
	Generation int64                   `json:"generation"`
	Families   map[Family]MetricConfig `json:"families"`
}

// Default returns a tenant configuration with every family at its defaults.
func Default(tenantID string) *TenantConfig {
	c := &TenantConfig{TenantID: tenantID, Families: make(map[Family]MetricConfig, len(Families))}
	for _, f := range Families {
		c.Families[f] = DefaultMetricConfig()
	}
	return c
}

// Family returns the configuration of f, falling back to defaults.
func (c *TenantConfig) Family(f Family) MetricConfig {
	if c != nil {
		if mc, ok := c.Families[f]; ok {
			return mc
		}
	}
	return DefaultMetricConfig()
}

// Parse builds a TenantConfig from raw path/value pairs. Values are JSON
// text; bare strings are accepted for type. Unknown paths are ignored.
// Malformed values for known paths return a ConfigError.
func Parse(tenantID string, raw map[string]string) (*TenantConfig, error) {
	c := Default(tenantID)
	for path, value := range raw {
		family, field, ok := splitPath(path)
		if !ok {
			continue
		}
		mc := c.Families[family]
		if err := apply(&mc, field, value); err != nil {
			return nil, &resilience.ConfigError{TenantID: tenantID, Path: path, Err: err}
		}
		c.Families[family] = mc
	}
	return c, nil
}

// ValidatePath reports whether path names a recognised family field.
func ValidatePath(path string) error {
	if _, _, ok := splitPath(path); !ok {
		return eris.Errorf("tenantconfig: unrecognised path %q", path)
	}
	return nil
}

// ValidateValue checks value against the shape expected at path.
func ValidateValue(path, value string) error {
	_, field, ok := splitPath(path)
	if !ok {
		return eris.Errorf("tenantconfig: unrecognised path %q", path)
	}
	mc := DefaultMetricConfig()
	return apply(&mc, field, value)
}

var fields = map[string]bool{
	"type":                       true,
	"thresholds":                 true,
	"weights":                    true,
	"thresholds_from_population": true,
	"min_incidents":              true,
	"window_years":               true,
	"window_months":              true,
}

func splitPath(path string) (Family, string, bool) {
	rest, ok := strings.CutPrefix(path, "RISK_MODEL.")
	if !ok {
		return "", "", false
	}
	name, field, ok := strings.Cut(rest, "_METRIC.")
	if !ok || !fields[field] {
		return "", "", false
	}
	f := Family(name)
	for _, known := range Families {
		if known == f {
			return f, field, true
		}
	}
	return "", "", false
}

func apply(mc *MetricConfig, field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "type":
		var s string
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			s = value
		}
		v, err := ParseVariant(s)
		if err != nil {
			return err
		}
		mc.Type = v
	case "thresholds":
		var t Thresholds
		if err := decodeObject(value, &t, "low", "medium"); err != nil {
			return err
		}
		if t.Low < 0 || t.Medium < t.Low {
			return fmt.Errorf("thresholds must satisfy 0 <= low <= medium, got (%g, %g)", t.Low, t.Medium)
		}
		mc.Thresholds = t
	case "weights":
		var w Weights
		if err := decodeObject(value, &w, "low", "medium", "high"); err != nil {
			return err
		}
		if w.Low < 0 || w.Medium < 0 || w.High < 0 {
			return fmt.Errorf("weights must be non-negative")
		}
		if w.Low+w.Medium+w.High == 0 {
			return fmt.Errorf("weights must not all be zero")
		}
		mc.Weights = w
	case "thresholds_from_population":
		b, err := strconv.ParseBool(strings.Trim(value, `"`))
		if err != nil {
			return err
		}
		mc.ThresholdsFromPopulation = b
	case "min_incidents", "window_years", "window_months":
		n, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil {
			return err
		}
		if n < 0 || (field != "min_incidents" && n == 0) {
			return fmt.Errorf("%s out of range: %d", field, n)
		}
		switch field {
		case "min_incidents":
			mc.MinIncidents = n
		case "window_years":
			mc.WindowYears = n
		default:
			mc.WindowMonths = n
		}
	}
	return nil
}

// decodeObject unmarshals a JSON object and requires every named key.
func decodeObject(value string, dst any, keys ...string) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &present); err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := present[k]; !ok {
			return fmt.Errorf("missing key %q", k)
		}
	}
	return json.Unmarshal([]byte(value), dst)
}
