// Package classifier maps risk scores to discrete risk levels and stamps
// them onto locations and work packages.
package classifier

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/tenantconfig"
)

// Level ranks a score: <= Low is LOW, <= Medium is MEDIUM, otherwise HIGH.
func Level(value float64, t tenantconfig.Thresholds) model.RiskLevel {
	switch {
	case value <= t.Low:
		return model.RiskLow
	case value <= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

// Weight returns the aggregator weight of a level. UNKNOWN weighs nothing.
func Weight(level model.RiskLevel, w tenantconfig.Weights) float64 {
	switch level {
	case model.RiskLow:
		return w.Low
	case model.RiskMedium:
		return w.Medium
	case model.RiskHigh:
		return w.High
	default:
		return 0
	}
}

// Thresholds returns the ranking thresholds of a family. When the family
// derives thresholds from the population, they are (mean, mean+stddev) over
// the latest row of every subject of kind; an empty population falls back to
// the configured values. The second result reports whether the population
// was used.
func Thresholds(ctx context.Context, store metricstore.Store, mc tenantconfig.MetricConfig, kind metricstore.Kind, tenantID string, before time.Time) (tenantconfig.Thresholds, bool, error) {
	if !mc.ThresholdsFromPopulation {
		return mc.Thresholds, false, nil
	}
	pop, err := store.AggregatePopulation(ctx, kind, tenantID, before)
	if err != nil {
		return tenantconfig.Thresholds{}, false, eris.Wrapf(err, "classifier: population of %s", kind)
	}
	if pop.Count == 0 {
		return mc.Thresholds, false, nil
	}
	return tenantconfig.Thresholds{Low: pop.Mean, Medium: pop.Mean + pop.StdDev}, true, nil
}
