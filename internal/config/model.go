package config

import (
	"fmt"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// ValidateThroughputConfig enforces spec.md §3's bounds on a candidate
// ThroughputConfig before it is ever applied to the live store.
func ValidateThroughputConfig(c models.ThroughputConfig) error {
	if c.FreshnessWindowMinutes < 10 || c.FreshnessWindowMinutes > 180 {
		return fmt.Errorf("config: freshness_window_minutes %d out of range [10,180]", c.FreshnessWindowMinutes)
	}
	if c.MinFreshnessFactor < 0.1 || c.MinFreshnessFactor > 0.8 {
		return fmt.Errorf("config: min_freshness_factor %.3f out of range [0.1,0.8]", c.MinFreshnessFactor)
	}
	switch c.DecayCurve {
	case models.DecayLinear, models.DecayLogarithmic, models.DecayExponential, models.DecaySqrt:
	default:
		return fmt.Errorf("config: decay_curve %q not one of linear, logarithmic, exponential, sqrt", c.DecayCurve)
	}
	if c.DecaySteepness < 0.1 || c.DecaySteepness > 2.0 {
		return fmt.Errorf("config: decay_steepness %.3f out of range [0.1,2.0]", c.DecaySteepness)
	}
	if c.BaseMultiplier < 2 || c.BaseMultiplier > 15 {
		return fmt.Errorf("config: base_multiplier %.3f out of range [2,15]", c.BaseMultiplier)
	}
	return nil
}
