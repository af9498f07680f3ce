package estimator

import "math"

// freshnessFactor computes the decay curve named by curve for the given
// age ratio (elapsed time since the last write, as a fraction of the
// configured freshness window) and steepness, then clamps the result to
// [minFactor, 1]. Unrecognized curves fall back to logarithmic, the
// default curve, rather than panicking on a bad config value.
func freshnessFactor(curve string, ageRatio, steepness, minFactor float64) float64 {
	var f float64
	switch curve {
	case "linear":
		f = 1 - ageRatio*steepness
	case "exponential":
		f = math.Exp(-ageRatio * steepness)
	case "sqrt":
		f = 1 - math.Sqrt(ageRatio)*steepness
	case "logarithmic":
		fallthrough
	default:
		f = 1 - math.Log(1+ageRatio*steepness)/math.Log(1+steepness)
	}
	if f < minFactor {
		return minFactor
	}
	if f > 1 {
		return 1
	}
	return f
}

// PreviewFreshnessFactor exposes freshnessFactor to internal/httpapi for
// GET /config/throughput/preview?age_minutes=..., which reports the curve
// value a given age would yield without needing a live Estimator.
func PreviewFreshnessFactor(curve string, ageRatio, steepness, minFactor float64) float64 {
	return freshnessFactor(curve, ageRatio, steepness, minFactor)
}
