package analyzer

import (
	"math"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// EccentricityAnalyzer flags rotor air-gap eccentricity via static and
// dynamic eccentricity indices derived from phase-current asymmetry and its
// variation across the rolling window.
type EccentricityAnalyzer struct{}

func (a *EccentricityAnalyzer) Family() models.FaultFamily { return models.Eccentricity }

func (a *EccentricityAnalyzer) Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error) {
	start := time.Now()
	if err := checkInjectedPoison(sample, models.Eccentricity); err != nil {
		return models.FaultScore{}, err
	}

	staticIdx := staticEccentricityIndex(sample)

	var dynSeries []float64
	for _, s := range window {
		dynSeries = append(dynSeries, staticEccentricityIndex(s))
	}
	dynSeries = append(dynSeries, staticIdx)
	dynamicIdx := clamp01(stddev(dynSeries) / 0.5)

	severity := clamp01(0.6*staticIdx + 0.4*dynamicIdx)

	return models.FaultScore{
		VehicleID:       sample.VehicleID,
		SampleTimestamp: sample.Timestamp,
		FaultFamily:     models.Eccentricity,
		Severity:        severity,
		Status:          StatusFor(severity, t),
		FeatureMap: map[string]float64{
			"static_eccentricity_index":  staticIdx,
			"dynamic_eccentricity_index": dynamicIdx,
		},
		ProcessingLatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// staticEccentricityIndex approximates static eccentricity from phase
// current asymmetry (a fixed, direction-independent air gap offset shows up
// as a persistent imbalance rather than a rotating one).
func staticEccentricityIndex(sample models.VehicleSample) float64 {
	ia, ib, ic := sample.PhaseCurrents[0], sample.PhaseCurrents[1], sample.PhaseCurrents[2]
	avg := (ia + ib + ic) / 3.0
	if avg == 0 {
		return 0
	}
	spread := math.Abs(ia-ib) + math.Abs(ib-ic) + math.Abs(ic-ia)
	return clamp01(spread / (6 * math.Abs(avg)))
}
