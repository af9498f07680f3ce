package analyzer

import (
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// InsulationAnalyzer tracks winding insulation degradation from thermal
// trend and an accumulating thermal-aging index.
type InsulationAnalyzer struct{}

func (a *InsulationAnalyzer) Family() models.FaultFamily { return models.Insulation }

const ratedWindingTemp = 155.0 // degrees C, typical class-F insulation limit

func (a *InsulationAnalyzer) Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error) {
	start := time.Now()
	if err := checkInjectedPoison(sample, models.Insulation); err != nil {
		return models.FaultScore{}, err
	}

	windingTempRatio := clamp01(sample.Temperature / ratedWindingTemp)

	var temps []float64
	for _, s := range window {
		temps = append(temps, s.Temperature)
	}
	temps = append(temps, sample.Temperature)
	thermalResidual := 0.0
	if len(temps) >= 2 {
		thermalResidual = clamp01((temps[len(temps)-1] - mean(temps[:len(temps)-1])) / ratedWindingTemp)
		if thermalResidual < 0 {
			thermalResidual = 0
		}
	}

	trend := thermalResidualTrend(temps)
	agingAccumulator := thermalAgingAccumulator(temps)

	severity := clamp01(0.5*windingTempRatio + 0.2*thermalResidual + 0.15*trend + 0.15*agingAccumulator)

	return models.FaultScore{
		VehicleID:       sample.VehicleID,
		SampleTimestamp: sample.Timestamp,
		FaultFamily:     models.Insulation,
		Severity:        severity,
		Status:          StatusFor(severity, t),
		FeatureMap: map[string]float64{
			"winding_temp_ratio":        windingTempRatio,
			"thermal_residual":          thermalResidual,
			"efficiency_residual_trend": trend,
			"thermal_aging_accumulator": agingAccumulator,
		},
		ProcessingLatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// thermalResidualTrend is the normalized slope of recent temperatures,
// a simple first-difference average.
func thermalResidualTrend(temps []float64) float64 {
	if len(temps) < 2 {
		return 0
	}
	var sumDelta float64
	for i := 1; i < len(temps); i++ {
		sumDelta += temps[i] - temps[i-1]
	}
	avgDelta := sumDelta / float64(len(temps)-1)
	return clamp01(avgDelta / 5.0)
}

// thermalAgingAccumulator is a bounded running sum of time-above-rating,
// the same shape as an Arrhenius-style aging index without the chemistry.
func thermalAgingAccumulator(temps []float64) float64 {
	var over float64
	for _, tmp := range temps {
		if tmp > ratedWindingTemp*0.85 {
			over += (tmp - ratedWindingTemp*0.85) / (ratedWindingTemp * 0.15)
		}
	}
	if len(temps) == 0 {
		return 0
	}
	return clamp01(over / float64(len(temps)))
}
