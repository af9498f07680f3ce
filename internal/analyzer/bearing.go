package analyzer

import (
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// BearingAnalyzer flags mechanical bearing wear from current-envelope crest
// factor and kurtosis, a cheap proxy for vibration envelope-spectrum
// analysis when only electrical samples are available.
type BearingAnalyzer struct{}

func (a *BearingAnalyzer) Family() models.FaultFamily { return models.Bearing }

func (a *BearingAnalyzer) Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error) {
	start := time.Now()
	if err := checkInjectedPoison(sample, models.Bearing); err != nil {
		return models.FaultScore{}, err
	}

	var phaseA []float64
	for _, s := range window {
		phaseA = append(phaseA, s.PhaseCurrents[0])
	}
	phaseA = append(phaseA, sample.PhaseCurrents[0])

	crest := crestFactor(phaseA)
	kurt := kurtosis(phaseA)
	envelopePeak := envelopePeakAmplitude(phaseA)

	severity := clamp01(0.4*(crest-1.2)/2.0 + 0.35*absClamp(kurt)/8.0 + 0.25*envelopePeak)

	return models.FaultScore{
		VehicleID:       sample.VehicleID,
		SampleTimestamp: sample.Timestamp,
		FaultFamily:     models.Bearing,
		Severity:        severity,
		Status:          StatusFor(severity, t),
		FeatureMap: map[string]float64{
			"envelope_spectrum_peak_amplitude": envelopePeak,
			"crest_factor":                     crest,
			"kurtosis":                         kurt,
		},
		ProcessingLatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func absClamp(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// envelopePeakAmplitude approximates the dominant envelope peak as the
// normalized deviation of the most recent sample from the window mean.
func envelopePeakAmplitude(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sd := stddev(xs)
	if sd == 0 {
		return 0
	}
	last := xs[len(xs)-1]
	return clamp01(absClamp(last-m) / (3 * sd))
}
