package analyzer

import (
	"math"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// BrokenBarAnalyzer flags broken rotor bars via the slip-modulated sideband
// amplitude ratio around the fundamental supply frequency.
type BrokenBarAnalyzer struct{}

func (a *BrokenBarAnalyzer) Family() models.FaultFamily { return models.BrokenBar }

const (
	supplyFrequencyHz   = 60.0
	synchronousSpeedRPM = 1800.0 // 4-pole machine at 60Hz
)

func (a *BrokenBarAnalyzer) Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error) {
	start := time.Now()
	if err := checkInjectedPoison(sample, models.BrokenBar); err != nil {
		return models.FaultScore{}, err
	}

	slip := slipFraction(sample.Speed)
	sidebandFreq := supplyFrequencyHz * (1 - 2*slip)

	var magnitudes []float64
	for _, s := range window {
		magnitudes = append(magnitudes, s.PhaseCurrents[0])
	}
	magnitudes = append(magnitudes, sample.PhaseCurrents[0])
	sidebandRatio := sidebandAmplitudeRatio(magnitudes, slip)

	severity := clamp01(sidebandRatio)

	return models.FaultScore{
		VehicleID:       sample.VehicleID,
		SampleTimestamp: sample.Timestamp,
		FaultFamily:     models.BrokenBar,
		Severity:        severity,
		Status:          StatusFor(severity, t),
		FeatureMap: map[string]float64{
			"slip":                     slip,
			"sideband_frequency_hz":    sidebandFreq,
			"sideband_amplitude_ratio": sidebandRatio,
		},
		ProcessingLatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func slipFraction(speedRPM float64) float64 {
	if synchronousSpeedRPM == 0 {
		return 0
	}
	s := (synchronousSpeedRPM - speedRPM) / synchronousSpeedRPM
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

// sidebandAmplitudeRatio approximates sideband energy as the fraction of
// current variance not explained by the dominant (mean) component, scaled
// by slip depth since broken-bar sidebands grow with load/slip.
func sidebandAmplitudeRatio(xs []float64, slip float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sd := stddev(xs)
	m := math.Abs(mean(xs))
	if m == 0 {
		return 0
	}
	ripple := sd / m
	return clamp01(ripple * (0.5 + slip))
}
