package analyzer

import (
	"math"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// TurnFaultAnalyzer detects inter-turn winding shorts from negative-sequence
// current unbalance and q-axis residual behavior.
type TurnFaultAnalyzer struct{}

func (a *TurnFaultAnalyzer) Family() models.FaultFamily { return models.TurnFault }

func (a *TurnFaultAnalyzer) Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error) {
	start := time.Now()
	if err := checkInjectedPoison(sample, models.TurnFault); err != nil {
		return models.FaultScore{}, err
	}

	ia, ib, ic := sample.PhaseCurrents[0], sample.PhaseCurrents[1], sample.PhaseCurrents[2]
	negSeq := negativeSequenceMagnitude(ia, ib, ic)
	unbalance := phaseUnbalance(ia, ib, ic)

	var residuals []float64
	for _, s := range window {
		residuals = append(residuals, negativeSequenceMagnitude(s.PhaseCurrents[0], s.PhaseCurrents[1], s.PhaseCurrents[2]))
	}
	qResidualKurtosis := kurtosis(residuals)

	efficiencyResidual := efficiencyResidual(sample)

	severity := clamp01(0.5*negSeq/5.0 + 0.3*unbalance + 0.1*math.Abs(qResidualKurtosis)/10.0 + 0.1*efficiencyResidual)

	return models.FaultScore{
		VehicleID:       sample.VehicleID,
		SampleTimestamp: sample.Timestamp,
		FaultFamily:     models.TurnFault,
		Severity:        severity,
		Status:          StatusFor(severity, t),
		FeatureMap: map[string]float64{
			"negative_sequence_current": negSeq,
			"three_phase_unbalance":     unbalance,
			"q_axis_residual_kurtosis":  qResidualKurtosis,
			"efficiency_residual":       efficiencyResidual,
		},
		ProcessingLatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// negativeSequenceMagnitude approximates |I2| via the symmetrical-component
// formula evaluated at a fixed phase rotation (120 degrees), a common
// simplified turn-fault indicator.
func negativeSequenceMagnitude(ia, ib, ic float64) float64 {
	const twoPiOverThree = 2.0 * math.Pi / 3.0
	// Real part of Ia + a^2*Ib + a*Ic where a = e^{j*120deg}; approximated
	// in the real domain using cosine projections since raw samples carry
	// only instantaneous phase currents, not full complex phasors.
	re := ia + ib*math.Cos(2*twoPiOverThree) + ic*math.Cos(twoPiOverThree)
	im := ib*math.Sin(2*twoPiOverThree) + ic*math.Sin(twoPiOverThree)
	return math.Sqrt(re*re+im*im) / 3.0
}

func phaseUnbalance(ia, ib, ic float64) float64 {
	avg := (ia + ib + ic) / 3.0
	if avg == 0 {
		return 0
	}
	maxDev := math.Max(math.Abs(ia-avg), math.Max(math.Abs(ib-avg), math.Abs(ic-avg)))
	return maxDev / math.Abs(avg)
}

// efficiencyResidual is a crude proxy for energy-conversion residual:
// electrical power input vs. mechanical power output, normalized.
func efficiencyResidual(sample models.VehicleSample) float64 {
	ia, ib, ic := sample.PhaseCurrents[0], sample.PhaseCurrents[1], sample.PhaseCurrents[2]
	rmsCurrent := math.Sqrt((ia*ia + ib*ib + ic*ic) / 3.0)
	electricalPower := sample.Voltage * rmsCurrent
	mechanicalPower := sample.Speed * sample.Torque
	if electricalPower <= 0 {
		return 0
	}
	residual := (electricalPower - mechanicalPower) / electricalPower
	return clamp01(math.Abs(residual))
}
