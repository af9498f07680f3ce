package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorfleet/diagcluster/pkg/models"
)

func healthySample(vehicleID string, at time.Time) models.VehicleSample {
	return models.VehicleSample{
		VehicleID:     vehicleID,
		Timestamp:     at,
		PhaseCurrents: [3]float64{10.0, 10.05, 9.95},
		Voltage:       440,
		Speed:         1780,
		Torque:        120,
		Temperature:   70,
	}
}

func TestDefaultRegistryHasAllFamilies(t *testing.T) {
	r := DefaultRegistry()
	for _, f := range models.AllFamilies() {
		_, ok := r.Get(f)
		assert.True(t, ok, "missing analyzer for %s", f)
	}
}

func TestHappyPathProducesNormalStatus(t *testing.T) {
	r := DefaultRegistry()
	thresholds := DefaultThresholds()
	sample := healthySample("V1", time.Unix(1700000000, 0))

	for _, family := range models.AllFamilies() {
		a, ok := r.Get(family)
		require.True(t, ok)
		score, err := a.Analyze(sample, nil, thresholds)
		require.NoError(t, err)
		assert.Equal(t, sample.VehicleID, score.VehicleID)
		assert.Equal(t, sample.Timestamp, score.SampleTimestamp)
		assert.GreaterOrEqual(t, score.Severity, 0.0)
		assert.LessOrEqual(t, score.Severity, 1.0)
		assert.Equal(t, models.StatusNormal, score.Status, "family %s", family)
	}
}

func TestInjectedPoisonTriggersDeterministicFailure(t *testing.T) {
	r := DefaultRegistry()
	a, _ := r.Get(models.TurnFault)
	sample := healthySample("V1", time.Now())
	sample.Metadata = map[string]string{"inject_fault": "turn_fault"}

	_, err := a.Analyze(sample, nil, DefaultThresholds())
	require.Error(t, err)
	var poison *ErrPoisonSample
	require.ErrorAs(t, err, &poison)
	assert.Equal(t, models.TurnFault, poison.Family)
}

func TestWindowEvictsByAgeAndSize(t *testing.T) {
	base := time.Unix(1700000000, 0)
	w := NewWindow(3, time.Minute)
	for i := 0; i < 5; i++ {
		w.Add(healthySample("V1", base.Add(time.Duration(i)*time.Second)))
	}
	snap := w.Snapshot()
	assert.Len(t, snap, 3)

	w2 := NewWindow(10, 2*time.Second)
	w2.Add(healthySample("V1", base))
	w2.Add(healthySample("V1", base.Add(5*time.Second)))
	snap2 := w2.Snapshot()
	assert.Len(t, snap2, 1)
}

func TestStatusForBands(t *testing.T) {
	th := Thresholds{Warn: 0.3, Fault: 0.7}
	assert.Equal(t, models.StatusNormal, StatusFor(0.1, th))
	assert.Equal(t, models.StatusWarning, StatusFor(0.5, th))
	assert.Equal(t, models.StatusFault, StatusFor(0.9, th))
}

func TestSeverityBearingRisesWithCurrentSpikes(t *testing.T) {
	a := &BearingAnalyzer{}
	base := time.Unix(1700000000, 0)
	var window []models.VehicleSample
	for i := 0; i < 20; i++ {
		window = append(window, healthySample("V1", base.Add(time.Duration(i)*time.Second)))
	}
	spiky := healthySample("V1", base.Add(21*time.Second))
	spiky.PhaseCurrents[0] = 40.0
	score, err := a.Analyze(spiky, window, DefaultThresholds())
	require.NoError(t, err)
	assert.Greater(t, score.Severity, 0.1)
}
