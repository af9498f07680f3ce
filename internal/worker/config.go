package worker

import (
	"time"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/streams"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// Stream names from spec.md §6, re-exported from internal/streams so
// callers of this package don't need a second import.
const (
	RawStream       = streams.RawData
	ResultsStream   = streams.FaultResults
	HeartbeatStream = streams.Heartbeats
)

// GroupForFamily returns the consumer group name a worker joins on
// RawStream for one fault family.
func GroupForFamily(family models.FaultFamily) string {
	return streams.RawGroupFor(family)
}

// Config configures one Node.
type Config struct {
	WorkerID string

	// Families lists the fault families this node hosts analyzers for.
	Families []models.FaultFamily

	BatchSize         int64
	BlockInterval     time.Duration
	HeartbeatInterval time.Duration

	// WindowSize and WindowAge bound the per-vehicle rolling window fed to
	// every analyzer.
	WindowSize int
	WindowAge  time.Duration

	Thresholds analyzer.Thresholds

	// DegradedSuccessRate is the floor below which the node enters the
	// degraded state (spec.md §4.3).
	DegradedSuccessRate float64
	// DegradedLatencyBudgetMs is the ceiling above which the node enters the
	// degraded state.
	DegradedLatencyBudgetMs float64

	// ShutdownGrace bounds how long Stop waits for in-flight messages.
	ShutdownGrace time.Duration
}

// DefaultConfig returns spec.md §4.3's defaults for a node hosting every
// family.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:                workerID,
		Families:                models.AllFamilies(),
		BatchSize:               16,
		BlockInterval:           time.Second,
		HeartbeatInterval:       5 * time.Second,
		WindowSize:              64,
		WindowAge:               10 * time.Minute,
		Thresholds:              analyzer.DefaultThresholds(),
		DegradedSuccessRate:     0.8,
		DegradedLatencyBudgetMs: 50,
		ShutdownGrace:           10 * time.Second,
	}
}
