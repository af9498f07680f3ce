package aggregator

import "time"

// Config tunes the Aggregator's freshness window, change-detection
// hysteresis, and per-vehicle publish throttle, per spec.md §4.4.
type Config struct {
	ConsumerName string

	// FreshnessWindow bounds how long a family's score stays part of a
	// vehicle's composite before being pruned.
	FreshnessWindow time.Duration

	// CompositeHysteresis is the minimum change in composite_score that
	// triggers a republish absent a status-class transition.
	CompositeHysteresis float64

	// PublishThrottle is the minimum spacing between two published
	// assessments for the same vehicle (spec.md's aggregation_interval).
	PublishThrottle time.Duration

	// ReadBatchSize and ReadBlock tune the consumer-group read loop.
	ReadBatchSize int64
	ReadBlock     time.Duration

	// CriticalSpikeDelta is the composite jump since the last published
	// assessment that forces alert_level to "critical" even if overall_status hasn't
	// reached fault yet, approximating spec.md's "rate-of-change" clause.
	CriticalSpikeDelta float64

	// HistoryRetention and HistoryMaxEntries bound the per-(vehicle,family)
	// score history `GET /vehicles/{id}/history` reads from — independent
	// of FreshnessWindow, which only bounds what counts toward the live
	// composite.
	HistoryRetention  time.Duration
	HistoryMaxEntries int
}

// DefaultConfig returns spec.md §4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		ConsumerName:        "aggregator-1",
		FreshnessWindow:     30 * time.Minute,
		CompositeHysteresis: 0.05,
		PublishThrottle:     200 * time.Millisecond,
		ReadBatchSize:       32,
		ReadBlock:           time.Second,
		CriticalSpikeDelta:  0.4,
		HistoryRetention:    24 * time.Hour,
		HistoryMaxEntries:   500,
	}
}
