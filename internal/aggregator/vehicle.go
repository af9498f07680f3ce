package aggregator

import (
	"sync"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// scoredEntry is one family's latest score plus the time it was recorded,
// used to prune against the freshness window.
type scoredEntry struct {
	score      models.FaultScore
	receivedAt time.Time
}

// vehicleState is the per-vehicle `family -> (score, timestamp)` map spec.md
// §4.4 describes, plus the bookkeeping needed to throttle and hysteresis-
// gate republication. One instance per vehicle; guarded by its own mutex so
// concurrent vehicles never contend (spec.md §5's per-vehicle map note).
type vehicleState struct {
	mu sync.Mutex

	families map[models.FaultFamily]scoredEntry
	history  map[models.FaultFamily][]models.FaultScore

	lastPublished   models.HealthAssessment
	hasPublished    bool
	lastPublishedAt time.Time
}

func newVehicleState() *vehicleState {
	return &vehicleState{
		families: make(map[models.FaultFamily]scoredEntry),
		history:  make(map[models.FaultFamily][]models.FaultScore),
	}
}

// update records a new score, prunes stale families, recomputes the
// composite, and returns (assessment, shouldPublish). shouldPublish applies
// spec.md §4.4's hysteresis + throttle rule: publish only on a meaningful
// composite delta or a status-class transition; composite-delta publishes
// are spaced at least cfg.PublishThrottle apart, status-class transitions
// are not throttled.
func (v *vehicleState) update(score models.FaultScore, now time.Time, cfg Config) (models.HealthAssessment, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Competing consumers and claim-based redelivery can resurface an older
	// or duplicate score after a newer one has landed; the family slot only
	// ever moves forward, so such arrivals are ignored (prune and compose
	// still run against the existing state).
	existing, ok := v.families[score.FaultFamily]
	if !ok || score.SampleTimestamp.After(existing.score.SampleTimestamp) {
		v.families[score.FaultFamily] = scoredEntry{score: score, receivedAt: now}
		v.appendHistoryLocked(score, now, cfg)
	}
	v.pruneLocked(now, cfg.FreshnessWindow)

	assessment := v.composeLocked(score.VehicleID, now, cfg)

	if !v.hasPublished {
		v.commitLocked(assessment, now)
		return assessment, true
	}

	delta := assessment.CompositeScore - v.lastPublished.CompositeScore
	if delta < 0 {
		delta = -delta
	}
	statusChanged := assessment.OverallStatus != v.lastPublished.OverallStatus
	meaningfulChange := delta > cfg.CompositeHysteresis || statusChanged

	if !meaningfulChange {
		return v.lastPublished, false
	}
	// The throttle damps composite-delta flapping only; a status-class
	// transition is alert-relevant and always goes out.
	if !statusChanged && now.Sub(v.lastPublishedAt) < cfg.PublishThrottle {
		return v.lastPublished, false
	}

	v.commitLocked(assessment, now)
	return assessment, true
}

func (v *vehicleState) commitLocked(a models.HealthAssessment, now time.Time) {
	v.lastPublished = a
	v.hasPublished = true
	v.lastPublishedAt = now
}

func (v *vehicleState) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for family, entry := range v.families {
		if entry.receivedAt.Before(cutoff) {
			delete(v.families, family)
		}
	}
}

func (v *vehicleState) composeLocked(vehicleID string, now time.Time, cfg Config) models.HealthAssessment {
	perFamily := make(map[models.FaultFamily]models.FaultScore, len(v.families))
	statuses := make([]models.Status, 0, len(v.families))
	composite := 0.0
	for family, entry := range v.families {
		perFamily[family] = entry.score
		statuses = append(statuses, entry.score.Status)
		if entry.score.Severity > composite {
			composite = entry.score.Severity
		}
	}
	overall := models.MaxStatus(statuses...)

	spike := composite - v.lastPublished.CompositeScore
	alertLevel := alertLevelFor(overall, composite, spike, cfg.CriticalSpikeDelta)

	return models.HealthAssessment{
		VehicleID:       vehicleID,
		AssessedAt:      now,
		PerFamilyScores: perFamily,
		CompositeScore:  composite,
		OverallStatus:   overall,
		AlertLevel:      alertLevel,
	}
}

// snapshot returns the last published assessment, if any.
func (v *vehicleState) snapshot() (models.HealthAssessment, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastPublished, v.hasPublished
}

func (v *vehicleState) appendHistoryLocked(score models.FaultScore, now time.Time, cfg Config) {
	entries := append(v.history[score.FaultFamily], score)
	cutoff := now.Add(-cfg.HistoryRetention)
	start := 0
	for start < len(entries) && entries[start].SampleTimestamp.Before(cutoff) {
		start++
	}
	entries = entries[start:]
	if max := cfg.HistoryMaxEntries; max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	v.history[score.FaultFamily] = entries
}

// history returns a copy of the retained scores for family since the given
// time, oldest first. An empty family means "all families".
func (v *vehicleState) historySnapshot(family models.FaultFamily, since time.Time) []models.FaultScore {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []models.FaultScore
	appendFiltered := func(scores []models.FaultScore) {
		for _, s := range scores {
			if !s.SampleTimestamp.Before(since) {
				out = append(out, s)
			}
		}
	}
	if family != "" {
		appendFiltered(v.history[family])
		return out
	}
	for _, scores := range v.history {
		appendFiltered(scores)
	}
	return out
}

// alertLevelFor derives spec.md §4.4's alert level from the overall status
// and its rate of change: a fast-rising composite is flagged critical even
// one band below StatusFault, since the assessment that would confirm fault
// status might still be a cycle away.
func alertLevelFor(overall models.Status, composite, spikeDelta, criticalSpike float64) string {
	switch {
	case overall == models.StatusFault:
		return "critical"
	case spikeDelta >= criticalSpike:
		return "critical"
	case overall == models.StatusWarning:
		return "elevated"
	default:
		return "none"
	}
}
