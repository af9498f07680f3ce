package coordinator

import (
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// ScaleAction is the verdict of one autoscaler evaluation.
type ScaleAction string

const (
	ScaleNone ScaleAction = "none"
	ScaleUp   ScaleAction = "scale_up"
	ScaleDown ScaleAction = "scale_down"
)

// ScaleDecision is the autoscaler's output for one family, consumed by the
// coordinator to resize a consumer pool and by `POST /system/scale`'s
// advisory counterpart.
type ScaleDecision struct {
	Family   models.FaultFamily
	Action   ScaleAction
	NewCount int
}

// familyScaleState tracks how long a family's backlog has continuously
// sustained an up/down condition, plus the last time a decision fired, so
// Evaluate can enforce spec.md §4.5's sustain windows and 30s cooldown.
type familyScaleState struct {
	aboveUpSince   time.Time
	belowDownSince time.Time
	lastDecisionAt time.Time
}

// autoscaler holds per-family scale state. Single-writer: only the
// coordinator's sweep goroutine calls Evaluate.
type autoscaler struct {
	rules  AutoscaleRules
	states map[models.FaultFamily]*familyScaleState
}

func newAutoscaler(rules AutoscaleRules) *autoscaler {
	return &autoscaler{rules: rules, states: make(map[models.FaultFamily]*familyScaleState)}
}

func (a *autoscaler) stateFor(family models.FaultFamily) *familyScaleState {
	s, ok := a.states[family]
	if !ok {
		s = &familyScaleState{}
		a.states[family] = s
	}
	return s
}

// Evaluate applies spec.md §4.5's autoscaling rules for one family given
// its current pending backlog, average consumer utilization (0-1), and
// live consumer count.
func (a *autoscaler) Evaluate(family models.FaultFamily, backlog int64, avgUtilization float64, currentConsumers int, now time.Time) ScaleDecision {
	s := a.stateFor(family)
	r := a.rules

	coolingDown := now.Sub(s.lastDecisionAt) < r.Cooldown

	switch {
	case backlog > r.UpThreshold:
		s.belowDownSince = time.Time{}
		if s.aboveUpSince.IsZero() {
			s.aboveUpSince = now
		}
		if !coolingDown && now.Sub(s.aboveUpSince) >= r.SustainUp && currentConsumers < r.MaxConsumersPerFamily {
			s.lastDecisionAt = now
			s.aboveUpSince = time.Time{}
			return ScaleDecision{Family: family, Action: ScaleUp, NewCount: currentConsumers + 1}
		}

	case backlog < r.DownThreshold && avgUtilization < r.IdleUtilization:
		s.aboveUpSince = time.Time{}
		if s.belowDownSince.IsZero() {
			s.belowDownSince = now
		}
		if !coolingDown && now.Sub(s.belowDownSince) >= r.SustainDown && currentConsumers > r.MinConsumersPerFamily {
			s.lastDecisionAt = now
			s.belowDownSince = time.Time{}
			return ScaleDecision{Family: family, Action: ScaleDown, NewCount: currentConsumers - 1}
		}

	default:
		s.aboveUpSince = time.Time{}
		s.belowDownSince = time.Time{}
	}

	return ScaleDecision{Family: family, Action: ScaleNone, NewCount: currentConsumers}
}
