package coordinator

import (
	"sort"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// normLatencyBudgetMs is the latency past which norm_latency saturates at 1
// (fully penalized), matching the worker's own degraded-state latency
// budget order of magnitude (internal/worker's DegradedLatencyBudgetMs
// default is 50ms; the coordinator scores on a wider scale since a worker
// well past its own degraded threshold should already be near zero here).
const normLatencyBudgetMs = 200.0

// queuePressureCeiling is the pending-backlog count treated as maximum
// queue pressure (1.0) for load scoring.
const queuePressureCeiling = 500.0

// Score computes spec.md §4.5's composite load score in [0,1] for one
// worker's self-reported load. health is the HealthFor multiplier (1 for
// running, 0.4 for degraded, 0 for any other state), multiplying the whole
// score so degraded workers rank below running ones with equal metrics and
// draining/stopped workers score zero.
func Score(load models.WorkerLoad, health float64, w Weights) float64 {
	normLatency := clamp01(load.AvgLatencyMs / normLatencyBudgetMs)
	cpu := clamp01(load.CPUPercent)
	mem := clamp01(load.MemPercent)
	queuePressure := clamp01(float64(load.QueueLength) / queuePressureCeiling)
	successRate := clamp01(load.SuccessRate)

	weighted := w.ResponseTime*(1-normLatency) +
		w.SuccessRate*successRate +
		w.CPU*(1-cpu) +
		w.Mem*(1-mem) +
		w.QueueLength*(1-queuePressure)

	return clamp01(health) * clamp01(weighted)
}

// HealthFor maps a worker lifecycle state to the health multiplier Score
// expects: a running worker is fully healthy, a degraded one is
// deprioritized but not excluded, anything else scores zero.
func HealthFor(state models.WorkerState) float64 {
	switch state {
	case models.WorkerRunning:
		return 1.0
	case models.WorkerDegraded:
		return 0.4
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// RankedWorker pairs a registration with its computed load score.
type RankedWorker struct {
	Registration models.WorkerRegistration
	Score        float64
}

// RankForFamily scores and sorts (descending) the live workers supporting
// family, answering spec.md §4.5's advisory-routing question.
func RankForFamily(workers []models.WorkerRegistration, w Weights) []RankedWorker {
	ranked := make([]RankedWorker, len(workers))
	for i, reg := range workers {
		ranked[i] = RankedWorker{Registration: reg, Score: Score(reg.Load, HealthFor(reg.State), w)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}
