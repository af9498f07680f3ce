// Package streams centralizes the stream and consumer-group names spec.md
// §6 fixes as defaults, so every component names the same wire the same
// way without importing each other.
package streams

import "github.com/motorfleet/diagcluster/pkg/models"

const (
	// RawData carries ingested VehicleSamples.
	RawData = "motor_raw_data"
	// FaultResults carries FaultScore outputs from the workers.
	FaultResults = "fault_diagnosis_results"
	// VehicleHealth carries HealthAssessment outputs from the aggregator.
	VehicleHealth = "vehicle_health_assessments"
	// Performance carries the throughput estimator's heartbeat sentinel.
	Performance = "performance_metrics"
	// Heartbeats carries WorkerRegistration heartbeats, the broker-mediated
	// coupling between workers and the coordinator (spec.md §9).
	Heartbeats = "workers.heartbeats"

	rawGroupPrefix = "fault_diagnosis_"

	// ResultAggregation is the aggregator's group on FaultResults.
	ResultAggregation = "result_aggregation"
	// BridgeFaultGroup is the bridge's group on FaultResults.
	BridgeFaultGroup = "frontend_bridge_fault"
	// BridgeHealthGroup is the bridge's group on VehicleHealth.
	BridgeHealthGroup = "frontend_bridge_health"
	// EstimatorGroup is the throughput estimator's group on Performance.
	EstimatorGroup = "throughput_estimator"
)

// RawGroupFor returns the per-family consumer group name joined on RawData.
func RawGroupFor(family models.FaultFamily) string {
	return rawGroupPrefix + string(family)
}
