// Package models holds the public domain entities exchanged between the
// stream broker, workers, the aggregator, the coordinator, and the bridge.
package models

import "time"

// FaultFamily is the tagged variant dispatched across analyzer plugins,
// consumer groups, and coordinator scaling decisions.
type FaultFamily string

const (
	TurnFault    FaultFamily = "turn_fault"
	Insulation   FaultFamily = "insulation"
	Bearing      FaultFamily = "bearing"
	Eccentricity FaultFamily = "eccentricity"
	BrokenBar    FaultFamily = "broken_bar"
)

// AllFamilies is the fixed set of fault families shipped with the core.
func AllFamilies() []FaultFamily {
	return []FaultFamily{TurnFault, Insulation, Bearing, Eccentricity, BrokenBar}
}

// Status is the severity-band classification of a FaultScore or the
// aggregated status of a HealthAssessment. Ordered normal < warning < fault.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusFault   Status = "fault"
)

// rank returns the ordinal used to compute max_status across families.
func (s Status) rank() int {
	switch s {
	case StatusFault:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// MaxStatus returns the worst-case status among the arguments, defaulting to
// StatusNormal for an empty input.
func MaxStatus(statuses ...Status) Status {
	best := StatusNormal
	for _, s := range statuses {
		if s.rank() > best.rank() {
			best = s
		}
	}
	return best
}

// VehicleSample is an immutable sensor reading published on the raw stream.
type VehicleSample struct {
	VehicleID     string            `json:"vehicle_id"`
	Timestamp     time.Time         `json:"timestamp"`
	PhaseCurrents [3]float64        `json:"three_phase_currents"`
	Voltage       float64           `json:"voltage"`
	Speed         float64           `json:"speed"`
	Torque        float64           `json:"torque"`
	Temperature   float64           `json:"temperature"`
	Location      *GeoLocation      `json:"location,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	MessageID     string            `json:"-"`
}

// GeoLocation is an optional ingest-time location tag.
type GeoLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FaultScore is an immutable analyzer output written to the results stream.
type FaultScore struct {
	VehicleID           string             `json:"vehicle_id"`
	SampleTimestamp     time.Time          `json:"sample_timestamp"`
	FaultFamily         FaultFamily        `json:"fault_family"`
	Severity            float64            `json:"severity"`
	Status              Status             `json:"status"`
	FeatureMap          map[string]float64 `json:"feature_map,omitempty"`
	ProducedByWorker    string             `json:"produced_by_worker"`
	ProcessingLatencyMs float64            `json:"processing_latency_ms"`
}

// HealthAssessment is an immutable per-vehicle snapshot published by the
// aggregator whenever a family's score changes meaningfully.
type HealthAssessment struct {
	VehicleID       string                     `json:"vehicle_id"`
	AssessedAt      time.Time                  `json:"assessed_at"`
	PerFamilyScores map[FaultFamily]FaultScore `json:"per_family_scores"`
	CompositeScore  float64                    `json:"composite_score"`
	OverallStatus   Status                     `json:"overall_status"`
	AlertLevel      string                     `json:"alert_level"`
}

// WorkerLoad is the self-reported health/load sample a worker heartbeats.
type WorkerLoad struct {
	PendingBacklog int     `json:"pending_backlog"`
	CPUPercent     float64 `json:"cpu_pct"`
	MemPercent     float64 `json:"mem_pct"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	QueueLength    int     `json:"queue_length"`
	DLQCount       int64   `json:"dlq_count"`
}

// WorkerState is the lifecycle state machine from spec.md §4.3.
type WorkerState string

const (
	WorkerInitializing WorkerState = "initializing"
	WorkerRegistering  WorkerState = "registering"
	WorkerRunning      WorkerState = "running"
	WorkerDegraded     WorkerState = "degraded"
	WorkerDraining     WorkerState = "draining"
	WorkerStopped      WorkerState = "stopped"
)

// WorkerRegistration is mutable state refreshed by worker heartbeats and
// owned by the coordinator's registry.
type WorkerRegistration struct {
	WorkerID          string        `json:"worker_id"`
	SupportedFamilies []FaultFamily `json:"supported_families"`
	BindAddress       string        `json:"bind_address"`
	StartedAt         time.Time     `json:"started_at"`
	LastHeartbeat     time.Time     `json:"last_heartbeat"`
	State             WorkerState   `json:"state"`
	Load              WorkerLoad    `json:"load"`
}

// ConsumerGroup describes a broker consumer group for one fault family.
type ConsumerGroup struct {
	GroupName       string   `json:"group_name"`
	StreamName      string   `json:"stream_name"`
	Members         []string `json:"members"`
	PendingMessages int64    `json:"pending_messages"`
	OldestPendingID string   `json:"oldest_pending_id,omitempty"`
}

// DecayCurve selects the shape of the throughput estimator's freshness decay.
type DecayCurve string

const (
	DecayLinear      DecayCurve = "linear"
	DecayLogarithmic DecayCurve = "logarithmic"
	DecayExponential DecayCurve = "exponential"
	DecaySqrt        DecayCurve = "sqrt"
)

// ThroughputConfig is process-wide, live-mutable via the config API.
type ThroughputConfig struct {
	FreshnessWindowMinutes int        `json:"freshness_window_minutes" yaml:"freshness_window_minutes"`
	MinFreshnessFactor     float64    `json:"min_freshness_factor" yaml:"min_freshness_factor"`
	DecayCurve             DecayCurve `json:"decay_curve" yaml:"decay_curve"`
	DecaySteepness         float64    `json:"decay_steepness" yaml:"decay_steepness"`
	AutoRefreshEnabled     bool       `json:"auto_refresh_enabled" yaml:"auto_refresh_enabled"`
	BaseMultiplier         float64    `json:"base_multiplier" yaml:"base_multiplier"`
}

// DefaultThroughputConfig returns the mid-range defaults documented in
// spec.md §3's ThroughputConfig bounds.
func DefaultThroughputConfig() ThroughputConfig {
	return ThroughputConfig{
		FreshnessWindowMinutes: 60,
		MinFreshnessFactor:     0.3,
		DecayCurve:             DecayLogarithmic,
		DecaySteepness:         1.0,
		AutoRefreshEnabled:     true,
		BaseMultiplier:         10,
	}
}
