package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Wire field names shared by every stream message, per spec.md §6: each
// message carries vehicle_id, timestamp, a JSON payload string, and an
// optional data_type.
const (
	FieldVehicleID = "vehicle_id"
	FieldTimestamp = "timestamp"
	FieldPayload   = "payload"
	FieldDataType  = "data_type"
)

// SampleToFields encodes a VehicleSample into broker message fields.
func SampleToFields(s VehicleSample) (map[string]string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("models: marshal sample: %w", err)
	}
	return map[string]string{
		FieldVehicleID: s.VehicleID,
		FieldTimestamp: strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
		FieldPayload:   string(payload),
		FieldDataType:  "vehicle_sample",
	}, nil
}

// SampleFromFields decodes a VehicleSample from broker message fields,
// stamping MessageID from the caller-supplied id (spec.md's MessageID is not
// part of the JSON payload, it is the broker's own message id).
func SampleFromFields(messageID string, fields map[string]string) (VehicleSample, error) {
	var s VehicleSample
	if err := json.Unmarshal([]byte(fields[FieldPayload]), &s); err != nil {
		return VehicleSample{}, fmt.Errorf("models: unmarshal sample: %w", err)
	}
	s.MessageID = messageID
	return s, nil
}

// ScoreToFields encodes a FaultScore into broker message fields.
func ScoreToFields(s FaultScore) (map[string]string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("models: marshal score: %w", err)
	}
	return map[string]string{
		FieldVehicleID: s.VehicleID,
		FieldTimestamp: strconv.FormatInt(s.SampleTimestamp.UnixMilli(), 10),
		FieldPayload:   string(payload),
		FieldDataType:  "fault_score",
	}, nil
}

// ScoreFromFields decodes a FaultScore from broker message fields.
func ScoreFromFields(fields map[string]string) (FaultScore, error) {
	var s FaultScore
	if err := json.Unmarshal([]byte(fields[FieldPayload]), &s); err != nil {
		return FaultScore{}, fmt.Errorf("models: unmarshal score: %w", err)
	}
	return s, nil
}

// AssessmentToFields encodes a HealthAssessment into broker message fields.
func AssessmentToFields(a HealthAssessment) (map[string]string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("models: marshal assessment: %w", err)
	}
	return map[string]string{
		FieldVehicleID: a.VehicleID,
		FieldTimestamp: strconv.FormatInt(a.AssessedAt.UnixMilli(), 10),
		FieldPayload:   string(payload),
		FieldDataType:  "health_assessment",
	}, nil
}

// AssessmentFromFields decodes a HealthAssessment from broker message fields.
func AssessmentFromFields(fields map[string]string) (HealthAssessment, error) {
	var a HealthAssessment
	if err := json.Unmarshal([]byte(fields[FieldPayload]), &a); err != nil {
		return HealthAssessment{}, fmt.Errorf("models: unmarshal assessment: %w", err)
	}
	return a, nil
}

// RegistrationToFields encodes a WorkerRegistration heartbeat.
func RegistrationToFields(r WorkerRegistration) (map[string]string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("models: marshal registration: %w", err)
	}
	return map[string]string{
		"worker_id":    r.WorkerID,
		FieldTimestamp: strconv.FormatInt(r.LastHeartbeat.UnixMilli(), 10),
		FieldPayload:   string(payload),
		FieldDataType:  "worker_registration",
	}, nil
}

// RegistrationFromFields decodes a WorkerRegistration heartbeat.
func RegistrationFromFields(fields map[string]string) (WorkerRegistration, error) {
	var r WorkerRegistration
	if err := json.Unmarshal([]byte(fields[FieldPayload]), &r); err != nil {
		return WorkerRegistration{}, fmt.Errorf("models: unmarshal registration: %w", err)
	}
	return r, nil
}
