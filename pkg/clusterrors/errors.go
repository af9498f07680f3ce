// Package clusterrors is the cluster-wide error taxonomy from spec.md §7:
// every error that crosses a component boundary carries a Kind, a message,
// and enough context for an operator to act on it.
package clusterrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing/retry/observability purposes.
type Kind string

const (
	KindTransient      Kind = "transient"       // broker blip, retry with backoff
	KindPoison         Kind = "poison"          // deterministic plugin failure, ack+DLQ
	KindFatal          Kind = "fatal"           // worker cannot continue
	KindOverload       Kind = "overload"        // coordinator registry storm
	KindConfigRejected Kind = "config_rejected" // out-of-range PUT
	KindSubscriberSlow Kind = "subscriber_slow" // bridge backpressure
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStreamFull        = errors.New("stream full")
	ErrThrottled         = errors.New("throttled")
	ErrNotFound          = errors.New("not found")
)

// ClusterError wraps an underlying error with the context spec.md §7
// requires: kind, human message, and operator-facing fields.
type ClusterError struct {
	Kind      Kind
	Message   string
	VehicleID string
	Family    string
	MessageID string
	Err       error
}

func (e *ClusterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClusterError) Unwrap() error { return e.Err }

// New builds a ClusterError; ctx fields are optional and may be left zero.
func New(kind Kind, message string, err error) *ClusterError {
	return &ClusterError{Kind: kind, Message: message, Err: err}
}

// WithVehicle attaches vehicle context and returns the receiver for chaining.
func (e *ClusterError) WithVehicle(vehicleID string) *ClusterError {
	e.VehicleID = vehicleID
	return e
}

// WithFamily attaches fault-family context and returns the receiver.
func (e *ClusterError) WithFamily(family string) *ClusterError {
	e.Family = family
	return e
}

// WithMessageID attaches the broker message id and returns the receiver.
func (e *ClusterError) WithMessageID(id string) *ClusterError {
	e.MessageID = id
	return e
}

// Is reports whether target is a ClusterError of the same Kind, so callers
// can do errors.Is(err, clusterrors.New(clusterrors.KindPoison, "", nil)).
func (e *ClusterError) Is(target error) bool {
	var ce *ClusterError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}
