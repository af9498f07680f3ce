// Package broker provides the ordered, append-only, group-fan-out log with
// per-message acknowledgment described in spec.md §4.1, plus two
// implementations: a Redis Streams adapter for production, and an
// in-process fake for tests and the reduced-durability profile named in
// spec.md §9's first Open Question.
package broker

import (
	"context"
	"time"
)

// Message is one entry read from a stream: a monotone id and its field set.
// Per spec.md §6, each message carries vehicle_id, timestamp, a JSON payload
// string, and optional data_type; fields are kept as a flat string map to
// mirror the wire representation exactly (callers marshal/unmarshal payload
// themselves).
type Message struct {
	ID     string
	Fields map[string]string
}

// Broker is the capability surface every other component depends on.
// Implementations must be safe for concurrent use.
type Broker interface {
	// Publish appends fields to stream and returns a monotone message id.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup idempotently creates a consumer group on stream. fromLatest
	// selects whether new groups begin consuming from "$" (latest) or "0"
	// (earliest); re-creating an existing group is a no-op.
	CreateGroup(ctx context.Context, stream, group string, fromLatest bool) error

	// ReadGroup reads up to count new (never yet delivered to the group)
	// messages for consumer, blocking up to block if none are immediately
	// available; already-pending messages are not redelivered here. A block of
	// zero means "don't block".
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack removes ids from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending returns the per-consumer pending message count for group.
	Pending(ctx context.Context, stream, group string) (map[string]int64, error)

	// Claim reassigns ids idle for at least minIdle to newConsumer, returning
	// the reassigned messages.
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids ...string) ([]Message, error)

	// Trim caps stream length to maxLen entries.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// PendingDetail lists in-flight message ids for group (optionally
	// filtered to one consumer), each with its idle duration. This is the
	// discovery step the coordinator uses before Claim: Redis exposes it via
	// XPENDING with a range; spec.md §4.1's abbreviated pending() signature
	// is kept as the per-consumer-count overload above.
	PendingDetail(ctx context.Context, stream, group, consumer string, count int64) ([]PendingEntry, error)

	// Close releases any underlying connection.
	Close() error
}

// PendingEntry is one in-flight, not-yet-acked message.
type PendingEntry struct {
	ID       string
	Consumer string
	IdleTime time.Duration
}
