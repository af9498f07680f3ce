package bridge

import "time"

// Config tunes the Frontend Bridge's session backpressure, adaptive cache,
// and dedup window, per spec.md §4.6.
type Config struct {
	ConsumerName string

	// SessionQueueSize is the initial capacity hint for a subscriber's
	// outbound queue.
	SessionQueueSize int
	// HighWaterMark triggers coalescing: keep only the latest queued
	// message per vehicle.
	HighWaterMark int
	// HardLimit disconnects a subscriber whose queue still exceeds this
	// size after coalescing.
	HardLimit int

	// DedupWindow suppresses a consecutive identical-status push for the
	// same vehicle within this window.
	DedupWindow time.Duration

	// CacheMinMessages and CacheMaxMessages bound the adaptive per-(vehicle,
	// stream) replay cache's retained message count.
	CacheMinMessages   int
	CacheMaxMessages   int
	CacheStartMessages int
	// CacheMaxKeys bounds total (vehicle,stream) cache entries retained
	// before the oldest-used is evicted.
	CacheMaxKeys int

	// LatencyShrinkThreshold is the push latency past which the cache
	// shrinks by one step; LatencyGrowIdle is how long the cache must go
	// without exceeding that threshold before it grows by one step.
	LatencyShrinkThreshold time.Duration
	LatencyGrowIdle        time.Duration

	ReadBatchSize int64
	ReadBlock     time.Duration
}

// DefaultConfig returns spec.md §4.6's defaults.
func DefaultConfig() Config {
	return Config{
		ConsumerName:           "bridge-1",
		SessionQueueSize:       64,
		HighWaterMark:          256,
		HardLimit:              1024,
		DedupWindow:            2 * time.Second,
		CacheMinMessages:       4,
		CacheMaxMessages:       64,
		CacheStartMessages:     16,
		CacheMaxKeys:           10000,
		LatencyShrinkThreshold: 250 * time.Millisecond,
		LatencyGrowIdle:        30 * time.Second,
		ReadBatchSize:          32,
		ReadBlock:              time.Second,
	}
}
