package httpapi

import "time"

// Config holds the HTTP server's own operational tunables.
type Config struct {
	Addr                string
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
	IngestRatePerSec    float64 // per-vehicle token bucket fill rate
	IngestBurst         float64 // per-vehicle token bucket capacity
	DefaultHistoryHours int
	DefaultAlertsLimit  int
}

// DefaultConfig returns the server's default operational tunables.
func DefaultConfig() Config {
	return Config{
		Addr:                ":8080",
		ReadHeaderTimeout:   5 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		IngestRatePerSec:    20,
		IngestBurst:         40,
		DefaultHistoryHours: 24,
		DefaultAlertsLimit:  20,
	}
}
