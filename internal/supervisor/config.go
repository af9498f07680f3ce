package supervisor

import "time"

// Config holds the supervisor's own operational tunables.
type Config struct {
	// ShutdownBudget bounds the entire reverse-order teardown: one shared
	// deadline covering every component's Stop, after which the remaining
	// components are force-stopped by the expired context.
	ShutdownBudget time.Duration
}

// DefaultConfig returns the supervisor's default operational tunables.
func DefaultConfig() Config {
	return Config{ShutdownBudget: 30 * time.Second}
}
