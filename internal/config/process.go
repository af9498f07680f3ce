// Package config owns the two configuration surfaces spec.md §9 calls out
// separately: a process-wide ProcessConfig resolved once at startup from
// environment variables and CLI flags, and a live-mutable ThroughputConfig
// served as a single-writer entity behind a serial command channel so HTTP
// handlers never touch shared state directly.
package config

import (
	"os"
	"strconv"
	"strings"
)

// ProcessConfig is resolved once, at process startup, and handed to
// internal/supervisor's component constructors. It never changes after
// that: changing cluster mode or broker URL requires a restart.
type ProcessConfig struct {
	ClusterMode      string
	WorkersPerFamily int
	BrokerURL        string
	ClusterEnabled   bool
}

// DefaultProcessConfig mirrors a single-process, in-memory-broker dev setup.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		ClusterMode:      "development",
		WorkersPerFamily: 1,
		BrokerURL:        "redis://localhost:6379/0",
		ClusterEnabled:   false,
	}
}

// LoadProcessConfigFromEnv reads CLUSTER_MODE, WORKERS_PER_FAMILY,
// BROKER_URL, and CLUSTER_ENABLED, falling back to DefaultProcessConfig for
// anything unset or unparsable.
func LoadProcessConfigFromEnv() ProcessConfig {
	cfg := DefaultProcessConfig()
	if v := os.Getenv("CLUSTER_MODE"); v != "" {
		cfg.ClusterMode = v
	}
	if v := os.Getenv("WORKERS_PER_FAMILY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkersPerFamily = n
		}
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("CLUSTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.ClusterEnabled = b
		}
	}
	return cfg
}

// FlagOverrides carries the subset of ProcessConfig that cmd/diagcluster
// exposes as cobra flags. A zero value (empty string) means the
// flag was not set by the operator and the env-derived value stands: flags
// win over env only when actually provided.
type FlagOverrides struct {
	BrokerURL   string
	ClusterMode string
}

// ApplyFlagOverrides layers non-empty flag values on top of a
// LoadProcessConfigFromEnv result, per spec.md §9's flags-over-env
// precedence rule.
func ApplyFlagOverrides(base ProcessConfig, overrides FlagOverrides) ProcessConfig {
	if overrides.BrokerURL != "" {
		base.BrokerURL = overrides.BrokerURL
	}
	if overrides.ClusterMode != "" {
		base.ClusterMode = overrides.ClusterMode
	}
	return base
}
