package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/pkg/models"
)

func TestLoadProcessConfigFromEnvFallsBackToDefaults(t *testing.T) {
	cfg := LoadProcessConfigFromEnv()
	assert.Equal(t, DefaultProcessConfig(), cfg)
}

func TestLoadProcessConfigFromEnvReadsVars(t *testing.T) {
	t.Setenv("CLUSTER_MODE", "clustered")
	t.Setenv("WORKERS_PER_FAMILY", "4")
	t.Setenv("BROKER_URL", "redis://broker:6380/1")
	t.Setenv("CLUSTER_ENABLED", "true")

	cfg := LoadProcessConfigFromEnv()
	assert.Equal(t, "clustered", cfg.ClusterMode)
	assert.Equal(t, 4, cfg.WorkersPerFamily)
	assert.Equal(t, "redis://broker:6380/1", cfg.BrokerURL)
	assert.True(t, cfg.ClusterEnabled)
}

func TestApplyFlagOverridesOnlyOverridesSetFields(t *testing.T) {
	base := ProcessConfig{ClusterMode: "standalone", BrokerURL: "redis://a:6379/0", WorkersPerFamily: 2}
	got := ApplyFlagOverrides(base, FlagOverrides{BrokerURL: "redis://b:6379/0"})
	assert.Equal(t, "redis://b:6379/0", got.BrokerURL)
	assert.Equal(t, "standalone", got.ClusterMode, "unset override leaves base value")
}

func TestValidateThroughputConfigRejectsOutOfRangeFields(t *testing.T) {
	valid := models.DefaultThroughputConfig()
	require.NoError(t, ValidateThroughputConfig(valid))

	bad := valid
	bad.FreshnessWindowMinutes = 500
	assert.Error(t, ValidateThroughputConfig(bad))

	bad = valid
	bad.MinFreshnessFactor = 0.95
	assert.Error(t, ValidateThroughputConfig(bad))

	bad = valid
	bad.DecayCurve = "made_up"
	assert.Error(t, ValidateThroughputConfig(bad))

	bad = valid
	bad.DecaySteepness = 5
	assert.Error(t, ValidateThroughputConfig(bad))

	bad = valid
	bad.BaseMultiplier = 1
	assert.Error(t, ValidateThroughputConfig(bad))
}

func newTestStore(t *testing.T) *ThroughputStore {
	t.Helper()
	s := NewThroughputStore(models.DefaultThroughputConfig(), StoreDeps{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = s.Stop(context.Background())
	})
	return s
}

func TestThroughputStoreAppliesAndVersionsSequentially(t *testing.T) {
	s := newTestStore(t)

	candidate := models.DefaultThroughputConfig()
	candidate.BaseMultiplier = 12

	entry, err := s.Apply(context.Background(), candidate, ApplyOptions{Actor: "operator"})
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, "operator", entry.Actor)
	assert.Contains(t, entry.DiffSummary, "base_multiplier")

	assert.Equal(t, float64(12), s.Current().BaseMultiplier)

	entry2, err := s.Apply(context.Background(), candidate, ApplyOptions{Actor: "operator"})
	require.NoError(t, err)
	assert.Equal(t, 2, entry2.Version)
	assert.Equal(t, "no change", entry2.DiffSummary)
}

func TestThroughputStoreRejectsInvalidCandidateWithoutMutatingCurrent(t *testing.T) {
	s := newTestStore(t)
	before := s.Current()

	bad := models.DefaultThroughputConfig()
	bad.BaseMultiplier = 100
	_, err := s.Apply(context.Background(), bad, ApplyOptions{Actor: "operator"})
	require.Error(t, err)

	assert.Equal(t, before, s.Current())
	assert.Empty(t, s.History())
}

func TestThroughputStoreDryRunDoesNotCommit(t *testing.T) {
	s := newTestStore(t)
	before := s.Current()

	candidate := models.DefaultThroughputConfig()
	candidate.BaseMultiplier = 9

	entry, err := s.Apply(context.Background(), candidate, ApplyOptions{Actor: "operator", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version, "dry run previews the would-be version without consuming it")

	assert.Equal(t, before, s.Current())
	assert.Empty(t, s.History())
}

func TestThroughputStoreRollbackCreatesNewVersionRatherThanRewritingHistory(t *testing.T) {
	s := newTestStore(t)

	v1 := models.DefaultThroughputConfig()
	v1.BaseMultiplier = 12
	_, err := s.Apply(context.Background(), v1, ApplyOptions{Actor: "operator"})
	require.NoError(t, err)

	v2 := models.DefaultThroughputConfig()
	v2.BaseMultiplier = 14
	_, err = s.Apply(context.Background(), v2, ApplyOptions{Actor: "operator"})
	require.NoError(t, err)

	rolled, err := s.Rollback(context.Background(), 1, "operator-rollback")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.Version, "rollback appends rather than rewriting version 1 in place")
	assert.Equal(t, float64(12), s.Current().BaseMultiplier)

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, 2, hist[1].Version)
	assert.Equal(t, 3, hist[2].Version)
}

func TestThroughputStoreHistoryRingEvictsOldestBeyondMaxAudit(t *testing.T) {
	s := NewThroughputStore(models.DefaultThroughputConfig(), StoreDeps{MaxAudit: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	for i := 0; i < 5; i++ {
		c := models.DefaultThroughputConfig()
		c.BaseMultiplier = float64(3 + i)
		_, err := s.Apply(ctx, c, ApplyOptions{Actor: "operator"})
		require.NoError(t, err)
	}

	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 4, hist[0].Version)
	assert.Equal(t, 5, hist[1].Version)
}

func TestThresholdStoreServesDefaultsWithNoPathConfigured(t *testing.T) {
	s := NewThresholdStore("", ThresholdStoreDeps{})
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, analyzer.DefaultThresholds(), s.For(models.Bearing))
}

func TestThresholdStoreLoadsAndHotReloadsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	initial := "families:\n  bearing:\n    warn: 0.2\n    fault: 0.6\n"
	require.NoError(t, os.WriteFile(path, []byte(initial), 0644))

	s := NewThresholdStore(path, ThresholdStoreDeps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, analyzer.Thresholds{Warn: 0.2, Fault: 0.6}, s.For(models.Bearing))
	assert.Equal(t, analyzer.DefaultThresholds(), s.For(models.TurnFault), "families absent from the file fall back to defaults")

	updated := "families:\n  bearing:\n    warn: 0.25\n    fault: 0.65\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool {
		return s.For(models.Bearing) == analyzer.Thresholds{Warn: 0.25, Fault: 0.65}
	}, 2*time.Second, 10*time.Millisecond, "expected hot-reload to pick up the rewritten file")
}
