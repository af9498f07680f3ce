package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/internal/clock"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// AuditEntry is one applied ThroughputConfig version, grounded on
// engine/configx's VersionedConfig shape but trimmed to this domain's
// single scalar value: no rollout stage or cohort concepts apply here.
type AuditEntry struct {
	Version     int                     `json:"version"`
	Config      models.ThroughputConfig `json:"config"`
	AppliedAt   time.Time               `json:"applied_at"`
	Actor       string                  `json:"actor"`
	DiffSummary string                  `json:"diff_summary,omitempty"`
}

// ApplyOptions mirrors engine/configx's ApplyOptions, minus the
// rollout/force-simulation concepts that don't have an analog for a single
// bounded-field config value: every candidate is validated, there is no
// "impact simulation" to dry-run around.
type ApplyOptions struct {
	Actor  string
	DryRun bool
}

type applyCommand struct {
	candidate models.ThroughputConfig
	opts      ApplyOptions
	resp      chan applyResult
}

type applyResult struct {
	entry AuditEntry
	err   error
}

// ThroughputStore is the single-writer home of the live ThroughputConfig.
// All mutations funnel through a serial command channel processed by one
// goroutine (spec.md §9's "API handlers mutate via a serial command
// channel"); readers get a lock-free, copy-on-read snapshot via Current.
// Grounded on engine/internal/runtime/runtime.go's RuntimeConfigManager,
// generalized from a mutex-guarded struct to a channel-owned one and
// narrowed from a whole YAML document to the single ThroughputConfig value.
type ThroughputStore struct {
	log      *logrus.Entry
	bus      events.Bus
	cmds     chan applyCommand
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	maxAudit int

	current atomic.Pointer[models.ThroughputConfig]

	histMu  sync.RWMutex
	history []AuditEntry
	version int

	clk clock.Clock

	mApplied  metrics.Counter
	mRejected metrics.Counter
}

// StoreDeps are the ThroughputStore's optional collaborators.
type StoreDeps struct {
	Bus      events.Bus
	Metrics  metrics.Provider
	Logger   *logrus.Logger
	Clock    clock.Clock
	MaxAudit int // size of the in-memory audit ring; 0 means DefaultMaxAudit
}

// DefaultMaxAudit is how many applied versions GET /config/throughput/history
// can return before the oldest entries are evicted from the ring.
const DefaultMaxAudit = 50

// NewThroughputStore constructs a store seeded at version 0 with initial.
func NewThroughputStore(initial models.ThroughputConfig, deps StoreDeps) *ThroughputStore {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopProvider()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.MaxAudit <= 0 {
		deps.MaxAudit = DefaultMaxAudit
	}
	s := &ThroughputStore{
		log:      deps.Logger.WithField("component", "config.throughput_store"),
		bus:      deps.Bus,
		cmds:     make(chan applyCommand),
		maxAudit: deps.MaxAudit,
		clk:      deps.Clock,
	}
	s.current.Store(&initial)
	s.mApplied = deps.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "config", Name: "throughput_applied_total", Help: "applied ThroughputConfig versions",
	}})
	s.mRejected = deps.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "config", Name: "throughput_rejected_total", Help: "rejected ThroughputConfig candidates",
	}})
	return s
}

// Start launches the serial command-processing goroutine.
func (s *ThroughputStore) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop cancels the owning goroutine and waits for it to exit. Apply calls
// issued after Stop block only until their own context expires.
func (s *ThroughputStore) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ThroughputStore) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			entry, err := s.handleApply(cmd.candidate, cmd.opts)
			cmd.resp <- applyResult{entry: entry, err: err}
		}
	}
}

func (s *ThroughputStore) handleApply(candidate models.ThroughputConfig, opts ApplyOptions) (AuditEntry, error) {
	if err := ValidateThroughputConfig(candidate); err != nil {
		s.mRejected.Inc(1)
		return AuditEntry{}, err
	}
	if opts.DryRun {
		return AuditEntry{Version: s.version + 1, Config: candidate, Actor: opts.Actor}, nil
	}

	s.histMu.Lock()
	prev := *s.current.Load()
	s.version++
	entry := AuditEntry{
		Version:     s.version,
		Config:      candidate,
		AppliedAt:   s.clk.Now(),
		Actor:       opts.Actor,
		DiffSummary: diffSummary(prev, candidate),
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.maxAudit {
		s.history = s.history[len(s.history)-s.maxAudit:]
	}
	s.histMu.Unlock()

	s.current.Store(&candidate)
	s.mApplied.Inc(1)

	if s.bus != nil {
		_ = s.bus.Publish(events.Event{
			Time:     entry.AppliedAt,
			Category: events.CategoryConfig,
			Type:     "throughput_config_applied",
			Fields: map[string]interface{}{
				"version": entry.Version,
				"actor":   entry.Actor,
				"diff":    entry.DiffSummary,
			},
		})
	}
	s.log.WithField("version", entry.Version).WithField("actor", entry.Actor).Info("applied throughput config")
	return entry, nil
}

// Apply validates and (unless DryRun) commits candidate as the new live
// ThroughputConfig, returning the resulting AuditEntry. It blocks until the
// owning goroutine has processed the command, giving callers a
// linearizable view of concurrent applies.
func (s *ThroughputStore) Apply(ctx context.Context, candidate models.ThroughputConfig, opts ApplyOptions) (AuditEntry, error) {
	resp := make(chan applyResult, 1)
	select {
	case s.cmds <- applyCommand{candidate: candidate, opts: opts, resp: resp}:
	case <-ctx.Done():
		return AuditEntry{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.entry, r.err
	case <-ctx.Done():
		return AuditEntry{}, ctx.Err()
	}
}

// Rollback re-applies a previously audited version's config as a brand new
// version, mirroring engine/configx/apply_test.go's observed behavior that
// Rollback creates version N+1 rather than reverting version N in place —
// the audit trail stays append-only and never rewrites history.
func (s *ThroughputStore) Rollback(ctx context.Context, version int, actor string) (AuditEntry, error) {
	s.histMu.RLock()
	var target *models.ThroughputConfig
	for _, e := range s.history {
		if e.Version == version {
			cfg := e.Config
			target = &cfg
			break
		}
	}
	s.histMu.RUnlock()
	if target == nil {
		return AuditEntry{}, fmt.Errorf("config: version %d not found in audit history", version)
	}
	return s.Apply(ctx, *target, ApplyOptions{Actor: actor})
}

// Current returns a copy-on-read snapshot of the live ThroughputConfig.
// Safe to call from any goroutine without blocking on the command channel,
// so the estimator's hot query path never contends with config writers.
func (s *ThroughputStore) Current() models.ThroughputConfig {
	return *s.current.Load()
}

// History returns the audit ring, oldest first, newest last.
func (s *ThroughputStore) History() []AuditEntry {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	out := make([]AuditEntry, len(s.history))
	copy(out, s.history)
	return out
}

func diffSummary(prev, next models.ThroughputConfig) string {
	var parts []string
	if prev.FreshnessWindowMinutes != next.FreshnessWindowMinutes {
		parts = append(parts, fmt.Sprintf("freshness_window_minutes %d->%d", prev.FreshnessWindowMinutes, next.FreshnessWindowMinutes))
	}
	if prev.MinFreshnessFactor != next.MinFreshnessFactor {
		parts = append(parts, fmt.Sprintf("min_freshness_factor %.3f->%.3f", prev.MinFreshnessFactor, next.MinFreshnessFactor))
	}
	if prev.DecayCurve != next.DecayCurve {
		parts = append(parts, fmt.Sprintf("decay_curve %s->%s", prev.DecayCurve, next.DecayCurve))
	}
	if prev.DecaySteepness != next.DecaySteepness {
		parts = append(parts, fmt.Sprintf("decay_steepness %.3f->%.3f", prev.DecaySteepness, next.DecaySteepness))
	}
	if prev.AutoRefreshEnabled != next.AutoRefreshEnabled {
		parts = append(parts, fmt.Sprintf("auto_refresh_enabled %t->%t", prev.AutoRefreshEnabled, next.AutoRefreshEnabled))
	}
	if prev.BaseMultiplier != next.BaseMultiplier {
		parts = append(parts, fmt.Sprintf("base_multiplier %.3f->%.3f", prev.BaseMultiplier, next.BaseMultiplier))
	}
	if len(parts) == 0 {
		return "no change"
	}
	return strings.Join(parts, ", ")
}
