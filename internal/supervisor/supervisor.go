// Package supervisor orchestrates cluster lifecycle (spec.md §4.8):
// ordered startup (broker reachable, then coordinator, result aggregator,
// workers grouped by family, frontend bridge, throughput estimator
// refresher), each step waiting for the previous to report ready, and a
// bounded, reverse-order shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Lifecycle is the capability every supervised component implements.
// internal/worker, internal/aggregator, internal/coordinator,
// internal/bridge, and internal/estimator all already satisfy this shape.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type entry struct {
	name      string
	component Lifecycle
}

// Supervisor starts registered components in registration order and
// stops them in reverse. Grounded on cli/cmd/ariadne/main.go's
// signal-driven shutdown, generalized from one engine to an ordered list
// of independently lifecycled components.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	entries []entry
	started []entry
}

// New constructs a Supervisor. Register components before calling Start.
func New(cfg Config, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{cfg: cfg, log: logger.WithField("component", "supervisor")}
}

// Register appends a named component to the startup order. Call before Start.
func (s *Supervisor) Register(name string, component Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{name: name, component: component})
}

// Start brings up every registered component in registration order,
// waiting for each Start call to return before beginning the next
// (Start returning nil is this component's "ready" signal; each
// component's own background loops run independently after that). If any
// component fails to start, every component already started is stopped
// in reverse order before returning the wrapped error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	toStart := make([]entry, len(s.entries))
	copy(toStart, s.entries)
	s.mu.Unlock()

	for _, e := range toStart {
		s.log.WithField("stage", e.name).Info("starting component")
		if err := e.component.Start(ctx); err != nil {
			s.log.WithField("stage", e.name).WithError(err).Error("component failed to start, rolling back")
			s.mu.Lock()
			started := s.started
			s.mu.Unlock()
			s.stopAll(context.Background(), started)
			return fmt.Errorf("start %s: %w", e.name, err)
		}
		s.mu.Lock()
		s.started = append(s.started, e)
		s.mu.Unlock()
		s.log.WithField("stage", e.name).Info("component ready")
	}
	return nil
}

// Stop tears down every started component in reverse startup order under
// one total cfg.ShutdownBudget deadline shared by the whole teardown —
// once the budget elapses, every remaining component's Stop sees an
// already-expired context and is force-stopped — and returns the joined
// errors of any components that failed to stop cleanly.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()
	return s.stopAll(ctx, started)
}

func (s *Supervisor) stopAll(ctx context.Context, started []entry) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownBudget)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		e := started[i]
		s.log.WithField("stage", e.name).Info("stopping component")
		if err := e.component.Stop(stopCtx); err != nil {
			s.log.WithField("stage", e.name).WithError(err).Error("component failed to stop cleanly")
			errs = append(errs, fmt.Errorf("stop %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// RunWithSignals blocks until sigCh receives a signal, then calls Stop,
// whose reverse-order teardown is bounded by the configured total
// shutdown budget. A second signal
// received while shutdown is in flight calls forceExit immediately,
// mirroring cli/cmd/ariadne/main.go's double-signal force-exit so an
// operator is never stuck waiting on a hung component.
func (s *Supervisor) RunWithSignals(ctx context.Context, sigCh <-chan os.Signal, forceExit func()) error {
	<-sigCh
	s.log.Info("shutdown signal received; initiating graceful shutdown")

	done := make(chan error, 1)
	go func() { done <- s.Stop(ctx) }()

	select {
	case err := <-done:
		return err
	case <-sigCh:
		s.log.Warn("second shutdown signal received; forcing exit")
		if forceExit != nil {
			forceExit()
		}
		return <-done
	}
}
