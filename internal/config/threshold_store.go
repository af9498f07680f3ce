package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// thresholdFile is the on-disk shape for per-family severity thresholds,
// grounded on engine/internal/runtime/runtime.go's YAML-backed
// RuntimeBusinessConfig, narrowed to the one section this cluster needs.
type thresholdFile struct {
	Families map[models.FaultFamily]analyzer.Thresholds `yaml:"families"`
}

// ThresholdStore serves per-family analyzer.Thresholds from an optional
// YAML file, hot-reloaded via fsnotify the same way the reference engine's
// HotReloadSystem watches its config directory. With no path configured it
// just serves analyzer.DefaultThresholds() for every family.
type ThresholdStore struct {
	path    string
	log     *logrus.Entry
	bus     events.Bus
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	current atomic.Pointer[map[models.FaultFamily]analyzer.Thresholds]
}

// ThresholdStoreDeps are the ThresholdStore's optional collaborators.
type ThresholdStoreDeps struct {
	Bus    events.Bus
	Logger *logrus.Logger
}

// NewThresholdStore constructs a store. path may be empty, in which case
// the store serves defaults and Start is a no-op (no file to watch).
func NewThresholdStore(path string, deps ThresholdStoreDeps) *ThresholdStore {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	s := &ThresholdStore{
		path: path,
		log:  deps.Logger.WithField("component", "config.threshold_store"),
		bus:  deps.Bus,
	}
	empty := map[models.FaultFamily]analyzer.Thresholds{}
	s.current.Store(&empty)
	return s
}

// Start loads the file once (if path is set) and begins watching its
// directory for writes. A missing file is not an error: it just means
// every family uses analyzer.DefaultThresholds().
func (s *ThresholdStore) Start(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: initial threshold load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create threshold file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch threshold dir %s: %w", dir, err)
	}
	s.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(runCtx)
	return nil
}

// Stop closes the underlying fsnotify watcher, if any, and waits for the
// watch loop to exit.
func (s *ThresholdStore) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
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

func (s *ThresholdStore) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.WithError(err).Warn("failed to reload thresholds, keeping previous values")
				continue
			}
			s.log.Info("reloaded per-family thresholds from file")
			if s.bus != nil {
				_ = s.bus.Publish(events.Event{Category: events.CategoryConfig, Type: "thresholds_reloaded"})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("threshold file watcher error")
		}
	}
}

func (s *ThresholdStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var f thresholdFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse threshold file: %w", err)
	}
	next := make(map[models.FaultFamily]analyzer.Thresholds, len(f.Families))
	for family, t := range f.Families {
		if t.Warn < 0 || t.Fault < t.Warn {
			return fmt.Errorf("invalid thresholds for %s: warn=%.3f fault=%.3f", family, t.Warn, t.Fault)
		}
		next[family] = t
	}
	s.current.Store(&next)
	return nil
}

// For returns the configured thresholds for family, falling back to
// analyzer.DefaultThresholds() when no override has been loaded.
func (s *ThresholdStore) For(family models.FaultFamily) analyzer.Thresholds {
	m := *s.current.Load()
	if t, ok := m[family]; ok {
		return t
	}
	return analyzer.DefaultThresholds()
}
