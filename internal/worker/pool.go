package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// Factory builds a new Node for one family. ordinal is unique per family
// across the pool's lifetime, so worker and consumer ids never collide
// even after repeated scale-up/scale-down cycles.
type Factory func(family models.FaultFamily, ordinal int) *Node

// PoolConfig configures a Pool.
type PoolConfig struct {
	Families         []models.FaultFamily
	InitialPerFamily int
}

// Pool owns the live Nodes for every fault family and resizes them when
// the coordinator issues a scale decision, turning "Add one consumer" /
// "Drain and remove one consumer" into actual Node lifecycle calls. It
// satisfies internal/supervisor's Lifecycle: Start brings up the initial
// per-family nodes, Stop drains them all.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	log     *logrus.Entry

	mu      sync.Mutex
	runCtx  context.Context
	nodes   map[models.FaultFamily][]*Node
	ordinal map[models.FaultFamily]int
}

// NewPool constructs a Pool. Start must be called before Scale.
func NewPool(cfg PoolConfig, factory Factory, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.InitialPerFamily < 1 {
		cfg.InitialPerFamily = 1
	}
	if len(cfg.Families) == 0 {
		cfg.Families = models.AllFamilies()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		log:     logger.WithField("component", "worker_pool"),
		nodes:   make(map[models.FaultFamily][]*Node),
		ordinal: make(map[models.FaultFamily]int),
	}
}

// Start brings up InitialPerFamily nodes for every configured family. The
// context is retained: nodes started by later Scale calls run under it,
// not under the (often request-scoped) context of the Scale caller.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()
	for _, f := range p.cfg.Families {
		if err := p.Scale(ctx, f, p.cfg.InitialPerFamily); err != nil {
			return fmt.Errorf("worker pool: start %s: %w", f, err)
		}
	}
	return nil
}

// Stop drains every live node, newest first, joining all failures.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	var all []*Node
	for f, ns := range p.nodes {
		all = append(all, ns...)
		delete(p.nodes, f)
	}
	p.mu.Unlock()

	var errs []error
	for i := len(all) - 1; i >= 0; i-- {
		if err := all[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Info("worker pool stopped")
	return errors.Join(errs...)
}

// Scale resizes family's node set to newCount: growth starts fresh nodes
// from the factory, shrinkage drains the newest nodes first so the
// longest-running consumers (with the warmest rolling windows) survive.
// Bounds checking (min/max consumers per family) is the coordinator's job;
// the pool applies whatever count it is handed.
func (p *Pool) Scale(ctx context.Context, family models.FaultFamily, newCount int) error {
	if newCount < 0 {
		newCount = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ns := p.nodes[family]
	for len(ns) < newCount {
		n := p.factory(family, p.ordinal[family])
		p.ordinal[family]++
		startCtx := p.runCtx
		if startCtx == nil {
			startCtx = ctx
		}
		if err := n.Start(startCtx); err != nil {
			p.nodes[family] = ns
			return fmt.Errorf("worker pool: scale up %s: %w", family, err)
		}
		ns = append(ns, n)
		p.log.WithFields(logrus.Fields{"family": family, "count": len(ns)}).Info("scaled up consumer pool")
	}

	var errs []error
	for len(ns) > newCount {
		n := ns[len(ns)-1]
		ns = ns[:len(ns)-1]
		if err := n.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		p.log.WithFields(logrus.Fields{"family": family, "count": len(ns)}).Info("drained consumer from pool")
	}
	p.nodes[family] = ns
	return errors.Join(errs...)
}

// Count returns the number of live nodes for family.
func (p *Pool) Count(family models.FaultFamily) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes[family])
}
