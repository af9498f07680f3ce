package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/motorfleet/diagcluster/internal/aggregator"
	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/bridge"
	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/config"
	"github.com/motorfleet/diagcluster/internal/coordinator"
	"github.com/motorfleet/diagcluster/internal/estimator"
	"github.com/motorfleet/diagcluster/internal/httpapi"
	"github.com/motorfleet/diagcluster/internal/supervisor"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
	"github.com/motorfleet/diagcluster/internal/worker"
	"github.com/motorfleet/diagcluster/pkg/models"
)

var startFlags struct {
	thresholdsPath string
	metricsAddr    string
	metricsBackend string
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the cluster's workers, coordinator, bridge, estimator, and HTTP API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&startFlags.thresholdsPath, "thresholds-file", "", "optional YAML file of per-family analyzer thresholds, hot-reloaded")
	cmd.Flags().StringVar(&startFlags.metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus /metrics on")
	cmd.Flags().StringVar(&startFlags.metricsBackend, "metrics-backend", "prometheus", "metrics backend: prometheus (scrape endpoint) or otel (collector push)")
	return cmd
}

func runStart(ctx context.Context) error {
	log := logrus.New()

	procCfg := loadProcessConfig()
	switch procCfg.ClusterMode {
	case "development", "testing", "production":
	default:
		log.Errorf("invalid CLUSTER_MODE %q, must be one of development, testing, production", procCfg.ClusterMode)
		os.Exit(exitConfigError)
	}
	if procCfg.WorkersPerFamily < 1 {
		log.Errorf("WORKERS_PER_FAMILY must be >= 1, got %d", procCfg.WorkersPerFamily)
		os.Exit(exitConfigError)
	}

	var metricsProvider metrics.Provider
	var promReg *prometheus.Registry
	switch startFlags.metricsBackend {
	case "prometheus":
		metricsProvider, promReg = metrics.NewPrometheusProvider()
	case "otel":
		metricsProvider = metrics.NewOTelProvider(metrics.OTelOptions{ServiceName: "diagcluster"})
	default:
		log.Errorf("invalid --metrics-backend %q, must be prometheus or otel", startFlags.metricsBackend)
		os.Exit(exitConfigError)
	}
	bus := events.NewBus(metricsProvider)

	brk, err := buildBroker(ctx, procCfg)
	if err != nil {
		log.Errorf("broker unreachable at start: %v", err)
		os.Exit(exitBrokerUnreach)
	}

	thresholdStore := config.NewThresholdStore(startFlags.thresholdsPath, config.ThresholdStoreDeps{Bus: bus, Logger: log})
	throughputStore := config.NewThroughputStore(models.DefaultThroughputConfig(), config.StoreDeps{Bus: bus, Metrics: metricsProvider, Logger: log})

	registry := analyzer.DefaultRegistry()

	sup := supervisor.New(supervisor.DefaultConfig(), log)
	sup.Register("thresholds", thresholdStore)
	sup.Register("throughput-config", throughputStore)

	pool := buildWorkerPool(procCfg, brk, registry, thresholdStore, bus, metricsProvider, log)

	agg := aggregator.New(aggregator.DefaultConfig(), aggregator.Deps{Broker: brk, Bus: bus, Metrics: metricsProvider, Logger: log})

	coord := coordinator.New(coordinator.DefaultConfig(), coordinator.Deps{Broker: brk, Bus: bus, Metrics: metricsProvider, Logger: log, Scaler: pool})
	sup.Register("coordinator", coord)
	sup.Register("aggregator", agg)
	sup.Register("workers", pool)

	brg := bridge.New(bridge.DefaultConfig(), bridge.Deps{Broker: brk, Bus: bus, Metrics: metricsProvider, Logger: log})
	sup.Register("bridge", brg)

	est := estimator.New(estimator.DefaultConfig(), estimator.Deps{Broker: brk, Bus: bus, Metrics: metricsProvider, Logger: log, ConfigSource: throughputStore})
	sup.Register("estimator", est)

	apiSrv := httpapi.New(httpapi.DefaultConfig(), httpapi.Deps{
		Broker:          brk,
		Aggregator:      agg,
		Coordinator:     coord,
		Estimator:       est,
		ThroughputStore: throughputStore,
		Bridge:          brg,
		Bus:             bus,
		Logger:          log,
	})
	sup.Register("http-api", apiSrv)

	if promReg != nil {
		sup.Register("metrics", newMetricsServer(startFlags.metricsAddr, promReg))
	}

	if err := sup.Start(ctx); err != nil {
		log.Errorf("startup failed: %v", err)
		os.Exit(exitConfigError)
	}
	log.Infof("diagcluster started: mode=%s workers_per_family=%d broker=%s", procCfg.ClusterMode, procCfg.WorkersPerFamily, procCfg.BrokerURL)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	err = sup.RunWithSignals(ctx, sigCh, func() {
		os.Exit(exitAbortedMidStop)
	})
	if err != nil {
		log.Errorf("shutdown error: %v", err)
		os.Exit(exitConfigError)
	}
	os.Exit(exitClean)
	return nil
}

func buildBroker(ctx context.Context, procCfg config.ProcessConfig) (broker.Broker, error) {
	if !procCfg.ClusterEnabled {
		return broker.NewMemory(), nil
	}
	opts, err := redis.ParseURL(procCfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse BROKER_URL %q: %w", procCfg.BrokerURL, err)
	}
	rb, err := broker.NewRedisBroker(ctx, broker.RedisConfig{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxStreamLen: broker.DefaultMaxStreamLen,
	})
	if err != nil {
		return nil, err
	}
	return rb, nil
}

// buildWorkerPool wires a worker.Pool whose factory mints one single-family
// Node per (family, ordinal); the coordinator resizes it through its Scaler
// dependency when backlog sustains past the autoscale thresholds or an
// operator posts /system/scale.
func buildWorkerPool(procCfg config.ProcessConfig, brk broker.Broker, registry *analyzer.Registry, thresholds *config.ThresholdStore, bus events.Bus, metricsProvider metrics.Provider, log *logrus.Logger) *worker.Pool {
	factory := func(family models.FaultFamily, ordinal int) *worker.Node {
		cfg := worker.DefaultConfig(fmt.Sprintf("%s-%d", family, ordinal))
		cfg.Families = []models.FaultFamily{family}
		cfg.Thresholds = thresholds.For(family)
		return worker.New(cfg, worker.Deps{
			Broker:   brk,
			Registry: registry,
			Bus:      bus,
			Metrics:  metricsProvider,
			Logger:   log,
		})
	}
	return worker.NewPool(worker.PoolConfig{
		Families:         models.AllFamilies(),
		InitialPerFamily: procCfg.WorkersPerFamily,
	}, factory, log)
}

// metricsServer exposes the Prometheus registry on its own listener and
// implements supervisor.Lifecycle so it starts/stops alongside everything
// else it measures.
type metricsServer struct {
	srv *http.Server
}

func newMetricsServer(addr string, reg prometheus.Gatherer) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &metricsServer{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (m *metricsServer) Start(ctx context.Context) error {
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
