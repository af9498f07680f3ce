// Package httpapi implements spec.md §6's HTTP surfaces: the ingest API,
// the subscriber push upgrade, the config API, and system status/
// performance/scale endpoints, plus the SUPPLEMENTED FEATURES (config
// audit history, graceful drain, per-family DLQ inspection). Grounded on
// engine/adapters/telemetryhttp/handlers.go's handler-over-snapshot
// pattern (closures that read an already-computed snapshot and write
// JSON, no handler ever blocks on cluster internals) and routed with
// github.com/julienschmidt/httprouter, the pack's production choice.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/internal/aggregator"
	"github.com/motorfleet/diagcluster/internal/bridge"
	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/clock"
	"github.com/motorfleet/diagcluster/internal/config"
	"github.com/motorfleet/diagcluster/internal/coordinator"
	"github.com/motorfleet/diagcluster/internal/estimator"
	"github.com/motorfleet/diagcluster/internal/streams"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/clusterrors"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// Deps bundles every collaborator a handler might need. All are optional;
// a handler whose dependency is nil reports 503 rather than panicking, so
// a partially wired server (e.g. in a unit test) is still safe to drive.
type Deps struct {
	Broker          broker.Broker
	Aggregator      *aggregator.Aggregator
	Coordinator     *coordinator.Coordinator
	Estimator       *estimator.Estimator
	ThroughputStore *config.ThroughputStore
	Bridge          *bridge.Bridge
	Bus             events.Bus
	Logger          *logrus.Logger
	Clock           clock.Clock
}

// Server is the HTTP front door. It satisfies internal/supervisor's
// Lifecycle so it can be registered and ordered like any other component.
type Server struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	router   *httprouter.Router
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	limiter  *ingestLimiter
	dlq      *dlqTracker
	draining atomic.Bool

	serveErr chan error
}

// New constructs a Server. Start begins listening.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.WithField("component", "httpapi"),
		limiter:  newIngestLimiter(cfg.IngestBurst, cfg.IngestRatePerSec, deps.Clock),
		dlq:      newDLQTracker(deps.Bus),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the underlying http.Handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *httprouter.Router {
	r := httprouter.New()
	r.POST("/vehicles/:id/data", s.handleIngest)
	r.GET("/vehicles/:id/health", s.handleVehicleHealth)
	r.GET("/vehicles/:id/history", s.handleVehicleHistory)
	r.GET("/alerts/critical", s.handleCriticalAlerts)
	r.GET("/system/status", s.handleSystemStatus)
	r.GET("/system/performance", s.handleSystemPerformance)
	r.POST("/system/scale", s.handleSystemScale)
	r.POST("/system/drain", s.handleSystemDrain)
	r.GET("/system/dlq", s.handleSystemDLQ)
	r.GET("/config/throughput", s.handleGetThroughput)
	r.PUT("/config/throughput", s.handlePutThroughput)
	r.POST("/config/throughput/reset", s.handleResetThroughput)
	r.POST("/config/throughput/refresh", s.handleRefreshThroughput)
	r.GET("/config/throughput/preview", s.handlePreviewThroughput)
	r.GET("/config/throughput/history", s.handleThroughputHistory)
	r.GET("/ws", s.handleWebSocket)
	return r
}

// Start begins serving HTTP and the DLQ event-bus subscription.
func (s *Server) Start(ctx context.Context) error {
	if err := s.dlq.Start(); err != nil {
		return fmt.Errorf("httpapi: start dlq tracker: %w", err)
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.serveErr = make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.serveErr <- err
		}
	}()
	s.log.WithField("addr", s.cfg.Addr).Info("http server listening")
	return nil
}

// Stop gracefully shuts down the HTTP server and the DLQ tracker.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if dlqErr := s.dlq.Stop(); dlqErr != nil && err == nil {
		err = dlqErr
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Ingest API ---

type ingestRequest struct {
	SensorData models.VehicleSample `json:"sensor_data"`
	Location   *models.GeoLocation  `json:"location,omitempty"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	vehicleID := ps.ByName("id")
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	if !s.limiter.Allow(vehicleID) {
		writeError(w, http.StatusTooManyRequests, "throttled")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sample := req.SensorData
	sample.VehicleID = vehicleID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.deps.Clock.Now()
	}
	if req.Location != nil {
		sample.Location = req.Location
	}
	if req.Metadata != nil {
		sample.Metadata = req.Metadata
	}

	fields, err := models.SampleToFields(sample)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgID, err := s.deps.Broker.Publish(r.Context(), streams.RawData, fields)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, clusterrors.ErrBrokerUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id":   msgID,
		"published_at": s.deps.Clock.Now(),
	})
}

// --- Vehicle query API ---

func (s *Server) handleVehicleHealth(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.deps.Aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator unavailable")
		return
	}
	assessment, ok := s.deps.Aggregator.LatestFor(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no health assessment for vehicle")
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) handleVehicleHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.deps.Aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator unavailable")
		return
	}
	family := models.FaultFamily(r.URL.Query().Get("family"))
	hours := s.cfg.DefaultHistoryHours
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			hours = n
		}
	}
	since := s.deps.Clock.Now().Add(-time.Duration(hours) * time.Hour)
	history := s.deps.Aggregator.History(ps.ByName("id"), family, since)
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCriticalAlerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator unavailable")
		return
	}
	limit := s.cfg.DefaultAlertsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Aggregator.CriticalAlerts(limit))
}

// --- System status API ---

type systemStatusResponse struct {
	Workers         []models.WorkerRegistration  `json:"workers"`
	Draining        bool                         `json:"draining"`
	Subscribers     int                          `json:"subscribers"`
	CacheHits       int64                        `json:"cache_hits"`
	CacheMisses     int64                        `json:"cache_misses"`
	DLQCounts       map[models.FaultFamily]int64 `json:"dlq_counts"`
	EventsPublished uint64                       `json:"events_published"`
	EventsDropped   uint64                       `json:"events_dropped"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := systemStatusResponse{
		Draining:    s.draining.Load(),
		DLQCounts:   s.dlq.Snapshot(),
		GeneratedAt: s.deps.Clock.Now(),
	}
	if s.deps.Coordinator != nil {
		resp.Workers = s.deps.Coordinator.Snapshot()
	}
	if s.deps.Bridge != nil {
		resp.Subscribers = s.deps.Bridge.SessionCount()
		resp.CacheHits, resp.CacheMisses = s.deps.Bridge.CacheStats()
	}
	if s.deps.Bus != nil {
		stats := s.deps.Bus.Stats()
		resp.EventsPublished = stats.Published
		resp.EventsDropped = stats.Dropped
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSystemPerformance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Estimator == nil {
		writeError(w, http.StatusServiceUnavailable, "estimator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Estimator.Query(s.deps.Clock.Now()))
}

type scaleRequest struct {
	Family   models.FaultFamily `json:"family"`
	NewCount int                `json:"new_count"`
}

func (s *Server) handleSystemScale(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	decision, err := s.deps.Coordinator.ApplyScale(r.Context(), req.Family, req.NewCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleSystemDrain flips the server into draining state for status
// reporting (a SUPPLEMENTED FEATURE, spec.md's §4.8 draining concept
// triggered from an HTTP call instead of only a process signal).
func (s *Server) handleSystemDrain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.draining.Store(true)
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(events.Event{Category: events.CategoryCoordinator, Type: "draining", Time: s.deps.Clock.Now()})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"draining": true})
}

func (s *Server) handleSystemDLQ(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if family := r.URL.Query().Get("family"); family != "" {
		writeJSON(w, http.StatusOK, map[string]int64{family: s.dlq.Count(models.FaultFamily(family))})
		return
	}
	writeJSON(w, http.StatusOK, s.dlq.Snapshot())
}

// --- Config API ---

func (s *Server) handleGetThroughput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.ThroughputStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ThroughputStore.Current())
}

func (s *Server) handlePutThroughput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.ThroughputStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	var candidate models.ThroughputConfig
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	entry, err := s.deps.ThroughputStore.Apply(r.Context(), candidate, config.ApplyOptions{Actor: actorFor(r)})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleResetThroughput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.ThroughputStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	entry, err := s.deps.ThroughputStore.Apply(r.Context(), models.DefaultThroughputConfig(), config.ApplyOptions{Actor: actorFor(r)})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRefreshThroughput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Estimator == nil {
		writeError(w, http.StatusServiceUnavailable, "estimator unavailable")
		return
	}
	if err := s.deps.Estimator.ForceHeartbeat(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(events.Event{Category: events.CategoryConfig, Type: "manual_refresh", Time: s.deps.Clock.Now()})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "heartbeat published"})
}

func (s *Server) handlePreviewThroughput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.ThroughputStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	ageMinutes, err := parsePositiveInt(r.URL.Query().Get("age_minutes"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "age_minutes must be a non-negative integer")
		return
	}
	cfg := s.deps.ThroughputStore.Current()
	ageRatio := float64(ageMinutes) / float64(cfg.FreshnessWindowMinutes)
	factor := estimator.PreviewFreshnessFactor(string(cfg.DecayCurve), ageRatio, cfg.DecaySteepness, cfg.MinFreshnessFactor)
	writeJSON(w, http.StatusOK, map[string]interface{}{"age_minutes": ageMinutes, "freshness_factor": factor})
}

func (s *Server) handleThroughputHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.ThroughputStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ThroughputStore.History())
}

// --- Subscriber push API ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	sessionID := subscriberID()
	vehicleFilter := r.URL.Query().Get("vehicle_id")
	sink := bridge.NewWebSocketSink(conn)
	s.deps.Bridge.Subscribe(sessionID, vehicleFilter, sink)
}

func actorFor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "unknown"
}

func parsePositiveInt(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid non-negative integer %q", v)
	}
	return n, nil
}
