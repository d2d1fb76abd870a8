package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lavaroute/internal/core"
	"lavaroute/internal/routing"
)

const maxAdminBody = 4 << 10

// RoutePlanner is the planner surface exposed over HTTP.
type RoutePlanner interface {
	Status() routing.Status
	TotalAddresses() *big.Int
	FailingCount() int
	Free(addr netip.Addr) bool
	FreeAll()
}

type Server struct {
	config   *core.ServerConfig
	logger   *zap.Logger
	server   *http.Server
	metrics  *Metrics
	registry *prometheus.Registry
	ready    *atomic.Bool
}

type Metrics struct {
	ResolutionsTotal *prometheus.CounterVec
	WritebacksTotal  *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lavaroute_resolutions_total",
				Help: "Total number of tier lookups by outcome",
			},
			[]string{"tier", "outcome"},
		),
		WritebacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lavaroute_cache_writebacks_total",
				Help: "Total number of cache write-backs by status",
			},
			[]string{"status"},
		),
	}
}

// plannerCollector exports planner counters at scrape time.
type plannerCollector struct {
	planner RoutePlanner
	total   *prometheus.Desc
	failing *prometheus.Desc
}

func newPlannerCollector(planner RoutePlanner) *plannerCollector {
	return &plannerCollector{
		planner: planner,
		total: prometheus.NewDesc("lavaroute_routeplanner_total_addresses",
			"Number of addresses in the route planner pool", nil, nil),
		failing: prometheus.NewDesc("lavaroute_routeplanner_failing_addresses",
			"Number of addresses currently marked failing", nil, nil),
	}
}

func (c *plannerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.failing
}

func (c *plannerCollector) Collect(ch chan<- prometheus.Metric) {
	total, _ := new(big.Float).SetInt(c.planner.TotalAddresses()).Float64()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.failing, prometheus.GaugeValue, float64(c.planner.FailingCount()))
}

// NewServer builds the admin server. planner may be nil when no IP blocks are configured.
func NewServer(config *core.ServerConfig, planner RoutePlanner, logger *zap.Logger) *Server {
	metrics := newMetrics()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.ResolutionsTotal,
		metrics.WritebacksTotal,
	)
	if planner != nil {
		registry.MustRegister(newPlannerCollector(planner))
	}

	ready := &atomic.Bool{}
	mux := setupRoutes(logger, registry, planner, ready)

	return &Server{
		config:   config,
		logger:   logger,
		server:   createHTTPServer(config, mux),
		metrics:  metrics,
		registry: registry,
		ready:    ready,
	}
}

func createHTTPServer(config *core.ServerConfig, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func setupRoutes(logger *zap.Logger, gatherer prometheus.Gatherer, planner RoutePlanner, ready *atomic.Bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(logger, w, http.StatusOK, map[string]string{"status": "ok", "service": "lavaroute"})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			writeJSON(logger, w, http.StatusServiceUnavailable, map[string]string{"status": "starting", "service": "lavaroute"})
			return
		}
		writeJSON(logger, w, http.StatusOK, map[string]string{"status": "ready", "service": "lavaroute"})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	routes := &plannerRoutes{planner: planner, logger: logger}
	mux.HandleFunc("GET /routeplanner/status", routes.status)
	mux.HandleFunc("POST /routeplanner/free/address", routes.freeAddress)
	mux.HandleFunc("POST /routeplanner/free/all", routes.freeAll)

	mux.HandleFunc("GET /{$}", homeHandler(logger))

	return mux
}

type plannerRoutes struct {
	planner RoutePlanner
	logger  *zap.Logger
}

type plannerStatusResponse struct {
	Class   *string         `json:"class"`
	Details *routing.Status `json:"details"`
}

func (p *plannerRoutes) status(w http.ResponseWriter, _ *http.Request) {
	if p.planner == nil {
		writeJSON(p.logger, w, http.StatusOK, plannerStatusResponse{})
		return
	}
	status := p.planner.Status()
	writeJSON(p.logger, w, http.StatusOK, plannerStatusResponse{Class: &status.Strategy, Details: &status})
}

func (p *plannerRoutes) freeAddress(w http.ResponseWriter, r *http.Request) {
	if p.planner == nil {
		writeError(p.logger, w, http.StatusNotFound, "route planner is not configured")
		return
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&body); err != nil {
		writeError(p.logger, w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, err := netip.ParseAddr(body.Address)
	if err != nil {
		writeError(p.logger, w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", body.Address))
		return
	}

	freed := p.planner.Free(addr)
	p.logger.Info("Freed route planner address",
		zap.String("address", addr.String()), zap.Bool("was_failing", freed))
	w.WriteHeader(http.StatusNoContent)
}

func (p *plannerRoutes) freeAll(w http.ResponseWriter, _ *http.Request) {
	if p.planner == nil {
		writeError(p.logger, w, http.StatusNotFound, "route planner is not configured")
		return
	}
	p.planner.FreeAll()
	p.logger.Info("Freed all route planner addresses")
	w.WriteHeader(http.StatusNoContent)
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>lavaroute</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">lavaroute</h1>
    <p>Tiered YouTube track resolution with route-planned egress</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>
    <div class="endpoint"><a href="/routeplanner/status">Route planner</a> - Address pool and failing addresses</div>
</body>
</html>`)); err != nil {
			logger.Debug("Failed to write home page", zap.Error(err))
		}
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(logger, w, status, map[string]string{"error": message})
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// Handler returns the server's request handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) RecordResolution(tier core.Tier, outcome string) {
	s.metrics.ResolutionsTotal.WithLabelValues(tier.String(), outcome).Inc()
}

func (s *Server) RecordWriteback(status string) {
	s.metrics.WritebacksTotal.WithLabelValues(status).Inc()
}
