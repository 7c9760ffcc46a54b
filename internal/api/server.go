// Package api exposes sqlmediator's admin surface: backend list and
// liveness, pool occupancy, health/readiness probes for an orchestrator,
// Prometheus metrics, and a small read-only dashboard. Mirrors the
// teacher's tenant CRUD API, generalized from mutable tenant config to a
// mostly-read view over the backend registry (backends are configured via
// YAML, not provisioned at runtime).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/config"
	"github.com/sqlmediator/sqlmediator/internal/health"
	"github.com/sqlmediator/sqlmediator/internal/metrics"
	"github.com/sqlmediator/sqlmediator/internal/pool"
)

// Server is the REST API and metrics server.
type Server struct {
	registry    *backend.Registry
	pool        *pool.Pool
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	poolCfg     config.PoolDefaults
}

// NewServer creates a new API server.
func NewServer(reg *backend.Registry, p *pool.Pool, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig, pc config.PoolDefaults) *Server {
	return &Server{
		registry:    reg,
		pool:        p,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		poolCfg:     pc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/backends", s.listBackends).Methods("GET")
	r.HandleFunc("/backends/{idx}", s.getBackend).Methods("GET")

	r.HandleFunc("/pool/stats", s.poolStatsHandler).Methods("GET")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Admin dashboard (registered last — catch-all for "/" and "/dashboard")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Backend handlers ---

type backendResponse struct {
	Index            int    `json:"index"`
	Address          string `json:"address"`
	Role             string `json:"role"`
	State            string `json:"state"`
	ConnectedClients int64  `json:"connected_clients"`
}

func toBackendResponse(b *backend.Backend) backendResponse {
	return backendResponse{
		Index:            b.Index,
		Address:          b.Address,
		Role:             b.Role.String(),
		State:            b.State.String(),
		ConnectedClients: b.ConnectedClients,
	}
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	out := make([]backendResponse, len(list))
	for i, b := range list {
		out[i] = toBackendResponse(b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBackend(w http.ResponseWriter, r *http.Request) {
	idxStr := mux.Vars(r)["idx"]
	var idx int
	if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid backend index")
		return
	}
	b, err := s.registry.ByIndex(idx)
	if err != nil {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}
	writeJSON(w, http.StatusOK, toBackendResponse(b))
}

// --- Pool handler ---

func (s *Server) poolStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	backends := s.registry.List()
	anyDown := false
	statuses := make(map[string]string, len(backends))
	for _, b := range backends {
		statuses[b.Address] = b.State.String()
		if b.State == backend.StateDown {
			anyDown = true
		}
	}

	status := http.StatusOK
	if anyDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   boolToStatus(!anyDown),
		"backends": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	backends := s.registry.List()
	if len(backends) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, b := range backends {
		if b.Role == backend.RoleReadWrite && b.State == backend.StateUp {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & config handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	backends := s.registry.List()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_backends":   len(backends),
		"listen": map[string]interface{}{
			"proxy_addr":  s.listenCfg.ProxyAddr,
			"master_addr": s.listenCfg.MasterAddr,
			"api_port":    s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	backends := s.registry.List()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]interface{}{
			"proxy_addr":  s.listenCfg.ProxyAddr,
			"master_addr": s.listenCfg.MasterAddr,
			"api_port":    s.listenCfg.APIPort,
		},
		"pool": map[string]interface{}{
			"max_per_key":     s.poolCfg.MaxPerKey,
			"idle_timeout":    s.poolCfg.IdleTimeout.String(),
			"acquire_timeout": s.poolCfg.AcquireTimeout.String(),
		},
		"backend_count": len(backends),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
