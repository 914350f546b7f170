// Package admin implements PgDog's read-only operator surface: per-cluster
// connection-pool stats, health status, pause/resume/reload, and the
// Prometheus /metrics endpoint. Adapted down from the teacher's
// internal/api/server.go, which also exposed full tenant CRUD over HTTP;
// this module manages clusters exclusively through its TOML config file
// and file-watch hot reload (internal/config.Watcher), so there is no
// create/update/delete-tenant surface for this package to carry forward.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgdog/pgdog-core/internal/metrics"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
)

// Server is PgDog's admin HTTP server.
type Server struct {
	registry   *route.Registry
	pools      *pool.Manager
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	reload     func() error
	log        *slog.Logger
}

// NewServer builds an admin server. reload re-reads and applies the
// on-disk configuration (the same logic internal/config.Watcher's
// debounced callback runs); it is also exposed here for an explicit
// operator-triggered reload via POST /reload. metrics' own
// *prometheus.Registry (independent per Collector instance, not the
// global default registry) is what /metrics serves, so multiple
// Collectors in the same process never collide.
func NewServer(registry *route.Registry, pools *pool.Manager, m *metrics.Collector, reload func() error, log *slog.Logger) *Server {
	return &Server{
		registry:  registry,
		pools:     pools,
		metrics:   m,
		startTime: time.Now(),
		reload:    reload,
		log:       log,
	}
}

// Start begins serving on addr in a background goroutine, mirroring the
// teacher's non-blocking Start/Stop pair.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/clusters", s.listClusters).Methods("GET")
	r.HandleFunc("/clusters/{name}/stats", s.clusterStats).Methods("GET")
	r.HandleFunc("/clusters/{name}/pause", s.pauseCluster).Methods("POST")
	r.HandleFunc("/clusters/{name}/resume", s.resumeCluster).Methods("POST")
	r.HandleFunc("/reload", s.reloadHandler).Methods("POST")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("admin server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	names := s.registry.List()
	type clusterInfo struct {
		Name   string `json:"name"`
		Paused bool   `json:"paused"`
	}
	result := make([]clusterInfo, 0, len(names))
	for _, name := range names {
		result = append(result, clusterInfo{Name: name, Paused: s.registry.IsPaused(name)})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) clusterStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	c, err := s.registry.Lookup(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}

	var shardStats []pool.Stats
	for _, stat := range s.pools.AllStats() {
		if stat.Identity.Cluster == name {
			shardStats = append(shardStats, stat)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       name,
		"paused":     s.registry.IsPaused(name),
		"num_shards": c.NumShards(),
		"sharded":    c.Sharded(),
		"pools":      shardStats,
	})
}

func (s *Server) pauseCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.Pause(name) {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	s.log.Info("cluster paused via admin request", "cluster", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "cluster": name})
}

func (s *Server) resumeCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.Resume(name) {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	s.log.Info("cluster resumed via admin request", "cluster", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "cluster": name})
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("configuration reloaded via admin request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_clusters":   len(s.registry.List()),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
