// Package adminapi implements the read-only admin HTTP surface (A4):
// pool status, process status, a liveness probe, and Prometheus
// metrics. Per Open Question decision 4, it never mutates the pool —
// allocate/release stay on the TLS line protocol.
package adminapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crutech/nydus/internal/allocpool"
	"github.com/crutech/nydus/internal/metrics"
)

// Server is the admin REST/metrics server.
type Server struct {
	engine     *allocpool.Engine
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an admin API server backed by engine, and by m's
// registry for /metrics if m is non-nil.
func NewServer(engine *allocpool.Engine, m *metrics.Collector) *Server {
	return &Server{
		engine:    engine,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start binds the admin HTTP surface to addr. Per spec.md's Non-goals
// (no public-internet exposure), addr is expected to be a loopback
// bind such as "127.0.0.1:8081".
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pool", s.poolHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[adminapi] listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type poolRecordView struct {
	ClientAddr       string `json:"client_addr,omitempty"`
	ClientUser       string `json:"client_user,omitempty"`
	AllocatedAt      string `json:"allocated_at,omitempty"`
	UpstreamUsername string `json:"upstream_username,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	UUID             string `json:"uuid,omitempty"`
	Allocated        bool   `json:"allocated"`
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	recs := s.engine.ViewAll()
	views := make([]poolRecordView, 0, len(recs))
	for _, rec := range recs {
		v := poolRecordView{Allocated: rec.IsAllocated()}
		if rec.IsAllocated() {
			v.ClientAddr = rec.ClientAddr
			v.ClientUser = rec.ClientUser
			v.AllocatedAt = rec.AllocatedAt.Format(time.RFC3339)
		}
		if rec.Bundle != nil {
			v.UpstreamUsername = rec.Bundle.UpstreamUsername
			v.DisplayName = rec.Bundle.GameIdentity.DisplayName
			v.UUID = rec.Bundle.GameIdentity.UUID
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"pool_total":     s.engine.CountTotal(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
