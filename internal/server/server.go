// Package server exposes the daemon's small HTTP control surface: an
// on-demand registry sync and a health probe.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"vibetune/internal/bot"
	"vibetune/version"
)

// Syncer is the slice of the lifecycle manager the control surface
// needs.
type Syncer interface {
	TriggerSync(ctx context.Context) bot.TriggerResult
	RunningCount() int
}

type Server struct {
	addr   string
	syncer Syncer
	http   *http.Server

	// ready flips once the daemon finished its initial sync; until then
	// /sync answers 503 so callers retry instead of racing startup.
	ready atomic.Bool
}

func New(addr string, syncer Syncer) *Server {
	s := &Server{addr: addr, syncer: syncer}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s
}

// SetReady marks the daemon as initialized.
func (s *Server) SetReady() {
	s.ready.Store(true)
}

// ListenAndServe blocks serving the control surface until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("control server listening on %s", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, bot.TriggerResult{
			Error: "daemon is still starting up",
		})
		return
	}

	result := s.syncer.TriggerSync(r.Context())

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
		"bots":    s.syncer.RunningCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
