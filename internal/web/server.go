// Package web serves the read-only replication status over HTTP.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dfreplica/internal/logger"
	"dfreplica/internal/replica"
	"dfreplica/internal/state"
)

// Server exposes /status and /healthz.
type Server struct {
	slot  *replica.Slot
	store *state.Store
	srv   *http.Server
}

// New builds the server; Start actually binds the listener.
func New(addr string, slot *replica.Slot, store *state.Store) *Server {
	s := &Server{slot: slot, store: store}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background; listen errors are logged, not fatal to
// replication.
func (s *Server) Start() {
	go func() {
		logger.Infof("web: status endpoint on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("web: serve: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		Role     string          `json:"role"`
		Link     *replica.Info   `json:"link,omitempty"`
		Snapshot *state.Snapshot `json:"persisted,omitempty"`
	}
	out := status{Role: "primary"}
	if info, ok := s.slot.Info(); ok {
		out.Role = "replica"
		out.Link = &info
	}
	if s.store != nil {
		if snap, err := s.store.Load(); err == nil {
			out.Snapshot = &snap
		}
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
