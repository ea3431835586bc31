package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/voice"
)

// SessionLister exposes the live voice sessions for the /sessions
// endpoint. *voice.Manager satisfies it.
type SessionLister interface {
	Snapshot() []voice.SessionInfo
}

// Server is the monitoring HTTP server: health, live sessions and
// Prometheus metrics.
type Server struct {
	srv      *http.Server
	sessions SessionLister
	started  time.Time
}

func NewServer(addr string, sessions SessionLister) *Server {
	s := &Server{sessions: sessions, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	logging.Infow("monitoring server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.Snapshot()
	if list == nil {
		list = []voice.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnw("failed to encode response", "error", err)
	}
}
