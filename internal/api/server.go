// Package api provides the local HTTP status API: health, the running
// session, session history and a live stage event feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/health"
	"github.com/wustus/vibes/internal/infra/network"
)

// Store reads persisted sessions. *sqlite.DB implements it.
type Store interface {
	GetSession(id string) (domain.SessionRecord, error)
	ListSessions(limit int) ([]domain.SessionRecord, error)
	CountSessions() (map[string]int, error)
}

// HealthReporter exposes the latest health checks. *health.Checker
// implements it.
type HealthReporter interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// SessionSource is the session currently running on this device.
type SessionSource interface {
	ID() string
	Stage() session.Stage
	Result() session.Result
}

// NetworkReporter describes the bound sockets. *network.Fabric
// implements it.
type NetworkReporter interface {
	Snapshot() network.Status
}

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// Server is the vibes HTTP API server.
type Server struct {
	store          Store
	health         HealthReporter
	hub            *EventHub
	version        string
	corsOrigins    []string
	metricsEnabled bool

	network NetworkReporter

	mu      sync.RWMutex
	current SessionSource
}

// NewServer creates a new API server. health may be nil.
func NewServer(store Store, health HealthReporter, hub *EventHub) *Server {
	return &Server{
		store:       store,
		health:      health,
		hub:         hub,
		version:     "dev",
		corsOrigins: []string{"*"},
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetVersion sets the version reported by /api/version.
func (s *Server) SetVersion(v string) { s.version = v }

// SetCORSOrigins restricts the allowed browser origins.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

// SetNetwork exposes the fabric state on /api/network.
func (s *Server) SetNetwork(n NetworkReporter) { s.network = n }

// SetSession publishes the running session.
func (s *Server) SetSession(src SessionSource) {
	s.mu.Lock()
	s.current = src
	s.mu.Unlock()
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	r.Use(c.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/version", s.handleVersion)
			r.Get("/session", s.handleCurrentSession)
			r.Get("/network", s.handleNetwork)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/stats", s.handleSessionStats)
			r.Get("/sessions/{id}", s.handleGetSession)
		})
		if s.hub != nil {
			r.Get("/events", s.hub.HandleEvents)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur == nil {
		writeError(w, http.StatusNotFound, "no session running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":   cur.Stage(),
		"session": cur.Result(),
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.network == nil {
		writeError(w, http.StatusNotFound, "network not available")
		return
	}
	writeJSON(w, http.StatusOK, s.network.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := s.store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []domain.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": counts})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetSession(id)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
