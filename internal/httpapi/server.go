// Package httpapi is the relay's HTTP surface: the websocket endpoint plus a
// small read-only API for health checks and room inspection.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/ratelimit"
	"github.com/roverlink/roverlink/internal/registry"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Config wires the HTTP layer.
type Config struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    ratelimit.Clock

	// WebSocketHandler serves the signaling endpoint at /ws.
	WebSocketHandler http.HandlerFunc

	// AllowedOrigins for browser clients. Empty allows all (dev mode).
	AllowedOrigins []string
}

type Server struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	clock    ratelimit.Clock
	router   chi.Router
}

func NewServer(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		registry: cfg.Registry,
		metrics:  m,
		logger:   cfg.Logger.With().Str("component", "httpapi").Logger(),
		clock:    clock,
	}

	allowed := cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet},
	})

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(c.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/rooms", s.handleRooms)
	r.Get("/rooms/{roomID}", s.handleRoom)
	if cfg.WebSocketHandler != nil {
		r.Get("/ws", cfg.WebSocketHandler)
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Rooms     int    `json:"rooms"`
	Users     int    `json:"users"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rooms, users := s.registry.Counts()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Rooms:     rooms,
		Users:     users,
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.registry.ListRooms()
	if rooms == nil {
		rooms = []registry.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

type roomResponse struct {
	RoomID string            `json:"roomId"`
	Users  []registry.Member `json:"users"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	members, ok := s.registry.Members(roomID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{RoomID: roomID, Users: members})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
