package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/relay"
)

const bannerText = "voicebridge relay running"

type Server struct {
	cfg      config.Config
	hub      *relay.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg config.Config, hub *relay.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may open a relay socket unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/v1/realtime/ws", s.handleRelayWS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)

	return r
}

// BeginShutdown flips /readyz to 503 ahead of http.Server.Shutdown.
func (s *Server) BeginShutdown() {
	s.draining.Store(true)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleRelayWS(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(bannerText))
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() || s.hub.Closed() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "relay is shutting down")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.hub.Serve(r.Context(), conn); err != nil {
		s.metrics.SessionEvents.WithLabelValues("rejected").Inc()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.hub.Active(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() || s.hub.Closed() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"upstream_model":     s.cfg.OpenAIRealtimeModel,
		"conversation_store": s.cfg.ConversationStore,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.hub.Snapshot(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.hub.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.hub.History(id)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"history":    history,
	})
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal", err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
