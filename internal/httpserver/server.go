// Package httpserver exposes the REST and websocket surface of the analysis
// engine.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careloop/careloop-engine/internal/analysislog"
	"github.com/careloop/careloop-engine/internal/billing"
	"github.com/careloop/careloop-engine/internal/engine"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
	"github.com/careloop/careloop-engine/internal/version"
)

// Server routes HTTP traffic to the analysis engine.
type Server struct {
	engine      *engine.Engine
	sessions    session.Store
	transcripts *transcript.Aggregator
	logStore    analysislog.Store
	billing     *billing.Service
	logger      *log.Logger
	logLevel    string

	defaultAccountID string

	// admission control for websocket ingest streams
	streamSlots chan struct{}
	upgrader    websocket.Upgrader
}

// Config carries the server's collaborators and tunables.
type Config struct {
	Engine           *engine.Engine
	Sessions         session.Store
	Transcripts      *transcript.Aggregator
	LogStore         analysislog.Store
	Billing          *billing.Service
	Logger           *log.Logger
	LogLevel         string
	DefaultAccountID string
	MaxStreamClients int
}

// New creates the server.
func New(cfg Config) *Server {
	if cfg.MaxStreamClients <= 0 {
		cfg.MaxStreamClients = 256
	}
	return &Server{
		engine:           cfg.Engine,
		sessions:         cfg.Sessions,
		transcripts:      cfg.Transcripts,
		logStore:         cfg.LogStore,
		billing:          cfg.Billing,
		logger:           cfg.Logger,
		logLevel:         cfg.LogLevel,
		defaultAccountID: cfg.DefaultAccountID,
		streamSlots:      make(chan struct{}, cfg.MaxStreamClients),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/sessions", s.handleCreateSession)
		api.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.Get("/", s.handleGetSession)
			sr.Post("/segments", s.handleAppendSegment)
			sr.Get("/segments/stream", s.handleSegmentStream)
			sr.Get("/transcript", s.handleTranscript)
			sr.Post("/feedback", s.handleQuickFeedback)
			sr.Post("/analysis", s.handleDeepAnalysis)
			sr.Get("/analysis-log", s.handleListAnalysisLog)
			sr.Delete("/analysis-log/{index}", s.handleDeleteAnalysisLog)
			sr.Post("/complete", s.handleComplete)
			sr.Get("/usage", s.handleUsage)
		})
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrCompleted):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, analysislog.ErrIndexOutOfRange):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, billing.ErrUsageNotFound):
		s.respondError(w, http.StatusNotFound, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
