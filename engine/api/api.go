// Package api exposes the workflow engine over HTTP.
//
// The surface is JSON over a chi router: workflow CRUD, execution
// lifecycle operations, log queries, a server-sent-events stream per
// execution, plus health and Prometheus endpoints. Reads go straight to
// the persistence gateway; writes go through the coordinator so every
// request observes the same validation and state rules as the workers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/relayforge/relay/engine"
)

// recentLogLimit bounds the log tail embedded in execution detail
// responses. The full history stays queryable through the log endpoints.
const recentLogLimit = 50

// Service is the slice of the coordinator the HTTP surface drives.
type Service interface {
	SaveWorkflow(ctx context.Context, w *engine.Workflow) error
	Execute(ctx context.Context, workflowID string, trigger map[string]any) (string, []engine.Violation, error)
	Cancel(ctx context.Context, executionID string) error
	Pause(ctx context.Context, executionID string, nodeIDs []string) error
	Resume(ctx context.Context, executionID string) error
	Retry(ctx context.Context, executionID string) error
}

// Options configure the optional parts of the server.
type Options struct {
	// Stream receives live log events for the SSE endpoint. Nil disables
	// streaming; the route then reports 503.
	Stream *Stream

	// Metrics serves GET /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler

	// Health is an optional readiness probe consulted by GET /healthz.
	Health func(ctx context.Context) error

	// AllowedOrigins configures CORS. Defaults to allowing any origin,
	// which suits a UI served from another host during development.
	AllowedOrigins []string

	Log zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	svc    Service
	gw     engine.Gateway
	stream *Stream
	health func(ctx context.Context) error
	log    zerolog.Logger
	router chi.Router
}

// NewServer builds the router over the given coordinator and gateway.
func NewServer(svc Service, gw engine.Gateway, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		svc:    svc,
		gw:     gw,
		stream: opts.Stream,
		health: opts.Health,
		log:    opts.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Post("/", s.handleCreateWorkflow)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Put("/", s.handleUpdateWorkflow)
			r.Delete("/", s.handleDeleteWorkflow)
			r.Post("/execute", s.handleExecute)
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/node-logs", s.handleNodeLogs)
		r.Get("/node-logs-by-node", s.handleNodeLogsByNode)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Get("/stream", s.handleStream)
			r.Post("/cancel", s.handleCancel)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/retry", s.handleRetry)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.respond(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respond writes v as a JSON body with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response body")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]string{"error": message})
}

// respondServiceError maps coordinator and gateway errors onto HTTP
// statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrExecutionNotRunnable):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// requestLogger records one line per request. Streaming responses log on
// disconnect.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request served")
		})
	}
}
