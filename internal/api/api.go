// Package api exposes Lumi over HTTP.
//
// REST endpoints under /v1 serve one-shot transcription, reply generation,
// speech synthesis, persona management, the journal and the daily greeting.
// /v1/conversations/ws runs a live voice conversation over a websocket.
// Every /v1 route requires a bearer token; the token subject is the user id.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/health"
	"github.com/lumi-journal/lumi/internal/observe"
)

// Body limits.
const (
	maxAudioBytes = 25 << 20
	maxJSONBytes  = 1 << 20
)

// Server serves the Lumi HTTP API.
type Server struct {
	app     *app.App
	auth    *Authenticator
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	metricsHandler http.Handler
	originPatterns []string
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics recorded by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns sets the origins allowed to open conversation
// websockets. By default only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithClock overrides the clock used for greetings.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server for a.
func New(a *app.App, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		app:     a,
		auth:    auth,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	health.New(s.app.Checks()...).Register(r)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/transcribe", s.handleTranscribe)
		r.Post("/respond", s.handleRespond)
		r.Post("/speech", s.handleSpeech)
		r.Post("/speech/retry", s.handleSpeechRetry)

		r.Get("/persona", s.handleGetPersona)
		r.Patch("/persona", s.handlePatchPersona)
		r.Delete("/persona", s.handleResetPersona)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)

		r.Get("/greeting", s.handleGreeting)

		r.Get("/conversations/ws", s.handleConversation)
	})
	return r
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	ShouldFallbackToText bool `json:"should_fallback_to_text,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
