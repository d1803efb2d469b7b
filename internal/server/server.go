// Package server sets up the HTTP router, middleware, and the
// per-request orchestration: CORS → rate limit → validation → credential
// check → upstream relay, short-circuiting to the error normalizer at
// the first failure.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/llmproxy/internal/apierr"
	"github.com/howard-nolan/llmproxy/internal/config"
	"github.com/howard-nolan/llmproxy/internal/provider"
	"github.com/howard-nolan/llmproxy/internal/ratelimit"
)

// Server holds the router and everything the handlers need.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	limiter ratelimit.Admitter
	relay   *provider.Client
	log     *logrus.Logger
}

// New wires up routes and middleware and returns the Server ready to use
// as an http.Handler.
func New(cfg *config.Config, limiter ratelimit.Admitter, relay *provider.Client, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, limiter: limiter, relay: relay, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(s.cors)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)

	// A wrong verb on a known path gets the taxonomy's 405, not chi's
	// default plain-text response.
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		status, body := apierr.MethodNotAllowed()
		writeJSON(w, status, body)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// cors stamps the CORS headers onto every response — success, error, and
// stream alike — and answers preflight requests with an empty 204. The
// sandboxed plugin runs on a null/opaque origin, so the policy is a
// blanket allow.
//
// A generic CORS middleware won't do here: the contract is that ALL
// three headers appear on all responses, whereas standards-conformant
// CORS libraries only emit Allow-Methods/Allow-Headers on preflight.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverer converts a handler panic into the taxonomy's generic 500.
// The panic value is logged server-side and never echoed to the caller.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithField("panic", rec).Error("recovered from handler panic")
				writeJSON(w, http.StatusInternalServerError, apierr.NormalizedError{
					Kind:    apierr.KindInternal,
					Message: "an internal server error occurred",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
