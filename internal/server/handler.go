package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/llmproxy/internal/apierr"
	"github.com/howard-nolan/llmproxy/internal/provider"
	"github.com/howard-nolan/llmproxy/internal/stream"
	"github.com/howard-nolan/llmproxy/internal/validate"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleChat is the buffered endpoint: one upstream call, one JSON
// envelope back.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	entry, req, ok := s.prepare(w, r)
	if !ok {
		return
	}

	result, err := s.relay.Messages(r.Context(), req)
	if err != nil {
		status, body := apierr.Normalize(entry, err)
		writeJSON(w, status, body)
		return
	}

	// Forward the upstream's rate-limit telemetry when it sent any, so
	// the plugin can pace itself against the real limits.
	if result.RateLimitRemaining != "" {
		w.Header().Set("X-RateLimit-Remaining", result.RateLimitRemaining)
	}
	if result.RateLimitReset != "" {
		w.Header().Set("X-RateLimit-Reset", result.RateLimitReset)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
}

// handleChatStream is the streaming endpoint: fragments are relayed to
// the caller as they arrive, terminated by the [DONE] sentinel.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	entry, req, ok := s.prepare(w, r)
	if !ok {
		return
	}

	// Our own cancel on top of the request context: if the write side
	// fails partway, cancelling here makes the relay goroutine stop
	// pulling chunks from the upstream promptly instead of draining a
	// generation nobody will read.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunks, err := s.relay.MessagesStream(ctx, req)
	if err != nil {
		// Nothing has been written yet, so a normal JSON error
		// response is still possible.
		status, body := apierr.Normalize(entry, err)
		writeJSON(w, status, body)
		return
	}

	if err := stream.Write(w, chunks); err != nil {
		// Headers are committed; the stream just ends. Log and move on.
		entry.WithError(err).Warn("stream aborted")
	}
}

// prepare runs the shared front half of both chat endpoints: rate limit,
// body decode, validation, and the credential check, writing the error
// response itself when any step fails. The returned entry carries the
// request id and client id for all subsequent logging.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request) (*logrus.Entry, *provider.ChatRequest, bool) {
	client := clientID(r)
	entry := s.log.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"client_id":  client,
		"path":       r.URL.Path,
	})

	if !s.limiter.Admit(client) {
		entry.Warn("rate limit exceeded")
		status, body := apierr.RateLimited()
		writeJSON(w, status, body)
		return nil, nil, false
	}

	// Bound the body before decoding; a request bigger than the cap
	// fails the read mid-decode rather than ballooning memory.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxBodyBytes)

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		entry.WithError(err).Info("rejected undecodable body")
		status, body := apierr.Invalid("invalid request body: " + err.Error())
		writeJSON(w, status, body)
		return nil, nil, false
	}
	req.Normalize()

	if res := validate.Check(&req, s.cfg.Models.Allowed, s.cfg.Limits.MaxTokensCap); !res.OK {
		entry.WithField("reason", res.Reason).Info("rejected invalid request")
		status, body := apierr.Invalid(res.Reason)
		writeJSON(w, status, body)
		return nil, nil, false
	}

	// Credential check comes after validation so a client with a bad
	// payload learns about their own mistake first — but still before
	// any network call is attempted.
	if !s.cfg.Upstream.CredentialOK() {
		entry.Error("upstream credential missing or malformed")
		status, body := apierr.ServerConfig()
		writeJSON(w, status, body)
		return nil, nil, false
	}

	return entry, &req, true
}

// clientID derives the rate-limit key for a request: the first entry of
// X-Forwarded-For, else the transport peer address, else a shared
// "unknown" bucket for anything unidentifiable.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

// writeJSON writes a JSON response with the given status. Used by every
// non-streaming reply so Content-Type and encoding stay consistent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
