// Package apierr defines the client-facing error taxonomy and the
// normalizer that maps upstream and transport failures onto it.
//
// Every failure path in the proxy ends up as exactly one NormalizedError
// with an HTTP status that is always consistent with its kind. Raw
// upstream errors, stack traces, and transport details are logged
// server-side but never placed in a response body.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Error kinds. These are the machine-readable tags clients switch on, so
// they are part of the API contract and must stay stable.
const (
	KindInvalidRequest       = "invalid_request"
	KindMethodNotAllowed     = "method_not_allowed"
	KindRateLimitExceeded    = "rate_limit_exceeded"
	KindAuthenticationFailed = "authentication_failed"
	KindServiceUnavailable   = "service_unavailable"
	KindRequestTimeout       = "request_timeout"
	KindServerConfiguration  = "server_configuration_error"
	KindInternal             = "internal_server_error"
	KindAPIError             = "api_error"
)

// ErrServerConfig marks a missing or malformed upstream credential. It is
// detected before any network call is made, and deliberately maps to a
// different kind than client validation errors — a client can fix a 400,
// only an operator can fix this one.
var ErrServerConfig = errors.New("upstream credential missing or malformed")

// NormalizedError is the JSON body of every error response.
type NormalizedError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`

	// RetryAfter is advisory backoff guidance in seconds, present only
	// for rate-limit and overload kinds.
	RetryAfter string `json:"retry_after,omitempty"`
}

// UpstreamError is a non-2xx reply from the provider, decoded from its
// {"error":{"type","message"}} body where possible.
type UpstreamError struct {
	Status     int
	Type       string
	Message    string
	RetryAfter string // value of the upstream retry-after header, if any
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream API error (status %d, type %q): %s", e.Status, e.Type, e.Message)
}

// ---------------------------------------------------------------------------
// Shortcut constructors for failures detected locally
// ---------------------------------------------------------------------------

// Invalid builds the 400 response for a request that failed validation.
func Invalid(reason string) (int, NormalizedError) {
	return http.StatusBadRequest, NormalizedError{Kind: KindInvalidRequest, Message: reason}
}

// MethodNotAllowed builds the 405 response for non-POST verbs.
func MethodNotAllowed() (int, NormalizedError) {
	return http.StatusMethodNotAllowed, NormalizedError{
		Kind:    KindMethodNotAllowed,
		Message: "only POST requests are supported",
	}
}

// RateLimited builds the 429 response the local limiter produces. The
// local limiter has no upstream header to quote, so the backoff hint is a
// fixed 60 seconds.
func RateLimited() (int, NormalizedError) {
	return http.StatusTooManyRequests, NormalizedError{
		Kind:       KindRateLimitExceeded,
		Message:    "rate limit exceeded, please slow down",
		RetryAfter: "60",
	}
}

// ServerConfig builds the 500 response for a missing/malformed credential.
func ServerConfig() (int, NormalizedError) {
	return http.StatusInternalServerError, NormalizedError{
		Kind:    KindServerConfiguration,
		Message: "server is not configured with a valid upstream credential",
	}
}

// ---------------------------------------------------------------------------
// Normalizer
// ---------------------------------------------------------------------------

// Normalize classifies err into the taxonomy and returns the HTTP status
// and body to send. Every branch logs its classification on log with
// enough context to diagnose (status, kind, upstream type) without
// exposing secrets or echoing raw errors to the caller.
func Normalize(log logrus.FieldLogger, err error) (int, NormalizedError) {
	status, body := classify(err)

	entry := log.WithFields(logrus.Fields{
		"status":     status,
		"error_kind": body.Kind,
	})
	if body.Kind == KindInternal {
		// The only branch where the triggering error is interesting
		// enough to log in full — and the one branch where it must
		// never reach the caller.
		entry.WithError(err).Error("unclassified failure")
	} else {
		entry.WithError(err).Warn("request failed")
	}

	return status, body
}

func classify(err error) (int, NormalizedError) {
	if errors.Is(err, ErrServerConfig) {
		return ServerConfig()
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return classifyUpstream(upstream)
	}

	// Transport-level timeout: either our outbound deadline fired, or
	// the net stack reported a timeout on its own.
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, NormalizedError{
			Kind:    KindRequestTimeout,
			Message: "upstream request timed out",
		}
	}

	// Connection-level failure: unreachable host, refused connection,
	// DNS resolution failure.
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return http.StatusServiceUnavailable, NormalizedError{
			Kind:    KindServiceUnavailable,
			Message: "upstream service is unreachable",
		}
	}

	return http.StatusInternalServerError, NormalizedError{
		Kind:    KindInternal,
		Message: "an internal server error occurred",
	}
}

func classifyUpstream(e *UpstreamError) (int, NormalizedError) {
	switch e.Status {
	case http.StatusTooManyRequests:
		retry := e.RetryAfter
		if retry == "" {
			retry = "60"
		}
		return http.StatusTooManyRequests, NormalizedError{
			Kind:       KindRateLimitExceeded,
			Message:    "upstream rate limit exceeded, please slow down",
			RetryAfter: retry,
		}

	case http.StatusUnauthorized, http.StatusForbidden:
		// Status passes through; the upstream's own auth details do not.
		return e.Status, NormalizedError{
			Kind:    KindAuthenticationFailed,
			Message: "authentication with the upstream provider failed",
		}

	case 529: // Anthropic's "overloaded" status
		return http.StatusServiceUnavailable, NormalizedError{
			Kind:       KindServiceUnavailable,
			Message:    "upstream service is overloaded, please retry later",
			RetryAfter: "60",
		}

	case http.StatusBadRequest:
		msg := e.Message
		if msg == "" {
			msg = "upstream rejected the request as invalid"
		}
		return http.StatusBadRequest, NormalizedError{
			Kind:    KindInvalidRequest,
			Message: msg,
		}

	default:
		kind := e.Type
		if kind == "" {
			kind = KindAPIError
		}
		msg := e.Message
		if msg == "" {
			msg = "upstream request failed"
		}
		return e.Status, NormalizedError{Kind: kind, Message: msg}
	}
}
