// Package validate checks inbound chat requests before any upstream call.
//
// This is the single authority on request shape: handlers decode the JSON
// body into provider.ChatRequest and must not trust any field until it has
// been through Check. Everything here is pure — no I/O, no side effects,
// same input always gives the same result.
package validate

import (
	"fmt"

	"github.com/howard-nolan/llmproxy/internal/provider"
)

// Result is the outcome of validating one request. When OK is false,
// Reason is a human-readable string safe to hand straight back to the
// caller as the message of a 400 response.
type Result struct {
	OK     bool
	Reason string
}

func invalid(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

var valid = Result{OK: true}

// Check validates req against the model allow-list and the max_tokens
// cap. Rules run in a fixed order and the first failure wins, so callers
// always get one stable reason for a given bad payload.
func Check(req *provider.ChatRequest, allowedModels []string, maxTokensCap int) Result {
	if req == nil || req.Messages == nil {
		return invalid("missing or invalid messages field")
	}
	if len(req.Messages) == 0 {
		return invalid("messages must not be empty")
	}

	for i, msg := range req.Messages {
		// Only end-user conversation roles pass through this proxy.
		// The system prompt is owned server-side (the agent policy),
		// so "system" and tool roles from the client are rejected.
		if msg.Role != "user" && msg.Role != "assistant" {
			return invalid("messages[%d]: role must be \"user\" or \"assistant\"", i)
		}
		if msg.Content == "" {
			return invalid("messages[%d]: content must not be empty", i)
		}
	}

	if req.Model == "" {
		return invalid("missing model field")
	}
	if !contains(allowedModels, req.Model) {
		return invalid("model %q is not in the allowed model list", req.Model)
	}

	// MaxTokens == 0 means the field was absent; the relay fills in the
	// configured default later. Anything else must be inside the cap.
	if req.MaxTokens != 0 && (req.MaxTokens < 1 || req.MaxTokens > maxTokensCap) {
		return invalid("max_tokens must be between 1 and %d", maxTokensCap)
	}

	return valid
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
