// Package provider implements the upstream relay to the Anthropic
// Messages API.
//
// The rest of the proxy works with the unified types in this file —
// handlers and the validator never need to know the upstream wire
// format. The Client in anthropic.go owns all translation.
package provider

import "encoding/json"

// ChatRequest is the internal representation of one chat request. The
// HTTP handler decodes the incoming JSON body into this struct and runs
// it through the validator before the relay ever sees it.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// MaxTokens bounds the response length. Some plugin builds send
	// the snake_case spelling and some send camelCase, so we accept
	// both and fold them together in Normalize.
	MaxTokens    int `json:"max_tokens"`
	MaxTokensAlt int `json:"maxTokens"`

	// Temperature is optional; a nil pointer means "not sent", which
	// lets the upstream apply its own default.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Normalize folds the alternate max_tokens spelling into MaxTokens.
// Call it once, right after decoding, before validation.
func (r *ChatRequest) Normalize() {
	if r.MaxTokens == 0 {
		r.MaxTokens = r.MaxTokensAlt
	}
	r.MaxTokensAlt = 0
}

// Message is a single conversation message in role + content form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BufferedResult is the outcome of a non-streaming relay call.
type BufferedResult struct {
	// Body is the provider's native message envelope, passed through
	// verbatim. The proxy doesn't reshape successful responses — the
	// plugin speaks the provider's format.
	Body json.RawMessage

	// Rate-limit telemetry captured from the upstream response headers,
	// empty when the upstream didn't send them. The handler re-exports
	// these as X-RateLimit-Remaining / X-RateLimit-Reset.
	RateLimitRemaining string
	RateLimitReset     string
}

// StreamChunk is one piece of a streamed response. The relay goroutine
// sends these over a channel in exactly the order the upstream produced
// them; the SSE writer forwards each one immediately and never buffers
// beyond the current chunk.
type StreamChunk struct {
	Delta string // the new text fragment

	// Done marks the final chunk after a clean end-of-stream.
	Done bool

	// Err is set instead of Delta when the stream fails midway. The
	// channel is closed right after an error chunk.
	Err error
}
