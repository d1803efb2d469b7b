package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmproxy/internal/apierr"
	"github.com/howard-nolan/llmproxy/internal/config"
	"github.com/howard-nolan/llmproxy/internal/policy"
)

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// its API with a date-based header instead of the URL path, and requires
// the header on every request.
const anthropicAPIVersion = "2023-06-01"

// Client relays chat requests to the Anthropic Messages API. One Client
// is shared by all requests; it holds no per-request state.
type Client struct {
	apiKey           string
	baseURL          string // e.g. "https://api.anthropic.com/v1"
	client           *http.Client
	defaultMaxTokens int
	policy           policy.Policy // optional; nil disables system prompt and tools
}

// NewClient creates a relay Client. httpClient carries the outbound
// deadline (http.Client.Timeout); pol may be nil for a plain passthrough
// proxy with no agent shaping.
func NewClient(apiKey, baseURL string, httpClient *http.Client, defaultMaxTokens int, pol policy.Policy) *Client {
	return &Client{
		apiKey:           apiKey,
		baseURL:          baseURL,
		client:           httpClient,
		defaultMaxTokens: defaultMaxTokens,
		policy:           pol,
	}
}

// checkCredential rejects a missing or malformed API key before any
// network call is spent. This is a server problem, not a client one, so
// it maps to apierr.ErrServerConfig rather than a validation error.
func (c *Client) checkCredential() error {
	if !strings.HasPrefix(c.apiKey, config.CredentialPrefix) {
		return apierr.ErrServerConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// Anthropic wire types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body for POST {baseURL}/messages. Notable
// quirks: max_tokens is required (requests without it are rejected), and
// system is a top-level string rather than a message role.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicTool is a tool definition in Anthropic's tool-use format.
type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// anthropicErrorBody is the JSON shape of upstream failures:
// {"type":"error","error":{"type":"...","message":"..."}}.
type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent is a decoding wrapper for SSE payloads. Every
// payload carries a "type" field matching its event name, so we decode
// into this one struct and branch on Type; irrelevant fields stay at
// their zero values.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// buildRequest translates a validated ChatRequest into the upstream wire
// format, folding in the policy's system prompt and tool definitions.
func (c *Client) buildRequest(req *ChatRequest, stream bool) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	// max_tokens is mandatory upstream, so an absent field gets the
	// configured default here rather than failing the call.
	if ar.MaxTokens == 0 {
		ar.MaxTokens = c.defaultMaxTokens
	}

	for _, msg := range req.Messages {
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if c.policy != nil {
		ar.System = c.policy.SystemPrompt()
		for _, tool := range c.policy.Tools() {
			ar.Tools = append(ar.Tools, anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}

	return ar
}

// newHTTPRequest serializes body and builds the outbound request with
// the credential and version headers attached.
func (c *Client) newHTTPRequest(ctx context.Context, ar *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	return httpReq, nil
}

// upstreamError drains a non-2xx response into a typed UpstreamError,
// including the retry-after header when present. The caller hands the
// result to apierr.Normalize.
func upstreamError(resp *http.Response) *apierr.UpstreamError {
	ue := &apierr.UpstreamError{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("retry-after"),
	}

	var body anthropicErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		ue.Type = body.Error.Type
		ue.Message = body.Error.Message
	}

	return ue
}

// rateLimitHeaders picks the rate-limit telemetry off an upstream
// response. Anthropic sends anthropic-ratelimit-requests-*; a plain
// x-ratelimit-* pair takes precedence if some middlebox set it.
func rateLimitHeaders(resp *http.Response) (remaining, reset string) {
	remaining = resp.Header.Get("x-ratelimit-remaining")
	if remaining == "" {
		remaining = resp.Header.Get("anthropic-ratelimit-requests-remaining")
	}
	reset = resp.Header.Get("x-ratelimit-reset")
	if reset == "" {
		reset = resp.Header.Get("anthropic-ratelimit-requests-reset")
	}
	return remaining, reset
}

// ---------------------------------------------------------------------------
// Buffered mode
// ---------------------------------------------------------------------------

// Messages relays one non-streaming call and returns the upstream's
// message envelope verbatim, plus any rate-limit telemetry headers.
func (c *Client) Messages(ctx context.Context, req *ChatRequest) (*BufferedResult, error) {
	if err := c.checkCredential(); err != nil {
		return nil, err
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}

	// Decode into RawMessage: this confirms the body is valid JSON
	// without reshaping it — the envelope goes back to the caller
	// exactly as the provider produced it.
	var envelope json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	remaining, reset := rateLimitHeaders(resp)

	return &BufferedResult{
		Body:               envelope,
		RateLimitRemaining: remaining,
		RateLimitReset:     reset,
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming mode
// ---------------------------------------------------------------------------

// MessagesStream relays one streaming call. On success it returns a
// channel delivering text fragments in upstream order; the channel is
// closed after a Done or Err chunk.
//
// An upstream failure BEFORE the stream opens comes back as an ordinary
// error (the caller can still send a JSON error response). A failure
// after chunks have flowed arrives as a chunk with Err set — by then the
// response headers are committed and the best the caller can do is end
// the byte stream.
//
// Cancelling ctx (caller disconnected) makes the goroutine stop pulling
// chunks promptly rather than draining the upstream to completion.
func (c *Client) MessagesStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := c.checkCredential(); err != nil {
		return nil, err
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	// No defer Body.Close() on success: the goroutine owns the body
	// and closes it when the stream ends.
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling anthropic: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstreamError(resp)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)

		for scanner.Scan() {
			line := scanner.Text()

			// The payload's own "type" field identifies the event, so
			// the "event:" lines carry nothing we need.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("decoding stream event: %w", err)})
				return
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				if !sendChunk(ctx, ch, StreamChunk{Delta: event.Delta.Text}) {
					return // caller gone, stop pulling from upstream
				}

			case "message_stop":
				sendChunk(ctx, ch, StreamChunk{Done: true})
				return

			case "error":
				sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("upstream stream error event")})
				return

			// message_start, content_block_start/stop, message_delta
			// and ping carry no text; skip them.
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, ch, StreamChunk{Err: fmt.Errorf("reading stream: %w", err)})
		}
	}()

	return ch, nil
}

// sendChunk delivers one chunk unless ctx is already cancelled. The
// false return tells the stream goroutine to abandon the relay.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
