package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmproxy/internal/apierr"
	"github.com/howard-nolan/llmproxy/internal/policy"
)

const testAPIKey = "sk-ant-test-key"

func newTestClient(upstreamURL string) *Client {
	return NewClient(testAPIKey, upstreamURL, http.DefaultClient, 1024, nil)
}

func chatRequest() *ChatRequest {
	return &ChatRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []Message{{Role: "user", Content: "Hi"}},
	}
}

func TestMessagesSuccess(t *testing.T) {
	envelope := `{"id":"msg_123","type":"message","role":"assistant",` +
		`"content":[{"type":"text","text":"Hello!"}],"model":"claude-3-5-sonnet-20241022",` +
		`"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":4}}`

	var got anthropicRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, testAPIKey, r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "99")
		w.Header().Set("anthropic-ratelimit-requests-reset", "2025-03-01T12:01:00Z")
		fmt.Fprint(w, envelope)
	}))
	defer upstream.Close()

	result, err := newTestClient(upstream.URL).Messages(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet-20241022", got.Model)
	assert.Equal(t, 100, got.MaxTokens)
	assert.False(t, got.Stream)

	// The envelope comes back verbatim, not reshaped.
	assert.JSONEq(t, envelope, string(result.Body))
	assert.Equal(t, "99", result.RateLimitRemaining)
	assert.Equal(t, "2025-03-01T12:01:00Z", result.RateLimitReset)
}

func TestMessagesDefaultsMaxTokens(t *testing.T) {
	var got anthropicRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"msg_1","content":[]}`)
	}))
	defer upstream.Close()

	req := chatRequest()
	req.MaxTokens = 0 // absent in the inbound payload

	_, err := newTestClient(upstream.URL).Messages(context.Background(), req)
	require.NoError(t, err)

	// max_tokens is mandatory upstream, so the configured default fills in.
	assert.Equal(t, 1024, got.MaxTokens)
}

func TestMessagesAppliesPolicy(t *testing.T) {
	var got anthropicRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"msg_1","content":[]}`)
	}))
	defer upstream.Close()

	c := NewClient(testAPIKey, upstream.URL, http.DefaultClient, 1024, policy.NewPluginPolicy())
	_, err := c.Messages(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, got.System)
	require.Len(t, got.Tools, 2)
	assert.Equal(t, "lookup_brand_color", got.Tools[0].Name)
	assert.NotNil(t, got.Tools[0].InputSchema)
}

func TestMessagesUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"Too many requests"}}`)
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream.URL).Messages(context.Background(), chatRequest())

	var ue *apierr.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, "rate_limit_error", ue.Type)
	assert.Equal(t, "Too many requests", ue.Message)
	assert.Equal(t, "30", ue.RetryAfter)
}

func TestMessagesBadCredential(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	for _, key := range []string{"", "not-a-key"} {
		c := NewClient(key, upstream.URL, http.DefaultClient, 1024, nil)

		_, err := c.Messages(context.Background(), chatRequest())
		assert.ErrorIs(t, err, apierr.ErrServerConfig)

		_, err = c.MessagesStream(context.Background(), chatRequest())
		assert.ErrorIs(t, err, apierr.ErrServerConfig)
	}

	// The credential is checked before any network call is spent.
	assert.Zero(t, calls)
}

// sseUpstream fakes the Anthropic streaming endpoint, emitting the given
// text fragments as content_block_delta events.
func sseUpstream(t *testing.T, fragments []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream, "streaming call should set stream: true")

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"id":"msg_123"}}`+"\n\n")
		flusher.Flush()

		for _, frag := range fragments {
			payload, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]string{"type": "text_delta", "text": frag},
			})
			fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", payload)
			flusher.Flush()
		}

		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
		flusher.Flush()
	}))
}

func TestMessagesStream(t *testing.T) {
	upstream := sseUpstream(t, []string{"He", "llo"})
	defer upstream.Close()

	chunks, err := newTestClient(upstream.URL).MessagesStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var got []StreamChunk
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		got = append(got, chunk)
	}

	// Fragments in upstream order, then exactly one Done chunk.
	require.Len(t, got, 3)
	assert.Equal(t, "He", got[0].Delta)
	assert.Equal(t, "llo", got[1].Delta)
	assert.True(t, got[2].Done)
}

func TestMessagesStreamPreStreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer upstream.Close()

	// Failure before any chunk: a plain error return, so the handler
	// can still answer with a normal JSON error body.
	_, err := newTestClient(upstream.URL).MessagesStream(context.Background(), chatRequest())

	var ue *apierr.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 529, ue.Status)
	assert.Equal(t, "overloaded_error", ue.Type)
}

func TestMessagesStreamCallerDisconnect(t *testing.T) {
	// An effectively endless upstream generation. Cancelling the
	// context must make the relay stop pulling and close the channel
	// instead of draining all of it.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 10000; i++ {
			fmt.Fprintf(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"tok"}}`+"\n\n")
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := newTestClient(upstream.URL).MessagesStream(ctx, chatRequest())
	require.NoError(t, err)

	// Take one chunk, then walk away.
	first := <-chunks
	assert.Equal(t, "tok", first.Delta)
	cancel()

	// The channel must close promptly; a relay that keeps draining the
	// upstream would hang here for seconds.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("relay kept streaming after context cancellation")
		}
	}
}

func TestMessagesConnectionRefused(t *testing.T) {
	// A port nothing listens on.
	c := newTestClient("http://127.0.0.1:1")

	_, err := c.Messages(context.Background(), chatRequest())
	require.Error(t, err)

	var ue *apierr.UpstreamError
	assert.False(t, errors.As(err, &ue), "transport failure must not look like an upstream reply")
}
