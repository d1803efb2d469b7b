// Package stream writes relayed token fragments to the caller as
// Server-Sent Events.
package stream

import (
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmproxy/internal/provider"
)

// Write consumes chunks and relays each fragment to w as a
// "data: <text>\n\n" event, flushed immediately so the plugin sees
// tokens in real time. A clean end of stream is terminated with the
// "data: [DONE]" sentinel.
//
// Fragments are written in exactly the order received — no batching, no
// reordering. If writing to w fails (the caller disconnected) Write
// stops relaying and returns; the handler's context cancellation takes
// care of stopping the upstream pull. If the upstream fails mid-stream,
// Write returns that error without emitting [DONE] — the headers are
// already committed at that point, so a missing sentinel is how the
// client learns the stream was cut short.
func Write(w http.ResponseWriter, chunks <-chan provider.StreamChunk) error {
	// The concrete ResponseWriter the HTTP server hands us also
	// implements http.Flusher; without Flush, fragments would sit in
	// the server's buffer instead of reaching the client per token.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// SSE headers must go out before the first body write locks them in.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}

		if chunk.Done {
			if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
				return fmt.Errorf("writing done marker: %w", err)
			}
			flusher.Flush()
			return nil
		}

		// The double newline is what terminates one SSE event.
		if _, err := fmt.Fprintf(w, "data: %s\n\n", chunk.Delta); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
		flusher.Flush()
	}

	// Channel closed without a Done chunk: the upstream goroutine bailed
	// out (cancelled context). Nothing more to write.
	return nil
}
