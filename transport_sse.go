package trpc

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-json-experiment/json"
)

// sseTransport wraps an http.ResponseWriter for SSE output.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
	done    chan struct{} // closed when the SSE stream ends
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher) *sseTransport {
	return &sseTransport{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// Send writes an envelope as an event named after its result type, or
// "error" for error envelopes.
func (t *sseTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}

	if eventType := extractEventType(data); eventType != "" {
		fmt.Fprintf(t.w, "event: %s\n", eventType)
	}
	fmt.Fprintf(t.w, "data: %s\n\n", data)
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// CloseGracefully ends the stream. SSE has no close frame.
func (t *sseTransport) CloseGracefully() error {
	return t.Close()
}

// sendComment sends an SSE comment (used for keep-alive).
func (t *sseTransport) sendComment(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	fmt.Fprintf(t.w, ": %s\n\n", text)
	t.flusher.Flush()
}

// extractEventType returns "error" for error envelopes and the result type
// otherwise.
func extractEventType(data []byte) string {
	var peek struct {
		Result *struct {
			Type string `json:"type"`
		} `json:"result"`
		Error any `json:"error"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	switch {
	case peek.Error != nil:
		return "error"
	case peek.Result != nil:
		return peek.Result.Type
	}
	return ""
}
