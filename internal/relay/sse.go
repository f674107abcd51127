package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot
// flush incrementally.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEEmitter pushes turn events over a server-sent-events response.
// All content is JSON-encoded before hitting the wire, which doubles
// as transport escaping.
type SSEEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSE prepares a response writer for SSE and returns the emitter.
func NewSSE(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEEmitter{w: w, flusher: flusher}, nil
}

// Message delivers one narrative fragment.
func (e *SSEEmitter) Message(content string) error {
	return e.send("message", map[string]string{"content": content})
}

// Retry announces a retry attempt.
func (e *SSEEmitter) Retry(attempt int, delay time.Duration) error {
	return e.send("retry", map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

// Complete signals successful end of turn.
func (e *SSEEmitter) Complete() error {
	return e.send("complete", map[string]string{"status": "complete"})
}

// Error delivers the user-facing failure message.
func (e *SSEEmitter) Error(message string) error {
	return e.send("error", map[string]string{"error": message})
}

func (e *SSEEmitter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := writeSSE(e.w, event, string(data)); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
