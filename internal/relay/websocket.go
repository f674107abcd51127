package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wireEvent is the JSON frame pushed over a websocket turn stream.
// Type mirrors the SSE event kinds: message, retry, complete, error.
type wireEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	DelayMs int64  `json:"delay_ms,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WSEmitter pushes turn events over a websocket connection. Writes
// use their own bounded context so a stalled client cannot block the
// turn worker indefinitely.
type WSEmitter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWS creates a websocket emitter for one turn.
func NewWS(conn *websocket.Conn, writeTimeout time.Duration) *WSEmitter {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSEmitter{conn: conn, writeTimeout: writeTimeout}
}

// Message delivers one narrative fragment.
func (e *WSEmitter) Message(content string) error {
	return e.send(wireEvent{Type: "message", Content: content})
}

// Retry announces a retry attempt.
func (e *WSEmitter) Retry(attempt int, delay time.Duration) error {
	return e.send(wireEvent{Type: "retry", Attempt: attempt, DelayMs: delay.Milliseconds()})
}

// Complete signals successful end of turn.
func (e *WSEmitter) Complete() error {
	return e.send(wireEvent{Type: "complete"})
}

// Error delivers the user-facing failure message.
func (e *WSEmitter) Error(message string) error {
	return e.send(wireEvent{Type: "error", Error: message})
}

func (e *WSEmitter) send(event wireEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ws event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()
	if err := e.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write ws event: %w", err)
	}
	return nil
}
