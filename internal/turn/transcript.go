package turn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptEvent is one line of a session transcript.
type TranscriptEvent struct {
	Time      time.Time `json:"time"`
	PlayerID  string    `json:"player_id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Direction string    `json:"direction"`
	EventType string    `json:"event_type"`
	Content   string    `json:"content"`
}

// TranscriptLogger appends turn transcripts to per-session NDJSON
// files through an async queue, so transcript IO never sits on the
// turn path. When the queue is full events are dropped with a warning
// rather than blocking the turn.
type TranscriptLogger struct {
	cfg       TranscriptConfig
	logger    *slog.Logger
	queue     chan TranscriptEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewTranscriptLogger creates a transcript logger. A disabled config
// returns a logger whose Log is a no-op.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) (*TranscriptLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TranscriptLogger{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	if cfg.QueueSize <= 0 {
		t.cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	t.queue = make(chan TranscriptEvent, t.cfg.QueueSize)
	t.done = make(chan struct{})
	go t.run()
	return t, nil
}

// Log enqueues one transcript event. Never blocks.
func (t *TranscriptLogger) Log(event TranscriptEvent) {
	if t.queue == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	select {
	case t.queue <- event:
	default:
		t.logger.Warn("transcript queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType)
	}
}

// Close drains the queue and stops the writer goroutine.
func (t *TranscriptLogger) Close() error {
	if t.queue == nil {
		return nil
	}
	t.closeOnce.Do(func() { close(t.queue) })
	<-t.done
	return nil
}

func (t *TranscriptLogger) run() {
	defer close(t.done)
	for event := range t.queue {
		if err := t.write(event); err != nil {
			t.logger.Warn("transcript write failed",
				"session_id", event.SessionID,
				"error", err)
		}
	}
}

func (t *TranscriptLogger) write(event TranscriptEvent) error {
	dir := filepath.Join(t.cfg.Dir, event.PlayerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create player transcript dir: %w", err)
	}

	path := filepath.Join(dir, event.SessionID+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer func() { _ = file.Close() }()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode transcript event: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write transcript line: %w", err)
	}
	return nil
}
