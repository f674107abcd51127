// Package eventlog provides the append-only per-session audit trail.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/store"
	"github.com/ykarelin/storyloom/pkg/metrics"
)

// Log appends world events to the repository. Events are immutable
// once appended; sequence assignment is delegated to the store, which
// guarantees gapless per-session ordering.
type Log struct {
	repo store.Repository
}

// New creates an event log over the given repository.
func New(repo store.Repository) *Log {
	return &Log{repo: repo}
}

// Append serializes payload, stamps the checksum and the arc/round
// snapshot, and appends the event. The returned event carries the
// assigned sequence number.
func (l *Log) Append(ctx context.Context, sessionID, kind string, payload any, arcName string, round int) (*domain.WorldEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	event := &domain.WorldEvent{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   raw,
		Checksum:  Checksum(raw),
		ArcName:   arcName,
		Round:     round,
	}
	if err := l.repo.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append %s event: %w", kind, err)
	}
	metrics.RecordWorldEvent()
	return event, nil
}

// List returns a session's events in sequence order.
func (l *Log) List(ctx context.Context, sessionID string, limit int) ([]domain.WorldEvent, error) {
	return l.repo.ListEvents(ctx, sessionID, limit)
}

// Verify recomputes the payload checksum of an event and reports
// whether it matches the stored value.
func (l *Log) Verify(event *domain.WorldEvent) bool {
	return Checksum(event.Payload) == event.Checksum
}

// Checksum returns the hex CRC-32 of a serialized payload. It guards
// against corruption and drift, not tampering.
func Checksum(payload []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload))
}
