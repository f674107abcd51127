package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo)
}

func TestAppendStampsChecksumAndSeq(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	event, err := log.Append(ctx, "s1", domain.EventWorldState, map[string]any{"weather": "rain"}, "prologue", 1)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if event.Seq != 1 {
		t.Errorf("Seq = %d, want 1", event.Seq)
	}
	if event.Checksum == "" {
		t.Error("expected checksum")
	}
	if !log.Verify(event) {
		t.Error("fresh event must verify")
	}
}

func TestListReturnsSequenceOrder(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	kinds := []string{domain.EventWorldState, domain.EventMemory, domain.EventConvergence}
	for i, kind := range kinds {
		if _, err := log.Append(ctx, "s1", kind, map[string]int{"n": i}, "prologue", i); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := log.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("events = %d, want %d", len(events), len(kinds))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) || ev.Kind != kinds[i] {
			t.Errorf("event %d = %s seq %d", i, ev.Kind, ev.Seq)
		}
		if !log.Verify(&ev) {
			t.Errorf("event %d failed verification", i)
		}
	}
}

func TestVerifyDetectsPayloadDrift(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	event, err := log.Append(context.Background(), "s1", domain.EventMemory, map[string]string{"m": "truth"}, "prologue", 1)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	event.Payload = []byte(`{"m":"tampered"}`)
	if log.Verify(event) {
		t.Error("verification must fail after payload change")
	}
}

func TestChecksumIsStable(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"a":1}`)
	if Checksum(payload) != Checksum(payload) {
		t.Error("checksum must be deterministic")
	}
	if Checksum(payload) == Checksum([]byte(`{"a":2}`)) {
		t.Error("different payloads must differ")
	}
}
