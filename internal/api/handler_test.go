package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ykarelin/storyloom/internal/convergence"
	"github.com/ykarelin/storyloom/internal/eventlog"
	"github.com/ykarelin/storyloom/internal/identity"
	"github.com/ykarelin/storyloom/internal/reconcile"
	"github.com/ykarelin/storyloom/internal/store"
	"github.com/ykarelin/storyloom/internal/turn"
)

// stubNarrator yields a fixed fragment sequence for every prompt.
type stubNarrator struct {
	fragments []string
}

func (s *stubNarrator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range s.fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func newTestServer(t *testing.T, fragments []string) http.Handler {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	events := eventlog.New(repo)
	tracker := convergence.New(repo)
	reconciler := reconcile.New(repo, events, tracker, nil)
	runner := turn.NewRunner(turn.NewController(&stubNarrator{fragments: fragments}), reconciler, nil, time.Minute)
	handler := NewHandler(repo, runner, events, tracker, NewRateLimiter(100, time.Minute), true)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	r.Mount("/", handler.Routes())
	return r
}

func TestTurnEndpointStreamsSSE(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, []string{"The tale ", "begins."})

	body := strings.NewReader(`{"action":"look around"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/story/turn", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: message") {
		t.Errorf("missing message events: %q", out)
	}
	if !strings.Contains(out, "The tale ") {
		t.Errorf("missing fragment content: %q", out)
	}
	if !strings.Contains(out, "event: complete") {
		t.Errorf("missing complete event: %q", out)
	}
	if strings.Contains(out, "event: error") {
		t.Errorf("unexpected error event: %q", out)
	}
}

func TestTurnEndpointRejectsEmptyAction(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/story/turn", strings.NewReader(`{"action":""}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTurnEndpointCreatesSession(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, []string{"narrative"})

	// First turn bootstraps the session row.
	req := httptest.NewRequest(http.MethodPost, "/api/story/turn", strings.NewReader(`{"action":"begin"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	cookie := rec.Result().Cookies()
	if len(cookie) == 0 {
		t.Fatal("expected identity cookie")
	}

	// A read with the same identity must now find the session.
	req = httptest.NewRequest(http.MethodGet, "/api/story/session", nil)
	for _, c := range cookie {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var sess map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if id, _ := sess["id"].(string); id == "" {
		t.Error("expected session id")
	}
}

func TestSessionEndpointNotFoundBeforeFirstTurn(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/story/session", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRateLimiterBlocksAboveLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("p1") {
			t.Fatalf("request %d unexpectedly blocked", i)
		}
	}
	if rl.Allow("p1") {
		t.Error("request above limit must be blocked")
	}
	// Other players are unaffected.
	if !rl.Allow("p2") {
		t.Error("other key must still pass")
	}
}

func TestValidateAction(t *testing.T) {
	t.Parallel()

	if err := validateAction(""); err == nil {
		t.Error("empty action must fail")
	}
	if err := validateAction(strings.Repeat("a", maxActionLen+1)); err == nil {
		t.Error("oversized action must fail")
	}
	if err := validateAction("open the door"); err != nil {
		t.Errorf("valid action rejected: %v", err)
	}
}

func TestSessionKeyIsolatesPlayers(t *testing.T) {
	t.Parallel()

	if sessionKey("p1", "default") == sessionKey("p2", "default") {
		t.Error("different players must map to different sessions")
	}
	if sessionKey("p1", "a") == sessionKey("p1", "b") {
		t.Error("different session ids must map to different sessions")
	}
}
