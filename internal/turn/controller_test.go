package turn

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ykarelin/storyloom/internal/relay"
)

// attemptScript describes one upstream generation attempt.
type attemptScript struct {
	fragments []string
	err       error
}

// scriptedNarrator replays a fixed sequence of attempts.
type scriptedNarrator struct {
	mu       sync.Mutex
	attempts int
	script   []attemptScript
}

func (s *scriptedNarrator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	s.mu.Lock()
	idx := s.attempts
	s.attempts++
	s.mu.Unlock()
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	attempt := s.script[idx]

	return func(yield func(string, error) bool) {
		for _, f := range attempt.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if attempt.err != nil {
			yield("", attempt.err)
		}
	}
}

type captureEmitter struct {
	mu       sync.Mutex
	messages []string
	retries  int
	complete int
	errs     []string
}

func (c *captureEmitter) Message(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, content)
	return nil
}

func (c *captureEmitter) Retry(attempt int, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return nil
}

func (c *captureEmitter) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete++
	return nil
}

func (c *captureEmitter) Error(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, message)
	return nil
}

func testController(upstream *scriptedNarrator) *Controller {
	return &Controller{
		upstream:   upstream,
		maxRetries: 3,
		baseDelay:  time.Millisecond,
		maxDelay:   4 * time.Millisecond,
	}
}

func TestControllerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	upstream := &scriptedNarrator{script: []attemptScript{
		{fragments: []string{"partial "}, err: errors.New("connection reset")},
		{err: errors.New("upstream timeout")},
		{fragments: []string{"the ", "real ", "story"}},
	}}
	emitter := &captureEmitter{}
	rly := relay.New(emitter)

	if err := testController(upstream).Run(context.Background(), "prompt", rly); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if emitter.retries != 2 {
		t.Errorf("retries = %d, want 2", emitter.retries)
	}
	if rly.Full() != "the real story" {
		t.Errorf("Full = %q, partial attempt must be discarded", rly.Full())
	}
}

func TestControllerStopsOnFatalError(t *testing.T) {
	t.Parallel()

	upstream := &scriptedNarrator{script: []attemptScript{
		{err: errors.New("invalid api key")},
	}}
	emitter := &captureEmitter{}

	err := testController(upstream).Run(context.Background(), "prompt", relay.New(emitter))
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if emitter.retries != 0 {
		t.Errorf("retries = %d, fatal failures must not retry", emitter.retries)
	}
	if upstream.attempts != 1 {
		t.Errorf("attempts = %d, want 1", upstream.attempts)
	}
}

func TestControllerExhaustsRetries(t *testing.T) {
	t.Parallel()

	upstream := &scriptedNarrator{script: []attemptScript{
		{err: errors.New("upstream unavailable")},
	}}
	emitter := &captureEmitter{}

	err := testController(upstream).Run(context.Background(), "prompt", relay.New(emitter))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("err = %v", err)
	}
	// Initial attempt plus three retries.
	if upstream.attempts != 4 {
		t.Errorf("attempts = %d, want 4", upstream.attempts)
	}
	if emitter.retries != 3 {
		t.Errorf("retry notifications = %d, want 3", emitter.retries)
	}
}

func TestControllerHonorsContextDuringBackoff(t *testing.T) {
	t.Parallel()

	upstream := &scriptedNarrator{script: []attemptScript{
		{err: errors.New("upstream unavailable")},
	}}
	c := &Controller{
		upstream:   upstream,
		maxRetries: 3,
		baseDelay:  time.Hour,
		maxDelay:   time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, "prompt", relay.New(&captureEmitter{})) }()
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected abort error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller kept waiting through cancelled context")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	c := &Controller{baseDelay: time.Second, maxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
