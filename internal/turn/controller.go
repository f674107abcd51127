// Package turn runs one story turn end to end: upstream generation
// with retries, client delivery through the relay, then extraction and
// reconciliation once the narrative has fully streamed.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ykarelin/storyloom/internal/narrator"
	"github.com/ykarelin/storyloom/internal/relay"
	"github.com/ykarelin/storyloom/pkg/metrics"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 10 * time.Second
)

// Controller drives upstream generation through the relay, retrying
// transient failures with exponential backoff. At most maxRetries
// retries follow the initial attempt; fatal failures and an expired
// context stop the loop immediately.
type Controller struct {
	upstream   narrator.Narrator
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewController creates a controller with the default retry policy.
func NewController(upstream narrator.Narrator) *Controller {
	return &Controller{
		upstream:   upstream,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
}

// Run streams one full generation through the relay. On a transient
// failure it announces the retry, discards the partial accumulation
// and tries again after backoff. Returns nil once an attempt streamed
// to completion.
func (c *Controller) Run(ctx context.Context, prompt string, rly *relay.Relay) error {
	attempt := 0
	for {
		err := c.streamOnce(ctx, prompt, rly)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("turn aborted: %w", ctx.Err())
		}
		if narrator.Classify(err) == narrator.ClassFatal {
			return fmt.Errorf("upstream failure: %w", err)
		}
		if attempt >= c.maxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		attempt++
		delay := c.backoff(attempt)
		slog.Warn("upstream generation failed, retrying",
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"delay", delay,
			"error", err)
		metrics.RecordUpstreamRetry()

		if notifyErr := rly.Emitter().Retry(attempt, delay); notifyErr != nil {
			slog.Debug("retry notification not delivered", "error", notifyErr)
		}
		rly.Reset()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("turn aborted during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// streamOnce pushes one generation attempt through the relay. Client
// delivery failures are logged and swallowed so a gone client never
// aborts server-side accumulation.
func (c *Controller) streamOnce(ctx context.Context, prompt string, rly *relay.Relay) error {
	for fragment, err := range c.upstream.Stream(ctx, prompt) {
		if err != nil {
			return err
		}
		if pushErr := rly.Push(fragment); pushErr != nil {
			slog.Debug("fragment delivery failed, continuing", "error", pushErr)
		}
	}
	return nil
}

// backoff returns the delay before the given retry attempt, doubling
// from the base and capped at maxDelay.
func (c *Controller) backoff(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}
