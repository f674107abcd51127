package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ykarelin/storyloom/internal/assessment"
	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/reconcile"
	"github.com/ykarelin/storyloom/internal/relay"
	"github.com/ykarelin/storyloom/pkg/metrics"
)

const defaultTurnTimeout = 2 * time.Minute

// Runner owns the per-turn worker lifecycle. Each turn runs in its own
// goroutine on a context detached from the HTTP request, so a client
// disconnect never cancels generation or reconciliation; only the
// wall-clock turn deadline does.
type Runner struct {
	controller *Controller
	reconciler *reconcile.Reconciler
	transcript *TranscriptLogger
	timeout    time.Duration
}

// NewRunner creates a runner. transcript may be nil to disable
// transcript logging; timeout <= 0 selects the default.
func NewRunner(controller *Controller, reconciler *reconcile.Reconciler, transcript *TranscriptLogger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	return &Runner{
		controller: controller,
		reconciler: reconciler,
		transcript: transcript,
		timeout:    timeout,
	}
}

// StartTurn launches the turn worker. The returned channel closes when
// the turn has fully finished, terminal signal included.
func (r *Runner) StartTurn(reqCtx context.Context, sess *domain.Session, action, prompt string, rly *relay.Relay) <-chan struct{} {
	done := make(chan struct{})
	turnID := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), r.timeout)
	go func() {
		defer close(done)
		defer cancel()
		r.runTurn(ctx, turnID, sess, action, prompt, rly)
	}()
	return done
}

func (r *Runner) runTurn(ctx context.Context, turnID string, sess *domain.Session, action, prompt string, rly *relay.Relay) {
	start := time.Now()
	metrics.RecordTurnStarted()

	// Exactly one terminal signal leaves this function.
	var terminal atomic.Bool

	r.logTranscript(TranscriptEvent{
		PlayerID:  sess.PlayerID,
		SessionID: sess.ID,
		TurnID:    turnID,
		Direction: "inbound",
		EventType: "player_action",
		Content:   action,
	})

	if err := r.controller.Run(ctx, prompt, rly); err != nil {
		metrics.RecordTurnFailed()
		slog.Error("turn failed",
			"session_id", sess.ID,
			"turn_id", turnID,
			"error", err)
		if terminal.CompareAndSwap(false, true) {
			if emitErr := rly.Emitter().Error(userMessage(err)); emitErr != nil {
				slog.Debug("error signal not delivered", "error", emitErr)
			}
		}
		return
	}

	if err := rly.Finish(); err != nil {
		slog.Debug("final flush not delivered", "session_id", sess.ID, "error", err)
	}
	full := rly.Full()

	r.logTranscript(TranscriptEvent{
		PlayerID:  sess.PlayerID,
		SessionID: sess.ID,
		TurnID:    turnID,
		Direction: "outbound",
		EventType: "narrative",
		Content:   full,
	})

	if record, ok := assessment.Extract(full); ok {
		if err := r.reconciler.Apply(ctx, sess.ID, record); err != nil {
			// Narrative already streamed; reconciliation failure must
			// not turn a delivered turn into a client-facing error.
			slog.Error("reconciliation failed",
				"session_id", sess.ID,
				"turn_id", turnID,
				"error", err)
		}
	} else {
		slog.Info("response carried no assessment record",
			"session_id", sess.ID,
			"turn_id", turnID)
	}

	if terminal.CompareAndSwap(false, true) {
		if err := rly.Emitter().Complete(); err != nil {
			slog.Debug("complete signal not delivered", "error", err)
		}
	}
	metrics.RecordTurnCompleted()
	metrics.RecordTurnDuration(time.Since(start).Seconds())
}

func (r *Runner) logTranscript(event TranscriptEvent) {
	if r.transcript == nil {
		return
	}
	r.transcript.Log(event)
}

// userMessage maps an internal turn failure to the single message the
// client sees. Internal detail stays in the server logs.
func userMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The storyteller took too long to answer. Please try again."
	}
	return "The storyteller is unavailable right now. Please try again."
}
