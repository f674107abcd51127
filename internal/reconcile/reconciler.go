// Package reconcile applies validated assessment records to persisted
// session state with idempotence safeguards and an audit trail.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ykarelin/storyloom/internal/convergence"
	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/eventlog"
	"github.com/ykarelin/storyloom/internal/store"
	"github.com/ykarelin/storyloom/pkg/metrics"
)

// Reconciler folds one assessment into session state. Every optional
// section is applied independently: a failing section is logged and
// skipped, the rest still apply. Each applied section appends exactly
// one world event; the session version and checksum move once per
// pass that changed anything.
type Reconciler struct {
	repo    store.Repository
	events  *eventlog.Log
	tracker *convergence.Tracker
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New creates a reconciler. rng drives level-up attribute
// distribution; pass a seeded source for deterministic tests, nil for
// a time-seeded one.
func New(repo store.Repository, events *eventlog.Log, tracker *convergence.Tracker, rng *rand.Rand) *Reconciler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Reconciler{
		repo:    repo,
		events:  events,
		tracker: tracker,
		rng:     rng,
	}
}

type section struct {
	name    string
	present bool
	apply   func(ctx context.Context, sess *domain.Session) (bool, error)
}

// Apply reconciles one assessment against the session, holding the
// session's single-writer lock for the whole pass.
func (r *Reconciler) Apply(ctx context.Context, sessionID string, record *domain.Assessment) error {
	unlock := r.repo.LockSession(sessionID)
	defer unlock()

	sess, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	// The round advances up front so events appended during this pass
	// stamp the round they belong to. An unchanged pass never
	// persists, which discards the bump.
	sess.Rounds++

	sections := []section{
		{
			name:    "dice_rolls",
			present: len(record.DiceRolls) > 0,
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyDiceRolls(ctx, sess, record.DiceRolls)
			},
		},
		{
			name:    "quest_updates",
			present: !record.QuestUpdates.Empty(),
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyQuestUpdates(ctx, sess, record.QuestUpdates)
			},
		},
		{
			name:    "world_state",
			present: len(record.WorldStateUpdates) > 0,
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyWorldState(ctx, sess, record.WorldStateUpdates)
			},
		},
		{
			name:    "arc_update",
			present: record.ArcUpdates != nil,
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyArcUpdate(ctx, sess, record.ArcUpdates)
			},
		},
		{
			name:    "convergence",
			present: record.ConvergenceUpdates != nil,
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyConvergence(ctx, sess, record.ConvergenceUpdates)
			},
		},
		{
			name:    "memory",
			present: len(record.MemoryUpdates) > 0,
			apply: func(ctx context.Context, sess *domain.Session) (bool, error) {
				return r.applyMemory(ctx, sess, record.MemoryUpdates)
			},
		},
	}

	changed := false
	for _, s := range sections {
		if !s.present {
			continue
		}
		applied, err := guard(ctx, sess, s)
		if err != nil {
			metrics.RecordSectionFailure(s.name)
			slog.Warn("reconcile section failed, continuing",
				"session_id", sessionID,
				"section", s.name,
				"error", err)
			continue
		}
		changed = changed || applied
	}

	if !changed {
		return nil
	}

	expected := sess.Version
	sess.Version++
	sess.Checksum = sessionChecksum(sess)
	if err := r.repo.UpdateSession(ctx, sess, expected); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// guard isolates one section; a panic inside model-driven data paths
// becomes an error instead of killing the pass.
func guard(ctx context.Context, sess *domain.Session, s section) (applied bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			applied = false
			err = fmt.Errorf("section %s panicked: %v", s.name, rec)
		}
	}()
	return s.apply(ctx, sess)
}

func (r *Reconciler) applyDiceRolls(ctx context.Context, sess *domain.Session, rolls []domain.DiceRoll) (bool, error) {
	var saved []domain.DiceRoll
	for _, roll := range rolls {
		if !roll.WellFormed() {
			slog.Warn("skipping malformed dice roll",
				"session_id", sess.ID,
				"die", roll.Die,
				"context", roll.Context)
			continue
		}

		final := roll.Final
		if final == 0 {
			final = roll.Result + roll.Modifier
		}
		rec := &domain.DiceRollRecord{
			SessionID:  sess.ID,
			Die:        roll.Die,
			Modifier:   roll.Modifier,
			Result:     roll.Result,
			Final:      final,
			Context:    roll.Context,
			Difficulty: roll.Difficulty,
		}
		if success, ok := roll.Success(); ok {
			rec.Success = &success
		}
		if err := r.repo.SaveDiceRoll(ctx, rec); err != nil {
			return false, fmt.Errorf("save dice roll: %w", err)
		}
		saved = append(saved, roll)
	}
	if len(saved) == 0 {
		return false, nil
	}

	payload := map[string]any{"rolls": saved}
	if _, err := r.events.Append(ctx, sess.ID, domain.EventDiceRolls, payload, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyWorldState(ctx context.Context, sess *domain.Session, updates map[string]any) (bool, error) {
	if sess.WorldState == nil {
		sess.WorldState = make(map[string]any, len(updates))
	}
	for key, value := range updates {
		sess.WorldState[key] = value
	}

	if _, err := r.events.Append(ctx, sess.ID, domain.EventWorldState, updates, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyArcUpdate(ctx context.Context, sess *domain.Session, update *domain.ArcUpdate) (bool, error) {
	if update.StartRound <= 0 || update.StartRound > update.TotalRounds {
		slog.Warn("discarding arc update with out-of-bounds start round",
			"session_id", sess.ID,
			"arc", update.Name,
			"start_round", update.StartRound,
			"total_rounds", update.TotalRounds)
		return false, nil
	}

	sess.ArcName = update.Name
	sess.ArcStartRound = update.StartRound
	sess.TotalRounds = update.TotalRounds

	if _, err := r.events.Append(ctx, sess.ID, domain.EventArcUpdate, update, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyConvergence(ctx context.Context, sess *domain.Session, update *domain.ConvergenceUpdate) (bool, error) {
	status, err := r.tracker.Apply(ctx, sess.ID, update)
	if err != nil {
		return false, fmt.Errorf("apply convergence update: %w", err)
	}

	payload := map[string]any{"update": update, "progress": status.Progress}
	if _, err := r.events.Append(ctx, sess.ID, domain.EventConvergence, payload, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyMemory(ctx context.Context, sess *domain.Session, updates []domain.MemoryUpdate) (bool, error) {
	var kept []domain.MemoryUpdate
	for _, m := range updates {
		if m.Content == "" {
			slog.Warn("skipping empty memory update", "session_id", sess.ID, "kind", m.Kind)
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return false, nil
	}

	payload := map[string]any{"memories": kept}
	if _, err := r.events.Append(ctx, sess.ID, domain.EventMemory, payload, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) intn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

// sessionChecksum hashes the mutable session content. Identity and
// bookkeeping fields stay out so the checksum tracks story state.
func sessionChecksum(sess *domain.Session) string {
	content := struct {
		World     map[string]any   `json:"world"`
		Character domain.Character `json:"character"`
		Active    map[string]domain.Quest `json:"active"`
		Completed []domain.Quest   `json:"completed"`
		Arc       string           `json:"arc"`
		ArcStart  int              `json:"arc_start"`
		Total     int              `json:"total"`
		Rounds    int              `json:"rounds"`
	}{
		World:     sess.WorldState,
		Character: sess.Character,
		Active:    sess.ActiveQuests,
		Completed: sess.CompletedQuests,
		Arc:       sess.ArcName,
		ArcStart:  sess.ArcStartRound,
		Total:     sess.TotalRounds,
		Rounds:    sess.Rounds,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return eventlog.Checksum(raw)
}
