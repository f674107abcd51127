// Package convergence tracks per-session story progress toward the
// predefined ending scenarios.
package convergence

import (
	"context"
	"fmt"
	"time"

	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/store"
)

// Tracker owns convergence status records with get-or-create
// semantics per session. Progress values are always clamped to [0,1].
type Tracker struct {
	repo store.Repository
}

// New creates a tracker over the given repository.
func New(repo store.Repository) *Tracker {
	return &Tracker{repo: repo}
}

// Get returns the session's convergence status, creating a zeroed
// record on first access.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*domain.ConvergenceStatus, error) {
	status, err := t.repo.GetConvergence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if status != nil {
		return status, nil
	}

	status = &domain.ConvergenceStatus{
		SessionID:        sessionID,
		Progress:         0,
		ScenarioProgress: make(map[string]float64),
		Hints:            []string{},
		UpdatedAt:        time.Now(),
	}
	if err := t.repo.UpsertConvergence(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

// SetProgress replaces the progress scalar, clamped to [0,1].
func (t *Tracker) SetProgress(ctx context.Context, sessionID string, value float64) (*domain.ConvergenceStatus, error) {
	status, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status.Progress = Clamp(value)
	status.UpdatedAt = time.Now()
	if err := t.repo.UpsertConvergence(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

// AddProgress shifts the progress scalar by delta, clamped to [0,1].
func (t *Tracker) AddProgress(ctx context.Context, sessionID string, delta float64) (*domain.ConvergenceStatus, error) {
	status, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status.Progress = Clamp(status.Progress + delta)
	status.UpdatedAt = time.Now()
	if err := t.repo.UpsertConvergence(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Apply folds one convergence update from an assessment into the
// stored status. SetProgress wins over AddProgress when both appear.
func (t *Tracker) Apply(ctx context.Context, sessionID string, update *domain.ConvergenceUpdate) (*domain.ConvergenceStatus, error) {
	status, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case update.SetProgress != nil:
		status.Progress = Clamp(*update.SetProgress)
	case update.AddProgress != nil:
		status.Progress = Clamp(status.Progress + *update.AddProgress)
	}

	if update.NearestScenarioID != "" {
		status.NearestScenarioID = update.NearestScenarioID
	}
	if update.NearestScenarioTitle != "" {
		status.NearestScenarioTitle = update.NearestScenarioTitle
	}
	if update.NearestDistance != nil {
		status.NearestDistance = *update.NearestDistance
	}
	if update.ScenarioProgress != nil {
		replaced := make(map[string]float64, len(update.ScenarioProgress))
		for id, p := range update.ScenarioProgress {
			replaced[id] = Clamp(p)
		}
		status.ScenarioProgress = replaced
	}
	if update.Hints != nil {
		status.Hints = update.Hints
	}

	status.UpdatedAt = time.Now()
	if err := t.repo.UpsertConvergence(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Summary renders a one-line human-readable progress report:
// percentage, nearest scenario when known, and a coarse phase label.
func (t *Tracker) Summary(ctx context.Context, sessionID string) (string, error) {
	status, err := t.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	line := fmt.Sprintf("convergence %.0f%% (%s phase)", status.Progress*100, Phase(status.Progress))
	if status.NearestScenarioTitle != "" {
		line += fmt.Sprintf(", nearest: %s", status.NearestScenarioTitle)
	} else if status.NearestScenarioID != "" {
		line += fmt.Sprintf(", nearest: %s", status.NearestScenarioID)
	}
	return line, nil
}

// Clamp bounds a progress value to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Phase maps progress to a coarse story-phase label. The source
// thresholds are non-exclusive; precedence here is late, mid, early.
func Phase(progress float64) string {
	switch {
	case progress > 0.7:
		return "late"
	case progress > 0.5:
		return "mid"
	case progress < 0.3:
		return "early"
	default:
		return "developing"
	}
}
