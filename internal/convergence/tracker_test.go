package convergence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo)
}

func TestGetCreatesZeroedStatus(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t)
	status, err := tracker.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status.Progress != 0 {
		t.Errorf("Progress = %v, want 0", status.Progress)
	}
	if status.SessionID != "s1" {
		t.Errorf("SessionID = %q", status.SessionID)
	}
}

func TestSetAndAddProgressClamp(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t)
	ctx := context.Background()

	status, err := tracker.SetProgress(ctx, "s1", 1.7)
	if err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	if status.Progress != 1 {
		t.Errorf("Progress = %v, want clamp to 1", status.Progress)
	}

	status, err = tracker.AddProgress(ctx, "s1", -3)
	if err != nil {
		t.Fatalf("AddProgress failed: %v", err)
	}
	if status.Progress != 0 {
		t.Errorf("Progress = %v, want clamp to 0", status.Progress)
	}
}

func TestApplySetWinsOverAdd(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t)
	ctx := context.Background()

	set, add := 0.5, 0.2
	status, err := tracker.Apply(ctx, "s1", &domain.ConvergenceUpdate{
		SetProgress: &set,
		AddProgress: &add,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if status.Progress != 0.5 {
		t.Errorf("Progress = %v, SetProgress must win", status.Progress)
	}
}

func TestApplyReplacesScenarioFields(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t)
	ctx := context.Background()

	dist := 0.25
	status, err := tracker.Apply(ctx, "s1", &domain.ConvergenceUpdate{
		NearestScenarioID:    "ending-1",
		NearestScenarioTitle: "Crown of Ash",
		NearestDistance:      &dist,
		ScenarioProgress:     map[string]float64{"ending-1": 1.4},
		Hints:                []string{"seek the throne"},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if status.NearestScenarioTitle != "Crown of Ash" {
		t.Errorf("NearestScenarioTitle = %q", status.NearestScenarioTitle)
	}
	if status.ScenarioProgress["ending-1"] != 1 {
		t.Errorf("ScenarioProgress = %v, per-scenario values clamp too", status.ScenarioProgress)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want float64 }{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{2.5, 1},
	}
	for _, tc := range cases {
		if got := Clamp(tc.in); got != tc.want {
			t.Errorf("Clamp(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPhaseLabels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		progress float64
		want     string
	}{
		{0, "early"},
		{0.29, "early"},
		{0.3, "developing"},
		{0.5, "developing"},
		{0.51, "mid"},
		{0.7, "mid"},
		{0.71, "late"},
		{1, "late"},
	}
	for _, tc := range cases {
		if got := Phase(tc.progress); got != tc.want {
			t.Errorf("Phase(%v) = %q, want %q", tc.progress, got, tc.want)
		}
	}
}

func TestSummaryFormat(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t)
	ctx := context.Background()

	set := 0.8
	if _, err := tracker.Apply(ctx, "s1", &domain.ConvergenceUpdate{
		SetProgress:          &set,
		NearestScenarioTitle: "Crown of Ash",
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	summary, err := tracker.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if !strings.Contains(summary, "80%") || !strings.Contains(summary, "late phase") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "nearest: Crown of Ash") {
		t.Errorf("summary = %q", summary)
	}
}
