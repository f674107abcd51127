package domain

import "time"

// ConvergenceStatus tracks how close a session's story is to one of
// the predefined ending scenarios. Progress is always clamped to
// [0,1].
type ConvergenceStatus struct {
	SessionID            string             `json:"session_id"`
	Progress             float64            `json:"progress"`
	NearestScenarioID    string             `json:"nearest_scenario_id,omitempty"`
	NearestScenarioTitle string             `json:"nearest_scenario_title,omitempty"`
	NearestDistance      float64            `json:"nearest_distance,omitempty"`
	ScenarioProgress     map[string]float64 `json:"scenario_progress,omitempty"`
	Hints                []string           `json:"hints,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}
