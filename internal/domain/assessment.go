package domain

// Strategy is the narrator's verdict on the player's last action.
type Strategy string

const (
	StrategyAccept  Strategy = "ACCEPT"
	StrategyAdjust  Strategy = "ADJUST"
	StrategyCorrect Strategy = "CORRECT"
)

// Valid reports whether s is one of the three allowed strategy values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAccept, StrategyAdjust, StrategyCorrect:
		return true
	}
	return false
}

// Assessment is the structured record embedded in a model turn. The
// four scores and the strategy are required; every payload section is
// optional and applied independently by the reconciler.
type Assessment struct {
	RuleCompliance      float64            `json:"ruleCompliance"`
	ContextConsistency  float64            `json:"contextConsistency"`
	ConvergenceProgress float64            `json:"convergenceProgress"`
	OverallScore        float64            `json:"overallScore"`
	Strategy            Strategy           `json:"strategy"`
	Notes               string             `json:"notes,omitempty"`
	Hints               []string           `json:"hints,omitempty"`
	DiceRolls           []DiceRoll         `json:"diceRolls,omitempty"`
	QuestUpdates        *QuestUpdates      `json:"questUpdates,omitempty"`
	WorldStateUpdates   map[string]any     `json:"worldStateUpdates,omitempty"`
	ArcUpdates          *ArcUpdate         `json:"arcUpdates,omitempty"`
	ConvergenceUpdates  *ConvergenceUpdate `json:"convergenceUpdates,omitempty"`
	MemoryUpdates       []MemoryUpdate     `json:"memoryUpdates,omitempty"`
}

// QuestUpdates groups quest transitions proposed by one turn.
type QuestUpdates struct {
	Created   []Quest `json:"created,omitempty"`
	Progress  []Quest `json:"progress,omitempty"`
	Completed []Quest `json:"completed,omitempty"`
	Expired   []Quest `json:"expired,omitempty"`
}

// Empty reports whether no transition list carries entries.
func (q *QuestUpdates) Empty() bool {
	return q == nil ||
		len(q.Created) == 0 && len(q.Progress) == 0 &&
			len(q.Completed) == 0 && len(q.Expired) == 0
}

// ArcUpdate proposes a new story arc. StartRound must lie within
// (0, TotalRounds] or the update is discarded.
type ArcUpdate struct {
	Name        string `json:"name"`
	StartRound  int    `json:"startRound"`
	TotalRounds int    `json:"totalRounds"`
}

// ConvergenceUpdate carries story-progress changes for the tracker.
// SetProgress wins over AddProgress when both are present.
type ConvergenceUpdate struct {
	SetProgress          *float64           `json:"setProgress,omitempty"`
	AddProgress          *float64           `json:"addProgress,omitempty"`
	NearestScenarioID    string             `json:"nearestScenarioId,omitempty"`
	NearestScenarioTitle string             `json:"nearestScenarioTitle,omitempty"`
	NearestDistance      *float64           `json:"nearestDistance,omitempty"`
	ScenarioProgress     map[string]float64 `json:"scenarioProgress,omitempty"`
	Hints                []string           `json:"hints,omitempty"`
}

// MemoryUpdate is a narrative memory the model wants persisted.
type MemoryUpdate struct {
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}
