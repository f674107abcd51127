// Package domain contains the persistent story-state types.
package domain

import (
	"time"
)

// Session is the durable state of one interactive story.
// It is mutated only by the reconciler, under the store's
// per-session writer lock.
type Session struct {
	ID              string           `json:"id"`
	PlayerID        string           `json:"player_id"`
	WorldState      map[string]any   `json:"world_state"`
	Character       Character        `json:"character"`
	ActiveQuests    map[string]Quest `json:"active_quests"`
	CompletedQuests []Quest          `json:"completed_quests"`
	ArcName         string           `json:"arc_name"`
	ArcStartRound   int              `json:"arc_start_round"`
	TotalRounds     int              `json:"total_rounds"`
	Rounds          int              `json:"rounds"`
	Version         int64            `json:"version"`
	Checksum        string           `json:"checksum"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewSession returns a fresh session with initialized containers and a
// level-1 character.
func NewSession(id, playerID string) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		PlayerID:        playerID,
		WorldState:      make(map[string]any),
		Character:       NewCharacter(),
		ActiveQuests:    make(map[string]Quest),
		CompletedQuests: []Quest{},
		ArcName:         "prologue",
		ArcStartRound:   1,
		TotalRounds:     20,
		Rounds:          0,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Character holds the player character sheet embedded in a session.
type Character struct {
	Name       string         `json:"name"`
	Level      int            `json:"level"`
	Experience int            `json:"experience"`
	Gold       int            `json:"gold"`
	Attributes map[string]int `json:"attributes"`
	Health     int            `json:"health"`
	MaxHealth  int            `json:"max_health"`
	Mana       int            `json:"mana"`
	MaxMana    int            `json:"max_mana"`
	Inventory  []string       `json:"inventory"`
	Skills     []string       `json:"skills,omitempty"`
}

// AttributeNames is the fixed attribute set level-up points are
// distributed across.
var AttributeNames = []string{"strength", "agility", "intellect", "spirit"}

// NewCharacter returns a level-1 character with full resource pools.
func NewCharacter() Character {
	attrs := make(map[string]int, len(AttributeNames))
	for _, name := range AttributeNames {
		attrs[name] = 10
	}
	return Character{
		Level:      1,
		Experience: 0,
		Gold:       0,
		Attributes: attrs,
		Health:     100,
		MaxHealth:  100,
		Mana:       50,
		MaxMana:    50,
		Inventory:  []string{},
	}
}

// Quest is a story quest tracked on the session. Active quests are
// keyed by ID; a quest ID belongs to at most one of active/completed.
type Quest struct {
	ID          string  `json:"id"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Progress    string  `json:"progress,omitempty"`
	Reward      *Reward `json:"reward,omitempty"`
}

// Reward is granted when a quest completes. Items use the canonical
// "name x count" stack encoding, e.g. "swordx2".
type Reward struct {
	Gold       int      `json:"gold,omitempty"`
	Experience int      `json:"experience,omitempty"`
	Items      []string `json:"items,omitempty"`
}
