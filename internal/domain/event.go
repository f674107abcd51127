package domain

import (
	"encoding/json"
	"time"
)

// Event kinds written by the reconciler, one per applied section.
const (
	EventDiceRolls   = "dice_rolls"
	EventQuestUpdate = "quest_update"
	EventWorldState  = "world_state"
	EventArcUpdate   = "arc_update"
	EventConvergence = "convergence"
	EventMemory      = "memory"
)

// WorldEvent is one immutable audit-log entry. Seq is assigned by the
// store at append time and is strictly increasing per session with no
// gaps. Checksum covers the serialized payload; it is a consistency
// check, not a cryptographic guarantee.
type WorldEvent struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
	ArcName   string          `json:"arc_name"`
	Round     int             `json:"round"`
	CreatedAt time.Time       `json:"created_at"`
}

// DiceRoll is one roll reported inside an assessment. Die and Result
// are required for the roll to be persisted.
type DiceRoll struct {
	Die        string `json:"die"`
	Modifier   int    `json:"modifier,omitempty"`
	Result     int    `json:"result"`
	Final      int    `json:"final,omitempty"`
	Context    string `json:"context,omitempty"`
	Difficulty *int   `json:"difficulty,omitempty"`
}

// WellFormed reports whether the roll carries the minimum fields
// needed for an audit row.
func (d DiceRoll) WellFormed() bool {
	return d.Die != "" && d.Result != 0
}

// Success reports whether the final result met the difficulty
// threshold. Rolls without a difficulty are neither success nor
// failure; ok is false for those.
func (d DiceRoll) Success() (success, ok bool) {
	if d.Difficulty == nil {
		return false, false
	}
	final := d.Final
	if final == 0 {
		final = d.Result + d.Modifier
	}
	return final >= *d.Difficulty, true
}

// DiceRollRecord is the persisted form of a DiceRoll.
type DiceRollRecord struct {
	SessionID  string    `json:"session_id"`
	Die        string    `json:"die"`
	Modifier   int       `json:"modifier"`
	Result     int       `json:"result"`
	Final      int       `json:"final"`
	Context    string    `json:"context,omitempty"`
	Difficulty *int      `json:"difficulty,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
