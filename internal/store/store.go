// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ykarelin/storyloom/internal/domain"
)

// ErrVersionConflict is returned when an optimistic session update
// loses against a concurrent writer.
var ErrVersionConflict = errors.New("session version conflict")

// Repository defines the interface for persisting story state.
type Repository interface {
	// GetSession retrieves a session by ID. Returns (nil, nil) when
	// the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// UpdateSession persists session state. The update only applies
	// if the stored version still equals expectedVersion (optimistic
	// locking); otherwise ErrVersionConflict is returned.
	UpdateSession(ctx context.Context, session *domain.Session, expectedVersion int64) error

	// LockSession acquires the single-writer lock for a session ID
	// and returns the release function. Reconciliation passes hold
	// this lock across read, apply, and version bump.
	LockSession(sessionID string) (unlock func())

	// AppendEvent appends a world event, assigning event.Seq as the
	// current per-session maximum plus one. Sequence numbers are
	// gapless and strictly increasing per session.
	AppendEvent(ctx context.Context, event *domain.WorldEvent) error

	// ListEvents returns events for a session in sequence order.
	// A non-positive limit returns all events.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.WorldEvent, error)

	// SaveDiceRoll persists one dice-roll audit row.
	SaveDiceRoll(ctx context.Context, roll *domain.DiceRollRecord) error

	// GetConvergence retrieves convergence status for a session.
	// Returns (nil, nil) when no status has been stored yet.
	GetConvergence(ctx context.Context, sessionID string) (*domain.ConvergenceStatus, error)

	// UpsertConvergence creates or replaces convergence status.
	UpsertConvergence(ctx context.Context, status *domain.ConvergenceStatus) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
