package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	sessionLocks sync.Map // sessionID -> *sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL,
		world_state_json TEXT NOT NULL,
		character_json TEXT NOT NULL,
		active_quests_json TEXT NOT NULL,
		completed_quests_json TEXT NOT NULL,
		arc_name TEXT NOT NULL,
		arc_start_round INTEGER NOT NULL,
		total_rounds INTEGER NOT NULL,
		rounds INTEGER NOT NULL,
		version INTEGER NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions(player_id);

	CREATE TABLE IF NOT EXISTS world_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		checksum TEXT NOT NULL,
		arc_name TEXT NOT NULL,
		round INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS dice_rolls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		die TEXT NOT NULL,
		modifier INTEGER NOT NULL DEFAULT 0,
		result INTEGER NOT NULL,
		final INTEGER NOT NULL,
		context TEXT,
		difficulty INTEGER,
		success INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dice_rolls_session ON dice_rolls(session_id);

	CREATE TABLE IF NOT EXISTS convergence (
		session_id TEXT PRIMARY KEY,
		progress REAL NOT NULL,
		nearest_scenario_id TEXT,
		nearest_scenario_title TEXT,
		nearest_distance REAL NOT NULL DEFAULT 0,
		scenario_progress_json TEXT NOT NULL,
		hints_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// LockSession acquires the per-session writer mutex. All reconciler
// writes for one session ID are serialized through this lock, making
// the version bump and checksum update a real critical section.
func (s *SQLiteStore) LockSession(sessionID string) func() {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, player_id, world_state_json, character_json,
		       active_quests_json, completed_quests_json,
		       arc_name, arc_start_round, total_rounds, rounds,
		       version, checksum, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var worldJSON, charJSON, activeJSON, completedJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.PlayerID, &worldJSON, &charJSON,
		&activeJSON, &completedJSON,
		&sess.ArcName, &sess.ArcStartRound, &sess.TotalRounds, &sess.Rounds,
		&sess.Version, &sess.Checksum, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(worldJSON), &sess.WorldState); err != nil {
		return nil, fmt.Errorf("decode world state: %w", err)
	}
	if err := json.Unmarshal([]byte(charJSON), &sess.Character); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	if err := json.Unmarshal([]byte(activeJSON), &sess.ActiveQuests); err != nil {
		return nil, fmt.Errorf("decode active quests: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &sess.CompletedQuests); err != nil {
		return nil, fmt.Errorf("decode completed quests: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	return &sess, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	worldJSON, charJSON, activeJSON, completedJSON, err := encodeSessionBlobs(session)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (
			session_id, player_id, world_state_json, character_json,
			active_quests_json, completed_quests_json,
			arc_name, arc_start_round, total_rounds, rounds,
			version, checksum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.PlayerID, worldJSON, charJSON,
		activeJSON, completedJSON,
		session.ArcName, session.ArcStartRound, session.TotalRounds, session.Rounds,
		session.Version, session.Checksum,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession persists session state with an optimistic version check.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session, expectedVersion int64) error {
	worldJSON, charJSON, activeJSON, completedJSON, err := encodeSessionBlobs(session)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions SET
			world_state_json = ?, character_json = ?,
			active_quests_json = ?, completed_quests_json = ?,
			arc_name = ?, arc_start_round = ?, total_rounds = ?, rounds = ?,
			version = ?, checksum = ?, updated_at = ?
		WHERE session_id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		worldJSON, charJSON, activeJSON, completedJSON,
		session.ArcName, session.ArcStartRound, session.TotalRounds, session.Rounds,
		session.Version, session.Checksum, time.Now().Unix(),
		session.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", session.ID, "expected_version", expectedVersion)
		return ErrVersionConflict
	}
	return nil
}

func encodeSessionBlobs(session *domain.Session) (world, character, active, completed string, err error) {
	worldJSON, err := json.Marshal(session.WorldState)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode world state: %w", err)
	}
	charJSON, err := json.Marshal(session.Character)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode character: %w", err)
	}
	activeJSON, err := json.Marshal(session.ActiveQuests)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode active quests: %w", err)
	}
	completedJSON, err := json.Marshal(session.CompletedQuests)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode completed quests: %w", err)
	}
	return string(worldJSON), string(charJSON), string(activeJSON), string(completedJSON), nil
}

// AppendEvent appends a world event with a per-session gapless
// sequence number. The MAX(seq)+1 read and the insert run in one
// transaction; the (session_id, seq) primary key rejects the losing
// side of a race, which is retried with backoff.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.WorldEvent) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.appendEventOnce(ctx, event)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) && !shared.IsSQLiteConstraintError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("AppendEvent conflict, retrying",
				"session_id", event.SessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("append event for %s after %d attempts: %w", event.SessionID, maxRetries, err)
}

func (s *SQLiteStore) appendEventOnce(ctx context.Context, event *domain.WorldEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back event tx", "error", rbErr)
		}
	}()

	var seq int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM world_events WHERE session_id = ?`,
		event.SessionID,
	)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_events (session_id, seq, kind, payload_json, checksum, arc_name, round, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, seq, event.Kind, string(event.Payload),
		event.Checksum, event.ArcName, event.Round, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event tx: %w", err)
	}

	event.Seq = seq
	return nil
}

// ListEvents returns events for a session in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.WorldEvent, error) {
	query := `
		SELECT session_id, seq, kind, payload_json, checksum, arc_name, round, created_at
		FROM world_events WHERE session_id = ? ORDER BY seq`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.WorldEvent
	for rows.Next() {
		var ev domain.WorldEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(
			&ev.SessionID, &ev.Seq, &ev.Kind, &payload,
			&ev.Checksum, &ev.ArcName, &ev.Round, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SaveDiceRoll persists one dice-roll audit row.
func (s *SQLiteStore) SaveDiceRoll(ctx context.Context, roll *domain.DiceRollRecord) error {
	if roll.CreatedAt.IsZero() {
		roll.CreatedAt = time.Now()
	}

	var difficulty interface{}
	if roll.Difficulty != nil {
		difficulty = *roll.Difficulty
	}
	var success interface{}
	if roll.Success != nil {
		success = *roll.Success
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dice_rolls (session_id, die, modifier, result, final, context, difficulty, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roll.SessionID, roll.Die, roll.Modifier, roll.Result, roll.Final,
		roll.Context, difficulty, success, roll.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert dice roll: %w", err)
	}
	return nil
}

// GetConvergence retrieves convergence status for a session.
func (s *SQLiteStore) GetConvergence(ctx context.Context, sessionID string) (*domain.ConvergenceStatus, error) {
	query := `
		SELECT session_id, progress, nearest_scenario_id, nearest_scenario_title,
		       nearest_distance, scenario_progress_json, hints_json, updated_at
		FROM convergence WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var status domain.ConvergenceStatus
	var scenarioID, scenarioTitle sql.NullString
	var scenarioJSON, hintsJSON string
	var updatedAt int64

	err := row.Scan(
		&status.SessionID, &status.Progress, &scenarioID, &scenarioTitle,
		&status.NearestDistance, &scenarioJSON, &hintsJSON, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan convergence row: %w", err)
	}

	status.NearestScenarioID = scenarioID.String
	status.NearestScenarioTitle = scenarioTitle.String
	if err := json.Unmarshal([]byte(scenarioJSON), &status.ScenarioProgress); err != nil {
		return nil, fmt.Errorf("decode scenario progress: %w", err)
	}
	if err := json.Unmarshal([]byte(hintsJSON), &status.Hints); err != nil {
		return nil, fmt.Errorf("decode hints: %w", err)
	}
	status.UpdatedAt = time.Unix(updatedAt, 0)

	return &status, nil
}

// UpsertConvergence creates or replaces convergence status.
func (s *SQLiteStore) UpsertConvergence(ctx context.Context, status *domain.ConvergenceStatus) error {
	scenarioJSON, err := json.Marshal(status.ScenarioProgress)
	if err != nil {
		return fmt.Errorf("encode scenario progress: %w", err)
	}
	hintsJSON, err := json.Marshal(status.Hints)
	if err != nil {
		return fmt.Errorf("encode hints: %w", err)
	}

	query := `
		INSERT INTO convergence (
			session_id, progress, nearest_scenario_id, nearest_scenario_title,
			nearest_distance, scenario_progress_json, hints_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			progress = excluded.progress,
			nearest_scenario_id = excluded.nearest_scenario_id,
			nearest_scenario_title = excluded.nearest_scenario_title,
			nearest_distance = excluded.nearest_distance,
			scenario_progress_json = excluded.scenario_progress_json,
			hints_json = excluded.hints_json,
			updated_at = excluded.updated_at`

	var scenarioID interface{}
	if status.NearestScenarioID != "" {
		scenarioID = status.NearestScenarioID
	}
	var scenarioTitle interface{}
	if status.NearestScenarioTitle != "" {
		scenarioTitle = status.NearestScenarioTitle
	}

	_, err = s.db.ExecContext(ctx, query,
		status.SessionID, status.Progress, scenarioID, scenarioTitle,
		status.NearestDistance, string(scenarioJSON), string(hintsJSON),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert convergence: %w", err)
	}
	return nil
}
