package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session status constants.
const (
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusInterrupted      = "interrupted"
)

// TerminalStatus reports whether a session status admits no further work.
// Interrupted sessions are not terminal: they resume.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Session is one recipe execution tracked in the store. StageIndex is the
// index of the next stage to run, which equals the number of stages whose
// checkpoints have committed.
type Session struct {
	SessionID  string     `json:"session_id"`
	RecipeName string     `json:"recipe_name"`
	RecipePath string     `json:"recipe_path"`
	Status     string     `json:"status"`
	StageIndex int        `json:"stage_index"`
	DenyPolicy string     `json:"deny_policy"`
	VarsJSON   string     `json:"vars_json"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// CreateSession inserts a new session record with status running.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	varsJSON := session.VarsJSON
	if varsJSON == "" {
		varsJSON = "{}"
	}
	denyPolicy := session.DenyPolicy
	if denyPolicy == "" {
		denyPolicy = "abort"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipe_sessions (session_id, recipe_name, recipe_path, status, stage_index, deny_policy, vars_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.RecipeName, session.RecipePath, StatusRunning, session.StageIndex, denyPolicy, varsJSON)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, recipe_name, recipe_path, status, stage_index, deny_policy, vars_json, created_at, updated_at, ended_at, last_error`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var session Session
	var endedAt sql.NullString
	var lastError sql.NullString
	err := row.Scan(
		&session.SessionID, &session.RecipeName, &session.RecipePath,
		&session.Status, &session.StageIndex, &session.DenyPolicy, &session.VarsJSON,
		&session.CreatedAt, &session.UpdatedAt, &endedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if endedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, endedAt.String); parseErr == nil {
			session.EndedAt = &t
		}
	}
	if lastError.Valid {
		session.LastError = lastError.String
	}
	return &session, nil
}

// GetSession returns a session by ID, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM recipe_sessions
		WHERE session_id = ?
	`, sessionID)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM recipe_sessions
		ORDER BY created_at DESC, session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus moves a session to status. Terminal statuses also
// stamp ended_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	var result sql.Result
	var err error
	if TerminalStatus(status) {
		result, err = s.db.ExecContext(ctx, `
			UPDATE recipe_sessions
			SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'), ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ?
		`, status, sessionID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE recipe_sessions
			SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ?
		`, status, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return checkAffected(result)
}

// SetStageIndex records the index of the next stage to run.
func (s *Store) SetStageIndex(ctx context.Context, sessionID string, stageIndex int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipe_sessions
		SET stage_index = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ?
	`, stageIndex, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set stage index: %w", err)
	}
	return checkAffected(result)
}

// FinishSession moves a session to a terminal status, recording the failure
// reason when there is one.
func (s *Store) FinishSession(ctx context.Context, sessionID, status, lastError string) error {
	if !TerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipe_sessions
		SET status = ?, last_error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'), ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ?
	`, status, nullIfEmpty(lastError), sessionID)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return checkAffected(result)
}

// MarkInterrupted flips any running sessions to interrupted. Called at
// startup so sessions a dead process abandoned mid-stage become
// resumable. Sessions awaiting approval are already durably suspended
// and keep their status, so their gates stay decidable after a restart.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipe_sessions
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, StatusInterrupted, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("marked %d stale sessions interrupted", affected)
	}
	return affected, nil
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
