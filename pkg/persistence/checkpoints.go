package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNoCheckpoint is returned when a session has no checkpoint yet.
var ErrNoCheckpoint = errors.New("no checkpoint for session")

// CheckpointCorruptError is returned when a stored checkpoint fails its
// checksum. The stored row is left untouched so it can be inspected.
type CheckpointCorruptError struct {
	SessionID  string
	StageIndex int
}

func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("checkpoint for session %s stage %d failed checksum verification", e.SessionID, e.StageIndex)
}

// Checkpoint captures a session's state after a stage completed: the
// serialized context, the variable map, and a checksum over both.
type Checkpoint struct {
	SessionID   string    `json:"session_id"`
	StageIndex  int       `json:"stage_index"`
	ContextJSON string    `json:"context_json"`
	VarsJSON    string    `json:"vars_json"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Checksum computes the sha-256 checksum stored alongside a checkpoint.
func Checksum(contextJSON, varsJSON string) string {
	h := sha256.New()
	h.Write([]byte(contextJSON))
	h.Write([]byte{0})
	h.Write([]byte(varsJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// SaveCheckpoint upserts a checkpoint and advances the session's stage
// index in one transaction. The stage is durably "completed" exactly when
// this commits.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	varsJSON := cp.VarsJSON
	if varsJSON == "" {
		varsJSON = "{}"
	}
	cp.VarsJSON = varsJSON
	cp.Checksum = Checksum(cp.ContextJSON, varsJSON)

	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (session_id, stage_index, context_json, vars_json, checksum)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, stage_index) DO UPDATE SET
				context_json = excluded.context_json,
				vars_json = excluded.vars_json,
				checksum = excluded.checksum,
				created_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		`, cp.SessionID, cp.StageIndex, cp.ContextJSON, varsJSON, cp.Checksum)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE recipe_sessions
			SET stage_index = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ?
		`, cp.StageIndex+1, cp.SessionID)
		if err != nil {
			return fmt.Errorf("failed to advance stage index: %w", err)
		}
		return checkAffected(result)
	})
}

// LatestCheckpoint returns the highest-stage checkpoint for a session,
// verifying its checksum. A missing checkpoint returns ErrNoCheckpoint; a
// checksum mismatch returns CheckpointCorruptError without modifying the
// stored row.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, stage_index, context_json, vars_json, checksum, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY stage_index DESC
		LIMIT 1
	`, sessionID)

	var cp Checkpoint
	err := row.Scan(&cp.SessionID, &cp.StageIndex, &cp.ContextJSON, &cp.VarsJSON, &cp.Checksum, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	if Checksum(cp.ContextJSON, cp.VarsJSON) != cp.Checksum {
		return nil, &CheckpointCorruptError{SessionID: cp.SessionID, StageIndex: cp.StageIndex}
	}
	return &cp, nil
}
