package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrApprovalNotPending is returned when deciding an approval that does not
// exist or was already decided.
var ErrApprovalNotPending = errors.New("approval not pending")

// ErrApprovalNotFound is returned when a stage has no approval record at all.
var ErrApprovalNotFound = errors.New("no approval for stage")

// Approval status constants.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Approval is one human gate on a recipe stage.
type Approval struct {
	ApprovalID  string     `json:"approval_id"`
	SessionID   string     `json:"session_id"`
	StageIndex  int        `json:"stage_index"`
	StageName   string     `json:"stage_name"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// CreateApproval inserts a pending approval for a gated stage.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, session_id, stage_index, stage_name, status)
		VALUES (?, ?, ?, ?, ?)
	`, a.ApprovalID, a.SessionID, a.StageIndex, a.StageName, ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// DecideApproval transitions a pending approval to approved or denied. The
// WHERE clause guards the transition: an approval that is missing or already
// decided returns ErrApprovalNotPending with no state change.
func (s *Store) DecideApproval(ctx context.Context, approvalID, status, reason string) error {
	if status != ApprovalApproved && status != ApprovalDenied {
		return fmt.Errorf("invalid approval decision %q", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, reason = ?, decided_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE approval_id = ? AND status = ?
	`, status, nullIfEmpty(reason), approvalID, ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrApprovalNotPending
	}
	return nil
}

const approvalColumns = `approval_id, session_id, stage_index, stage_name, status, reason, requested_at, decided_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var reason sql.NullString
	var decidedAt sql.NullString
	err := row.Scan(&a.ApprovalID, &a.SessionID, &a.StageIndex, &a.StageName, &a.Status, &reason, &a.RequestedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		a.Reason = reason.String
	}
	if decidedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, decidedAt.String); parseErr == nil {
			a.DecidedAt = &t
		}
	}
	return &a, nil
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// PendingApprovals returns every pending approval across sessions, oldest
// first.
func (s *Store) PendingApprovals(ctx context.Context) ([]Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE status = ?
		ORDER BY requested_at, approval_id
	`, ApprovalPending)
}

// SessionApprovals returns all approvals for one session in stage order.
func (s *Store) SessionApprovals(ctx context.Context, sessionID string) ([]Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE session_id = ?
		ORDER BY stage_index, requested_at
	`, sessionID)
}

// PendingApprovalForStage returns the pending approval gating a specific
// stage of a session, or ErrApprovalNotPending.
func (s *Store) PendingApprovalForStage(ctx context.Context, sessionID string, stageIndex int) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE session_id = ? AND stage_index = ? AND status = ?
		ORDER BY requested_at DESC
		LIMIT 1
	`, sessionID, stageIndex, ApprovalPending)

	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	return a, nil
}

// StageApproval returns the most recent approval recorded for a stage,
// whatever its status. Gate evaluation uses it to decide whether to create
// a new approval, keep waiting, or act on a decision.
func (s *Store) StageApproval(ctx context.Context, sessionID string, stageIndex int) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE session_id = ? AND stage_index = ?
		ORDER BY requested_at DESC, approval_id DESC
		LIMIT 1
	`, sessionID, stageIndex)

	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	return a, nil
}
