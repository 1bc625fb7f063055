package recipe

import (
	"errors"
	"fmt"
)

// ApprovalDeniedError reports a gated stage denied under the abort policy.
type ApprovalDeniedError struct {
	SessionID string
	Stage     string
	Reason    string
}

func (e *ApprovalDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("approval denied for stage %q", e.Stage)
	}
	return fmt.Sprintf("approval denied for stage %q: %s", e.Stage, e.Reason)
}

// ErrSessionBusy is returned when a second driver tries to advance a
// session that already has one executing.
var ErrSessionBusy = errors.New("session is already executing")

// ErrSessionNotActive is returned by Approve and Deny when the session is
// neither live in this process nor suspended at a gate in the store.
// Interrupted sessions must be resumed first; the resume re-enters the
// gate and re-arms it.
var ErrSessionNotActive = errors.New("session is not awaiting a decision")

// ErrNotInterrupted is returned when resuming a session that is neither
// interrupted nor suspended at a gate.
var ErrNotInterrupted = errors.New("session is not resumable")
