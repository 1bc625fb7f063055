package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestApproval(t *testing.T, store *Store, approvalID, sessionID string, stageIndex int) {
	t.Helper()

	err := store.CreateApproval(context.Background(), &Approval{
		ApprovalID: approvalID,
		SessionID:  sessionID,
		StageIndex: stageIndex,
		StageName:  "deploy",
	})
	require.NoError(t, err)
}

func TestCreateApprovalDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-1", "sess-1", 2)

	approval, err := store.PendingApprovalForStage(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "appr-1", approval.ApprovalID)
	assert.Equal(t, "sess-1", approval.SessionID)
	assert.Equal(t, 2, approval.StageIndex)
	assert.Equal(t, "deploy", approval.StageName)
	assert.Equal(t, ApprovalPending, approval.Status)
	assert.Empty(t, approval.Reason)
	assert.False(t, approval.RequestedAt.IsZero())
	assert.Nil(t, approval.DecidedAt)
}

func TestDecideApprovalApprove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-1", "sess-1", 0)

	require.NoError(t, store.DecideApproval(ctx, "appr-1", ApprovalApproved, "looks good"))

	approvals, err := store.SessionApprovals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, ApprovalApproved, approvals[0].Status)
	assert.Equal(t, "looks good", approvals[0].Reason)
	require.NotNil(t, approvals[0].DecidedAt)
}

func TestDecideApprovalDeny(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-1", "sess-1", 0)

	require.NoError(t, store.DecideApproval(ctx, "appr-1", ApprovalDenied, "wrong branch"))

	approvals, err := store.SessionApprovals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, ApprovalDenied, approvals[0].Status)
	assert.Equal(t, "wrong branch", approvals[0].Reason)
}

func TestDecideApprovalTwice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-1", "sess-1", 0)

	require.NoError(t, store.DecideApproval(ctx, "appr-1", ApprovalApproved, ""))

	err := store.DecideApproval(ctx, "appr-1", ApprovalDenied, "too late")
	assert.ErrorIs(t, err, ErrApprovalNotPending)

	// The first decision stands.
	approvals, err := store.SessionApprovals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, ApprovalApproved, approvals[0].Status)
}

func TestDecideApprovalMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.DecideApproval(context.Background(), "missing", ApprovalApproved, "")
	assert.ErrorIs(t, err, ErrApprovalNotPending)
}

func TestDecideApprovalInvalidStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-1", "sess-1", 0)

	err := store.DecideApproval(ctx, "appr-1", "maybe", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid approval decision")
}

func TestPendingApprovalsExcludesDecided(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestSession(t, store, "sess-2")
	createTestApproval(t, store, "appr-1", "sess-1", 0)
	createTestApproval(t, store, "appr-2", "sess-2", 1)
	require.NoError(t, store.DecideApproval(ctx, "appr-1", ApprovalApproved, ""))

	pending, err := store.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "appr-2", pending[0].ApprovalID)
}

func TestSessionApprovalsOrderedByStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")
	createTestApproval(t, store, "appr-b", "sess-1", 3)
	createTestApproval(t, store, "appr-a", "sess-1", 1)

	approvals, err := store.SessionApprovals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, "appr-a", approvals[0].ApprovalID)
	assert.Equal(t, "appr-b", approvals[1].ApprovalID)
}

func TestStageApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	_, err := store.StageApproval(ctx, "sess-1", 0)
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	createTestApproval(t, store, "appr-1", "sess-1", 0)
	require.NoError(t, store.DecideApproval(ctx, "appr-1", ApprovalApproved, ""))

	approval, err := store.StageApproval(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, approval.Status, "decided approvals stay visible to gate evaluation")
}

func TestPendingApprovalForStageMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	_, err := store.PendingApprovalForStage(ctx, "sess-1", 0)
	assert.ErrorIs(t, err, ErrApprovalNotPending)
}
