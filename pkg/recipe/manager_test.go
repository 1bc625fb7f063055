package recipe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/host"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/persistence"
)

// fakeProvider answers every call with plain text, recording request
// snapshots so tests can inspect what each stage saw.
type fakeProvider struct {
	mu    sync.Mutex
	calls []llm.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return &llm.Response{
		Content: fmt.Sprintf("output %d", len(p.calls)),
		Usage:   llm.Usage{PromptTokens: 3, CompletionTokens: 2},
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// cancellingProvider cancels the run on its first call, simulating an
// interrupt arriving mid-stage.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Name() string { return "fake" }

func (p *cancellingProvider) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	p.cancel()
	return nil, ctx.Err()
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "recipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, store *persistence.Store, provider llm.Provider) *Manager {
	t.Helper()
	coord := host.NewCoordinator(logx.NewLogger("test"))
	_, err := coord.Mount(context.Background(), host.PointProviders, "fake",
		func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
			return provider, nil, nil
		}, nil)
	require.NoError(t, err)

	orch := loop.New(nil, nil)
	mgr, err := NewManager(Deps{
		Store:        store,
		Coordinator:  coord,
		Orchestrator: func() (*loop.Orchestrator, error) { return orch, nil },
	})
	require.NoError(t, err)
	return mgr
}

const pipelineRecipe = `
name: pipeline
defaults:
  provider: fake
  max_turns: 2
stages:
  - name: draft
    prompt: Write the draft
  - name: publish
    prompt: Publish it
    requires_approval: true
  - name: announce
    prompt: Announce it
`

func TestExecuteRunsUngatedStagesToCompletion(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "simple.yaml", `
name: simple
defaults:
  provider: fake
stages:
  - name: one
    prompt: First step
  - name: two
    prompt: Second step
`)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, report.Status)
	assert.False(t, report.Suspended)
	require.Len(t, report.Stages, 2)
	assert.Equal(t, "one", report.Stages[0].Name)
	assert.Equal(t, string(loop.OutcomeCompleted), report.Stages[0].Outcome)
	assert.Equal(t, 2, provider.callCount())

	row, err := store.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, row.Status)
	assert.Equal(t, 2, row.StageIndex)

	// The second stage sees the first stage's exchange.
	second := provider.calls[1]
	var sawDraft bool
	for _, msg := range second.Messages {
		if msg.Content == "First step" {
			sawDraft = true
		}
	}
	assert.True(t, sawDraft, "accumulated context carries earlier stages")
}

func TestApprovalGateSuspends(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	assert.True(t, report.Suspended)
	assert.Equal(t, "publish", report.PendingStage)
	assert.Equal(t, persistence.StatusAwaitingApproval, report.Status)
	// Only the ungated draft stage ran.
	assert.Equal(t, 1, provider.callCount())

	pending, err := mgr.Approvals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "publish", pending[0].StageName)
}

func TestApproveAdvancesExactlyOneGate(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "gates.yaml", `
name: gates
defaults:
  provider: fake
stages:
  - name: first
    prompt: Step one
    requires_approval: true
  - name: second
    prompt: Step two
    requires_approval: true
`)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	assert.Equal(t, "first", report.PendingStage)
	assert.Equal(t, 0, provider.callCount())

	// Approving the first gate runs that stage, then re-suspends at the
	// second gate instead of running through it.
	report, err = mgr.Approve(ctx, report.SessionID, "first")
	require.NoError(t, err)
	require.True(t, report.Suspended)
	assert.Equal(t, "second", report.PendingStage)
	assert.Equal(t, 1, provider.callCount())

	report, err = mgr.Approve(ctx, report.SessionID, "second")
	require.NoError(t, err)
	assert.False(t, report.Suspended)
	assert.Equal(t, persistence.StatusCompleted, report.Status)
	assert.Equal(t, 2, provider.callCount())
}

func TestApproveWrongStageRejected(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)

	_, err = mgr.Approve(ctx, report.SessionID, "announce")
	require.Error(t, err)

	// The gate is still pending and approvable.
	pending, err := mgr.Approvals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "publish", pending[0].StageName)
}

func TestDenyAbortFailsWithoutRunningStage(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	callsBefore := provider.callCount()

	report, err = mgr.Deny(ctx, report.SessionID, "publish", "not ready")
	require.Error(t, err)
	var denied *ApprovalDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "publish", denied.Stage)
	assert.Equal(t, persistence.StatusFailed, report.Status)
	// Neither the denied stage nor anything after it ran.
	assert.Equal(t, callsBefore, provider.callCount())

	row, err := store.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, row.Status)
	assert.Equal(t, 1, row.StageIndex, "session never advanced past the gate")
}

func TestDenySkipContinuesWithNextStage(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "skippable.yaml", `
name: skippable
deny_policy: skip
defaults:
  provider: fake
stages:
  - name: draft
    prompt: Write the draft
  - name: publish
    prompt: Publish it
    requires_approval: true
  - name: announce
    prompt: Announce it
`)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)

	report, err = mgr.Deny(ctx, report.SessionID, "publish", "skip this one")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, report.Status)

	var outcomes []string
	for _, st := range report.Stages {
		outcomes = append(outcomes, st.Name+":"+st.Outcome)
	}
	assert.Contains(t, outcomes, "publish:"+StageSkipped)
	assert.Contains(t, outcomes, "announce:"+string(loop.OutcomeCompleted))
	// draft + announce ran, publish did not.
	assert.Equal(t, 2, provider.callCount())
}

func TestResumeAfterRestartMatchesCheckpointExactly(t *testing.T) {
	dir := t.TempDir()
	path := writeRecipe(t, dir, "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	ctx := context.Background()

	first := &fakeProvider{}
	mgr1 := newTestManager(t, store, first)
	report, err := mgr1.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	sessionID := report.SessionID

	before, err := store.LatestCheckpoint(ctx, sessionID)
	require.NoError(t, err)

	// Simulated process restart: a fresh manager over the same store,
	// with the startup sweep a new process would run. The sweep leaves
	// suspended sessions alone; only abandoned running ones are swept.
	second := &fakeProvider{}
	mgr2 := newTestManager(t, store, second)
	swept, err := mgr2.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "a session at a gate is suspended, not abandoned")

	report, err = mgr2.Resume(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	assert.Equal(t, "publish", report.PendingStage)

	after, err := store.LatestCheckpoint(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, before.ContextJSON, after.ContextJSON, "resume never rewrites the checkpoint")
	assert.Equal(t, before.StageIndex, after.StageIndex)

	// Approving in the new process runs publish over the restored
	// context: the draft exchange from before the restart is visible.
	report, err = mgr2.Approve(ctx, sessionID, "publish")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, report.Status)
	require.NotEmpty(t, second.calls)
	var sawDraft, sawDraftReply bool
	for _, msg := range second.calls[0].Messages {
		switch msg.Content {
		case "Write the draft":
			sawDraft = true
		case "output 1":
			sawDraftReply = true
		}
	}
	assert.True(t, sawDraft, "restored context carries the pre-restart prompt")
	assert.True(t, sawDraftReply, "restored context carries the pre-restart reply")
}

func TestApproveAfterRestartDecidesGate(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	ctx := context.Background()

	first := &fakeProvider{}
	mgr1 := newTestManager(t, store, first)
	report, err := mgr1.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	sessionID := report.SessionID

	// A fresh process approves the gate directly, without resuming
	// first: the session is rehydrated from the store on demand.
	second := &fakeProvider{}
	mgr2 := newTestManager(t, store, second)
	_, err = mgr2.MarkInterrupted(ctx)
	require.NoError(t, err)

	report, err = mgr2.Approve(ctx, sessionID, "publish")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, report.Status)
	// publish and announce ran in the new process.
	assert.Equal(t, 2, second.callCount())

	// The gated stage ran over the restored context.
	require.NotEmpty(t, second.calls)
	var sawDraft bool
	for _, msg := range second.calls[0].Messages {
		if msg.Content == "Write the draft" {
			sawDraft = true
		}
	}
	assert.True(t, sawDraft, "rehydrated context carries the pre-restart transcript")
}

func TestDenyAfterRestartHonorsAbortPolicy(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	ctx := context.Background()

	mgr1 := newTestManager(t, store, &fakeProvider{})
	report, err := mgr1.Execute(ctx, path, nil)
	require.NoError(t, err)
	require.True(t, report.Suspended)
	sessionID := report.SessionID

	second := &fakeProvider{}
	mgr2 := newTestManager(t, store, second)
	report, err = mgr2.Deny(ctx, sessionID, "publish", "wrong quarter")
	var denied *ApprovalDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, persistence.StatusFailed, report.Status)
	assert.Zero(t, second.callCount(), "denied stage never ran in the new process")

	row, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, row.Status)
}

func TestApproveUnknownSessionRejected(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, &fakeProvider{})

	_, err := mgr.Approve(context.Background(), "no-such-session", "publish")
	require.Error(t, err)
	require.ErrorIs(t, err, persistence.ErrSessionNotFound)
}

func TestResumeRejectsCorruptCheckpoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	require.NoError(t, store.CreateSession(ctx, &persistence.Session{
		SessionID:  "corrupt-session",
		RecipeName: "pipeline",
		RecipePath: path,
		DenyPolicy: DenyAbort,
		VarsJSON:   "{}",
	}))
	// A checkpoint whose checksum is valid but whose payload is not a
	// serialized context.
	require.NoError(t, store.SaveCheckpoint(ctx, &persistence.Checkpoint{
		SessionID:   "corrupt-session",
		StageIndex:  0,
		ContextJSON: "this is not a context",
		VarsJSON:    "{}",
	}))
	require.NoError(t, store.UpdateSessionStatus(ctx, "corrupt-session", persistence.StatusInterrupted))

	mgr := newTestManager(t, store, &fakeProvider{})
	_, err := mgr.Resume(ctx, "corrupt-session")
	var corrupt *persistence.CheckpointCorruptError
	require.ErrorAs(t, err, &corrupt)

	// The stored checkpoint is preserved for inspection.
	cp, err := store.LatestCheckpoint(ctx, "corrupt-session")
	require.NoError(t, err)
	assert.Equal(t, "this is not a context", cp.ContextJSON)
}

func TestInterruptedRunLeavesSessionResumable(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := newTestManager(t, store, &cancellingProvider{cancel: cancel})
	report, err := mgr.Execute(ctx, path, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, persistence.StatusInterrupted, report.Status)

	row, err := store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusInterrupted, row.Status)
	assert.False(t, persistence.TerminalStatus(row.Status))
}

func TestListReflectsSessionStates(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "pipeline.yaml", pipelineRecipe)
	store := newTestStore(t)
	provider := &fakeProvider{}
	mgr := newTestManager(t, store, provider)
	ctx := context.Background()

	report, err := mgr.Execute(ctx, path, nil)
	require.NoError(t, err)

	sessions, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, report.SessionID, sessions[0].SessionID)
	assert.Equal(t, persistence.StatusAwaitingApproval, sessions[0].Status)
	assert.Equal(t, "pipeline", sessions[0].RecipeName)
}
