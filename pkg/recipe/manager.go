package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/hooks"
	"conductor/pkg/host"
	"conductor/pkg/llm"
	"conductor/pkg/llm/retry"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/tools"
)

// Stage outcomes beyond the loop's own.
const (
	StageSkipped = "skipped"
	StageDenied  = "denied"
)

// Deps wires a Manager to the runtime it drives. Orchestrator is a getter
// so the manager stays unaware of how and where the loop is mounted.
type Deps struct {
	Store        *persistence.Store
	Coordinator  *host.Coordinator
	Orchestrator func() (*loop.Orchestrator, error)
	Emitter      *hooks.Emitter
	Logger       *logx.Logger
	Recorder     metrics.Recorder
	// Retry applies to every provider call; nil uses the loop default.
	Retry *retry.Policy
}

// Manager owns recipe sessions: it executes recipes stage by stage,
// suspends at approval gates and resumes interrupted sessions from their
// checkpoints. The active table holds sessions live in this process;
// everything durable lives in the store.
type Manager struct {
	store    *persistence.Store
	coord    *host.Coordinator
	orch     func() (*loop.Orchestrator, error)
	emitter  *hooks.Emitter
	logger   *logx.Logger
	recorder metrics.Recorder
	retry    *retry.Policy

	mu     sync.Mutex
	active map[string]*session
}

// session is the in-memory runtime of one live session. It exists while
// the session is executing or suspended at a gate in this process. The
// busy flag admits exactly one driver (Execute, Approve, Deny or Resume)
// at a time.
type session struct {
	id     string
	name   string
	stages []execStage
	vars   map[string]string
	cm     *contextmgr.Manager
	stage  int
	busy   bool
}

// NewManager creates a Manager over its dependencies.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("recipe manager needs a store")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("recipe manager needs a coordinator")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("recipe manager needs an orchestrator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logx.NewLogger("recipe")
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Manager{
		store:    deps.Store,
		coord:    deps.Coordinator,
		orch:     deps.Orchestrator,
		emitter:  deps.Emitter,
		logger:   logger,
		recorder: recorder,
		retry:    deps.Retry,
		active:   make(map[string]*session),
	}, nil
}

// RunReport summarizes the stages driven by one Execute, Approve, Deny or
// Resume call.
type RunReport struct {
	SessionID    string        `json:"session_id"`
	RecipeName   string        `json:"recipe_name"`
	Status       string        `json:"status"`
	Suspended    bool          `json:"suspended"`
	PendingStage string        `json:"pending_stage,omitempty"`
	Stages       []StageResult `json:"stages,omitempty"`
	Usage        llm.Usage     `json:"usage"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name    string    `json:"name"`
	Outcome string    `json:"outcome"`
	Content string    `json:"content,omitempty"`
	Turns   int       `json:"turns,omitempty"`
	Usage   llm.Usage `json:"usage"`
}

// SessionSummary is a read-only snapshot row returned by List.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	RecipeName string    `json:"recipe_name"`
	Status     string    `json:"status"`
	StageIndex int       `json:"stage_index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// PendingApproval is a read-only snapshot row returned by Approvals.
type PendingApproval struct {
	ApprovalID  string    `json:"approval_id"`
	SessionID   string    `json:"session_id"`
	StageIndex  int       `json:"stage_index"`
	StageName   string    `json:"stage_name"`
	RequestedAt time.Time `json:"requested_at"`
}

// Execute runs the recipe at recipePath under a new session. It returns
// when the session completes, fails, or suspends at an approval gate.
func (m *Manager) Execute(ctx context.Context, recipePath string, vars map[string]string) (*RunReport, error) {
	r, stages, err := plan(recipePath)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variables: %w", err)
	}

	denyPolicy := r.DenyPolicy
	if denyPolicy == "" {
		denyPolicy = DenyAbort
	}
	sessionID := uuid.New().String()
	if err := m.store.CreateSession(ctx, &persistence.Session{
		SessionID:  sessionID,
		RecipeName: r.Name,
		RecipePath: recipePath,
		DenyPolicy: denyPolicy,
		VarsJSON:   string(varsJSON),
	}); err != nil {
		return nil, err
	}

	s := &session{
		id:     sessionID,
		name:   r.Name,
		stages: stages,
		vars:   vars,
		cm:     contextmgr.New("", contextmgr.DefaultLimits()),
		busy:   true,
	}
	m.mu.Lock()
	m.active[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("session %s: recipe %s started (%d stages)", sessionID, r.Name, len(stages))
	return m.drive(ctx, s, &RunReport{SessionID: sessionID, RecipeName: r.Name})
}

// Approve decides the pending gate on stage and advances the session:
// the gated stage runs, then execution continues through ungated stages
// until the next gate or the end. One approve call never passes more
// than one gate. A stage that is not the session's pending gate is
// rejected with no state change.
func (m *Manager) Approve(ctx context.Context, sessionID, stage string) (*RunReport, error) {
	s, st, err := m.claimGate(ctx, sessionID, stage)
	if err != nil {
		return nil, err
	}
	approval, err := m.store.PendingApprovalForStage(ctx, sessionID, s.stage)
	if err != nil {
		m.release(s)
		return nil, err
	}
	if err := m.store.DecideApproval(ctx, approval.ApprovalID, persistence.ApprovalApproved, ""); err != nil {
		m.release(s)
		return nil, err
	}
	m.emitter.Emit(ctx, hooks.EventApprovalDecided, sessionID, map[string]any{
		"stage":    st.name,
		"decision": persistence.ApprovalApproved,
	})
	if err := m.store.UpdateSessionStatus(ctx, sessionID, persistence.StatusRunning); err != nil {
		m.release(s)
		return nil, err
	}
	m.logger.Info("session %s: stage %s approved", sessionID, st.name)
	return m.drive(ctx, s, &RunReport{SessionID: sessionID, RecipeName: s.name})
}

// Deny records a denial on the pending gate. The stage's effective deny
// policy decides what follows: abort fails the session with
// ApprovalDeniedError, skip records the stage as skipped and continues
// with the next one. Deny never runs the gated stage.
func (m *Manager) Deny(ctx context.Context, sessionID, stage, reason string) (*RunReport, error) {
	s, st, err := m.claimGate(ctx, sessionID, stage)
	if err != nil {
		return nil, err
	}
	approval, err := m.store.PendingApprovalForStage(ctx, sessionID, s.stage)
	if err != nil {
		m.release(s)
		return nil, err
	}
	if err := m.store.DecideApproval(ctx, approval.ApprovalID, persistence.ApprovalDenied, reason); err != nil {
		m.release(s)
		return nil, err
	}
	m.emitter.Emit(ctx, hooks.EventApprovalDecided, sessionID, map[string]any{
		"stage":    st.name,
		"decision": persistence.ApprovalDenied,
		"reason":   reason,
	})

	report := &RunReport{SessionID: sessionID, RecipeName: s.name}
	if st.denyPolicy == DenySkip {
		if err := m.skipStage(ctx, s, st, report); err != nil {
			return m.fail(ctx, s, report, err)
		}
		return m.drive(ctx, s, report)
	}
	report.Stages = append(report.Stages, StageResult{Name: st.name, Outcome: StageDenied})
	m.recorder.IncStage(StageDenied)
	return m.fail(ctx, s, report, &ApprovalDeniedError{SessionID: sessionID, Stage: st.name, Reason: reason})
}

// Resume continues a session another process left behind: an interrupted
// session picks up from its latest checkpoint, a suspended one re-enters
// its approval gate and reports it pending again. The context is
// reconstructed exactly as checkpointed and completed stages are never
// re-executed. Terminal sessions are rejected, as is a session already
// live in this process.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*RunReport, error) {
	m.mu.Lock()
	if _, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
	}
	s := &session{id: sessionID, busy: true}
	m.active[sessionID] = s
	m.mu.Unlock()

	report, err := m.resume(ctx, s)
	if err != nil && report == nil {
		// Nothing started; give the reservation back.
		m.drop(sessionID)
	}
	return report, err
}

func (m *Manager) resume(ctx context.Context, s *session) (*RunReport, error) {
	row, err := m.store.GetSession(ctx, s.id)
	if err != nil {
		return nil, err
	}
	if persistence.TerminalStatus(row.Status) {
		return nil, fmt.Errorf("session %s is already %s", s.id, row.Status)
	}
	if row.Status != persistence.StatusInterrupted && row.Status != persistence.StatusAwaitingApproval {
		return nil, fmt.Errorf("session %s is %s: %w", s.id, row.Status, ErrNotInterrupted)
	}

	if err := m.restore(ctx, s, row); err != nil {
		return nil, err
	}
	if row.Status == persistence.StatusInterrupted {
		if err := m.store.UpdateSessionStatus(ctx, s.id, persistence.StatusRunning); err != nil {
			return nil, err
		}
	}

	m.logger.Info("session %s: resuming at stage %d of %d", s.id, s.stage, len(s.stages))
	return m.drive(ctx, s, &RunReport{SessionID: s.id, RecipeName: s.name})
}

// restore rebuilds a session's in-memory runtime from the store: the
// recipe's stage plan, the checkpointed context and variables, and the
// first stage no checkpoint covers. By the save invariant that index
// equals the row's stage index.
func (m *Manager) restore(ctx context.Context, s *session, row *persistence.Session) error {
	_, stages, err := plan(row.RecipePath)
	if err != nil {
		return fmt.Errorf("failed to reload recipe for session %s: %w", s.id, err)
	}

	cm := contextmgr.New("", contextmgr.DefaultLimits())
	vars := map[string]string{}
	stageIndex := 0

	cp, err := m.store.LatestCheckpoint(ctx, s.id)
	switch {
	case err == nil:
		if rerr := cm.Restore([]byte(cp.ContextJSON)); rerr != nil {
			return &persistence.CheckpointCorruptError{SessionID: s.id, StageIndex: cp.StageIndex}
		}
		if uerr := json.Unmarshal([]byte(cp.VarsJSON), &vars); uerr != nil {
			return &persistence.CheckpointCorruptError{SessionID: s.id, StageIndex: cp.StageIndex}
		}
		stageIndex = cp.StageIndex + 1
	case errors.Is(err, persistence.ErrNoCheckpoint):
		// Nothing checkpointed yet: the session row alone reconstructs
		// the starting state.
		if uerr := json.Unmarshal([]byte(row.VarsJSON), &vars); uerr != nil {
			return fmt.Errorf("session %s has unreadable variables: %w", s.id, uerr)
		}
	default:
		return err
	}

	if stageIndex > len(stages) {
		return fmt.Errorf("session %s checkpoint is beyond the recipe's %d stages (recipe file changed?)", s.id, len(stages))
	}

	s.name = row.RecipeName
	s.stages = stages
	s.vars = vars
	s.cm = cm
	s.stage = stageIndex
	return nil
}

// List returns a snapshot of every known session.
func (m *Manager) List(ctx context.Context) ([]SessionSummary, error) {
	rows, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		summaries = append(summaries, SessionSummary{
			SessionID:  r.SessionID,
			RecipeName: r.RecipeName,
			Status:     r.Status,
			StageIndex: r.StageIndex,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
			LastError:  r.LastError,
		})
	}
	return summaries, nil
}

// Approvals returns a snapshot of every pending approval, oldest first.
func (m *Manager) Approvals(ctx context.Context) ([]PendingApproval, error) {
	rows, err := m.store.PendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]PendingApproval, 0, len(rows))
	for i := range rows {
		a := &rows[i]
		pending = append(pending, PendingApproval{
			ApprovalID:  a.ApprovalID,
			SessionID:   a.SessionID,
			StageIndex:  a.StageIndex,
			StageName:   a.StageName,
			RequestedAt: a.RequestedAt,
		})
	}
	return pending, nil
}

// MarkInterrupted sweeps sessions a dead process left behind. Call once
// at startup before accepting work; swept sessions resume with Resume.
func (m *Manager) MarkInterrupted(ctx context.Context) (int64, error) {
	return m.store.MarkInterrupted(ctx)
}

// drive advances the session until it finishes, fails, or suspends at a
// gate. The caller must hold the session's busy flag; drive returns it.
func (m *Manager) drive(ctx context.Context, s *session, report *RunReport) (*RunReport, error) {
	defer m.release(s)

	for s.stage < len(s.stages) {
		st := &s.stages[s.stage]

		if st.requiresApproval {
			action, approval, err := m.gate(ctx, s, st)
			if err != nil {
				return m.fail(ctx, s, report, err)
			}
			switch action {
			case gateWait:
				report.Status = persistence.StatusAwaitingApproval
				report.Suspended = true
				report.PendingStage = st.name
				m.logger.Info("session %s: awaiting approval for stage %s", s.id, st.name)
				return report, nil
			case gateDenied:
				// A recorded denial found on re-entry (the process died
				// between the decision and its effects).
				if st.denyPolicy == DenySkip {
					if err := m.skipStage(ctx, s, st, report); err != nil {
						return m.fail(ctx, s, report, err)
					}
					continue
				}
				report.Stages = append(report.Stages, StageResult{Name: st.name, Outcome: StageDenied})
				m.recorder.IncStage(StageDenied)
				return m.fail(ctx, s, report, &ApprovalDeniedError{
					SessionID: s.id, Stage: st.name, Reason: approval.Reason,
				})
			case gateApproved:
				// Run it.
			}
		}

		result, err := m.runStage(ctx, s, st)
		if err != nil {
			return m.fail(ctx, s, report, fmt.Errorf("stage %s: %w", st.name, err))
		}
		report.Stages = append(report.Stages, StageResult{
			Name:    st.name,
			Outcome: string(result.Outcome),
			Content: result.Content,
			Turns:   result.Turns,
			Usage:   result.Usage,
		})
		report.Usage.Add(result.Usage)
		m.recorder.IncStage(string(result.Outcome))
		m.emitter.Emit(ctx, hooks.EventStageEnd, s.id, map[string]any{
			"stage":   st.name,
			"outcome": string(result.Outcome),
			"turns":   result.Turns,
		})
		if result.Outcome == loop.OutcomeError {
			return m.fail(ctx, s, report, fmt.Errorf("stage %s: %w", st.name, result.Err))
		}

		if err := m.saveCheckpoint(ctx, s, s.stage); err != nil {
			return m.fail(ctx, s, report, err)
		}
		s.stage++
	}

	if err := m.store.FinishSession(ctx, s.id, persistence.StatusCompleted, ""); err != nil {
		return m.fail(ctx, s, report, err)
	}
	m.drop(s.id)
	report.Status = persistence.StatusCompleted
	m.logger.Info("session %s: recipe %s completed", s.id, s.name)
	return report, nil
}

type gateAction int

const (
	gateApproved gateAction = iota
	gateWait
	gateDenied
)

// gate decides what happens at a stage that requires approval. First
// arrival creates the pending approval, persists the pre-stage state and
// moves the session to awaiting_approval; later arrivals act on whatever
// decision the approval carries.
func (m *Manager) gate(ctx context.Context, s *session, st *execStage) (gateAction, *persistence.Approval, error) {
	approval, err := m.store.StageApproval(ctx, s.id, s.stage)
	if errors.Is(err, persistence.ErrApprovalNotFound) {
		approval = &persistence.Approval{
			ApprovalID: uuid.New().String(),
			SessionID:  s.id,
			StageIndex: s.stage,
			StageName:  st.name,
		}
		if err := m.store.CreateApproval(ctx, approval); err != nil {
			return 0, nil, err
		}
		if s.stage > 0 {
			// Re-commit the pre-gate state so a restart resumes exactly
			// here. At stage zero the context is still empty and the
			// session row alone reconstructs it.
			if err := m.saveCheckpoint(ctx, s, s.stage-1); err != nil {
				return 0, nil, err
			}
		}
		if err := m.store.UpdateSessionStatus(ctx, s.id, persistence.StatusAwaitingApproval); err != nil {
			return 0, nil, err
		}
		m.emitter.Emit(ctx, hooks.EventApprovalPending, s.id, map[string]any{
			"stage":       st.name,
			"approval_id": approval.ApprovalID,
		})
		return gateWait, approval, nil
	}
	if err != nil {
		return 0, nil, err
	}

	switch approval.Status {
	case persistence.ApprovalApproved:
		return gateApproved, approval, nil
	case persistence.ApprovalDenied:
		return gateDenied, approval, nil
	default:
		// Still pending: a resumed session re-enters the gate without
		// creating a second approval.
		if err := m.store.UpdateSessionStatus(ctx, s.id, persistence.StatusAwaitingApproval); err != nil {
			return 0, nil, err
		}
		return gateWait, approval, nil
	}
}

// runStage executes one stage as a single orchestration-loop run over
// the session's accumulated context.
func (m *Manager) runStage(ctx context.Context, s *session, st *execStage) (*loop.Result, error) {
	prompt, err := interpolate(st.prompt, mergeVars(s.vars, st.vars))
	if err != nil {
		return nil, err
	}
	provider, err := host.GetAs[llm.Provider](m.coord, host.PointProviders, st.provider)
	if err != nil {
		return nil, err
	}
	orch, err := m.orch()
	if err != nil {
		return nil, err
	}
	defs, err := m.toolDefs(st.tools)
	if err != nil {
		return nil, err
	}

	var source dispatch.Source = &dispatch.CoordinatorSource{Coordinator: m.coord}
	if len(st.tools) > 0 {
		source = dispatch.NewFilteredSource(source, st.tools)
	}
	dispatcher := dispatch.New(source, dispatch.Options{
		Logger:   m.logger,
		Emitter:  m.emitter,
		Recorder: m.recorder,
		Session:  s.id,
	})

	m.emitter.Emit(ctx, hooks.EventStageStart, s.id, map[string]any{
		"stage": st.name,
		"index": s.stage,
	})
	m.logger.Info("session %s: stage %s starting (provider %s)", s.id, st.name, st.provider)

	s.cm.AddUserMessage(prompt)
	return orch.Run(ctx, loop.Request{
		Provider:   provider,
		Context:    s.cm,
		Dispatcher: dispatcher,
		Emitter:    m.emitter,
		Tools:      defs,
		MaxTurns:   st.maxTurns,
		Session:    s.id,
		Retry:      m.retry,
	})
}

// toolDefs resolves the definitions advertised to the provider: the
// allowlist when the stage has one, every mounted tool otherwise.
func (m *Manager) toolDefs(allow []string) ([]tools.ToolDefinition, error) {
	if len(allow) == 0 {
		handles := m.coord.List(host.PointTools)
		defs := make([]tools.ToolDefinition, 0, len(handles))
		for _, h := range handles {
			tool, ok := h.Instance.(tools.Tool)
			if !ok {
				return nil, fmt.Errorf("mounted tool %s does not implement the tool contract", h.Name)
			}
			defs = append(defs, tool.Definition())
		}
		return defs, nil
	}
	defs := make([]tools.ToolDefinition, 0, len(allow))
	for _, name := range allow {
		tool, err := host.GetAs[tools.Tool](m.coord, host.PointTools, name)
		if err != nil {
			return nil, fmt.Errorf("stage allows unknown tool %q: %w", name, err)
		}
		defs = append(defs, tool.Definition())
	}
	return defs, nil
}

// skipStage records the denied stage as skipped and checkpoints past it,
// so a resume never re-enters the gate.
func (m *Manager) skipStage(ctx context.Context, s *session, st *execStage, report *RunReport) error {
	m.logger.Info("session %s: stage %s denied, skipping", s.id, st.name)
	report.Stages = append(report.Stages, StageResult{Name: st.name, Outcome: StageSkipped})
	m.recorder.IncStage(StageSkipped)
	if err := m.store.UpdateSessionStatus(ctx, s.id, persistence.StatusRunning); err != nil {
		return err
	}
	if err := m.saveCheckpoint(ctx, s, s.stage); err != nil {
		return err
	}
	s.stage++
	return nil
}

// saveCheckpoint commits the serialized context and variables at index.
func (m *Manager) saveCheckpoint(ctx context.Context, s *session, index int) error {
	data, err := s.cm.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}
	varsJSON, err := json.Marshal(s.vars)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	return m.store.SaveCheckpoint(ctx, &persistence.Checkpoint{
		SessionID:   s.id,
		StageIndex:  index,
		ContextJSON: string(data),
		VarsJSON:    string(varsJSON),
	})
}

// claimGate locks the session for one driver and verifies that stage is
// its current pending gate. A session another process left suspended is
// not in the active table; it is rehydrated from the store first, so
// gates stay decidable across restarts.
func (m *Manager) claimGate(ctx context.Context, sessionID, stage string) (*session, *execStage, error) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	switch {
	case ok && s.busy:
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
	case ok:
		s.busy = true
		m.mu.Unlock()
	default:
		// Reserve the slot while restoring so concurrent decisions on
		// the same session do not race two rehydrations.
		s = &session{id: sessionID, busy: true}
		m.active[sessionID] = s
		m.mu.Unlock()
		if err := m.rehydrate(ctx, s); err != nil {
			m.drop(sessionID)
			return nil, nil, err
		}
	}

	if s.stage >= len(s.stages) {
		m.release(s)
		return nil, nil, fmt.Errorf("session %s has no pending stage", sessionID)
	}
	st := &s.stages[s.stage]
	if !st.requiresApproval || st.name != stage {
		m.release(s)
		return nil, nil, fmt.Errorf("stage %q is not the pending gate of session %s", stage, sessionID)
	}
	return s, st, nil
}

// rehydrate restores a session that is suspended at a gate in the store
// but has no runtime in this process.
func (m *Manager) rehydrate(ctx context.Context, s *session) error {
	row, err := m.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	if row.Status != persistence.StatusAwaitingApproval {
		return fmt.Errorf("session %s is %s: %w", s.id, row.Status, ErrSessionNotActive)
	}
	if err := m.restore(ctx, s, row); err != nil {
		return err
	}
	m.logger.Info("session %s: restored suspended session at stage %d", s.id, s.stage)
	return nil
}

// fail moves the session to failed, keeping the last good checkpoint.
// Cancellation is not a failure: an interrupted session stays resumable.
func (m *Manager) fail(ctx context.Context, s *session, report *RunReport, cause error) (*RunReport, error) {
	if errors.Is(cause, context.Canceled) {
		m.logger.Warn("session %s: interrupted at stage %d", s.id, s.stage)
		// The run context is already dead; the status write must not be.
		if err := m.store.UpdateSessionStatus(context.WithoutCancel(ctx), s.id, persistence.StatusInterrupted); err != nil {
			m.logger.Error("session %s: failed to record interruption: %v", s.id, err)
		}
		m.drop(s.id)
		report.Status = persistence.StatusInterrupted
		return report, cause
	}
	m.logger.Error("session %s: %v", s.id, cause)
	if err := m.store.FinishSession(ctx, s.id, persistence.StatusFailed, cause.Error()); err != nil {
		m.logger.Error("session %s: failed to record failure: %v", s.id, err)
	}
	m.drop(s.id)
	report.Status = persistence.StatusFailed
	return report, cause
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	s.busy = false
	m.mu.Unlock()
}

func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
}
