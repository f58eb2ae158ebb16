package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/backend"
	"github.com/fyrsmithlabs/taskflow/internal/gates"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
	"github.com/fyrsmithlabs/taskflow/internal/timeline"
	"github.com/fyrsmithlabs/taskflow/internal/transcript"
)

// transitions is the legal phase graph. Exit resets to idle from any
// phase and is handled outside this table.
var transitions = map[task.Phase][]task.Phase{
	task.PhaseIdle:                {task.PhaseAnalyzing},
	task.PhaseAnalyzing:           {task.PhaseConfiguring, task.PhaseInterviewing, task.PhaseGeneratingPrd, task.PhaseFailed},
	task.PhaseConfiguring:         {task.PhaseInterviewing, task.PhaseGeneratingPrd, task.PhaseFailed},
	task.PhaseInterviewing:        {task.PhaseInterviewing, task.PhaseGeneratingPrd, task.PhaseFailed},
	task.PhaseGeneratingPrd:       {task.PhaseReviewingPrd, task.PhaseFailed},
	task.PhaseReviewingPrd:        {task.PhaseGeneratingDesignDoc, task.PhaseExecuting, task.PhaseFailed},
	task.PhaseGeneratingDesignDoc: {task.PhaseExecuting, task.PhaseFailed},
	task.PhaseExecuting:           {task.PhaseCompleted, task.PhaseFailed, task.PhaseCancelled},
}

// CanTransition reports whether from → to is a legal phase change.
func CanTransition(from, to task.Phase) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Configuration is the user's answer to the configuration card.
type Configuration struct {
	InterviewEnabled  bool `json:"interviewEnabled"`
	GenerateDesignDoc bool `json:"generateDesignDoc"`
}

// Settings tunes the machine's flow and the options forwarded to the
// backend on PRD generation and approval.
type Settings struct {
	SkipConfiguration bool
	InterviewEnabled  bool
	GenerateDesignDoc bool
	PollInterval      time.Duration
	Prd               backend.PrdOptions
	Approve           backend.ApproveOptions
}

// Machine is the workflow phase machine. It owns the active session,
// the strategy analysis and PRD snapshots, the reconciler, and the
// transcript emitter. All operations are safe for concurrent use;
// backend calls are made outside the lock with a phase re-check on
// reentry, so a concurrent Exit or Cancel wins over an in-flight call.
type Machine struct {
	client     backend.Client
	emitter    *transcript.Emitter
	reconciler *Reconciler
	log        *logging.Logger

	mu                sync.Mutex
	settings          Settings
	phase             task.Phase
	session           *task.Session
	analysis          *task.StrategyAnalysis
	prd               *task.Prd
	answers           []task.ClarificationAnswer
	suggestionPending bool
}

// NewMachine creates an idle machine.
func NewMachine(client backend.Client, source EventSource, emitter *transcript.Emitter, settings Settings, log *logging.Logger) *Machine {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 3 * time.Second
	}
	return &Machine{
		client:     client,
		emitter:    emitter,
		reconciler: NewReconciler(source, client, settings.PollInterval, log),
		log:        log.Named("workflow"),
		settings:   settings,
		phase:      task.PhaseIdle,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() task.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Session returns the active session, or nil.
func (m *Machine) Session() *task.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Prd returns the held PRD snapshot, or nil.
func (m *Machine) Prd() *task.Prd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePrd(m.prd)
}

// ExecutionState returns the reconciled execution state.
func (m *Machine) ExecutionState() ExecutionState {
	return m.reconciler.State()
}

// Timeline returns the packed execution timeline observed so far.
func (m *Machine) Timeline() timeline.Timeline {
	return m.reconciler.Timeline()
}

// SuggestionPending reports whether a mode-suggestion card is awaiting
// a user response.
func (m *Machine) SuggestionPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suggestionPending
}

// Start begins a workflow for the given task description. Legal only
// from idle. On any backend failure the machine lands in failed with a
// workflow_error card and no active session.
func (m *Machine) Start(ctx context.Context, description string) error {
	m.mu.Lock()
	if m.phase != task.PhaseIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, m.phase)
	}
	m.phase = task.PhaseAnalyzing
	m.mu.Unlock()

	analysis, err := m.client.AnalyzeTask(ctx, description)
	if err != nil {
		m.fail(ctx, "Task analysis failed", err)
		return err
	}

	m.mu.Lock()
	if m.phase != task.PhaseAnalyzing {
		m.mu.Unlock()
		return nil
	}
	m.analysis = analysis
	if analysis.RecommendedMode == "task" {
		m.suggestionPending = true
	}
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardAnalysis, analysis, false)
	if analysis.RecommendedMode == "task" {
		m.emitter.Emit(transcript.CardModeSuggestion, analysis, true)
	}

	session, err := m.client.EnterTaskMode(ctx, description)
	if err != nil {
		m.fail(ctx, "Failed to enter task mode", err)
		return err
	}

	m.mu.Lock()
	if m.phase != task.PhaseAnalyzing {
		m.mu.Unlock()
		return nil
	}
	m.session = session
	skipConfig := m.settings.SkipConfiguration
	interview := m.settings.InterviewEnabled
	m.mu.Unlock()

	ctx = logging.WithSessionID(ctx, session.SessionID)
	m.log.Info(ctx, "task session started", zap.String("phase", string(task.PhaseAnalyzing)))

	switch {
	case !skipConfig:
		return m.enterConfiguring(ctx)
	case interview:
		return m.enterInterviewing(ctx, nil)
	default:
		return m.generatePrd(ctx)
	}
}

// DismissSuggestion clears a pending mode-suggestion card. No session
// is required and dismissing when nothing is pending is a no-op.
func (m *Machine) DismissSuggestion() {
	m.mu.Lock()
	m.suggestionPending = false
	m.mu.Unlock()
}

// ConfirmConfiguration applies the user's configuration choices and
// advances to interviewing or PRD generation. Legal only while
// configuring.
func (m *Machine) ConfirmConfiguration(ctx context.Context, cfg Configuration) error {
	m.mu.Lock()
	if m.phase != task.PhaseConfiguring {
		m.mu.Unlock()
		return fmt.Errorf("%w: configuration not pending in %s", ErrInvalidTransition, m.phase)
	}
	m.settings.InterviewEnabled = cfg.InterviewEnabled
	m.settings.GenerateDesignDoc = cfg.GenerateDesignDoc
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()

	if cfg.InterviewEnabled {
		return m.enterInterviewing(ctx, nil)
	}
	return m.generatePrd(ctx)
}

// SubmitAnswers sends a batch of interview answers. A backend failure
// here is recoverable: it is logged and the machine proceeds to PRD
// generation with the answers gathered so far. Legal only while
// interviewing.
func (m *Machine) SubmitAnswers(ctx context.Context, answers []task.ClarificationAnswer) error {
	m.mu.Lock()
	if m.phase != task.PhaseInterviewing {
		m.mu.Unlock()
		return fmt.Errorf("%w: no interview in progress in %s", ErrInvalidTransition, m.phase)
	}
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	m.answers = append(m.answers, answers...)
	sessionID := m.session.SessionID
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()

	round, err := m.client.SubmitClarification(ctx, sessionID, answers)
	if err != nil {
		m.log.Warn(ctx, "clarification round failed, proceeding to prd generation", zap.Error(err))
		return m.generatePrd(ctx)
	}

	if round.Complete || len(round.Questions) == 0 {
		return m.generatePrd(ctx)
	}
	return m.enterInterviewing(ctx, round.Questions)
}

// GeneratePrd asks the backend for a PRD and advances to review.
// Requires an active session; without one this is a local error and
// the phase is untouched.
func (m *Machine) GeneratePrd(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()
	return m.generatePrd(ctx)
}

// UpdateStory replaces one story in the held PRD snapshot. Legal only
// while reviewing the PRD.
func (m *Machine) UpdateStory(story task.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != task.PhaseReviewingPrd {
		return fmt.Errorf("%w: no prd under review in %s", ErrInvalidTransition, m.phase)
	}
	if m.prd == nil || m.prd.Story(story.ID) == nil {
		return fmt.Errorf("story %q not in prd", story.ID)
	}
	for i := range m.prd.Stories {
		if m.prd.Stories[i].ID == story.ID {
			m.prd.Stories[i] = story
		}
	}
	return nil
}

// ApprovePrd validates the edited PRD, submits it, and starts
// execution. The snapshot is validated locally before any backend
// call; an empty story list surfaces task.ErrEmptyStoryList.
func (m *Machine) ApprovePrd(ctx context.Context, prd *task.Prd) error {
	m.mu.Lock()
	if m.phase != task.PhaseReviewingPrd {
		m.mu.Unlock()
		return fmt.Errorf("%w: no prd awaiting approval in %s", ErrInvalidTransition, m.phase)
	}
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if prd == nil {
		prd = clonePrd(m.prd)
	}
	sessionID := m.session.SessionID
	designDoc := m.settings.GenerateDesignDoc
	opts := m.settings.Approve
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()

	if err := prd.Validate(); err != nil {
		return err
	}
	if len(prd.Batches) == 0 {
		batches, err := task.LayerBatches(prd.Stories)
		if err != nil {
			return err
		}
		prd.Batches = batches
	}

	if err := m.client.ApprovePrd(ctx, sessionID, prd, opts); err != nil {
		m.fail(ctx, "PRD approval failed", err)
		return err
	}

	m.mu.Lock()
	if m.phase != task.PhaseReviewingPrd {
		m.mu.Unlock()
		return nil
	}
	m.prd = prd
	if designDoc {
		m.phase = task.PhaseGeneratingDesignDoc
	}
	m.mu.Unlock()

	if designDoc {
		m.emitter.Emit(transcript.CardDesignDoc, prd, false)
	}
	return m.startExecution(ctx, sessionID, prd)
}

// CancelExecution cancels a running execution. The backend cancel is
// best-effort; the local teardown to cancelled is unconditional.
func (m *Machine) CancelExecution(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if m.phase != task.PhaseExecuting {
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing executing in %s", ErrInvalidTransition, m.phase)
	}
	sessionID := m.session.SessionID
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()

	if err := m.client.CancelExecution(ctx, sessionID); err != nil {
		m.log.Warn(ctx, "backend cancel failed, cancelling locally", zap.Error(err))
	}

	m.reconciler.Stop()
	m.mu.Lock()
	if m.phase != task.PhaseExecuting {
		m.mu.Unlock()
		return nil
	}
	m.phase = task.PhaseCancelled
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardExecutionComplete, m.reconciler.State(), false)
	return nil
}

// Exit leaves task mode from any phase. A second Exit is a local
// ErrNoActiveSession with no backend call. The backend exit is
// best-effort; local state is always cleared and the machine returns
// to idle.
func (m *Machine) Exit(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := m.session.SessionID
	ctx = m.sessionContextLocked(ctx)
	m.mu.Unlock()

	if err := m.client.ExitTaskMode(ctx, sessionID); err != nil {
		m.log.Warn(ctx, "backend exit failed, resetting locally", zap.Error(err))
	}

	m.reconciler.Stop()
	m.mu.Lock()
	m.session = nil
	m.analysis = nil
	m.prd = nil
	m.answers = nil
	m.suggestionPending = false
	m.phase = task.PhaseIdle
	m.mu.Unlock()

	m.log.Info(ctx, "task session exited")
	return nil
}

// enterConfiguring emits the interactive configuration card.
func (m *Machine) enterConfiguring(ctx context.Context) error {
	m.mu.Lock()
	if !CanTransition(m.phase, task.PhaseConfiguring) {
		m.mu.Unlock()
		return nil
	}
	m.phase = task.PhaseConfiguring
	analysis := m.analysis
	current := Configuration{
		InterviewEnabled:  m.settings.InterviewEnabled,
		GenerateDesignDoc: m.settings.GenerateDesignDoc,
	}
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardConfiguration, map[string]any{
		"analysis":      analysis,
		"configuration": current,
	}, true)
	return nil
}

// enterInterviewing moves to interviewing and emits a clarification
// card. With no questions in hand it asks the backend for the opening
// round first; a failure there is recoverable and falls through to
// PRD generation.
func (m *Machine) enterInterviewing(ctx context.Context, questions []task.ClarificationQuestion) error {
	if len(questions) == 0 {
		m.mu.Lock()
		if m.session == nil {
			m.mu.Unlock()
			return ErrNoActiveSession
		}
		sessionID := m.session.SessionID
		m.mu.Unlock()

		round, err := m.client.SubmitClarification(ctx, sessionID, nil)
		if err != nil {
			m.log.Warn(ctx, "could not open interview, proceeding to prd generation", zap.Error(err))
			return m.generatePrd(ctx)
		}
		if round.Complete || len(round.Questions) == 0 {
			return m.generatePrd(ctx)
		}
		questions = round.Questions
	}

	m.mu.Lock()
	if !CanTransition(m.phase, task.PhaseInterviewing) {
		m.mu.Unlock()
		return nil
	}
	m.phase = task.PhaseInterviewing
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardClarification, questions, true)
	return nil
}

// generatePrd runs the generating_prd phase through to reviewing_prd.
func (m *Machine) generatePrd(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if !CanTransition(m.phase, task.PhaseGeneratingPrd) {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot generate prd from %s", ErrInvalidTransition, m.phase)
	}
	m.phase = task.PhaseGeneratingPrd
	sessionID := m.session.SessionID
	opts := m.settings.Prd
	opts.ConversationHistory = append(opts.ConversationHistory[:len(opts.ConversationHistory):len(opts.ConversationHistory)], m.answers...)
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardPrdGeneration, map[string]string{"sessionId": sessionID}, false)

	prd, err := m.client.GeneratePrd(ctx, sessionID, opts)
	if err != nil {
		m.fail(ctx, "PRD generation failed", err)
		return err
	}
	if len(prd.Batches) == 0 {
		batches, berr := task.LayerBatches(prd.Stories)
		if berr == nil {
			prd.Batches = batches
		}
	}

	m.mu.Lock()
	if m.phase != task.PhaseGeneratingPrd {
		m.mu.Unlock()
		return nil
	}
	m.prd = prd
	m.phase = task.PhaseReviewingPrd
	m.mu.Unlock()

	m.emitter.Emit(transcript.CardPrdReview, prd, true)
	return nil
}

// startExecution transitions to executing and binds the reconciler.
func (m *Machine) startExecution(ctx context.Context, sessionID string, prd *task.Prd) error {
	m.mu.Lock()
	if !CanTransition(m.phase, task.PhaseExecuting) {
		m.mu.Unlock()
		return nil
	}
	m.phase = task.PhaseExecuting
	m.mu.Unlock()

	storyIDs := make([]string, 0, len(prd.Stories))
	for _, s := range prd.Stories {
		storyIDs = append(storyIDs, s.ID)
	}
	if err := m.reconciler.Start(sessionID, storyIDs, m.finishExecution); err != nil {
		m.fail(ctx, "Failed to subscribe to execution progress", err)
		return err
	}

	m.emitter.Emit(transcript.CardExecutionProgress, map[string]any{
		"sessionId":    sessionID,
		"totalStories": len(storyIDs),
		"totalBatches": len(prd.Batches),
	}, false)
	m.log.Info(ctx, "execution started",
		zap.Int("stories", len(storyIDs)),
		zap.Int("batches", len(prd.Batches)))
	return nil
}

// finishExecution is the reconciler's terminal callback. It runs on a
// stream or poll goroutine, so it must not wait on the reconciler.
func (m *Machine) finishExecution(terminal task.Phase) {
	m.reconciler.Stop()

	m.mu.Lock()
	if m.phase != task.PhaseExecuting {
		m.mu.Unlock()
		return
	}
	m.phase = terminal
	var sessionID string
	if m.session != nil {
		sessionID = m.session.SessionID
	}
	m.mu.Unlock()

	ctx := logging.WithSessionID(context.Background(), sessionID)
	m.log.Info(ctx, "execution finished", zap.String("phase", string(terminal)))

	state := m.reconciler.State()
	quality := make([]gates.StoryQualityGateResults, 0, len(state.Gates))
	for storyID, results := range state.Gates {
		quality = append(quality, gates.Aggregate(storyID, results, ""))
	}
	sort.Slice(quality, func(i, j int) bool { return quality[i].StoryID < quality[j].StoryID })

	tl := m.reconciler.Timeline()
	payload := map[string]any{
		"phase":    terminal,
		"state":    state,
		"quality":  quality,
		"timeline": tl,
		"stats":    timeline.Summarize(tl),
	}
	if terminal == task.PhaseCompleted && sessionID != "" {
		if report, err := m.client.ExecutionReport(ctx, sessionID); err != nil {
			m.log.Warn(ctx, "could not fetch execution report", zap.Error(err))
		} else {
			payload["report"] = report
		}
	}
	m.emitter.Emit(transcript.CardExecutionComplete, payload, false)
}

// fail lands the machine in the failed phase with an error card.
// Terminal and idle phases are left alone so a concurrent Exit or
// Cancel is not overwritten.
func (m *Machine) fail(ctx context.Context, title string, err error) {
	m.reconciler.Stop()

	m.mu.Lock()
	if m.phase.Terminal() || m.phase == task.PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.phase = task.PhaseFailed
	m.mu.Unlock()

	m.log.Error(ctx, "workflow failed", zap.String("title", title), zap.Error(err))
	m.emitter.EmitError(title, err.Error())
}

// sessionContextLocked attaches the active session id to ctx for log
// correlation. Callers hold m.mu.
func (m *Machine) sessionContextLocked(ctx context.Context) context.Context {
	if m.session == nil {
		return ctx
	}
	return logging.WithSessionID(ctx, m.session.SessionID)
}

func clonePrd(p *task.Prd) *task.Prd {
	if p == nil {
		return nil
	}
	out := *p
	out.Stories = append([]task.Story(nil), p.Stories...)
	out.Batches = append([]task.Batch(nil), p.Batches...)
	return &out
}
