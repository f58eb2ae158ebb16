package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/backend"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
	"github.com/fyrsmithlabs/taskflow/internal/timeline"
)

// EventSource delivers progress events to a handler and returns a
// disposer for the subscription. *backend.Stream satisfies this.
type EventSource interface {
	Subscribe(handler func(task.ProgressEvent)) (backend.Disposer, error)
}

// ExecutionState is the reconciled view of a running execution. The
// story-status map is the single source of truth: completed/failed
// counters are always derived from it, never tracked separately.
type ExecutionState struct {
	SessionID     string
	CurrentBatch  int
	TotalBatches  int
	StoryStatuses map[string]task.StoryStatus
	Gates         map[string][]task.GateResult
	ProgressPct   float64
	LastError     string
}

// NewExecutionState seeds the state with every planned story pending.
func NewExecutionState(sessionID string, storyIDs []string) ExecutionState {
	statuses := make(map[string]task.StoryStatus, len(storyIDs))
	for _, id := range storyIDs {
		statuses[id] = task.StoryPending
	}
	return ExecutionState{
		SessionID:     sessionID,
		StoryStatuses: statuses,
		Gates:         make(map[string][]task.GateResult),
	}
}

func (s ExecutionState) clone() ExecutionState {
	statuses := make(map[string]task.StoryStatus, len(s.StoryStatuses))
	for k, v := range s.StoryStatuses {
		statuses[k] = v
	}
	gates := make(map[string][]task.GateResult, len(s.Gates))
	for k, v := range s.Gates {
		gates[k] = v
	}
	s.StoryStatuses = statuses
	s.Gates = gates
	return s
}

// CompletedCount returns the number of stories in completed status.
func (s ExecutionState) CompletedCount() int { return s.count(task.StoryCompleted) }

// FailedCount returns the number of stories in failed status.
func (s ExecutionState) FailedCount() int { return s.count(task.StoryFailed) }

func (s ExecutionState) count(status task.StoryStatus) int {
	n := 0
	for _, v := range s.StoryStatuses {
		if v == status {
			n++
		}
	}
	return n
}

// FoldResult reports what applying one event did.
type FoldResult struct {
	// Applied is false when the event was discarded whole (session
	// mismatch).
	Applied bool
	// StaleStory is true when a story update was dropped because the
	// story is already terminal.
	StaleStory bool
	// UnknownStory is true when the event named a story absent from
	// the seeded plan; the story is inserted anyway so counters stay
	// consistent with the map.
	UnknownStory bool
	// Terminal is the phase implied by a terminal event, or "".
	Terminal task.Phase
}

// Fold merges one progress event into the state and returns the new
// state. Precedence rules: events for another session are discarded
// whole; batch counters and progress are overwritten (remote wins);
// story statuses merge additively and a terminal story is never
// reverted by a late or duplicate event.
func Fold(state ExecutionState, ev task.ProgressEvent) (ExecutionState, FoldResult) {
	if ev.SessionID != state.SessionID {
		return state, FoldResult{}
	}

	next := state.clone()
	res := FoldResult{Applied: true}

	next.CurrentBatch = ev.CurrentBatch
	if ev.TotalBatches > 0 {
		next.TotalBatches = ev.TotalBatches
	}
	if ev.ProgressPct > 0 {
		next.ProgressPct = ev.ProgressPct
	}
	if ev.Error != "" {
		next.LastError = ev.Error
	}

	if ev.StoryID != "" && ev.StoryStatus != "" {
		current, known := next.StoryStatuses[ev.StoryID]
		switch {
		case known && current.Terminal() && current != ev.StoryStatus:
			res.StaleStory = true
		default:
			if !known {
				res.UnknownStory = true
			}
			next.StoryStatuses[ev.StoryID] = ev.StoryStatus
		}
	}

	if ev.StoryID != "" && len(ev.GateResults) > 0 {
		next.Gates[ev.StoryID] = ev.GateResults
	}

	switch ev.EventType {
	case task.EventExecutionCompleted:
		// Terminal inference scans the post-merge map, including this
		// event's own story update.
		res.Terminal = DeriveTerminalPhase(next.StoryStatuses)
	case task.EventExecutionCancelled:
		res.Terminal = task.PhaseCancelled
	}

	return next, res
}

// DeriveTerminalPhase maps a final status map to the session's
// terminal phase: failed if any story failed, else completed. Both the
// event path and the polling fallback use this one function.
func DeriveTerminalPhase(statuses map[string]task.StoryStatus) task.Phase {
	for _, s := range statuses {
		if s == task.StoryFailed {
			return task.PhaseFailed
		}
	}
	return task.PhaseCompleted
}

// Reconciler folds the progress-event stream into execution state for
// exactly one session at a time, with a polling fallback that covers
// missed events while the session is executing.
type Reconciler struct {
	source       EventSource
	client       backend.Client
	pollInterval time.Duration
	log          *logging.Logger

	mu            sync.Mutex
	state         ExecutionState
	timings       map[string]*timeline.Operation
	disposer      backend.Disposer
	stopPoll      chan struct{}
	terminalFired bool
	onTerminal    func(task.Phase)
}

// NewReconciler creates a reconciler. pollInterval bounds the status
// fallback poll; it must be positive.
func NewReconciler(source EventSource, client backend.Client, pollInterval time.Duration, log *logging.Logger) *Reconciler {
	return &Reconciler{
		source:       source,
		client:       client,
		pollInterval: pollInterval,
		log:          log.Named("reconciler"),
	}
}

// Start binds the reconciler to a session, subscribes to the event
// stream, and starts the fallback poll. Starting while already started
// first tears down the previous subscription so events are never
// delivered twice. onTerminal fires at most once per Start.
func (r *Reconciler) Start(sessionID string, storyIDs []string, onTerminal func(task.Phase)) error {
	r.mu.Lock()
	r.teardownLocked()
	r.state = NewExecutionState(sessionID, storyIDs)
	r.timings = make(map[string]*timeline.Operation, len(storyIDs))
	r.terminalFired = false
	r.onTerminal = onTerminal
	r.mu.Unlock()

	disposer, err := r.source.Subscribe(r.handleEvent)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.disposer = disposer
	r.stopPoll = stop
	r.mu.Unlock()

	go r.pollLoop(sessionID, stop)
	return nil
}

// Stop releases the subscription and signals the poll loop. Safe to
// call when not started, and safe to call again.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

// teardownLocked releases owned resources. Callers hold r.mu.
func (r *Reconciler) teardownLocked() {
	if r.disposer != nil {
		if err := r.disposer.Unsubscribe(); err != nil {
			r.log.Warn(context.Background(), "failed to unsubscribe progress stream", zap.Error(err))
		}
		r.disposer = nil
	}
	if r.stopPoll != nil {
		close(r.stopPoll)
		r.stopPoll = nil
	}
}

// State returns a snapshot copy of the reconciled execution state.
func (r *Reconciler) State() ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Timeline packs the observed story spans into lanes. Stories still
// running are closed at the current instant.
func (r *Reconciler) Timeline() timeline.Timeline {
	now := time.Now()
	r.mu.Lock()
	ops := make([]timeline.Operation, 0, len(r.timings))
	for _, op := range r.timings {
		o := *op
		if o.CompletedAt.IsZero() {
			o.CompletedAt = now
		}
		ops = append(ops, o)
	}
	r.mu.Unlock()
	return timeline.Pack(ops)
}

// recordTimingLocked tracks story wall-clock spans as statuses are
// observed. The first running observation opens the span and the first
// terminal observation closes it. Callers hold r.mu.
func (r *Reconciler) recordTimingLocked(storyID string, status task.StoryStatus, now time.Time) {
	if storyID == "" {
		return
	}
	op, known := r.timings[storyID]
	switch {
	case status == task.StoryRunning:
		if !known {
			r.timings[storyID] = &timeline.Operation{ID: storyID, StartedAt: now}
		}
	case status.Terminal():
		if !known {
			op = &timeline.Operation{ID: storyID, StartedAt: now}
			r.timings[storyID] = op
		}
		if op.CompletedAt.IsZero() {
			op.CompletedAt = now
		}
	}
}

func (r *Reconciler) handleEvent(ev task.ProgressEvent) {
	ctx := logging.WithSessionID(context.Background(), ev.SessionID)

	r.mu.Lock()
	next, res := Fold(r.state, ev)
	if !res.Applied {
		r.mu.Unlock()
		r.log.Debug(ctx, "discarding event for non-matching session",
			zap.String("event_type", string(ev.EventType)))
		return
	}
	r.state = next
	if !res.StaleStory {
		r.recordTimingLocked(ev.StoryID, ev.StoryStatus, time.Now())
	}
	fire, cb := r.takeTerminalLocked(res.Terminal)
	r.mu.Unlock()

	if res.StaleStory {
		r.log.Debug(ctx, "ignoring stale update for terminal story",
			zap.String("story_id", ev.StoryID),
			zap.String("status", string(ev.StoryStatus)))
	}
	if res.UnknownStory {
		r.log.Warn(ctx, "event references story not in plan",
			zap.String("story_id", ev.StoryID))
	}
	if fire {
		cb(res.Terminal)
	}
}

// takeTerminalLocked claims the one-shot terminal callback. Callers
// hold r.mu.
func (r *Reconciler) takeTerminalLocked(terminal task.Phase) (bool, func(task.Phase)) {
	if terminal == "" || r.terminalFired || r.onTerminal == nil {
		return false, nil
	}
	r.terminalFired = true
	return true, r.onTerminal
}

func (r *Reconciler) pollLoop(sessionID string, stop chan struct{}) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.pollOnce(sessionID)
		}
	}
}

// pollOnce folds one authoritative status snapshot under the same
// merge rules as the event path.
func (r *Reconciler) pollOnce(sessionID string) {
	ctx := logging.WithSessionID(context.Background(), sessionID)
	status, err := r.client.ExecutionStatus(ctx, sessionID)
	if err != nil {
		r.log.Debug(ctx, "status poll failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.state.SessionID != sessionID {
		r.mu.Unlock()
		return
	}
	next := r.state.clone()
	next.CurrentBatch = status.CurrentBatch
	if status.TotalBatches > 0 {
		next.TotalBatches = status.TotalBatches
	}
	now := time.Now()
	for id, s := range status.StoryStatuses {
		current, known := next.StoryStatuses[id]
		if known && current.Terminal() && current != s {
			continue
		}
		next.StoryStatuses[id] = s
		r.recordTimingLocked(id, s, now)
	}
	r.state = next

	var terminal task.Phase
	switch status.Status {
	case "completed", "failed":
		terminal = DeriveTerminalPhase(next.StoryStatuses)
	case "cancelled":
		terminal = task.PhaseCancelled
	}
	fire, cb := r.takeTerminalLocked(terminal)
	r.mu.Unlock()

	if fire {
		cb(terminal)
	}
}
