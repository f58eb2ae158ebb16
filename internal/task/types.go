// Package task defines the task-workflow data model shared by the
// orchestration layer and the backend command surface: sessions,
// strategy analysis, stories, batches, quality gates, and the
// progress events the backend streams during execution.
package task

import "time"

// Phase is the current named step of the workflow state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAnalyzing           Phase = "analyzing"
	PhaseConfiguring         Phase = "configuring"
	PhaseInterviewing        Phase = "interviewing"
	PhaseGeneratingPrd       Phase = "generating_prd"
	PhaseReviewingPrd        Phase = "reviewing_prd"
	PhaseGeneratingDesignDoc Phase = "generating_design_doc"
	PhaseExecuting           Phase = "executing"
	PhaseCompleted           Phase = "completed"
	PhaseFailed              Phase = "failed"
	PhaseCancelled           Phase = "cancelled"
)

// Terminal reports whether the phase is an end state of the workflow.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Session is one active workflow instance. The session id is opaque
// and assigned by the backend on enter_task_mode.
type Session struct {
	SessionID   string    `json:"sessionId"`
	Description string    `json:"description"`
	Phase       Phase     `json:"phase"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RiskLevel grades the risk of a proposed task.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParallelizationBenefit grades how much a task gains from running
// stories concurrently.
type ParallelizationBenefit string

const (
	ParallelNone        ParallelizationBenefit = "none"
	ParallelModerate    ParallelizationBenefit = "moderate"
	ParallelSignificant ParallelizationBenefit = "significant"
)

// StrategyAnalysis is the backend's recommendation for a task
// description. Computed once per session and read-only after creation.
type StrategyAnalysis struct {
	FunctionalAreas        []string               `json:"functionalAreas"`
	EstimatedStories       int                    `json:"estimatedStories"`
	HasDependencies        bool                   `json:"hasDependencies"`
	RiskLevel              RiskLevel              `json:"riskLevel"`
	ParallelizationBenefit ParallelizationBenefit `json:"parallelizationBenefit"`
	RecommendedMode        string                 `json:"recommendedMode"`
	Confidence             float64                `json:"confidence"`
	Reasoning              string                 `json:"reasoning"`
}

// Priority orders stories within a plan.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Story is a unit of executable work within a session's plan.
// Stories are editable while the PRD is under review and immutable
// once execution starts.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           Priority `json:"priority"`
	Dependencies       []string `json:"dependencies,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

// Batch groups stories for execution ordering. Batches execute in
// index order; a story's dependencies must live in an earlier or the
// same batch, never a later one.
type Batch struct {
	Index    int      `json:"index"`
	StoryIDs []string `json:"storyIds"`
}

// Prd is the structured plan generated for a session.
type Prd struct {
	Title    string  `json:"title"`
	Overview string  `json:"overview,omitempty"`
	Stories  []Story `json:"stories"`
	Batches  []Batch `json:"batches"`
}

// Story returns the story with the given id, or nil.
func (p *Prd) Story(id string) *Story {
	for i := range p.Stories {
		if p.Stories[i].ID == id {
			return &p.Stories[i]
		}
	}
	return nil
}

// StoryStatus is the derived execution status of a single story.
type StoryStatus string

const (
	StoryPending   StoryStatus = "pending"
	StoryRunning   StoryStatus = "running"
	StoryCompleted StoryStatus = "completed"
	StoryFailed    StoryStatus = "failed"
)

// Terminal reports whether the status is an end state for a story.
// Terminal stories are never reverted by stale or duplicate events.
func (s StoryStatus) Terminal() bool {
	return s == StoryCompleted || s == StoryFailed
}

// GatePhase identifies where in the quality pipeline a gate runs.
type GatePhase string

const (
	GatePreValidation  GatePhase = "pre_validation"
	GateValidation     GatePhase = "validation"
	GatePostValidation GatePhase = "post_validation"
)

// GatePhaseOrder is the fixed display order for gate phases.
func GatePhaseOrder() []GatePhase {
	return []GatePhase{GatePreValidation, GateValidation, GatePostValidation}
}

// GateStatus is the outcome of a single quality gate.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GateRunning GateStatus = "running"
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
	GateSkipped GateStatus = "skipped"
)

// GateResult is one discrete quality-gate outcome for a story.
// Immutable once reported by the backend.
type GateResult struct {
	GateID   string        `json:"gateId"`
	GateName string        `json:"gateName"`
	Phase    GatePhase     `json:"phase"`
	Status   GateStatus    `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// EventType tags a progress event delivered on the event stream.
type EventType string

const (
	EventBatchStarted       EventType = "batch_started"
	EventStoryStarted       EventType = "story_started"
	EventStoryComplete      EventType = "story_complete"
	EventGateUpdate         EventType = "gate_update"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

// ProgressEvent is an inbound fact about a session's execution.
// Events are transient: they are folded into local state and never
// stored. Events for a non-matching session id are discarded.
type ProgressEvent struct {
	SessionID    string       `json:"sessionId"`
	EventType    EventType    `json:"eventType"`
	CurrentBatch int          `json:"currentBatch"`
	TotalBatches int          `json:"totalBatches"`
	StoryID      string       `json:"storyId,omitempty"`
	StoryStatus  StoryStatus  `json:"storyStatus,omitempty"`
	GateResults  []GateResult `json:"gateResults,omitempty"`
	Error        string       `json:"error,omitempty"`
	ProgressPct  float64      `json:"progressPct"`
}

// ExecutionStatus is the authoritative execution snapshot returned by
// get_task_execution_status. Used by the polling fallback to cover
// missed events.
type ExecutionStatus struct {
	Status           string                 `json:"status"`
	CurrentBatch     int                    `json:"currentBatch"`
	TotalBatches     int                    `json:"totalBatches"`
	StoryStatuses    map[string]StoryStatus `json:"storyStatuses"`
	StoriesCompleted int                    `json:"storiesCompleted"`
	StoriesFailed    int                    `json:"storiesFailed"`
}

// ExecutionReport summarizes a finished execution.
type ExecutionReport struct {
	TotalStories     int               `json:"totalStories"`
	StoriesCompleted int               `json:"storiesCompleted"`
	StoriesFailed    int               `json:"storiesFailed"`
	TotalDurationMs  int64             `json:"totalDurationMs"`
	AgentAssignments map[string]string `json:"agentAssignments,omitempty"`
	Success          bool              `json:"success"`
}

// ClarificationQuestion is a single interview question from the
// backend during the interviewing phase.
type ClarificationQuestion struct {
	QuestionID string   `json:"questionId"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options,omitempty"`
}

// ClarificationAnswer pairs a question id with the user's answer.
type ClarificationAnswer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// ClarificationRound is the backend's response to a batch of answers:
// either more questions, or Complete when the interview is finished.
type ClarificationRound struct {
	Questions []ClarificationQuestion `json:"questions,omitempty"`
	Complete  bool                    `json:"complete"`
}
