// Package gates derives per-story and overall quality-gate status from
// the discrete gate results reported during execution.
package gates

import (
	"github.com/fyrsmithlabs/taskflow/internal/task"
)

// PhaseGroup is the gate results for one pipeline phase, in the order
// the backend reported them.
type PhaseGroup struct {
	Phase task.GatePhase    `json:"phase"`
	Gates []task.GateResult `json:"gates"`
}

// DimensionScore is one code-review rubric dimension for a story.
type DimensionScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
}

// StoryQualityGateResults aggregates all gate results for one story.
type StoryQualityGateResults struct {
	StoryID          string           `json:"storyId"`
	OverallStatus    task.GateStatus  `json:"overallStatus"`
	Phases           []PhaseGroup     `json:"phases"`
	CodeReviewScores []DimensionScore `json:"codeReviewScores,omitempty"`
	TotalScore       float64          `json:"totalScore,omitempty"`
}

// Aggregate groups a story's gate results by pipeline phase in the
// fixed display order (pre_validation, validation, post_validation),
// omitting phases with no gates. The reported overall status comes
// from the backend but is reconciled pessimistically: a failed gate is
// never reported under an overall "passed".
func Aggregate(storyID string, gates []task.GateResult, reported task.GateStatus) StoryQualityGateResults {
	byPhase := make(map[task.GatePhase][]task.GateResult, 3)
	for _, g := range gates {
		byPhase[g.Phase] = append(byPhase[g.Phase], g)
	}

	var groups []PhaseGroup
	for _, phase := range task.GatePhaseOrder() {
		if len(byPhase[phase]) == 0 {
			continue
		}
		groups = append(groups, PhaseGroup{Phase: phase, Gates: byPhase[phase]})
	}

	return StoryQualityGateResults{
		StoryID:       storyID,
		OverallStatus: ReconcileOverall(reported, gates),
		Phases:        groups,
	}
}

// statusSeverity orders gate statuses worst-first for pessimistic
// reconciliation: failed > running > pending > skipped > passed.
func statusSeverity(s task.GateStatus) int {
	switch s {
	case task.GateFailed:
		return 4
	case task.GateRunning:
		return 3
	case task.GatePending:
		return 2
	case task.GateSkipped:
		return 1
	case task.GatePassed:
		return 0
	}
	return 0
}

// ReconcileOverall returns the worst status observed across the
// reported overall status and every individual gate. The backend's
// overall status is authoritative unless an individual gate
// contradicts it, in which case the worst status wins.
func ReconcileOverall(reported task.GateStatus, gates []task.GateResult) task.GateStatus {
	worst := reported
	if worst == "" {
		worst = task.GatePassed
	}
	for _, g := range gates {
		if statusSeverity(g.Status) > statusSeverity(worst) {
			worst = g.Status
		}
	}
	return worst
}

// DimensionRating grades a code-review dimension score.
type DimensionRating string

const (
	RatingGood       DimensionRating = "good"
	RatingBorderline DimensionRating = "borderline"
	RatingPoor       DimensionRating = "poor"
)

// RateDimension maps a dimension score to a rating: at least 80% of
// max is good, at least 50% is borderline, anything below is poor.
// A non-positive max score rates poor.
func RateDimension(score, maxScore float64) DimensionRating {
	if maxScore <= 0 {
		return RatingPoor
	}
	ratio := score / maxScore
	switch {
	case ratio >= 0.8:
		return RatingGood
	case ratio >= 0.5:
		return RatingBorderline
	default:
		return RatingPoor
	}
}
