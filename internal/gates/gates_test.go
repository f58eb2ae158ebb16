package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskflow/internal/task"
)

func gate(id string, phase task.GatePhase, status task.GateStatus) task.GateResult {
	return task.GateResult{GateID: id, GateName: id, Phase: phase, Status: status}
}

func TestAggregate_PhaseOrderAndOmission(t *testing.T) {
	gates := []task.GateResult{
		gate("lint", task.GatePostValidation, task.GatePassed),
		gate("typecheck", task.GatePreValidation, task.GatePassed),
		gate("tests", task.GatePreValidation, task.GatePassed),
	}

	result := Aggregate("story-001", gates, task.GatePassed)

	require.Len(t, result.Phases, 2) // validation phase has no gates, omitted
	assert.Equal(t, task.GatePreValidation, result.Phases[0].Phase)
	assert.Equal(t, task.GatePostValidation, result.Phases[1].Phase)
	// Report order preserved within a phase.
	assert.Equal(t, "typecheck", result.Phases[0].Gates[0].GateID)
	assert.Equal(t, "tests", result.Phases[0].Gates[1].GateID)
	assert.Equal(t, task.GatePassed, result.OverallStatus)
}

func TestAggregate_FailedGateOverridesReportedPassed(t *testing.T) {
	gates := []task.GateResult{
		gate("build", task.GateValidation, task.GatePassed),
		gate("review", task.GatePostValidation, task.GateFailed),
	}

	result := Aggregate("story-002", gates, task.GatePassed)
	assert.Equal(t, task.GateFailed, result.OverallStatus)
}

func TestAggregate_Empty(t *testing.T) {
	result := Aggregate("story-003", nil, task.GatePending)
	assert.Empty(t, result.Phases)
	assert.Equal(t, task.GatePending, result.OverallStatus)
}

func TestReconcileOverall(t *testing.T) {
	tests := []struct {
		name     string
		reported task.GateStatus
		statuses []task.GateStatus
		want     task.GateStatus
	}{
		{"all passed", task.GatePassed, []task.GateStatus{task.GatePassed}, task.GatePassed},
		{"running beats pending report", task.GatePending, []task.GateStatus{task.GateRunning}, task.GateRunning},
		{"failed beats everything", task.GateRunning, []task.GateStatus{task.GatePassed, task.GateFailed}, task.GateFailed},
		{"skipped beats passed", task.GatePassed, []task.GateStatus{task.GateSkipped}, task.GateSkipped},
		{"empty report defaults passed", "", nil, task.GatePassed},
		{"reported failure sticks", task.GateFailed, []task.GateStatus{task.GatePassed}, task.GateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gs []task.GateResult
			for i, s := range tt.statuses {
				gs = append(gs, gate(string(rune('a'+i)), task.GateValidation, s))
			}
			assert.Equal(t, tt.want, ReconcileOverall(tt.reported, gs))
		})
	}
}

func TestRateDimension_Thresholds(t *testing.T) {
	tests := []struct {
		score, max float64
		want       DimensionRating
	}{
		{80, 100, RatingGood},       // exactly 0.8
		{79.999, 100, RatingBorderline},
		{50, 100, RatingBorderline}, // exactly 0.5
		{49.999, 100, RatingPoor},
		{100, 100, RatingGood},
		{0, 100, RatingPoor},
		{4, 5, RatingGood},
		{5, 0, RatingPoor},  // degenerate max
		{5, -1, RatingPoor},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RateDimension(tt.score, tt.max),
			"score=%v max=%v", tt.score, tt.max)
	}
}
