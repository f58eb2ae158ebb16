package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func op(id string, startMs, endMs int64) Operation {
	return Operation{
		ID:          id,
		StartedAt:   t0.Add(time.Duration(startMs) * time.Millisecond),
		CompletedAt: t0.Add(time.Duration(endMs) * time.Millisecond),
	}
}

func TestPack_Empty(t *testing.T) {
	tl := Pack(nil)
	assert.Empty(t, tl.Bars)
	assert.Zero(t, tl.Duration)
	assert.Zero(t, tl.LaneCount)
}

func TestPack_DisjointShareLane(t *testing.T) {
	tl := Pack([]Operation{op("a", 0, 100), op("b", 100, 250)})

	assert.Equal(t, 1, tl.LaneCount)
	require.Len(t, tl.Bars, 2)
	assert.Equal(t, tl.Bars[0].Lane, tl.Bars[1].Lane)
	assert.Equal(t, 250*time.Millisecond, tl.Duration)
}

func TestPack_OverlappingSplitLanes(t *testing.T) {
	tl := Pack([]Operation{op("a", 0, 200), op("b", 100, 300)})

	assert.Equal(t, 2, tl.LaneCount)
	require.Len(t, tl.Bars, 2)
	assert.NotEqual(t, tl.Bars[0].Lane, tl.Bars[1].Lane)
}

func TestPack_ThreePairwiseOverlapping(t *testing.T) {
	tl := Pack([]Operation{op("a", 0, 300), op("b", 50, 350), op("c", 100, 400)})

	assert.Equal(t, 3, tl.LaneCount)
	lanes := map[int]bool{}
	for _, bar := range tl.Bars {
		lanes[bar.Lane] = true
	}
	assert.Len(t, lanes, 3)
}

func TestPack_LaneReuseAfterFree(t *testing.T) {
	// a and b overlap; c starts after a ends, so it reuses lane 0.
	tl := Pack([]Operation{op("a", 0, 100), op("b", 50, 300), op("c", 100, 200)})

	assert.Equal(t, 2, tl.LaneCount)
	byID := map[string]Bar{}
	for _, bar := range tl.Bars {
		byID[bar.ID] = bar
	}
	assert.Equal(t, 0, byID["a"].Lane)
	assert.Equal(t, 1, byID["b"].Lane)
	assert.Equal(t, 0, byID["c"].Lane)
}

func TestPack_Deterministic(t *testing.T) {
	ops := []Operation{op("b", 0, 100), op("a", 0, 100)}

	first := Pack(ops)
	second := Pack(ops)
	assert.Equal(t, first, second)
	// Tie on start time breaks by ID: "a" gets lane 0.
	assert.Equal(t, "a", first.Bars[0].ID)
	assert.Equal(t, 0, first.Bars[0].Lane)
}

func TestPack_Offsets(t *testing.T) {
	tl := Pack([]Operation{op("a", 500, 700), op("b", 600, 900)})

	byID := map[string]Bar{}
	for _, bar := range tl.Bars {
		byID[bar.ID] = bar
	}
	// Offsets are relative to the earliest start.
	assert.Equal(t, int64(0), byID["a"].StartOffsetMs)
	assert.Equal(t, int64(200), byID["a"].DurationMs)
	assert.Equal(t, int64(100), byID["b"].StartOffsetMs)
	assert.Equal(t, 400*time.Millisecond, tl.Duration)
}

func TestSummarize_Empty(t *testing.T) {
	stats := Summarize(Pack(nil))
	assert.Zero(t, stats.TotalExecutionTime)
	assert.Zero(t, stats.AverageDuration)
	assert.Zero(t, stats.ParallelEfficiency)
	assert.Nil(t, stats.LongestOperation)
}

func TestSummarize(t *testing.T) {
	tl := Pack([]Operation{op("a", 0, 200), op("b", 100, 300)})
	stats := Summarize(tl)

	assert.Equal(t, 400*time.Millisecond, stats.TotalExecutionTime)
	assert.Equal(t, 200*time.Millisecond, stats.AverageDuration)
	require.NotNil(t, stats.LongestOperation)
	// Both run 200ms; the first bar wins ties.
	assert.Equal(t, 200*time.Millisecond, stats.LongestOperation.Duration)
	// total=400ms over span 300ms * 2 lanes.
	assert.InDelta(t, 400.0/600.0, stats.ParallelEfficiency, 1e-9)
}

func TestSummarize_FullyParallel(t *testing.T) {
	tl := Pack([]Operation{op("a", 0, 100), op("b", 0, 100)})
	stats := Summarize(tl)
	// Two lanes fully busy for the whole span: efficiency 1.
	assert.InDelta(t, 1.0, stats.ParallelEfficiency, 1e-9)
}
