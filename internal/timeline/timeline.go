// Package timeline packs time-stamped operations into display lanes so
// overlapping executions render in parallel tracks, and derives summary
// statistics for a finished run.
package timeline

import (
	"sort"
	"time"
)

// Operation is a timed unit of work to place on the timeline.
type Operation struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Bar is an operation with its assigned lane, expressed as offsets
// from the start of the timeline.
type Bar struct {
	ID            string        `json:"id"`
	StartOffsetMs int64         `json:"startOffsetMs"`
	DurationMs    int64         `json:"durationMs"`
	Lane          int           `json:"lane"`
	Duration      time.Duration `json:"-"`
}

// Timeline is the packed result: every bar carries a lane assignment,
// Duration spans earliest start to latest end, LaneCount is the number
// of lanes opened.
type Timeline struct {
	Bars      []Bar         `json:"bars"`
	Duration  time.Duration `json:"duration"`
	LaneCount int           `json:"laneCount"`
}

// Pack assigns lanes greedily: operations sorted by start time each
// take the first lane that is free at their start, opening a new lane
// when none is. Greedy earliest-start ordering yields the minimal lane
// count for interval graphs; two operations share a lane only if their
// intervals do not overlap. Ties on start time break by ID so output
// is deterministic.
func Pack(ops []Operation) Timeline {
	if len(ops) == 0 {
		return Timeline{Bars: []Bar{}}
	}

	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.Before(sorted[j].StartedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	origin := sorted[0].StartedAt
	latest := sorted[0].CompletedAt

	var laneEnds []time.Time
	bars := make([]Bar, 0, len(sorted))

	for _, op := range sorted {
		lane := -1
		for i, end := range laneEnds {
			if !end.After(op.StartedAt) {
				lane = i
				break
			}
		}
		if lane == -1 {
			laneEnds = append(laneEnds, time.Time{})
			lane = len(laneEnds) - 1
		}
		laneEnds[lane] = op.CompletedAt

		if op.CompletedAt.After(latest) {
			latest = op.CompletedAt
		}

		dur := op.CompletedAt.Sub(op.StartedAt)
		bars = append(bars, Bar{
			ID:            op.ID,
			StartOffsetMs: op.StartedAt.Sub(origin).Milliseconds(),
			DurationMs:    dur.Milliseconds(),
			Duration:      dur,
			Lane:          lane,
		})
	}

	return Timeline{
		Bars:      bars,
		Duration:  latest.Sub(origin),
		LaneCount: len(laneEnds),
	}
}

// Stats summarizes a packed timeline.
type Stats struct {
	// TotalExecutionTime sums every bar's duration. Overlapping work is
	// counted twice on purpose: this measures total compute, not
	// elapsed time.
	TotalExecutionTime time.Duration
	AverageDuration    time.Duration
	// ParallelEfficiency is TotalExecutionTime / (Duration * LaneCount),
	// 0 when the timeline is empty.
	ParallelEfficiency float64
	// LongestOperation is the bar with the maximum duration, nil for an
	// empty timeline.
	LongestOperation *Bar
}

// Summarize derives statistics from a packed timeline.
func Summarize(tl Timeline) Stats {
	if len(tl.Bars) == 0 {
		return Stats{}
	}

	var total time.Duration
	longest := &tl.Bars[0]
	for i := range tl.Bars {
		total += tl.Bars[i].Duration
		if tl.Bars[i].Duration > longest.Duration {
			longest = &tl.Bars[i]
		}
	}

	stats := Stats{
		TotalExecutionTime: total,
		AverageDuration:    total / time.Duration(len(tl.Bars)),
		LongestOperation:   longest,
	}
	if tl.Duration > 0 && tl.LaneCount > 0 {
		stats.ParallelEfficiency = float64(total) / (float64(tl.Duration) * float64(tl.LaneCount))
	}
	return stats
}
