package task

import (
	"errors"
	"fmt"
	"sort"
)

// ErrEmptyStoryList is returned when a PRD has no stories. The backend
// re-validates this; the local check avoids a pointless round trip.
var ErrEmptyStoryList = errors.New("prd has no stories")

// Validate checks the structural invariants of a PRD: a non-empty,
// uniquely-identified story list, dependencies that resolve to known
// stories without cycles, and batches that partition the stories so
// that no story depends on a later batch.
func (p *Prd) Validate() error {
	if len(p.Stories) == 0 {
		return ErrEmptyStoryList
	}

	ids := make(map[string]struct{}, len(p.Stories))
	for _, s := range p.Stories {
		if s.ID == "" {
			return fmt.Errorf("story %q has empty id", s.Title)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate story id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	for _, s := range p.Stories {
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("story %q depends on unknown story %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("story %q depends on itself", s.ID)
			}
		}
	}

	if cycle := findCycle(p.Stories); cycle != "" {
		return fmt.Errorf("dependency cycle through story %q", cycle)
	}

	if len(p.Batches) > 0 {
		return p.validateBatches(ids)
	}
	return nil
}

// validateBatches checks that batches partition the story set and
// encode a valid topological layering of the dependency graph.
func (p *Prd) validateBatches(ids map[string]struct{}) error {
	batchOf := make(map[string]int, len(ids))
	for _, b := range p.Batches {
		for _, id := range b.StoryIDs {
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("batch %d references unknown story %q", b.Index, id)
			}
			if _, dup := batchOf[id]; dup {
				return fmt.Errorf("story %q assigned to more than one batch", id)
			}
			batchOf[id] = b.Index
		}
	}
	if len(batchOf) != len(ids) {
		return fmt.Errorf("batches cover %d of %d stories", len(batchOf), len(ids))
	}
	for _, s := range p.Stories {
		for _, dep := range s.Dependencies {
			if batchOf[dep] > batchOf[s.ID] {
				return fmt.Errorf("story %q in batch %d depends on %q in later batch %d",
					s.ID, batchOf[s.ID], dep, batchOf[dep])
			}
		}
	}
	return nil
}

// findCycle returns the id of a story on a dependency cycle, or "".
func findCycle(stories []Story) string {
	deps := make(map[string][]string, len(stories))
	for _, s := range stories {
		deps[s.ID] = s.Dependencies
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(stories))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if hit := visit(dep); hit != "" {
				return hit
			}
		}
		state[id] = done
		return ""
	}

	for _, s := range stories {
		if hit := visit(s.ID); hit != "" {
			return hit
		}
	}
	return ""
}

// LayerBatches groups stories into dependency layers: batch 0 holds
// stories with no dependencies, batch n holds stories whose
// dependencies all live in batches < n. Output is deterministic
// (story ids sorted within each batch). Returns an error on unknown
// dependencies or cycles.
func LayerBatches(stories []Story) ([]Batch, error) {
	if len(stories) == 0 {
		return []Batch{}, nil
	}
	ids := make(map[string]struct{}, len(stories))
	for _, s := range stories {
		ids[s.ID] = struct{}{}
	}
	for _, s := range stories {
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("story %q depends on unknown story %q", s.ID, dep)
			}
		}
	}
	if cycle := findCycle(stories); cycle != "" {
		return nil, fmt.Errorf("dependency cycle through story %q", cycle)
	}

	layer := make(map[string]int, len(stories))
	var depth func(id string) int
	deps := make(map[string][]string, len(stories))
	for _, s := range stories {
		deps[s.ID] = s.Dependencies
	}
	depth = func(id string) int {
		if d, ok := layer[id]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[id] {
			if dd := depth(dep) + 1; dd > d {
				d = dd
			}
		}
		layer[id] = d
		return d
	}

	maxLayer := 0
	for _, s := range stories {
		if d := depth(s.ID); d > maxLayer {
			maxLayer = d
		}
	}

	batches := make([]Batch, maxLayer+1)
	for i := range batches {
		batches[i].Index = i
	}
	for _, s := range stories {
		b := layer[s.ID]
		batches[b].StoryIDs = append(batches[b].StoryIDs, s.ID)
	}
	for i := range batches {
		sort.Strings(batches[i].StoryIDs)
	}
	return batches, nil
}
