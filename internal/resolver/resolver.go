// Package resolver reconciles candidate spans produced by independent
// recognizers into a single ordered, non-overlapping sequence.
//
// Resolution is deterministic. Candidates are ordered by start ascending,
// then score descending, then length descending, then recognizer
// registration order ascending. Walking that order, a candidate that overlaps
// the most recently accepted span competes with it: the higher score wins,
// then the longer span, then the earlier-registered recognizer. The loser is
// discarded outright; span boundaries are never extended or merged.
package resolver

import (
	"sort"

	"pii-anonymizer/internal/entity"
)

// Candidate is a recognizer result tagged with the registration index of the
// recognizer that produced it. Lower Order means registered earlier.
type Candidate struct {
	entity.Result
	Order int
}

// Resolve filters candidates to the requested entity types and returns the
// surviving non-overlapping results sorted by Start. A nil or empty filter
// accepts every type. The input slice is not modified.
func Resolve(candidates []Candidate, filter []entity.Type) []entity.Result {
	allowed := entity.NewSet(filter...)

	// Filter before resolving so an unwanted high-score span cannot
	// suppress a wanted one.
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if allowed.Allows(c.Type) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return []entity.Result{}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.Order < b.Order
	})

	accepted := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if len(accepted) == 0 {
			accepted = append(accepted, c)
			continue
		}
		last := &accepted[len(accepted)-1]
		if !c.Overlaps(last.Result) {
			accepted = append(accepted, c)
			continue
		}
		// c.Start >= last.Start, and the span before last ends at or before
		// last.Start, so a replacing winner cannot collide with it.
		if beats(c, *last) {
			*last = c
		}
	}

	out := make([]entity.Result, len(accepted))
	for i, c := range accepted {
		out[i] = c.Result
	}
	return out
}

// beats reports whether challenger wins an overlap against incumbent.
func beats(challenger, incumbent Candidate) bool {
	if challenger.Score != incumbent.Score {
		return challenger.Score > incumbent.Score
	}
	if challenger.Len() != incumbent.Len() {
		return challenger.Len() > incumbent.Len()
	}
	return challenger.Order < incumbent.Order
}

// NonOverlapping reports whether results are sorted by Start and pairwise
// disjoint.
func NonOverlapping(results []entity.Result) bool {
	for i := 1; i < len(results); i++ {
		if results[i].Start < results[i-1].End {
			return false
		}
	}
	return true
}
