package resolver

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-anonymizer/internal/entity"
)

func cand(t entity.Type, start, end int, score float64, order int) Candidate {
	return Candidate{Result: entity.Result{Type: t, Start: start, End: end, Score: score}, Order: order}
}

func TestResolveEmpty(t *testing.T) {
	got := Resolve(nil, nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestResolveSingleUnchanged(t *testing.T) {
	c := cand(entity.URL, 3, 9, 0.9, 0)
	got := Resolve([]Candidate{c}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, c.Result, got[0])
}

func TestResolveOverlapKeepsHigherScore(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.PhoneNumber, 5, 16, 0.80, 0),
		cand(entity.USSSN, 5, 16, 0.95, 1),
	}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, entity.USSSN, got[0].Type)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9)
}

func TestResolveLaterHigherScoreReplacesAccepted(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.Person, 0, 10, 0.60, 0),
		cand(entity.EmailAddress, 4, 20, 0.90, 1),
		cand(entity.URL, 22, 30, 0.90, 0),
	}, nil)
	require.Len(t, got, 2)
	assert.Equal(t, entity.EmailAddress, got[0].Type)
	assert.Equal(t, 4, got[0].Start)
	assert.Equal(t, 20, got[0].End, "winner keeps its own boundaries")
	assert.Equal(t, entity.URL, got[1].Type)
}

func TestResolveLowerScoreLoserDiscardedNotMerged(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.EmailAddress, 0, 10, 0.95, 0),
		cand(entity.URL, 5, 25, 0.50, 1),
	}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 10, got[0].End)
}

func TestResolveEqualScorePrefersLonger(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.PhoneNumber, 2, 8, 0.85, 0),
		cand(entity.CreditCard, 2, 18, 0.85, 1),
	}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, entity.CreditCard, got[0].Type)

	// Same when the longer one starts later and arrives second in the walk.
	got = Resolve([]Candidate{
		cand(entity.PhoneNumber, 0, 6, 0.85, 0),
		cand(entity.CreditCard, 3, 18, 0.85, 1),
	}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, entity.CreditCard, got[0].Type)
}

func TestResolveFullTiePrefersEarlierRecognizer(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.Person, 0, 4, 0.7, 2),
		cand(entity.Organization, 0, 4, 0.7, 1),
	}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, entity.Organization, got[0].Type)
}

func TestResolveTouchingSpansBothKept(t *testing.T) {
	got := Resolve([]Candidate{
		cand(entity.Person, 0, 4, 0.7, 0),
		cand(entity.Location, 4, 9, 0.7, 0),
	}, nil)
	assert.Len(t, got, 2)
}

func TestResolveFilterAppliesBeforeResolution(t *testing.T) {
	candidates := []Candidate{
		cand(entity.URL, 0, 20, 0.99, 0),
		cand(entity.EmailAddress, 8, 20, 0.60, 1),
	}
	got := Resolve(candidates, []entity.Type{entity.EmailAddress})
	require.Len(t, got, 1, "a filtered-out winner must not suppress a wanted span")
	assert.Equal(t, entity.EmailAddress, got[0].Type)

	assert.Len(t, candidates, 2, "input left untouched")
	assert.Equal(t, entity.URL, candidates[0].Type)
}

func randomCandidates(r *rand.Rand, n int) []Candidate {
	types := entity.Known()
	out := make([]Candidate, n)
	for i := range out {
		start := r.Intn(200)
		out[i] = cand(types[r.Intn(len(types))], start, start+1+r.Intn(25), float64(r.Intn(100))/100, r.Intn(4))
	}
	return out
}

func TestResolveNonOverlapProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		got := Resolve(randomCandidates(r, 1+r.Intn(40)), nil)
		require.True(t, NonOverlapping(got), "round %d produced overlapping output: %v", round, got)
		for i := range got {
			for j := i + 1; j < len(got); j++ {
				assert.False(t, got[i].Overlaps(got[j]))
			}
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	candidates := randomCandidates(r, 60)
	first := Resolve(candidates, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Resolve(candidates, nil))
	}
}
