package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}

func eventCandidate(id string, importance float64, age time.Duration, now time.Time, text string) Candidate {
	return Candidate{
		ID: id,
		Event: &types.Event{
			ID:         id,
			Type:       types.TypeTestFailure,
			Timestamp:  now.Add(-age),
			Importance: importance,
		},
		Text: text,
	}
}

func TestBuildPackRespectsBudget(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	now := time.Now().UTC()

	candidates := []Candidate{
		eventCandidate("a", 9, time.Hour, now, strings.Repeat("a", 40)), // 10 tokens
		eventCandidate("b", 8, time.Hour, now, strings.Repeat("b", 40)), // 10 tokens
		eventCandidate("c", 7, time.Hour, now, strings.Repeat("c", 40)), // 10 tokens
	}

	items, used, err := BuildPack(pol, 25, now, candidates)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, 25)
	assert.Len(t, items, 2)
	total := 0
	for _, it := range items {
		total += it.Tokens
	}
	assert.Equal(t, used, total)
}

func TestBuildPackSkipsWholeNeverTruncates(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	now := time.Now().UTC()

	// The highest-scored item is too big for the remaining budget; a smaller,
	// lower-scored one must still make it in, untruncated.
	candidates := []Candidate{
		eventCandidate("big", 10, time.Hour, now, strings.Repeat("x", 400)), // 100 tokens
		eventCandidate("small", 2, time.Hour, now, strings.Repeat("y", 40)), // 10 tokens
	}

	items, used, err := BuildPack(pol, 50, now, candidates)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "small", items[0].ID)
	assert.Equal(t, 10, items[0].Tokens)
	assert.Len(t, items[0].Text, 40)
	assert.Equal(t, 10, used)
}

func TestBuildPackPinnedFirst(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	now := time.Now().UTC()

	candidates := []Candidate{
		eventCandidate("hot", 10, time.Minute, now, strings.Repeat("h", 40)),
		{ID: "pin", Text: "always include this convention", Pinned: true},
	}

	items, _, err := BuildPack(pol, 2000, now, candidates)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pin", items[0].ID)
	assert.True(t, items[0].Pinned)
	assert.Equal(t, pol.Weights.Pinned, items[0].Breakdown.Pinned)
}

func TestBuildPackBudgetTooSmall(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	now := time.Now().UTC()

	candidates := []Candidate{
		{ID: "pin", Text: strings.Repeat("p", 400), Pinned: true}, // 100 tokens
	}

	_, _, err := BuildPack(pol, 50, now, candidates)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrBudgetTooSmall))
}

func TestBuildPackDeterministicOrder(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	now := time.Now().UTC()

	// Identical scores everywhere: ties must break by id ascending, however
	// the candidates arrive.
	mk := func(ids ...string) []Candidate {
		out := make([]Candidate, len(ids))
		for i, id := range ids {
			out[i] = eventCandidate(id, 5, time.Hour, now, strings.Repeat("t", 20))
		}
		return out
	}

	first, _, err := BuildPack(pol, 2000, now, mk("m", "a", "z", "k"))
	require.NoError(t, err)
	second, _, err := BuildPack(pol, 2000, now, mk("z", "k", "m", "a"))
	require.NoError(t, err)

	require.Len(t, first, 4)
	ids := func(items []types.PackItem) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.ID
		}
		return out
	}
	assert.Equal(t, []string{"a", "k", "m", "z"}, ids(first))
	assert.Equal(t, ids(first), ids(second))
}

func TestBuildPackDiversityPenalty(t *testing.T) {
	pol := DefaultPolicy("p", "p")
	pol.Weights.Diversity = 1.0
	pol.Weights.RecencyDecay = 0 // neutralize recency so semantic dominates
	now := time.Now().UTC()

	c := func(id string, sem float64, vec []float32) Candidate {
		cand := eventCandidate(id, 5, time.Hour, now, strings.Repeat(id, 20))
		cand.Semantic = sem
		cand.Vector = vec
		return cand
	}

	// a and b are near-duplicates; c is orthogonal but less relevant. After a
	// is picked, the duplicate penalty must push b below c.
	candidates := []Candidate{
		c("a", 1.0, []float32{1, 0}),
		c("b", 0.9, []float32{1, 0}),
		c("c", 0.5, []float32{0, 1}),
	}

	items, _, err := BuildPack(pol, 2000, now, candidates)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "c", items[1].ID)
	assert.Equal(t, "b", items[2].ID)
	assert.Greater(t, items[2].Breakdown.Diversity, 0.0)
}

func TestScoreBreakdownTerms(t *testing.T) {
	w := Weights{Pinned: 2, Importance: 1, Semantic: 1.5, RecencyDecay: 0.05, Diversity: 0.3}
	now := time.Now().UTC()

	cand := eventCandidate("a", 8, 48*time.Hour, now, "text")
	cand.Semantic = 0.6
	b := score(cand, w, now)

	assert.Equal(t, 0.0, b.Pinned)
	assert.InDelta(t, 0.8, b.Importance, 1e-9)
	assert.InDelta(t, 0.9, b.Semantic, 1e-9)
	assert.InDelta(t, 0.9048, b.Recency, 1e-3) // exp(-0.05*2)

	// Importance clamps to [0, 10].
	over := eventCandidate("b", 15, 0, now, "text")
	assert.InDelta(t, 1.0, score(over, w, now).Importance, 1e-9)
}
