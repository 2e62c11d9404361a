package policy

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// Candidate is one event (or literal pinned ref) entering the ranking pass.
type Candidate struct {
	ID       string // event id, or the ref id for literal pins
	Event    *types.Event
	Text     string
	Semantic float64
	Pinned   bool
	Vector   []float32 // unit vector when available; nil is tolerated
}

// EstimateTokens approximates token count as ceil(len/4). A real tokenizer
// would be tighter, but packing only needs a stable upper-bound style
// estimate, and the same estimator is used for budget and items.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// score computes the static ranking terms; the diversity penalty is applied
// during selection, against already-committed picks only.
func score(c Candidate, w Weights, now time.Time) types.ScoreBreakdown {
	var b types.ScoreBreakdown
	if c.Pinned {
		b.Pinned = w.Pinned
	}
	if c.Event != nil {
		imp := c.Event.Importance / 10
		if imp > 1 {
			imp = 1
		}
		if imp < 0 {
			imp = 0
		}
		b.Importance = w.Importance * imp

		ageDays := now.Sub(c.Event.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		// recency term is exp(-lambda*age); the decay rate is the only knob
		b.Recency = math.Exp(-w.RecencyDecay * ageDays)
	}
	b.Semantic = w.Semantic * c.Semantic
	return b
}

func total(b types.ScoreBreakdown) float64 {
	return b.Pinned + b.Importance + b.Semantic + b.Recency - b.Diversity
}

// BuildPack ranks candidates and greedily packs them into the token budget.
// Pinned candidates are packed first regardless of score. Items that do not
// fit the remaining budget are skipped whole, never truncated: truncation
// would invalidate citations.
//
// The diversity penalty is greedy by design: each pick considers only
// already-committed selections, keeping the pass deterministic and O(n*k).
func BuildPack(p *Policy, budget int, now time.Time, candidates []Candidate) ([]types.PackItem, int, error) {
	pinned := lo.Filter(candidates, func(c Candidate, _ int) bool { return c.Pinned })
	if len(pinned) > 0 {
		smallest := lo.MinBy(pinned, func(a, b Candidate) bool {
			return EstimateTokens(a.Text) < EstimateTokens(b.Text)
		})
		if budget < EstimateTokens(smallest.Text) {
			return nil, 0, errdefs.Wrapf(errdefs.ErrBudgetTooSmall,
				"budget %d below smallest always-include item (%d tokens)",
				budget, EstimateTokens(smallest.Text))
		}
	}

	type entry struct {
		c      Candidate
		b      types.ScoreBreakdown
		tokens int
	}
	pool := make([]*entry, 0, len(candidates))
	for _, c := range candidates {
		pool = append(pool, &entry{c: c, b: score(c, p.Weights, now), tokens: EstimateTokens(c.Text)})
	}

	// Deterministic base order: score desc, pinned first, importance desc,
	// id ascending.
	less := func(a, b *entry, sa, sb float64) bool {
		if sa != sb {
			return sa > sb
		}
		if a.c.Pinned != b.c.Pinned {
			return a.c.Pinned
		}
		ia, ib := 0.0, 0.0
		if a.c.Event != nil {
			ia = a.c.Event.Importance
		}
		if b.c.Event != nil {
			ib = b.c.Event.Importance
		}
		if ia != ib {
			return ia > ib
		}
		return a.c.ID < b.c.ID
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return less(pool[i], pool[j], total(pool[i].b), total(pool[j].b))
	})

	var items []types.PackItem
	var selectedVecs [][]float32
	remaining := budget
	used := 0

	selectEntry := func(e *entry) {
		items = append(items, types.PackItem{
			ID:        e.c.ID,
			EventID:   eventID(e.c),
			Text:      e.c.Text,
			Tokens:    e.tokens,
			Score:     total(e.b),
			Breakdown: e.b,
			Pinned:    e.c.Pinned,
		})
		if e.c.Vector != nil {
			selectedVecs = append(selectedVecs, e.c.Vector)
		}
		remaining -= e.tokens
		used += e.tokens
	}

	// Pinned first, in base order, regardless of score.
	rest := pool[:0:0]
	for _, e := range pool {
		if e.c.Pinned {
			if e.tokens <= remaining {
				selectEntry(e)
			}
			continue
		}
		rest = append(rest, e)
	}

	// Greedy selection with the diversity penalty recomputed against the
	// committed picks each round.
	for len(rest) > 0 && remaining > 0 {
		bestIdx := -1
		var bestScore float64
		for i, e := range rest {
			div := p.Weights.Diversity * maxSimilarity(e.c.Vector, selectedVecs)
			eff := total(e.b) - div
			if bestIdx == -1 || less(e, rest[bestIdx], eff, bestScore) {
				bestIdx = i
				bestScore = eff
			}
		}

		e := rest[bestIdx]
		rest = append(rest[:bestIdx], rest[bestIdx+1:]...)
		if e.tokens > remaining {
			continue // skipped whole, not truncated
		}
		e.b.Diversity = p.Weights.Diversity * maxSimilarity(e.c.Vector, selectedVecs)
		selectEntry(e)
	}

	return items, used, nil
}

func eventID(c Candidate) string {
	if c.Event != nil {
		return c.Event.ID
	}
	return ""
}

// maxSimilarity returns the highest cosine similarity between vec and any
// already-selected vector. Vectors are unit length, so dot product suffices.
func maxSimilarity(vec []float32, selected [][]float32) float64 {
	if vec == nil || len(selected) == 0 {
		return 0
	}
	best := 0.0
	for _, s := range selected {
		if len(s) != len(vec) {
			continue
		}
		dot := 0.0
		for i := range vec {
			dot += float64(vec[i]) * float64(s[i])
		}
		if dot > best {
			best = dot
		}
	}
	return best
}
