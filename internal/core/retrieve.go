package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// Retrieve resolves a policy for the request, gathers hybrid candidates,
// ranks and packs them into a token-budgeted, citation-carrying context
// pack. An unavailable index degrades to structured-filter-only ranking
// rather than failing: partial context beats none for a calling agent.
func (e *Engine) Retrieve(ctx context.Context, req *types.RetrieveRequest) (*types.ContextPack, error) {
	pol, err := e.resolvePolicy(req)
	if err != nil {
		return nil, err
	}

	budget := pol.BudgetTokens
	if req.TokenBudget > 0 {
		budget = req.TokenBudget
	}

	now := timeNow().UTC()
	degraded := false

	// Semantic candidates.
	query := semanticQuery(req)
	matches, err := e.index.Search(ctx, query, pol.MaxEvents, 0)
	if err != nil {
		if !errdefs.Is(err, errdefs.ErrIndexUnavailable) {
			return nil, err
		}
		e.logger.Warn("retrieval degraded to structured filters only",
			"policy_id", pol.ID, "error", err)
		degraded = true
	}
	// A search over a partially drained backlog still only sees the indexed
	// subset; callers must learn that from the pack, not just from /health.
	if !degraded && e.index.Degraded() {
		e.logger.Warn("retrieval served from a partially indexed backlog", "policy_id", pol.ID)
		degraded = true
	}
	semScores := make(map[string]float64, len(matches))
	for _, m := range matches {
		semScores[m.EventID] = m.Score
	}

	// Structured candidates.
	qopts := types.QueryOptions{
		Types:         pol.Filters.Types,
		Project:       req.Project,
		Branch:        req.Branch,
		TagsAny:       pol.Filters.TagsAny,
		MinImportance: pol.Filters.MinImportance,
		Limit:         pol.MaxEvents,
		Order:         types.OrderRecency,
	}
	if pol.Filters.WindowDays > 0 {
		qopts.Since = now.AddDate(0, 0, -pol.Filters.WindowDays)
	}
	structured, err := e.QueryEvents(qopts)
	if err != nil {
		return nil, err
	}

	// Union, deduplicated by event id.
	byID := make(map[string]*types.Event, len(structured)+len(matches))
	var order []string
	add := func(ev *types.Event) {
		if ev == nil || byID[ev.ID] != nil {
			return
		}
		if excluded(ev, pol.Filters.TagsExclude) {
			return
		}
		byID[ev.ID] = ev
		order = append(order, ev.ID)
	}
	for _, ev := range structured {
		add(ev)
	}
	// Semantic hits pass the same policy filters as the structured query,
	// so a tags_any policy never leaks untagged neighbours into the pack.
	for _, m := range matches {
		ev, err := e.db.GetEvent(m.EventID)
		if err != nil {
			return nil, err
		}
		if ev == nil || !allowedType(ev.Type, pol.Filters.Types) {
			continue
		}
		if !hasAnyTag(ev, pol.Filters.TagsAny) || ev.Importance < pol.Filters.MinImportance {
			continue
		}
		add(ev)
	}
	sort.Strings(order) // candidate set order is id-stable before ranking

	pinned := make(map[string]bool)
	candidates := make([]policy.Candidate, 0, len(order)+len(pol.AlwaysInclude))

	// Always-include references are spliced in regardless of score.
	for i, ref := range pol.AlwaysInclude {
		if ref.EventID != "" {
			if byID[ref.EventID] == nil {
				ev, err := e.db.GetEvent(ref.EventID)
				if err != nil {
					return nil, err
				}
				if ev == nil {
					e.logger.Warn("always-include event missing",
						"policy_id", pol.ID, "event_id", ref.EventID)
					continue
				}
				byID[ev.ID] = ev
				order = append(order, ev.ID)
			}
			pinned[ref.EventID] = true
			continue
		}
		refID := ref.ID
		if refID == "" {
			refID = fmt.Sprintf("%s:pin:%d", pol.ID, i)
		}
		candidates = append(candidates, policy.Candidate{
			ID:     refID,
			Text:   ref.Text,
			Pinned: true,
		})
	}

	for _, id := range order {
		ev := byID[id]
		vec, err := e.db.GetEmbedding(id)
		if err != nil {
			// Without the vector the diversity penalty is zero for this
			// candidate; ranking proceeds, but the failure must not be silent.
			e.logger.Warn("embedding lookup failed, diversity penalty skipped",
				"event_id", id, "error", err)
		}
		candidates = append(candidates, policy.Candidate{
			ID:       id,
			Event:    ev,
			Text:     renderEventText(ev),
			Semantic: semScores[id],
			Pinned:   pinned[id],
			Vector:   vec,
		})
	}
	candidates = lo.UniqBy(candidates, func(c policy.Candidate) string { return c.ID })

	items, used, err := policy.BuildPack(pol, budget, now, candidates)
	if err != nil {
		return nil, err
	}

	pack := &types.ContextPack{
		ID:           generateID(),
		PolicyID:     pol.ID,
		Task:         req.Task,
		Items:        items,
		TotalTokens:  used,
		BudgetTokens: budget,
		Citations:    buildCitations(items, byID),
		Degraded:     degraded,
		RetrievedAt:  now,
		ExpiresAt:    now.Add(e.packTTL),
	}
	if budget > 0 {
		pack.Efficiency = float64(used) / float64(budget)
	}

	e.packs.SetWithTTL(pack.ID, pack, 1, e.packTTL)
	e.packs.Wait()

	e.logger.Info("context pack assembled",
		"pack_id", pack.ID, "policy_id", pol.ID, "items", len(items),
		"tokens", used, "budget", budget, "degraded", degraded)
	return pack, nil
}

// GetPack returns a previously assembled pack while it is still cached.
func (e *Engine) GetPack(id string) (*types.ContextPack, error) {
	if v, ok := e.packs.Get(id); ok {
		if pack, ok := v.(*types.ContextPack); ok {
			return pack, nil
		}
	}
	return nil, errdefs.Wrapf(errdefs.ErrNotFound, "pack %q", id)
}

func (e *Engine) resolvePolicy(req *types.RetrieveRequest) (*policy.Policy, error) {
	if req.PolicyID != "" {
		return e.policies.Get(req.PolicyID)
	}
	if req.Task == "" {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "task or policy_id required")
	}
	return e.policies.ResolveByTask(req.Task)
}

// semanticQuery projects the request inputs into one query string. Keys are
// sorted so identical inputs always embed identically.
func semanticQuery(req *types.RetrieveRequest) string {
	parts := []string{req.Task}
	keys := lo.Keys(req.Inputs)
	sort.Strings(keys)
	for _, k := range keys {
		if v := req.Inputs[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func excluded(ev *types.Event, exclude []string) bool {
	for _, t := range exclude {
		for _, tag := range ev.Tags {
			if tag == t {
				return true
			}
		}
	}
	return false
}

func allowedType(t types.EventType, allowed []types.EventType) bool {
	if len(allowed) == 0 {
		return true
	}
	return lo.Contains(allowed, t)
}

func hasAnyTag(ev *types.Event, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	return lo.Some(ev.Tags, tags)
}

// buildCitations maps every pack item to exactly one traceable source.
// Offsets are cumulative over the pack's rendered text, separated by
// newlines, so a caller can locate each item inside the final prompt.
func buildCitations(items []types.PackItem, events map[string]*types.Event) map[string]types.Citation {
	citations := make(map[string]types.Citation, len(items))
	offset := 0
	for _, item := range items {
		c := types.Citation{Offset: offset}
		if item.EventID != "" {
			c.EventID = item.EventID
			if ev := events[item.EventID]; ev != nil {
				c.Source = ev.Source
			}
		} else {
			c.Source = "policy:always_include"
		}
		citations[item.ID] = c
		offset += len(item.Text) + 1
	}
	return citations
}
