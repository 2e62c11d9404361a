// Package policy loads retrieval policy documents and executes hybrid
// ranking and token-budget packing.
package policy

import (
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// Weights are the ranking terms of the scoring formula. All weights are
// configuration, never code: A/B comparison of policies must not require a
// rebuild.
type Weights struct {
	Pinned       float64 `yaml:"pinned" json:"pinned"`
	Importance   float64 `yaml:"importance" json:"importance"`
	Semantic     float64 `yaml:"semantic" json:"semantic"`
	RecencyDecay float64 `yaml:"recency_decay" json:"recency_decay"`
	Diversity    float64 `yaml:"diversity" json:"diversity"`
}

// Filters restrict the structured candidate set.
type Filters struct {
	Types         []types.EventType `yaml:"types" json:"types,omitempty"`
	TagsAny       []string          `yaml:"tags_any" json:"tags_any,omitempty"`
	TagsExclude   []string          `yaml:"tags_exclude" json:"tags_exclude,omitempty"`
	MinImportance float64           `yaml:"min_importance" json:"min_importance,omitempty"`
	WindowDays    int               `yaml:"window_days" json:"window_days,omitempty"`
}

// PinnedRef is an always-include reference: either an event id or a literal
// text snippet with its own id.
type PinnedRef struct {
	EventID string `yaml:"event_id" json:"event_id,omitempty"`
	ID      string `yaml:"id" json:"id,omitempty"`
	Text    string `yaml:"text" json:"text,omitempty"`
}

// Policy is one named retrieval configuration, loaded from a YAML document.
// Policies are never mutated mid-request; reload swaps the whole set.
type Policy struct {
	ID            string      `yaml:"id" json:"id"`
	Task          string      `yaml:"task" json:"task"`
	Version       int         `yaml:"version" json:"version"`
	Weights       Weights     `yaml:"weights" json:"weights"`
	BudgetTokens  int         `yaml:"budget_tokens" json:"budget_tokens"`
	MaxEvents     int         `yaml:"max_events" json:"max_events"`
	Filters       Filters     `yaml:"filters" json:"filters"`
	AlwaysInclude []PinnedRef `yaml:"always_include" json:"always_include,omitempty"`
}

// Summary is the list-policies projection.
type Summary struct {
	ID           string `json:"id"`
	Task         string `json:"task"`
	Version      int    `json:"version"`
	BudgetTokens int    `json:"budget_tokens"`
}

// DefaultPolicy returns a usable baseline document.
func DefaultPolicy(id, task string) *Policy {
	return &Policy{
		ID:      id,
		Task:    task,
		Version: 1,
		Weights: Weights{
			Pinned:       2.0,
			Importance:   1.0,
			Semantic:     1.5,
			RecencyDecay: 0.05,
			Diversity:    0.3,
		},
		BudgetTokens: 2000,
		MaxEvents:    50,
	}
}

// Validate checks a parsed document. Malformed documents fail closed: the
// loader refuses to serve that policy id and keeps going.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return errdefs.Wrapf(errdefs.ErrValidation, "policy missing id")
	}
	if p.Task == "" {
		return errdefs.Wrapf(errdefs.ErrValidation, "policy %s missing task", p.ID)
	}
	if p.BudgetTokens <= 0 {
		return errdefs.Wrapf(errdefs.ErrValidation, "policy %s: budget_tokens must be positive", p.ID)
	}
	for _, t := range p.Filters.Types {
		if !types.IsValidEventType(t) {
			return errdefs.Wrapf(errdefs.ErrValidation, "policy %s: unknown event type %q", p.ID, t)
		}
	}
	for _, ref := range p.AlwaysInclude {
		if ref.EventID == "" && ref.Text == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "policy %s: always_include entry needs event_id or text", p.ID)
		}
	}
	if p.MaxEvents <= 0 {
		p.MaxEvents = 50
	}
	return nil
}
