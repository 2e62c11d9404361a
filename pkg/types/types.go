// Package types defines the core data structures for mnemo
package types

import (
	"time"
)

// EventType categorizes what kind of fact an event records. The enum is
// closed: ingestion rejects anything else.
type EventType string

const (
	TypeTestExecution EventType = "test_execution"
	TypeTestFailure   EventType = "test_failure"
	TypeCodeChange    EventType = "code_change"
	TypeDeployment    EventType = "deployment"
	TypeAgentAction   EventType = "agent_action"
	TypeUserAction    EventType = "user_action"
	TypeSystemEvent   EventType = "system_event"
	TypeDecision      EventType = "decision"
	TypeFlake         EventType = "flake"
	TypeSummary       EventType = "summary" // synthetic roll-up of a commit window
)

// ValidEventTypes lists every member of the closed enum.
var ValidEventTypes = []EventType{
	TypeTestExecution, TypeTestFailure, TypeCodeChange, TypeDeployment,
	TypeAgentAction, TypeUserAction, TypeSystemEvent, TypeDecision,
	TypeFlake, TypeSummary,
}

// DefaultImportance is assigned when the caller does not score an event.
// Importance runs 0-10.
const DefaultImportance = 5.0

// Event is an immutable fact in the log. Events are never mutated after
// ingestion; retention is an explicit administrative operation.
type Event struct {
	ID         string         `json:"id"`
	Checksum   string         `json:"checksum"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Project    string         `json:"project"`
	Branch     string         `json:"branch"`
	Data       map[string]any `json:"data,omitempty"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	Source     string         `json:"source,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	RelatedIDs []string       `json:"related_ids,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IngestResult reports the outcome of one ingestion call. Created is false
// when an event with the same checksum already existed; ID then refers to
// the winner.
type IngestResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// QueryOrder selects how query results are sorted.
type QueryOrder string

const (
	OrderRecency    QueryOrder = "recency"
	OrderImportance QueryOrder = "importance"
)

// QueryOptions filters the event log. Zero values mean "no constraint".
type QueryOptions struct {
	Types         []EventType `json:"types,omitempty"`
	Project       string      `json:"project,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	TagsAny       []string    `json:"tags_any,omitempty"`
	MinImportance float64     `json:"min_importance,omitempty"`
	Since         time.Time   `json:"since,omitempty"`
	Until         time.Time   `json:"until,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Order         QueryOrder  `json:"order,omitempty"`
}

// RetrieveRequest names a task and its inputs; the policy engine turns it
// into a ContextPack.
type RetrieveRequest struct {
	Task        string            `json:"task"`
	Project     string            `json:"project,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	PolicyID    string            `json:"policy_id,omitempty"`
	TokenBudget int               `json:"token_budget,omitempty"`
}

// ScoreBreakdown records each ranking term that contributed to an item's
// final score.
type ScoreBreakdown struct {
	Pinned     float64 `json:"pinned"`
	Importance float64 `json:"importance"`
	Semantic   float64 `json:"semantic"`
	Recency    float64 `json:"recency"`
	Diversity  float64 `json:"diversity"`
}

// PackItem is one ranked entry in a ContextPack.
type PackItem struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id,omitempty"`
	Text      string         `json:"text"`
	Tokens    int            `json:"tokens"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Pinned    bool           `json:"pinned"`
}

// Citation traces a pack item back to its source event.
type Citation struct {
	EventID string `json:"event_id,omitempty"`
	Source  string `json:"source,omitempty"`
	Offset  int    `json:"offset"`
}

// ContextPack is the immutable output of one retrieval call.
type ContextPack struct {
	ID           string              `json:"id"`
	PolicyID     string              `json:"policy_id"`
	Task         string              `json:"task"`
	Items        []PackItem          `json:"items"`
	TotalTokens  int                 `json:"total_tokens"`
	BudgetTokens int                 `json:"budget_tokens"`
	Efficiency   float64             `json:"efficiency"`
	Citations    map[string]Citation `json:"citations"`
	Degraded     bool                `json:"degraded"`
	RetrievedAt  time.Time           `json:"retrieved_at"`
	ExpiresAt    time.Time           `json:"expires_at,omitempty"`
}

// Branch is a named, mutable pointer into the commit DAG, created per
// workflow or session.
type Branch struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	HeadCommit  string    `json:"head_commit,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Commit associates a batch of events with a branch at a point in time.
// Merge commits carry a second parent.
type Commit struct {
	ID          string    `json:"id"`
	Branch      string    `json:"branch"`
	Message     string    `json:"message"`
	ParentID    string    `json:"parent_id,omitempty"`
	MergeParent string    `json:"merge_parent,omitempty"`
	EventIDs    []string  `json:"event_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tag is an immutable named reference to a commit.
type Tag struct {
	Name      string    `json:"name"`
	CommitID  string    `json:"commit_id"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Health summarizes engine state for operators.
type Health struct {
	Status     string `json:"status"`
	EventCount int    `json:"event_count"`
	IndexSize  int    `json:"index_size"`
	Pending    int    `json:"pending"`
	Degraded   bool   `json:"degraded"`
}

// Config holds mnemo configuration.
type Config struct {
	DBPath            string `json:"db_path"`
	PoliciesDir       string `json:"policies_dir"`
	EmbeddingProvider string `json:"embedding_provider"` // "openai" or "local"
	OpenAIKey         string `json:"openai_key,omitempty"`
	EmbeddingModel    string `json:"embedding_model,omitempty"`
	DefaultProject    string `json:"default_project,omitempty"`
	ListenAddr        string `json:"listen_addr,omitempty"`
	PackTTLMinutes    int    `json:"pack_ttl_minutes,omitempty"`
}

// MainBranch is the default logical branch for events and the journal.
const MainBranch = "main"
