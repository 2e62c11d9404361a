// Package journal implements the git-style branch/commit/tag overlay on the
// event log. It is a small bespoke pointer table plus an immutable commit
// DAG, not a generic VCS.
package journal

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calder-dev/mnemo/internal/db"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// Service serializes branch-pointer updates per branch name; operations on
// different branches run independently.
type Service struct {
	db     *db.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(database *db.DB, logger *slog.Logger) *Service {
	return &Service{
		db:     database,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) branchLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// lockBranches acquires branch locks in sorted order so concurrent merges
// cannot deadlock.
func (s *Service) lockBranches(names ...string) func() {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var locked []*sync.Mutex
	for _, n := range sorted {
		l := s.branchLock(n)
		l.Lock()
		locked = append(locked, l)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// EnsureMain creates the main branch if it does not exist yet.
func (s *Service) EnsureMain() error {
	b, err := s.db.GetBranch(types.MainBranch)
	if err != nil {
		return err
	}
	if b != nil {
		return nil
	}
	now := time.Now().UTC()
	err = s.db.CreateBranch(&types.Branch{
		Name:        types.MainBranch,
		Description: "default branch",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errdefs.Is(err, errdefs.ErrBranchExists) {
		return nil // lost a startup race, fine
	}
	return err
}

// CreateBranch creates a named branch. base defaults to main's current
// commit; BranchExists when the name is taken.
func (s *Service) CreateBranch(name, description, base string) (*types.Branch, error) {
	if name == "" {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "branch name required")
	}

	if base == "" {
		main, err := s.db.GetBranch(types.MainBranch)
		if err != nil {
			return nil, err
		}
		if main != nil {
			base = main.HeadCommit
		}
	} else {
		c, err := s.db.GetCommit(base)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "base commit %q", base)
		}
	}

	now := time.Now().UTC()
	b := &types.Branch{
		Name:        name,
		Description: description,
		HeadCommit:  base,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateBranch(b); err != nil {
		s.logger.Warn("branch creation failed", "branch", name, "error", err)
		return nil, err
	}
	s.logger.Info("branch created", "branch", name, "base", base)
	return b, nil
}

// GetBranch returns a branch by name.
func (s *Service) GetBranch(name string) (*types.Branch, error) {
	b, err := s.db.GetBranch(name)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "branch %q", name)
	}
	return b, nil
}

// ListBranches returns all branches.
func (s *Service) ListBranches() ([]*types.Branch, error) {
	return s.db.ListBranches()
}

// Commit associates already-ingested events with a branch at a new commit.
// Fails with NoSuchEvent when any id is unknown.
func (s *Service) Commit(branch string, eventIDs []string, message string) (*types.Commit, error) {
	if len(eventIDs) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "commit needs at least one event id")
	}

	missing, err := s.db.MissingEvents(eventIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, errdefs.Wrapf(errdefs.ErrNoSuchEvent, "unknown events: %s", strings.Join(missing, ", "))
	}

	unlock := s.lockBranches(branch)
	defer unlock()

	b, err := s.db.GetBranch(branch)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "branch %q", branch)
	}

	c := &types.Commit{
		ID:        uuid.NewString(),
		Branch:    branch,
		Message:   message,
		ParentID:  b.HeadCommit,
		EventIDs:  eventIDs,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.InsertCommit(c); err != nil {
		s.logger.Error("commit failed", "branch", branch, "error", err)
		return nil, err
	}
	s.logger.Info("commit created", "branch", branch, "commit_id", c.ID, "events", len(eventIDs))
	return c, nil
}

// Merge creates a merge commit on the target referencing both parents.
// Events are never deleted or rewritten; only the target pointer moves.
// When the source head is already reachable from the target, the merge is a
// no-op and the current target head is returned.
func (s *Service) Merge(branch, into string) (*types.Commit, error) {
	if into == "" {
		into = types.MainBranch
	}
	if branch == into {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "cannot merge branch %q into itself", branch)
	}

	unlock := s.lockBranches(branch, into)
	defer unlock()

	src, err := s.db.GetBranch(branch)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "branch %q", branch)
	}
	dst, err := s.db.GetBranch(into)
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "branch %q", into)
	}

	if src.HeadCommit == "" {
		// Nothing was ever committed on the source; no-op.
		if dst.HeadCommit == "" {
			return nil, errdefs.Wrapf(errdefs.ErrValidation, "nothing to merge from %q", branch)
		}
		return s.db.GetCommit(dst.HeadCommit)
	}

	merged, err := s.db.IsAncestor(src.HeadCommit, dst.HeadCommit)
	if err != nil {
		return nil, err
	}
	if merged {
		s.logger.Info("merge is a no-op", "branch", branch, "into", into)
		return s.db.GetCommit(dst.HeadCommit)
	}

	c := &types.Commit{
		ID:          uuid.NewString(),
		Branch:      into,
		Message:     fmt.Sprintf("merge %s into %s", branch, into),
		ParentID:    dst.HeadCommit,
		MergeParent: src.HeadCommit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.InsertCommit(c); err != nil {
		s.logger.Error("merge failed", "branch", branch, "into", into, "error", err)
		return nil, err
	}
	s.logger.Info("merged", "branch", branch, "into", into, "commit_id", c.ID)
	return c, nil
}

// Tag creates an immutable named reference to a commit. TagExists on reuse;
// re-tagging requires DeleteTag first.
func (s *Service) Tag(name, commitID, message string) (*types.Tag, error) {
	if name == "" || commitID == "" {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "tag needs name and commit id")
	}
	c, err := s.db.GetCommit(commitID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "commit %q", commitID)
	}

	t := &types.Tag{
		Name:      name,
		CommitID:  commitID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.InsertTag(t); err != nil {
		return nil, err
	}
	s.logger.Info("tag created", "tag", name, "commit_id", commitID)
	return t, nil
}

// DeleteTag removes a tag. Explicit administrative action.
func (s *Service) DeleteTag(name string) error {
	t, err := s.db.GetTag(name)
	if err != nil {
		return err
	}
	if t == nil {
		return errdefs.Wrapf(errdefs.ErrNotFound, "tag %q", name)
	}
	return s.db.DeleteTag(name)
}

// ReachableEvents returns every event id reachable from the branch head.
func (s *Service) ReachableEvents(branch string) ([]string, error) {
	b, err := s.db.GetBranch(branch)
	if err != nil {
		return nil, err
	}
	if b == nil || b.HeadCommit == "" {
		return nil, nil
	}
	return s.db.ReachableEventIDs(b.HeadCommit)
}

// Summarize synthesizes a roll-up event covering a branch's commits inside
// [since, until]. The caller ingests it through the normal path; the
// original events are untouched, so roll-ups only ever add.
func (s *Service) Summarize(branch string, since, until time.Time) (*types.Event, error) {
	commits, err := s.db.CommitsInWindow(branch, since, until)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no commits on %q in window", branch)
	}

	eventCount := 0
	var lines []string
	for _, c := range commits {
		eventCount += len(c.EventIDs)
		if c.Message != "" {
			lines = append(lines, c.Message)
		}
	}

	text := fmt.Sprintf("%d commits, %d events on %s: %s",
		len(commits), eventCount, branch, strings.Join(lines, "; "))

	return &types.Event{
		Type:      types.TypeSummary,
		Timestamp: until,
		Branch:    branch,
		Data: map[string]any{
			"branch":       branch,
			"window_start": since.UTC().Format(time.RFC3339),
			"window_end":   until.UTC().Format(time.RFC3339),
			"commits":      len(commits),
			"events":       eventCount,
			"text":         text,
		},
		// roll-ups rank below the events they summarize
		Importance: 3.0,
		Tags:       []string{"rollup"},
		Source:     "journal",
	}, nil
}
