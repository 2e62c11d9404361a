package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/samber/lo"

	"github.com/calder-dev/mnemo/pkg/errdefs"
)

// Store holds the loaded policy set. Reload swaps the whole map atomically;
// a request resolves against one consistent snapshot.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewStore creates a policy store over a directory of YAML documents, one
// file per policy id.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:      dir,
		logger:   logger,
		policies: make(map[string]*Policy),
	}
}

// Load reads every *.yaml/*.yml document under the store directory. A file
// that fails to parse or validate is logged and skipped; the rest of the
// set keeps serving.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "read policies dir: %v", err)
	}

	loaded := make(map[string]*Policy)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Error("failed to read policy file", "path", path, "error", err)
			continue
		}

		var p Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			s.logger.Error("malformed policy document, refusing to serve it",
				"path", path, "error", err)
			continue
		}
		if err := p.Validate(); err != nil {
			s.logger.Error("invalid policy document, refusing to serve it",
				"path", path, "policy_id", p.ID, "error", err)
			continue
		}
		loaded[p.ID] = &p
	}

	s.mu.Lock()
	s.policies = loaded
	s.mu.Unlock()

	s.logger.Info("policies loaded", "count", len(loaded), "dir", s.dir)
	return nil
}

// Get returns a policy by id.
func (s *Store) Get(id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrPolicyNotFound, "policy %q", id)
	}
	return p, nil
}

// ResolveByTask finds the best-matching policy for a task name: exact task
// match first, then the longest task that prefixes (or is prefixed by) the
// request, then a policy with task "default". Ties break by lowest id so
// resolution is deterministic.
func (s *Store) ResolveByTask(task string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := lo.Values(s.policies)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	for _, p := range all {
		if p.Task == task {
			return p, nil
		}
	}

	var best *Policy
	for _, p := range all {
		if strings.HasPrefix(task, p.Task) || strings.HasPrefix(p.Task, task) {
			if best == nil || len(p.Task) > len(best.Task) {
				best = p
			}
		}
	}
	if best != nil {
		return best, nil
	}

	for _, p := range all {
		if p.Task == "default" {
			return p, nil
		}
	}

	return nil, errdefs.Wrapf(errdefs.ErrPolicyNotFound, "no policy matches task %q", task)
}

// List returns summaries of every served policy, sorted by id.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := lo.Map(lo.Values(s.policies), func(p *Policy, _ int) Summary {
		return Summary{ID: p.ID, Task: p.Task, Version: p.Version, BudgetTokens: p.BudgetTokens}
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// Save writes a policy document back to the directory and reloads the set.
func (s *Store) Save(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return errdefs.WithStack(err)
	}
	path := filepath.Join(s.dir, p.ID+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "write policy %s: %v", p.ID, err)
	}
	return s.Load()
}
