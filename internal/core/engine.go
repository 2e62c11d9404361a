// Package core provides the main mnemo engine
package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/calder-dev/mnemo/internal/db"
	"github.com/calder-dev/mnemo/internal/embeddings"
	"github.com/calder-dev/mnemo/internal/index"
	"github.com/calder-dev/mnemo/internal/journal"
	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

const defaultPackTTL = 15 * time.Minute

// Engine coordinates the event store, vector index, policy engine and
// journal behind one service boundary. Exactly one process instance owns
// the stores; all writes route through it.
type Engine struct {
	db       *db.DB
	embedder embeddings.Provider
	index    *index.Index
	policies *policy.Store
	journal  *journal.Service
	packs    *ristretto.Cache
	logger   *slog.Logger
	config   *types.Config
	packTTL  time.Duration
}

// New creates a new engine from config.
func New(cfg *types.Config, logger *slog.Logger) (*Engine, error) {
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "create data directory: %v", err)
	}

	var embedder embeddings.Provider
	switch cfg.EmbeddingProvider {
	case "openai", "":
		if cfg.OpenAIKey == "" {
			return nil, errdefs.Wrapf(errdefs.ErrValidation, "OpenAI API key required")
		}
		if cfg.EmbeddingModel != "" {
			embedder = embeddings.NewOpenAIWithModel(cfg.OpenAIKey, cfg.EmbeddingModel, 1536)
		} else {
			embedder = embeddings.NewOpenAI(cfg.OpenAIKey)
		}
	case "local":
		embedder = embeddings.NewLocal()
	default:
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "unknown embedding provider: %s", cfg.EmbeddingProvider)
	}

	database, err := db.New(cfg.DBPath, embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	idx := index.New(database, embedder, logger)
	if mismatch, err := idx.ModelMismatch(); err == nil && mismatch {
		logger.Warn("persisted vectors come from a different embedding model; run reindex",
			"model", embedder.Model())
	}

	policies := policy.NewStore(cfg.PoliciesDir, logger)
	if cfg.PoliciesDir != "" {
		if err := policies.Load(); err != nil {
			logger.Warn("policy directory unavailable", "dir", cfg.PoliciesDir, "error", err)
		}
	}

	jnl := journal.New(database, logger)
	if err := jnl.EnsureMain(); err != nil {
		database.Close()
		return nil, err
	}

	packs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		database.Close()
		return nil, errdefs.WithStack(err)
	}

	ttl := defaultPackTTL
	if cfg.PackTTLMinutes > 0 {
		ttl = time.Duration(cfg.PackTTLMinutes) * time.Minute
	}

	return &Engine{
		db:       database,
		embedder: embedder,
		index:    idx,
		policies: policies,
		journal:  jnl,
		packs:    packs,
		logger:   logger,
		config:   cfg,
		packTTL:  ttl,
	}, nil
}

// Close shuts down the engine
func (e *Engine) Close() error {
	e.packs.Close()
	return e.db.Close()
}

// Index exposes the vector index for the background drain loop.
func (e *Engine) Index() *index.Index { return e.index }

// Journal exposes journal operations.
func (e *Engine) Journal() *journal.Service { return e.journal }

// Policies exposes the policy store.
func (e *Engine) Policies() *policy.Store { return e.policies }

// Ingest validates and appends an event, then feeds the vector index.
// Re-ingesting identical content is a no-op that returns the winner's id
// with Created=false. Indexing failures never fail ingestion: the event
// stays pending and the index drains it later.
func (e *Engine) Ingest(ctx context.Context, ev *types.Event) (types.IngestResult, error) {
	if ev == nil {
		return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrValidation, "event required")
	}
	if !types.IsValidEventType(ev.Type) {
		return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrValidation, "unknown event type: %q", ev.Type)
	}
	if err := types.ValidatePayload(ev.Type, ev.Data); err != nil {
		return types.IngestResult{}, err
	}

	if ev.ID == "" {
		ev.ID = generateID()
	}
	if ev.Branch == "" {
		ev.Branch = types.MainBranch
	}
	if ev.Project == "" {
		ev.Project = e.config.DefaultProject
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = timeNow().UTC()
	}
	if ev.Importance == 0 {
		ev.Importance = types.DefaultImportance
	}
	ev.CreatedAt = timeNow().UTC()

	sum := Checksum(ev)
	if ev.Checksum != "" && ev.Checksum != sum {
		return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrValidation,
			"checksum mismatch for event %s", ev.ID)
	}
	ev.Checksum = sum

	res, err := e.db.InsertEvent(ev)
	if err != nil {
		e.logger.Error("ingestion failed", "event_id", ev.ID, "error", err)
		return types.IngestResult{}, err
	}
	if !res.Created {
		e.logger.Debug("duplicate event content", "event_id", res.ID, "checksum", sum)
		return res, nil
	}

	// Index inline when the backend is up; otherwise the durable pending
	// marker guarantees eventual indexing across restarts.
	if err := e.index.Add(ctx, ev); err != nil {
		e.logger.Warn("event left pending for index", "event_id", ev.ID, "error", err)
		e.index.Notify()
	}

	e.logger.Info("event ingested", "event_id", res.ID, "type", ev.Type, "project", ev.Project)
	return res, nil
}

// GetEvent fetches an event by id.
func (e *Engine) GetEvent(id string) (*types.Event, error) {
	ev, err := e.db.GetEvent(id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "event %q", id)
	}
	return ev, nil
}

// QueryEvents runs a structured query. The branch filter resolves through
// the journal: events on the branch column plus everything reachable from
// the branch head's commit DAG (so merged session branches surface on main).
func (e *Engine) QueryEvents(opts types.QueryOptions) ([]*types.Event, error) {
	var extraIDs []string
	if opts.Branch != "" {
		ids, err := e.journal.ReachableEvents(opts.Branch)
		if err != nil && !errdefs.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
		extraIDs = ids
	}
	return e.db.QueryEvents(opts, extraIDs)
}

// RollUp summarizes a branch's commits in the window into one synthetic
// summary event and ingests it. Additive only; original events untouched.
func (e *Engine) RollUp(ctx context.Context, branch string, since, until time.Time) (types.IngestResult, error) {
	ev, err := e.journal.Summarize(branch, since, until)
	if err != nil {
		return types.IngestResult{}, err
	}
	return e.Ingest(ctx, ev)
}

// Reindex rebuilds the vector index from the event log.
func (e *Engine) Reindex(ctx context.Context) error {
	e.logger.Info("rebuilding vector index", "model", e.embedder.Model())
	return e.index.Rebuild(ctx)
}

// Health reports engine state for operators and the health endpoint.
func (e *Engine) Health() (*types.Health, error) {
	stats, err := e.db.Stats()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "stats: %v", err)
	}

	mismatch, _ := e.index.ModelMismatch()
	degraded := e.index.Degraded() || mismatch

	status := "ok"
	if degraded {
		status = "degraded"
	}
	return &types.Health{
		Status:     status,
		EventCount: stats["events"],
		IndexSize:  stats["embeddings"],
		Pending:    stats["pending"],
		Degraded:   degraded,
	}, nil
}

// Stats returns raw store statistics.
func (e *Engine) Stats() (map[string]int, error) {
	return e.db.Stats()
}
