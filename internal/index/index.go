// Package index maintains the semantic vector index over event content.
package index

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/calder-dev/mnemo/internal/db"
	"github.com/calder-dev/mnemo/internal/embeddings"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

const (
	// maxExcerptBytes bounds how much of the raw payload reaches the
	// embedding model.
	maxExcerptBytes = 512

	embedTimeout  = 15 * time.Second
	drainInterval = 5 * time.Second
	drainBatch    = 32
)

// Match is one semantic search hit.
type Match struct {
	EventID string
	Score   float64
}

// Index owns the vector side of the store: projecting events to text,
// embedding, persistence, and KNN search. The event log stays authoritative;
// everything here is regenerable from it.
type Index struct {
	db       *db.DB
	embedder embeddings.Provider
	logger   *slog.Logger

	mu       sync.Mutex
	lastErr  error
	notifyCh chan struct{}
}

// New creates the index service. It does not touch the network; embedding
// happens on Add/Search and in the drain loop.
func New(database *db.DB, embedder embeddings.Provider, logger *slog.Logger) *Index {
	return &Index{
		db:       database,
		embedder: embedder,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
	}
}

// Add embeds an event's text projection and persists the vector. Re-adding
// the same event id replaces its vector. On embedder failure the event stays
// pending and the index is flagged degraded; the caller's ingestion has
// already succeeded and must not be rolled back.
func (ix *Index) Add(ctx context.Context, e *types.Event) error {
	text := ProjectText(e)

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		ix.setErr(err)
		return errdefs.Wrapf(errdefs.ErrIndexUnavailable, "embed event %s: %v", e.ID, err)
	}
	Normalize(vec)

	if err := ix.db.SaveEmbedding(e.ID, vec, ix.embedder.Model()); err != nil {
		ix.setErr(err)
		return errdefs.Wrapf(errdefs.ErrIndexUnavailable, "persist vector for %s: %v", e.ID, err)
	}
	if err := ix.db.MarkIndexed(e.ID); err != nil {
		return err
	}

	ix.setErr(nil)
	return nil
}

// Search embeds query text and returns the topK most similar events, cosine
// score descending, ties broken by more-recent event then id. Hits below
// minScore are dropped.
func (ix *Index) Search(ctx context.Context, query string, topK int, minScore float64) ([]Match, error) {
	size, err := ix.db.IndexSize()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIndexUnavailable, "index size: %v", err)
	}
	if size == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrIndexUnavailable, "no vectors indexed")
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		ix.setErr(err)
		return nil, errdefs.Wrapf(errdefs.ErrIndexUnavailable, "embed query: %v", err)
	}
	Normalize(vec)

	raw, err := ix.db.VectorSearch(vec, topK)
	if err != nil {
		return nil, err
	}

	type scored struct {
		Match
		ts time.Time
	}
	hits := make([]scored, 0, len(raw))
	for _, m := range raw {
		// vec0 distance is euclidean; for unit vectors cos = 1 - d^2/2
		score := 1 - m.Distance*m.Distance/2
		if score < minScore {
			continue
		}
		var ts time.Time
		if e, err := ix.db.GetEvent(m.EventID); err == nil && e != nil {
			ts = e.Timestamp
		}
		hits = append(hits, scored{Match: Match{EventID: m.EventID, Score: score}, ts: ts})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].ts.Equal(hits[j].ts) {
			return hits[i].ts.After(hits[j].ts)
		}
		return hits[i].EventID < hits[j].EventID
	})

	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.Match
	}
	return out, nil
}

// Notify wakes the drain loop after an ingestion left an event pending.
func (ix *Index) Notify() {
	select {
	case ix.notifyCh <- struct{}{}:
	default:
	}
}

// Run drains the pending backlog until ctx is done. Pending events survive
// restarts (indexed_at is durable), so nothing is ever silently lost from
// the pipeline.
func (ix *Index) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	ix.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ix.notifyCh:
		}
		ix.Drain(ctx)
	}
}

// Drain indexes one batch of pending events.
func (ix *Index) Drain(ctx context.Context) {
	pending, err := ix.db.PendingEvents(drainBatch)
	if err != nil {
		ix.logger.Error("failed to list pending events", "error", err)
		return
	}
	for _, e := range pending {
		if err := ix.Add(ctx, e); err != nil {
			ix.logger.Warn("indexing deferred", "event_id", e.ID, "error", err)
			return // backend is down; retry the whole batch later
		}
	}
}

// Rebuild wipes all vectors and marks every event pending. Used when the
// embedding model changes.
func (ix *Index) Rebuild(ctx context.Context) error {
	if err := ix.db.ClearIndex(); err != nil {
		return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "clear index: %v", err)
	}
	ix.Drain(ctx)
	return nil
}

// ModelMismatch reports whether persisted vectors came from a different
// model than the configured provider.
func (ix *Index) ModelMismatch() (bool, error) {
	models, err := ix.db.EmbeddingModels()
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m != ix.embedder.Model() {
			return true, nil
		}
	}
	return false, nil
}

// Degraded reports whether the last embedding operation failed.
func (ix *Index) Degraded() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastErr != nil
}

func (ix *Index) setErr(err error) {
	ix.mu.Lock()
	ix.lastErr = err
	ix.mu.Unlock()
}

// ProjectText derives the bounded text projection that gets embedded:
// salient fields plus an excerpt of the payload, never the full raw payload.
func ProjectText(e *types.Event) string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	if e.Source != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Source)
	}
	if e.Project != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Project)
	}
	if len(e.Tags) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(e.Tags, " "))
	}
	if len(e.Data) > 0 {
		// encoding/json sorts map keys, so the excerpt is deterministic
		payload, _ := json.Marshal(e.Data)
		excerpt := string(payload)
		if len(excerpt) > maxExcerptBytes {
			excerpt = excerpt[:maxExcerptBytes]
		}
		sb.WriteString(" ")
		sb.WriteString(excerpt)
	}
	return sb.String()
}

// Normalize scales vec to unit length in place.
func Normalize(vec []float32) {
	v64 := make([]float64, len(vec))
	for i, v := range vec {
		v64[i] = float64(v)
	}
	norm := floats.Norm(v64, 2)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(v64[i] / norm)
	}
}
