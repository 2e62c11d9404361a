package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-dev/mnemo/internal/db"
	"github.com/calder-dev/mnemo/internal/embeddings"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

func newTestIndex(t *testing.T, embedder embeddings.Provider) (*Index, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), embedder.Dimensions())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(database, embedder, logger), database
}

func insertEvent(t *testing.T, database *db.DB, id string, data map[string]any) *types.Event {
	t.Helper()
	e := &types.Event{
		ID:        id,
		Checksum:  "sum-" + id,
		Type:      types.TypeTestFailure,
		Timestamp: time.Now().UTC(),
		Branch:    "main",
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	_, err := database.InsertEvent(e)
	require.NoError(t, err)
	return e
}

// failingEmbedder simulates an unreachable embedding backend.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("backend down")
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("backend down")
}
func (failingEmbedder) Model() string   { return "unreachable" }
func (failingEmbedder) Dimensions() int { return 8 }

func TestAddAndSearch(t *testing.T) {
	ix, database := newTestIndex(t, embeddings.NewLocal())
	ctx := context.Background()

	a := insertEvent(t, database, "a", map[string]any{"test": "TestLogin", "error": "connection reset by peer"})
	b := insertEvent(t, database, "b", map[string]any{"test": "TestCheckout", "error": "nil pointer dereference"})
	require.NoError(t, ix.Add(ctx, a))
	require.NoError(t, ix.Add(ctx, b))

	matches, err := ix.Search(ctx, "TestLogin connection reset", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "a", matches[0].EventID)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix, _ := newTestIndex(t, embeddings.NewLocal())

	_, err := ix.Search(context.Background(), "anything", 10, 0)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrIndexUnavailable))
}

func TestAddFailureLeavesEventPending(t *testing.T) {
	ix, database := newTestIndex(t, failingEmbedder{})
	e := insertEvent(t, database, "a", map[string]any{"test": "T", "error": "x"})

	err := ix.Add(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrIndexUnavailable))
	assert.True(t, ix.Degraded())

	pending, err := database.PendingEvents(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDrainIndexesPendingBacklog(t *testing.T) {
	ix, database := newTestIndex(t, embeddings.NewLocal())

	// Events ingested while the indexer was down.
	insertEvent(t, database, "a", map[string]any{"test": "T1", "error": "x"})
	insertEvent(t, database, "b", map[string]any{"test": "T2", "error": "y"})

	ix.Drain(context.Background())

	pending, err := database.PendingEvents(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	size, err := database.IndexSize()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestRebuildAfterModelChange(t *testing.T) {
	ix, database := newTestIndex(t, embeddings.NewLocal())
	e := insertEvent(t, database, "a", map[string]any{"test": "T", "error": "x"})
	require.NoError(t, database.SaveEmbedding(e.ID, make([]float32, 256), "old-model"))
	require.NoError(t, database.MarkIndexed(e.ID))

	mismatch, err := ix.ModelMismatch()
	require.NoError(t, err)
	assert.True(t, mismatch)

	require.NoError(t, ix.Rebuild(context.Background()))

	mismatch, err = ix.ModelMismatch()
	require.NoError(t, err)
	assert.False(t, mismatch)

	pending, err := database.PendingEvents(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProjectTextBoundedAndDeterministic(t *testing.T) {
	big := make(map[string]any)
	big["blob"] = string(make([]byte, 10_000))
	e := &types.Event{
		Type:    types.TypeCodeChange,
		Project: "demo",
		Source:  "git",
		Tags:    []string{"refactor"},
		Data:    big,
	}

	text := ProjectText(e)
	assert.Less(t, len(text), 600) // salient fields plus a bounded excerpt
	assert.Contains(t, text, "code_change")
	assert.Contains(t, text, "demo")
	assert.Contains(t, text, "refactor")

	assert.Equal(t, text, ProjectText(e))
}

func TestNormalize(t *testing.T) {
	vec := []float32{3, 4}
	Normalize(vec)

	norm := math.Hypot(float64(vec[0]), float64(vec[1]))
	assert.InDelta(t, 1.0, norm, 1e-6)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)

	zero := []float32{0, 0}
	Normalize(zero) // must not divide by zero
	assert.Equal(t, []float32{0, 0}, zero)
}
