package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-dev/mnemo/internal/embeddings"
	"github.com/calder-dev/mnemo/internal/index"
	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// flakyEmbedder delegates to the local provider until fail is flipped,
// simulating an embedding backend outage mid-stream.
type flakyEmbedder struct {
	inner *embeddings.Local
	fail  bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errdefs.New("embedding backend unreachable")
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errdefs.New("embedding backend unreachable")
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *flakyEmbedder) Model() string   { return f.inner.Model() }
func (f *flakyEmbedder) Dimensions() int { return f.inner.Dimensions() }

func newTestEngine(t *testing.T, policies ...*policy.Policy) *Engine {
	t.Helper()
	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policiesDir, 0755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := policy.NewStore(policiesDir, logger)
	if len(policies) == 0 {
		policies = []*policy.Policy{policy.DefaultPolicy("default", "default")}
	}
	for _, p := range policies {
		require.NoError(t, store.Save(p))
	}

	engine, err := New(&types.Config{
		DBPath:            filepath.Join(dir, "mnemo.db"),
		PoliciesDir:       policiesDir,
		EmbeddingProvider: "local",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func failureEvent(test, errMsg string) *types.Event {
	return &types.Event{
		Type:       types.TypeTestFailure,
		Data:       map[string]any{"test": test, "error": errMsg},
		Importance: 6,
		Tags:       []string{"flaky"},
		Source:     "ci",
	}
}

func TestChecksumIgnoresFieldOrder(t *testing.T) {
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(
		[]byte(`{"test":"TestLogin","error":"timeout","attempt":3}`), &first))
	require.NoError(t, json.Unmarshal(
		[]byte(`{"attempt":3,"error":"timeout","test":"TestLogin"}`), &second))

	a := &types.Event{Type: types.TypeTestFailure, Project: "demo", Data: first}
	b := &types.Event{Type: types.TypeTestFailure, Project: "demo", Data: second}
	assert.Equal(t, Checksum(a), Checksum(b))

	c := &types.Event{Type: types.TypeTestFailure, Project: "other", Data: first}
	assert.NotEqual(t, Checksum(a), Checksum(c))
}

func TestIngestIdempotent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Ingest(ctx, failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Same content again, even with a fresh caller-side id.
	second, err := engine.Ingest(ctx, failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	events, err := engine.QueryEvents(types.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngestValidation(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, &types.Event{Type: "bogus", Data: map[string]any{"x": 1}})
	assert.True(t, errdefs.Is(err, errdefs.ErrValidation))

	// test_failure requires test and error.
	_, err = engine.Ingest(ctx, &types.Event{
		Type: types.TypeTestFailure,
		Data: map[string]any{"test": "TestLogin"},
	})
	assert.True(t, errdefs.Is(err, errdefs.ErrValidation))

	// A caller-supplied checksum must match the computed one.
	ev := failureEvent("TestLogin", "timeout")
	ev.Checksum = "deadbeef"
	_, err = engine.Ingest(ctx, ev)
	assert.True(t, errdefs.Is(err, errdefs.ErrValidation))
}

func TestIngestDefaults(t *testing.T) {
	engine := newTestEngine(t)

	res, err := engine.Ingest(context.Background(), &types.Event{
		Type: types.TypeAgentAction,
		Data: map[string]any{"action": "reran TestLogin"},
	})
	require.NoError(t, err)

	ev, err := engine.GetEvent(res.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MainBranch, ev.Branch)
	assert.Equal(t, types.DefaultImportance, ev.Importance)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotEmpty(t, ev.Checksum)
}

func TestGetEventNotFound(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.GetEvent("ghost")
	assert.True(t, errdefs.Is(err, errdefs.ErrNotFound))
}

func TestRetrievePackWithinBudgetAndCited(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for _, ev := range []*types.Event{
		failureEvent("TestLogin", "connection reset by peer"),
		failureEvent("TestCheckout", "nil pointer dereference"),
		failureEvent("TestSearchIndex", "context deadline exceeded"),
	} {
		_, err := engine.Ingest(ctx, ev)
		require.NoError(t, err)
	}

	pack, err := engine.Retrieve(ctx, &types.RetrieveRequest{
		Task:   "default",
		Inputs: map[string]string{"error": "connection reset"},
	})
	require.NoError(t, err)

	assert.False(t, pack.Degraded)
	assert.NotEmpty(t, pack.Items)
	assert.LessOrEqual(t, pack.TotalTokens, pack.BudgetTokens)
	assert.InDelta(t, float64(pack.TotalTokens)/float64(pack.BudgetTokens), pack.Efficiency, 1e-9)

	// Every item is traceable, and offsets walk the newline-joined pack text.
	offset := 0
	for _, item := range pack.Items {
		c, ok := pack.Citations[item.ID]
		require.True(t, ok, "item %s has no citation", item.ID)
		assert.Equal(t, item.EventID, c.EventID)
		assert.Equal(t, offset, c.Offset)
		offset += len(item.Text) + 1
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// Freeze the clock so the recency term is identical across both calls.
	orig := timeNow
	timeNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { timeNow = orig }()

	for i, test := range []string{"TestA", "TestB", "TestC", "TestD"} {
		ev := failureEvent(test, "same failure signature")
		ev.Importance = float64(4 + i%2)
		_, err := engine.Ingest(ctx, ev)
		require.NoError(t, err)
	}

	req := &types.RetrieveRequest{Task: "default", Inputs: map[string]string{"q": "failure signature"}}
	first, err := engine.Retrieve(ctx, req)
	require.NoError(t, err)
	second, err := engine.Retrieve(ctx, req)
	require.NoError(t, err)

	require.Equal(t, len(first.Items), len(second.Items))
	for i := range first.Items {
		assert.Equal(t, first.Items[i].ID, second.Items[i].ID)
		assert.Equal(t, first.Items[i].Score, second.Items[i].Score)
	}
}

func TestRetrievePolicySelection(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Retrieve(context.Background(), &types.RetrieveRequest{PolicyID: "ghost"})
	assert.True(t, errdefs.Is(err, errdefs.ErrPolicyNotFound))

	_, err = engine.Retrieve(context.Background(), &types.RetrieveRequest{})
	assert.True(t, errdefs.Is(err, errdefs.ErrValidation))
}

func TestRetrieveAlwaysIncludePinned(t *testing.T) {
	pol := policy.DefaultPolicy("default", "default")
	pol.AlwaysInclude = []policy.PinnedRef{
		{ID: "conventions", Text: "All times are UTC. Retries are capped at 3."},
	}
	engine := newTestEngine(t, pol)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)

	pack, err := engine.Retrieve(ctx, &types.RetrieveRequest{Task: "default"})
	require.NoError(t, err)

	require.NotEmpty(t, pack.Items)
	assert.Equal(t, "conventions", pack.Items[0].ID)
	assert.True(t, pack.Items[0].Pinned)
	assert.Equal(t, "policy:always_include", pack.Citations["conventions"].Source)
}

func TestRetrieveBudgetTooSmall(t *testing.T) {
	pol := policy.DefaultPolicy("default", "default")
	pol.AlwaysInclude = []policy.PinnedRef{
		{ID: "pin", Text: string(make([]byte, 400))}, // 100 tokens
	}
	engine := newTestEngine(t, pol)

	_, err := engine.Retrieve(context.Background(), &types.RetrieveRequest{
		Task:        "default",
		TokenBudget: 10,
	})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrBudgetTooSmall))
}

func TestRetrieveDegradedWhenNothingIndexed(t *testing.T) {
	engine := newTestEngine(t)

	pack, err := engine.Retrieve(context.Background(), &types.RetrieveRequest{Task: "default"})
	require.NoError(t, err)
	assert.True(t, pack.Degraded)
	assert.Empty(t, pack.Items)
}

func TestRetrieveDegradedWithPartialBacklog(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	flaky := &flakyEmbedder{inner: embeddings.NewLocal()}
	engine.index = index.New(engine.db, flaky, engine.logger)

	_, err := engine.Ingest(ctx, failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)

	// Backend goes down: the next event is stored but stays pending.
	flaky.fail = true
	_, err = engine.Ingest(ctx, failureEvent("TestCheckout", "nil pointer dereference"))
	require.NoError(t, err)

	h, err := engine.Health()
	require.NoError(t, err)
	assert.Equal(t, 1, h.Pending)
	assert.True(t, h.Degraded)

	// The backend recovers before the backlog drains. Search succeeds over
	// the stale subset, but the pack must still report degradation.
	flaky.fail = false
	pack, err := engine.Retrieve(ctx, &types.RetrieveRequest{Task: "default"})
	require.NoError(t, err)
	assert.True(t, pack.Degraded)
	assert.Len(t, pack.Items, 2) // structured candidates still cover the pending event
}

func TestRetrieveTagFilteredPolicy(t *testing.T) {
	pol := policy.DefaultPolicy("flaky-triage", "flaky_triage")
	pol.Filters.TagsAny = []string{"flaky"}
	engine := newTestEngine(t, pol)
	ctx := context.Background()

	flaky := failureEvent("TestLogin", "connection reset by peer") // tagged flaky
	res, err := engine.Ingest(ctx, flaky)
	require.NoError(t, err)

	steady := failureEvent("TestCheckout", "assertion failed: got 404, want 200")
	steady.Tags = []string{"failure"}
	_, err = engine.Ingest(ctx, steady)
	require.NoError(t, err)

	_, err = engine.Ingest(ctx, &types.Event{
		Type:   types.TypeDeployment,
		Data:   map[string]any{"environment": "staging", "version": "1.2.3"},
		Source: "deployer",
	})
	require.NoError(t, err)

	pack, err := engine.Retrieve(ctx, &types.RetrieveRequest{
		Task:   "flaky_triage",
		Inputs: map[string]string{"test": "TestLogin"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, pack.Items)
	assert.Equal(t, res.ID, pack.Items[0].EventID)
	for _, item := range pack.Items {
		assert.Equal(t, res.ID, item.EventID, "untagged event leaked into the pack")
	}
}

func TestBranchVisibilityAfterMerge(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ev := failureEvent("TestLogin", "session branch failure")
	ev.Branch = "session-1"
	res, err := engine.Ingest(ctx, ev)
	require.NoError(t, err)

	_, err = engine.Journal().CreateBranch("session-1", "agent session", "")
	require.NoError(t, err)
	_, err = engine.Journal().Commit("session-1", []string{res.ID}, "session findings")
	require.NoError(t, err)

	// Before the merge, main does not see the session's events.
	events, err := engine.QueryEvents(types.QueryOptions{Branch: "main"})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = engine.Journal().Merge("session-1", "main")
	require.NoError(t, err)

	events, err = engine.QueryEvents(types.QueryOptions{Branch: "main"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.ID, events[0].ID)

	// The source branch still sees them too: merging never moves events.
	events, err = engine.QueryEvents(types.QueryOptions{Branch: "session-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRollUpIsAdditiveAndIdempotent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for _, test := range []string{"TestA", "TestB"} {
		res, err := engine.Ingest(ctx, failureEvent(test, "boom"))
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	_, err := engine.Journal().Commit("main", ids, "failures captured")
	require.NoError(t, err)

	until := time.Now().UTC()
	since := until.Add(-time.Hour)

	first, err := engine.RollUp(ctx, "main", since, until)
	require.NoError(t, err)
	assert.True(t, first.Created)

	summary, err := engine.GetEvent(first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeSummary, summary.Type)
	assert.Equal(t, 3.0, summary.Importance)

	// Original events are untouched.
	for _, id := range ids {
		_, err := engine.GetEvent(id)
		require.NoError(t, err)
	}

	// Same window again produces identical content, deduplicated on ingest.
	second, err := engine.RollUp(ctx, "main", since, until)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetPackCached(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)

	pack, err := engine.Retrieve(ctx, &types.RetrieveRequest{Task: "default"})
	require.NoError(t, err)

	got, err := engine.GetPack(pack.ID)
	require.NoError(t, err)
	assert.Equal(t, pack.ID, got.ID)

	_, err = engine.GetPack("ghost")
	assert.True(t, errdefs.Is(err, errdefs.ErrNotFound))
}

func TestHealth(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Ingest(context.Background(), failureEvent("TestLogin", "timeout"))
	require.NoError(t, err)

	h, err := engine.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.EventCount)
	assert.Equal(t, 1, h.IndexSize)
	assert.Equal(t, 0, h.Pending)
	assert.False(t, h.Degraded)
}

func TestRenderEventTextDeterministic(t *testing.T) {
	ev := failureEvent("TestLogin", "timeout")
	ev.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev.Project = "demo"
	ev.Branch = "main"

	text := renderEventText(ev)
	assert.Contains(t, text, "[2026-03-01T12:00:00Z] test_failure")
	assert.Contains(t, text, "(demo/main)")
	assert.Contains(t, text, "tags=flaky")
	assert.Equal(t, text, renderEventText(ev))
}
