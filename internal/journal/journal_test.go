package journal

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-dev/mnemo/internal/db"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

func newTestService(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	svc := New(database, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.EnsureMain())
	return svc, database
}

func insertEvents(t *testing.T, database *db.DB, ids ...string) {
	t.Helper()
	ts := time.Now().UTC()
	for _, id := range ids {
		_, err := database.InsertEvent(&types.Event{
			ID:        id,
			Checksum:  "sum-" + id,
			Type:      types.TypeAgentAction,
			Timestamp: ts,
			Branch:    "main",
			Data:      map[string]any{"action": "act-" + id},
			CreatedAt: ts,
		})
		require.NoError(t, err)
	}
}

func TestEnsureMainIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.EnsureMain())

	b, err := svc.GetBranch(types.MainBranch)
	require.NoError(t, err)
	assert.Equal(t, types.MainBranch, b.Name)
}

func TestCreateBranchDuplicate(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateBranch("feature/x", "", "")
	require.NoError(t, err)

	_, err = svc.CreateBranch("feature/x", "", "")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrBranchExists))
}

func TestCommitAdvancesHead(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1", "e2")

	c1, err := svc.Commit("main", []string{"e1"}, "first")
	require.NoError(t, err)
	assert.Empty(t, c1.ParentID)

	c2, err := svc.Commit("main", []string{"e2"}, "second")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ParentID)

	b, err := svc.GetBranch("main")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, b.HeadCommit)

	reachable, err := svc.ReachableEvents("main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2"}, reachable)
}

func TestCommitUnknownEvent(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1")

	_, err := svc.Commit("main", []string{"e1", "ghost"}, "")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrNoSuchEvent))
}

func TestMergeMakesEventsReachable(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1", "e2", "e3")

	_, err := svc.CreateBranch("session-1", "agent session", "")
	require.NoError(t, err)

	_, err = svc.Commit("session-1", []string{"e1", "e2"}, "session work")
	require.NoError(t, err)

	merge, err := svc.Merge("session-1", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, merge.MergeParent)

	reachable, err := svc.ReachableEvents("main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2"}, reachable)

	// Source branch is untouched.
	src, err := svc.GetBranch("session-1")
	require.NoError(t, err)
	srcReachable, err := svc.ReachableEvents("session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, src.HeadCommit)
	assert.ElementsMatch(t, []string{"e1", "e2"}, srcReachable)
}

func TestMergeAlreadyMergedIsNoOp(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1")

	_, err := svc.CreateBranch("session-1", "", "")
	require.NoError(t, err)
	_, err = svc.Commit("session-1", []string{"e1"}, "")
	require.NoError(t, err)

	first, err := svc.Merge("session-1", "main")
	require.NoError(t, err)

	second, err := svc.Merge("session-1", "main")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	main, err := svc.GetBranch("main")
	require.NoError(t, err)
	assert.Equal(t, first.ID, main.HeadCommit)
}

func TestMergeIntoSelf(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Merge("main", "main")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrValidation))
}

func TestTagImmutable(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1")

	c, err := svc.Commit("main", []string{"e1"}, "")
	require.NoError(t, err)

	_, err = svc.Tag("release-1", c.ID, "cut")
	require.NoError(t, err)

	_, err = svc.Tag("release-1", c.ID, "again")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrTagExists))

	// Delete then re-tag is the only path to reuse a name.
	require.NoError(t, svc.DeleteTag("release-1"))
	_, err = svc.Tag("release-1", c.ID, "again")
	require.NoError(t, err)
}

func TestTagUnknownCommit(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Tag("release-1", "ghost", "")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrNotFound))
}

func TestSummarizeWindow(t *testing.T) {
	svc, database := newTestService(t)
	insertEvents(t, database, "e1", "e2", "e3")

	_, err := svc.Commit("main", []string{"e1", "e2"}, "repro captured")
	require.NoError(t, err)
	_, err = svc.Commit("main", []string{"e3"}, "fix landed")
	require.NoError(t, err)

	now := time.Now().UTC()
	ev, err := svc.Summarize("main", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, types.TypeSummary, ev.Type)
	assert.Equal(t, 3.0, ev.Importance)
	assert.Equal(t, 2, ev.Data["commits"])
	assert.Equal(t, 3, ev.Data["events"])

	// Empty window.
	_, err = svc.Summarize("main", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrNotFound))
}
