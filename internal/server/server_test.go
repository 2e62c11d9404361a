package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-dev/mnemo/internal/core"
	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policiesDir, 0755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := policy.NewStore(policiesDir, logger)
	require.NoError(t, store.Save(policy.DefaultPolicy("default", "default")))

	engine, err := core.New(&types.Config{
		DBPath:            filepath.Join(dir, "mnemo.db"),
		PoliciesDir:       policiesDir,
		EmbeddingProvider: "local",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	srv := httptest.NewServer(New(engine, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	resp.Body.Close()
	return resp
}

func TestIngestAndGetEvent(t *testing.T) {
	srv := newTestServer(t)

	ev := map[string]any{
		"type": "test_failure",
		"data": map[string]any{"test": "TestLogin", "error": "timeout"},
	}
	var res types.IngestResult
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/events", ev, &res)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, res.Created)

	// Duplicate content comes back 200, not 201.
	var dup types.IngestResult
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/events", ev, &dup)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, dup.Created)
	assert.Equal(t, res.ID, dup.ID)

	var got types.Event
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/events/"+res.ID, nil, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.TypeTestFailure, got.Type)
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/events/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	bad := map[string]any{"type": "bogus", "data": map[string]any{"x": 1}}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/events", bad, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body.Kind)
	assert.NotEmpty(t, body.Error)

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/retrieve",
		map[string]any{"policy_id": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetrieveEndpoint(t *testing.T) {
	srv := newTestServer(t)

	for _, test := range []string{"TestA", "TestB"} {
		ev := map[string]any{
			"type": "test_failure",
			"data": map[string]any{"test": test, "error": "connection reset"},
		}
		doJSON(t, srv, http.MethodPost, "/api/v1/events", ev, nil)
	}

	var pack types.ContextPack
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/retrieve",
		map[string]any{"task": "default"}, &pack)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, pack.Items)
	assert.LessOrEqual(t, pack.TotalTokens, pack.BudgetTokens)

	var cached types.ContextPack
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/packs/"+pack.ID, nil, &cached)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pack.ID, cached.ID)
}

func TestJournalEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var res types.IngestResult
	doJSON(t, srv, http.MethodPost, "/api/v1/events", map[string]any{
		"type": "agent_action",
		"data": map[string]any{"action": "investigated flake"},
	}, &res)

	var branch types.Branch
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/branches",
		map[string]any{"name": "session-1"}, &branch)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate branch name conflicts.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/branches",
		map[string]any{"name": "session-1"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var commit types.Commit
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/commits", map[string]any{
		"branch": "session-1", "event_ids": []string{res.ID}, "message": "findings",
	}, &commit)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var merge types.Commit
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/merge",
		map[string]any{"branch": "session-1", "into": "main"}, &merge)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "main", merge.Branch)

	var tag types.Tag
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/tags",
		map[string]any{"name": "triage-done", "commit_id": commit.ID}, &tag)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/tags",
		map[string]any{"name": "triage-done", "commit_id": commit.ID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var list []policy.Summary
	resp := doJSON(t, srv, http.MethodGet, "/api/v1/policies", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)

	updated := policy.DefaultPolicy("default", "default")
	updated.BudgetTokens = 3000
	var saved policy.Policy
	resp = doJSON(t, srv, http.MethodPut, "/api/v1/policies/default", updated, &saved)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3000, saved.BudgetTokens)

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/policies/reload", map[string]any{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var h types.Health
	resp := doJSON(t, srv, http.MethodGet, "/api/v1/health", nil, &h)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", h.Status)
}
