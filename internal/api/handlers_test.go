package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"repolens/internal/cache"
	"repolens/internal/config"
	"repolens/internal/engine"
	"repolens/internal/errors"
	"repolens/internal/git/gittest"
	"repolens/internal/query"
	"repolens/internal/validation"
	"repolens/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoPath = "/work/repo"

func newServer(t *testing.T) (*httptest.Server, *gittest.Backend) {
	t.Helper()
	backend := gittest.New()
	backend.Init(repoPath).WriteFile("a.txt", strings.Repeat("line\n", 250)).Commit("initial")

	table, err := cache.New(cache.Options{MaxBytes: 1 << 20, MaxEntries: 100})
	require.NoError(t, err)
	registry := query.NewRegistry(&query.Deps{Backend: backend, Cache: table})
	e := engine.New(registry, validation.New(config.Default().Limits), engine.Options{})

	mux := http.NewServeMux()
	NewHandler(e, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, backend
}

func post(t *testing.T, srv *httptest.Server, id string, params types.Params) *http.Response {
	t.Helper()
	req, err := types.NewRequest(id, params)
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v0/requests", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) types.Response {
	t.Helper()
	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string   `json:"status"`
		Kinds  []string `json:"kinds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Contains(t, body.Kinds, "diff_content")
}

func TestSubmitUnary(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name       string
		params     types.Params
		wantStatus int
		wantCode   errors.Code
	}{
		{name: "status", params: &types.StatusParams{RepoPath: repoPath}, wantStatus: http.StatusOK},
		{name: "log out of range", params: &types.LogParams{RepoPath: repoPath, PageSize: 0}, wantStatus: http.StatusBadRequest, wantCode: errors.CodeValidation},
		{name: "missing repo", params: &types.BranchesParams{RepoPath: "/nowhere"}, wantStatus: http.StatusNotFound, wantCode: errors.CodeRepoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, tt.name, tt.params)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decodeResponse(t, resp)
			assert.Equal(t, tt.name, body.ID)
			if tt.wantCode == "" {
				require.Nil(t, body.Err())
				assert.Equal(t, tt.params.Kind(), body.Result.OK.Kind)
				return
			}
			require.NotNil(t, body.Err())
			assert.Equal(t, tt.wantCode, body.Err().Code)
		})
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/api/v0/requests", "application/json", strings.NewReader(`{"id":`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeResponse(t, resp)
	assert.Equal(t, unknownID, body.ID)
	assert.Equal(t, errors.CodeProtocol, body.Err().Code)
}

func TestSubmitStreamsNDJSON(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv, "blame-1", &types.BlameParams{RepoPath: repoPath, Path: "a.txt", WindowSize: 1000})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ndjsonContentType, resp.Header.Get("Content-Type"))

	var frames []types.Outbound
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	for scanner.Scan() {
		var f types.Outbound
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		frames = append(frames, f)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, frames, 3)
	assert.False(t, frames[0].Chunk.IsFinal)
	assert.True(t, frames[1].Chunk.IsFinal)
	require.NotNil(t, frames[2].Response)
	assert.Nil(t, frames[2].Response.Err())
}

func TestCancelAndPending(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Post(srv.URL+"/api/v0/requests/nobody/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		ID    string `json:"id"`
		Found bool   `json:"found"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "nobody", body.ID)
	assert.False(t, body.Found)

	list, err := http.Get(srv.URL + "/api/v0/requests")
	require.NoError(t, err)
	defer list.Body.Close()
	var pending struct {
		Pending []types.PendingInfo `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&pending))
	assert.Empty(t, pending.Pending)
}

func TestCacheEndpoints(t *testing.T) {
	srv, backend := newServer(t)
	post(t, srv, "s1", &types.StatusParams{RepoPath: repoPath})
	post(t, srv, "s2", &types.StatusParams{RepoPath: repoPath})
	assert.Equal(t, 1, backend.Calls(gittest.OpStatus))

	resp, err := http.Get(srv.URL + "/api/v0/cache")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats struct {
		Enabled bool        `json:"enabled"`
		Stats   cache.Stats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(1), stats.Stats.Hits)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v0/cache?repo="+repoPath, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)

	post(t, srv, "s3", &types.StatusParams{RepoPath: repoPath})
	assert.Equal(t, 2, backend.Calls(gittest.OpStatus))
}
