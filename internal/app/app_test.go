package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"repolens/internal/config"
	"repolens/internal/errors"
	"repolens/internal/middleware"
	"repolens/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Backend.Kind = "gogit"
	cfg.Database.Path = filepath.Join(t.TempDir(), "snapshots")
	cfg.Watch.Enabled = true
	cfg.Watch.Debounce = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

func TestAppServesHTTP(t *testing.T) {
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	}()
	assert.Equal(t, "gogit", a.Backend.Name())

	h := a.HTTPHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req, err := types.NewRequest("r1", &types.StatusParams{RepoPath: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v0/requests", bytes.NewReader(body)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp types.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, errors.CodeRepoNotFound, resp.Err().Code)
}

func TestAppRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Kind = "svn"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestAppWithoutCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.CacheEnabled = false
	a, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, a.watcher)
	assert.Nil(t, a.store)
	require.NoError(t, a.Close(context.Background()))
}
