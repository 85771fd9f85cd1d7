package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"repolens/internal/cache"
	"repolens/internal/config"
	"repolens/internal/errors"
	"repolens/internal/git/gittest"
	"repolens/internal/query"
	"repolens/internal/validation"
	"repolens/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoPath = "/work/repo"

type fixture struct {
	engine  *Engine
	backend *gittest.Backend
	repo    *gittest.Repo
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	backend := gittest.New()
	repo := backend.Init(repoPath)
	repo.WriteFile("README.md", "hello\n").Commit("initial")

	table, err := cache.New(cache.Options{MaxBytes: 1 << 20, MaxEntries: 1000})
	require.NoError(t, err)
	registry := query.NewRegistry(&query.Deps{Backend: backend, Cache: table})
	e := New(registry, validation.New(config.Default().Limits), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &fixture{engine: e, backend: backend, repo: repo}
}

func request(t *testing.T, id string, params types.Params) *types.Request {
	t.Helper()
	req, err := types.NewRequest(id, params)
	require.NoError(t, err)
	return &req
}

// collector records chunks delivered to a sink.
type collector struct {
	mu     sync.Mutex
	chunks []types.StreamChunk
}

func (c *collector) sink(_ context.Context, chunk *types.StreamChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, *chunk)
	return nil
}

func (c *collector) all() []types.StreamChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.StreamChunk(nil), c.chunks...)
}

func decode[T any](t *testing.T, resp *types.Response) T {
	t.Helper()
	require.Nil(t, resp.Err(), "unexpected error response")
	var out T
	require.NoError(t, json.Unmarshal(resp.Result.OK.Data, &out))
	return out
}

func requireCode(t *testing.T, resp *types.Response, code errors.Code) *errors.Error {
	t.Helper()
	err := resp.Err()
	require.NotNil(t, err, "expected %s, got success", code)
	require.Equal(t, code, err.Code, err.Message)
	assert.NotEmpty(t, err.Remediation)
	return err
}

func lines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestStatusIsServedFromCacheUntilRepoChanges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var data [2]json.RawMessage
	for i := range data {
		resp := f.engine.Dispatch(ctx, request(t, fmt.Sprintf("s%d", i), &types.StatusParams{RepoPath: repoPath}), nil)
		view := decode[types.StatusView](t, resp)
		assert.Equal(t, "main", view.Branch)
		assert.Empty(t, view.Workdir.Modified)
		data[i] = resp.Result.OK.Data
	}
	assert.Equal(t, 1, f.backend.Calls(gittest.OpStatus))
	assert.JSONEq(t, string(data[0]), string(data[1]))
	assert.Equal(t, []byte(data[0]), []byte(data[1]))

	f.repo.WriteFile("README.md", "changed\n")
	resp := f.engine.Dispatch(ctx, request(t, "s2", &types.StatusParams{RepoPath: repoPath}), nil)
	view := decode[types.StatusView](t, resp)
	assert.Equal(t, []string{"README.md"}, view.Workdir.Modified)
	assert.Equal(t, 2, f.backend.Calls(gittest.OpStatus))
	assert.NotEqual(t, []byte(data[0]), []byte(resp.Result.OK.Data))
}

func TestRepoPathSpellingsShareOneRepo(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, Options{RepoSeen: func(repo string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, repo)
	}})
	ctx := context.Background()

	for i, spelling := range []string{repoPath, repoPath + "/", "/work/./repo", "/work/other/../repo"} {
		resp := f.engine.Dispatch(ctx, request(t, fmt.Sprintf("s%d", i), &types.StatusParams{RepoPath: spelling}), nil)
		view := decode[types.StatusView](t, resp)
		assert.Equal(t, "main", view.Branch, spelling)
	}

	assert.Equal(t, 1, f.backend.Calls(gittest.OpStatus))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{repoPath, repoPath, repoPath, repoPath}, seen)
}

func TestRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	t.Run("unsupported version", func(t *testing.T) {
		req := request(t, "v", &types.StatusParams{RepoPath: repoPath})
		req.Version = "v9"
		requireCode(t, f.engine.Dispatch(ctx, req, nil), errors.CodeUnsupportedVersion)
		assert.Zero(t, f.backend.Calls(gittest.OpFingerprint))
	})

	t.Run("unknown kind", func(t *testing.T) {
		req := &types.Request{Version: types.APIVersion, ID: "u", Payload: types.Payload{Kind: "commit", Params: json.RawMessage(`{}`)}}
		resp := f.engine.Dispatch(ctx, req, nil)
		requireCode(t, resp, errors.CodeUnknownOperation)
		assert.Equal(t, "u", resp.ID)
		assert.Zero(t, f.backend.Calls(gittest.OpFingerprint))
	})

	t.Run("unknown field", func(t *testing.T) {
		req := &types.Request{Version: types.APIVersion, ID: "f", Payload: types.Payload{
			Kind:   types.KindStatus,
			Params: json.RawMessage(`{"repo_path":"/work/repo","force":true}`),
		}}
		requireCode(t, f.engine.Dispatch(ctx, req, nil), errors.CodeValidation)
		assert.Zero(t, f.backend.Calls(gittest.OpFingerprint))
	})

	for _, size := range []int{0, 1001} {
		t.Run(fmt.Sprintf("page size %d", size), func(t *testing.T) {
			req := request(t, "p", &types.LogParams{RepoPath: repoPath, PageSize: size})
			err := requireCode(t, f.engine.Dispatch(ctx, req, nil), errors.CodeValidation)
			assert.Contains(t, err.Message, "page_size")
			assert.Zero(t, f.backend.Calls(gittest.OpFingerprint))
		})
	}

	assert.Zero(t, f.backend.Calls(gittest.OpLog))
	assert.Zero(t, f.backend.Calls(gittest.OpStatus))
	assert.Empty(t, f.engine.Pending())
}

func TestMissingRepoIsRejectedBeforeAnyQuery(t *testing.T) {
	f := newFixture(t, Options{})

	req := request(t, "r", &types.StatusParams{RepoPath: "/elsewhere"})
	requireCode(t, f.engine.Dispatch(context.Background(), req, nil), errors.CodeRepoNotFound)

	assert.Positive(t, f.backend.Calls(gittest.OpFingerprint))
	assert.Zero(t, f.backend.Calls(gittest.OpStatus))
	assert.Empty(t, f.engine.Pending())
}

func TestDuplicateIDWhileInFlight(t *testing.T) {
	f := newFixture(t, Options{})
	entered, release := f.backend.Block(gittest.OpLog)
	defer release()

	first := f.engine.Start(context.Background(), request(t, "dup", &types.LogParams{RepoPath: repoPath, PageSize: 10}))
	require.True(t, first.Registered())
	done := make(chan *types.Response, 1)
	go func() { done <- first.Run(nil) }()
	<-entered

	second := f.engine.Dispatch(context.Background(), request(t, "dup", &types.StatusParams{RepoPath: repoPath}), nil)
	requireCode(t, second, errors.CodeDuplicateRequestID)

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "dup", pending[0].ID)
	assert.Equal(t, types.KindLog, pending[0].Kind)
	assert.Equal(t, string(StateDispatched), pending[0].State)

	release()
	page := decode[types.CommitListPage](t, <-done)
	assert.Len(t, page.Commits, 1)

	// the id is free again once the first request is terminal
	again := f.engine.Dispatch(context.Background(), request(t, "dup", &types.StatusParams{RepoPath: repoPath}), nil)
	assert.Nil(t, again.Err())
}

func TestStreamMarksExactlyOneFinalChunk(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.WriteFile("big.txt", lines(450)).Commit("big")

	var c collector
	resp := f.engine.Dispatch(context.Background(), request(t, "b", &types.BlameParams{
		RepoPath: repoPath, Path: "big.txt", WindowSize: 1000,
	}), c.sink)
	summary := decode[types.StreamSummary](t, resp)

	chunks := c.all()
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, uint64(i), chunk.Sequence)
		assert.Equal(t, "b", chunk.ID)
		assert.Equal(t, i == len(chunks)-1, chunk.IsFinal)
	}
	assert.Equal(t, uint64(3), summary.Chunks)
	assert.False(t, summary.HasMore)

	var last types.BlameChunk
	require.NoError(t, json.Unmarshal(chunks[2].Data, &last))
	require.Len(t, last.Lines, 50)
	assert.Equal(t, 450, last.Lines[49].LineNumber)
}

func TestEmptyStreamStillSendsFinalChunk(t *testing.T) {
	f := newFixture(t, Options{})

	var c collector
	resp := f.engine.Dispatch(context.Background(), request(t, "d", &types.DiffContentParams{
		RepoPath: repoPath, From: "HEAD", To: "HEAD", MaxBytes: 1024, MaxHunks: 10,
	}), c.sink)
	summary := decode[types.StreamSummary](t, resp)

	chunks := c.all()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal)
	assert.JSONEq(t, "null", string(chunks[0].Data))
	assert.Equal(t, uint64(1), summary.Chunks)
}

func TestCancelMidStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.WriteFile("big.txt", lines(650)).Commit("big")

	first := make(chan struct{})
	var (
		mu    sync.Mutex
		count int
	)
	sink := func(ctx context.Context, chunk *types.StreamChunk) error {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			close(first)
			<-ctx.Done()
		}
		return nil
	}

	call := f.engine.Start(context.Background(), request(t, "c", &types.BlameParams{
		RepoPath: repoPath, Path: "big.txt", WindowSize: 1000,
	}))
	done := make(chan *types.Response, 1)
	go func() { done <- call.Run(sink) }()

	<-first
	assert.True(t, f.engine.Cancel("c"))
	resp := <-done

	err := requireCode(t, resp, errors.CodeCancelled)
	assert.Equal(t, "request cancelled", err.Message)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
	assert.Empty(t, f.engine.Pending())
	assert.False(t, f.engine.Cancel("c"), "cancel after completion is a no-op")
}

func TestCancelWhileBackendBlocked(t *testing.T) {
	f := newFixture(t, Options{})
	entered, release := f.backend.Block(gittest.OpBlame)
	defer release()

	var c collector
	call := f.engine.Start(context.Background(), request(t, "blk", &types.BlameParams{
		RepoPath: repoPath, Path: "README.md", WindowSize: 10,
	}))
	done := make(chan *types.Response, 1)
	go func() { done <- call.Run(c.sink) }()

	<-entered
	f.engine.Cancel("blk")
	requireCode(t, <-done, errors.CodeCancelled)
	assert.Empty(t, c.all())
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, Options{RequestTimeout: 30 * time.Millisecond})
	_, release := f.backend.Block(gittest.OpLog)
	defer release()

	resp := f.engine.Dispatch(context.Background(), request(t, "t", &types.LogParams{RepoPath: repoPath, PageSize: 5}), nil)
	err := requireCode(t, resp, errors.CodeCancelled)
	assert.Contains(t, err.Message, "timed out")
}

func TestConcurrencyLimitQueuesRequests(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	entered, release := f.backend.Block(gittest.OpLog)

	a := f.engine.Start(context.Background(), request(t, "a", &types.LogParams{RepoPath: repoPath, PageSize: 5}))
	b := f.engine.Start(context.Background(), request(t, "b", &types.StatusParams{RepoPath: repoPath}))
	results := make(chan *types.Response, 2)
	go func() { results <- a.Run(nil) }()
	<-entered
	go func() { results <- b.Run(nil) }()

	require.Eventually(t, func() bool { return len(f.engine.Pending()) == 2 }, time.Second, 5*time.Millisecond)
	states := map[string]string{}
	for _, p := range f.engine.Pending() {
		states[p.ID] = p.State
	}
	assert.Equal(t, string(StateDispatched), states["a"])
	assert.Equal(t, string(StateValidated), states["b"])
	assert.Zero(t, f.backend.Calls(gittest.OpStatus))

	release()
	for i := 0; i < 2; i++ {
		assert.Nil(t, (<-results).Err())
	}
	assert.Empty(t, f.engine.Pending())
}

func TestShutdownCancelsInFlight(t *testing.T) {
	f := newFixture(t, Options{})
	entered, release := f.backend.Block(gittest.OpLog)
	defer release()

	call := f.engine.Start(context.Background(), request(t, "s", &types.LogParams{RepoPath: repoPath, PageSize: 5}))
	done := make(chan *types.Response, 1)
	go func() { done <- call.Run(nil) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	err := requireCode(t, <-done, errors.CodeCancelled)
	assert.Contains(t, err.Message, "shutting down")

	late := f.engine.Dispatch(context.Background(), request(t, "late", &types.StatusParams{RepoPath: repoPath}), nil)
	requireCode(t, late, errors.CodeCancelled)
}

func TestFailedStreamDoesNotMarkFinal(t *testing.T) {
	f := newFixture(t, Options{})

	var c collector
	resp := f.engine.Dispatch(context.Background(), request(t, "m", &types.BlameParams{
		RepoPath: repoPath, Path: "missing.txt", WindowSize: 10,
	}), c.sink)
	requireCode(t, resp, errors.CodeNotFound)
	for _, chunk := range c.all() {
		assert.False(t, chunk.IsFinal)
	}
}
