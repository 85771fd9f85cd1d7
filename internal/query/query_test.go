package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"repolens/internal/cache"
	"repolens/internal/cancel"
	"repolens/internal/errors"
	"repolens/internal/git"
	"repolens/internal/git/gittest"
	"repolens/shared/types"
	"repolens/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoPath = "/work/repo"

type fixture struct {
	registry *Registry
	backend  *gittest.Backend
	repo     *gittest.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := gittest.New()
	table, err := cache.New(cache.Options{MaxBytes: 1 << 20, MaxEntries: 1000})
	require.NoError(t, err)
	return &fixture{
		registry: NewRegistry(&Deps{Backend: backend, Cache: table}),
		backend:  backend,
		repo:     backend.Init(repoPath),
	}
}

// chunks records what a streaming handler emits.
type chunks struct {
	data []json.RawMessage
}

func (c *chunks) Emit(_ context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.data = append(c.data, raw)
	return nil
}

func (f *fixture) run(t *testing.T, params types.Params, emit Emitter) (any, error) {
	t.Helper()
	ctx := context.Background()
	fp, err := f.registry.Fingerprint(ctx, params.Repo())
	if err != nil {
		return nil, err
	}
	h, ok := f.registry.Lookup(params.Kind())
	require.True(t, ok, "no handler for %s", params.Kind())
	token := cancel.New(ctx, "test", 0)
	defer token.Release()
	return f.registry.Execute(ctx, h, &Call{ID: "test", Params: params, Fingerprint: fp, Token: token, Emit: emit})
}

func mustRun[T any](t *testing.T, f *fixture, params types.Params) T {
	t.Helper()
	out, err := f.run(t, params, nil)
	require.NoError(t, err)
	v, ok := out.(T)
	require.True(t, ok, "unexpected result type %T", out)
	return v
}

func ids(commits []types.CommitSummary) []string {
	out := make([]string, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.ID)
	}
	return out
}

func TestStatusCategories(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("a.txt", "a\n").WriteFile("b.txt", "b\n").Commit("initial")
	f.repo.WriteFile("a.txt", "changed\n").RemoveFile("b.txt").WriteFile("new.txt", "n\n")

	view := mustRun[types.StatusView](t, f, &types.StatusParams{RepoPath: repoPath})
	assert.Equal(t, "main", view.Branch)
	assert.Equal(t, []string{"a.txt"}, view.Workdir.Modified)
	assert.Equal(t, []string{"b.txt"}, view.Workdir.Deleted)
	assert.Equal(t, []string{"new.txt"}, view.Workdir.Untracked)
	assert.Empty(t, view.Index.Staged)
	assert.NotNil(t, view.Workdir.Renamed)
}

func TestStatusViewStagedAndRenamed(t *testing.T) {
	view := statusView(&git.Status{Branch: "main", Entries: []git.StatusEntry{
		{Path: "added.go", X: 'A', Y: ' '},
		{Path: "both.go", X: 'M', Y: 'M'},
		{Path: "new.go", OrigPath: "old.go", X: 'R', Y: ' '},
		{Path: "ignored", X: '!', Y: '!'},
	}})
	assert.Equal(t, []string{"added.go", "both.go", "new.go"}, view.Index.Staged)
	assert.Equal(t, []string{"added.go"}, view.Workdir.Added)
	assert.Equal(t, []string{"both.go"}, view.Workdir.Modified)
	assert.Equal(t, []types.RenamePair{{From: "old.go", To: "new.go"}}, view.Workdir.Renamed)
}

func TestLogPagingIsStableAcrossNewCommits(t *testing.T) {
	f := newFixture(t)
	var commits []string
	for i := 0; i < 5; i++ {
		commits = append(commits, f.repo.WriteFile("f.txt", fmt.Sprint(i)).Commit(fmt.Sprintf("c%d", i)))
	}

	first := mustRun[types.CommitListPage](t, f, &types.LogParams{RepoPath: repoPath, PageSize: 2})
	assert.Equal(t, []string{commits[4], commits[3]}, ids(first.Commits))
	require.True(t, first.HasMore)
	assert.Equal(t, "c4", first.Commits[0].Message)
	assert.Equal(t, []string{commits[3]}, first.Commits[0].Parents)

	// moving HEAD does not shift a walk already in progress
	f.repo.WriteFile("f.txt", "later").Commit("later")

	second := mustRun[types.CommitListPage](t, f, &types.LogParams{RepoPath: repoPath, PageSize: 2, Cursor: first.NextCursor})
	assert.Equal(t, []string{commits[2], commits[1]}, ids(second.Commits))
	require.True(t, second.HasMore)

	third := mustRun[types.CommitListPage](t, f, &types.LogParams{RepoPath: repoPath, PageSize: 2, Cursor: second.NextCursor})
	assert.Equal(t, []string{commits[0]}, ids(third.Commits))
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextCursor)
	assert.Equal(t, []string{}, third.Commits[0].Parents)
}

func TestLogRevisionRange(t *testing.T) {
	f := newFixture(t)
	c0 := f.repo.WriteFile("f", "0").Commit("c0")
	c1 := f.repo.WriteFile("f", "1").Commit("c1")
	c2 := f.repo.WriteFile("f", "2").Commit("c2")

	page := mustRun[types.CommitListPage](t, f, &types.LogParams{RepoPath: repoPath, PageSize: 10, RevisionRange: c0 + "..HEAD"})
	assert.Equal(t, []string{c2, c1}, ids(page.Commits))

	_, err := f.run(t, &types.LogParams{RepoPath: repoPath, PageSize: 10, RevisionRange: "nope"}, nil)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestLogRejectsForgedCursor(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("f", "0").Commit("c0")

	_, err := f.run(t, &types.LogParams{RepoPath: repoPath, PageSize: 10, Cursor: "not-a-cursor"}, nil)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestCursorsOnlyCarryObjectIDs(t *testing.T) {
	f := newFixture(t)
	head := f.repo.WriteFile("f", "0").Commit("c0")
	f.repo.WriteFile("f", "1")

	encode := func(v any) string {
		c, err := utils.EncodeCursor(v)
		require.NoError(t, err)
		return c
	}
	opt := "--output=/tmp/forged"

	tests := []struct {
		name   string
		params types.Params
	}{
		{"log include", &types.LogParams{RepoPath: repoPath, PageSize: 5,
			Cursor: encode(walkCursor{Include: []string{opt}})}},
		{"log exclude", &types.LogParams{RepoPath: repoPath, PageSize: 5,
			Cursor: encode(walkCursor{Include: []string{head}, Exclude: []string{opt}})}},
		{"graph lane", &types.GraphParams{RepoPath: repoPath, WindowSize: 5,
			Cursor: encode(walkCursor{Include: []string{head}, Lanes: []string{"", opt}})}},
		{"log branch name", &types.LogParams{RepoPath: repoPath, PageSize: 5,
			Cursor: encode(walkCursor{Include: []string{"main"}})}},
		{"diff summary from", &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 1000, MaxHunks: 10,
			Cursor: encode(summaryCursor{From: opt, To: git.Worktree, Offset: 1})}},
		{"diff summary to", &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 1000, MaxHunks: 10,
			Cursor: encode(summaryCursor{From: head, To: opt, Offset: 1})}},
		{"diff content", &types.DiffContentParams{RepoPath: repoPath, MaxBytes: 1000, MaxHunks: 10,
			Cursor: encode(contentCursor{From: opt, To: git.Worktree, File: 1})}},
		{"blame", &types.BlameParams{RepoPath: repoPath, Path: "f", WindowSize: 10,
			Cursor: encode(blameCursor{Revision: opt, Offset: 1})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.run(t, tt.params, &chunks{})
			assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
		})
	}
	for _, op := range []string{gittest.OpLog, gittest.OpDiffSummary, gittest.OpDiffFile, gittest.OpBlame} {
		assert.Zero(t, f.backend.Calls(op), op)
	}

	valid := encode(summaryCursor{From: head, To: git.Worktree, Offset: 0})
	_, err := f.run(t, &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 1000, MaxHunks: 10, Cursor: valid}, nil)
	assert.NoError(t, err)
}

// mergeHistory builds A <- B <- M and A <- C <- M on main.
func mergeHistory(f *fixture) (a, b, c, m string) {
	a = f.repo.WriteFile("f", "a").Commit("A")
	f.repo.Branch("feature", a)
	b = f.repo.WriteFile("f", "b").Commit("B")
	f.repo.Checkout("feature")
	c = f.repo.WriteFile("g", "c").Commit("C")
	f.repo.Checkout("main")
	m = f.repo.WriteFile("g", "c").Commit("M", b, c)
	return a, b, c, m
}

func TestGraphLanes(t *testing.T) {
	f := newFixture(t)
	a, b, c, m := mergeHistory(f)

	window := mustRun[types.CommitGraphWindow](t, f, &types.GraphParams{RepoPath: repoPath, WindowSize: 10})
	require.Len(t, window.Commits, 4)
	got := make([]string, 0, 4)
	for _, n := range window.Commits {
		got = append(got, n.ID)
	}
	assert.Equal(t, []string{m, c, b, a}, got)

	assert.Equal(t, []types.GraphLane{{Index: 0, LaneType: types.LaneMerge}, {Index: 1, LaneType: types.LaneBranch}}, window.Commits[0].Lanes)
	assert.Equal(t, []types.GraphLane{{Index: 0, LaneType: types.LaneBranch}, {Index: 1, LaneType: types.LaneCommit}}, window.Commits[1].Lanes)
	assert.Equal(t, []types.GraphLane{{Index: 0, LaneType: types.LaneCommit}, {Index: 1, LaneType: types.LaneBranch}}, window.Commits[2].Lanes)
	assert.Equal(t, types.LaneCommit, window.Commits[3].Lanes[0].LaneType)
	assert.False(t, window.HasMore)
}

func TestGraphWindowsContinueLanes(t *testing.T) {
	f := newFixture(t)
	mergeHistory(f)

	whole := mustRun[types.CommitGraphWindow](t, f, &types.GraphParams{RepoPath: repoPath, WindowSize: 10})

	var paged []types.CommitGraphNode
	cursor := ""
	for {
		w := mustRun[types.CommitGraphWindow](t, f, &types.GraphParams{RepoPath: repoPath, WindowSize: 2, Cursor: cursor})
		paged = append(paged, w.Commits...)
		if !w.HasMore {
			break
		}
		cursor = w.NextCursor
	}
	assert.Equal(t, whole.Commits, paged)
}

func TestShowCommit(t *testing.T) {
	f := newFixture(t)
	root := f.repo.WriteFile("a.txt", "one\n").WriteFile("b.txt", "two\n").Commit("initial\n\nlonger body")
	f.repo.WriteFile("a.txt", "one\nmore\n").Commit("grow a")

	details := mustRun[types.CommitDetails](t, f, &types.ShowCommitParams{RepoPath: repoPath, CommitID: root})
	assert.Equal(t, "initial", details.Message)
	assert.Equal(t, "initial\n\nlonger body", details.FullMessage)
	require.Len(t, details.ChangedFiles, 2)
	for _, fc := range details.ChangedFiles {
		assert.Equal(t, types.ChangeAdded, fc.ChangeType)
	}

	head := mustRun[types.CommitDetails](t, f, &types.ShowCommitParams{RepoPath: repoPath, CommitID: "HEAD"})
	require.Len(t, head.ChangedFiles, 1)
	assert.Equal(t, "a.txt", head.ChangedFiles[0].Path)
	assert.Equal(t, 1, head.ChangedFiles[0].Additions)

	_, err := f.run(t, &types.ShowCommitParams{RepoPath: repoPath, CommitID: "deadbeefdead"}, nil)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func threeFileChange(f *fixture) {
	f.repo.WriteFile("a", "1\n").WriteFile("b", "1\n").WriteFile("c", "1\n").Commit("base")
	f.repo.WriteFile("a", "2\n").WriteFile("b", "2\n").WriteFile("c", "2\n")
}

func TestDiffSummaryPages(t *testing.T) {
	f := newFixture(t)
	threeFileChange(f)

	first := mustRun[types.DiffSummary](t, f, &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 4096, MaxHunks: 2})
	assert.Equal(t, 3, first.FilesChanged)
	assert.Equal(t, 3, first.Additions)
	assert.Equal(t, 3, first.Deletions)
	require.Len(t, first.Changes, 2)
	require.True(t, first.HasMore)

	rest := mustRun[types.DiffSummary](t, f, &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 4096, MaxHunks: 2, Cursor: first.NextCursor})
	require.Len(t, rest.Changes, 1)
	assert.Equal(t, "c", rest.Changes[0].Path)
	assert.False(t, rest.HasMore)
	assert.Equal(t, 3, rest.FilesChanged)
}

func TestDiffSummaryBudget(t *testing.T) {
	f := newFixture(t)
	threeFileChange(f)

	_, err := f.run(t, &types.DiffSummaryParams{RepoPath: repoPath, MaxBytes: 1, MaxHunks: 10}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeBudgetExceeded, errors.CodeOf(err))
}

func TestDiffContentStreamsWithinBudget(t *testing.T) {
	f := newFixture(t)
	threeFileChange(f)

	var out chunks
	res, err := f.run(t, &types.DiffContentParams{RepoPath: repoPath, MaxBytes: 1 << 20, MaxHunks: 2}, &out)
	require.NoError(t, err)
	summary := res.(types.StreamSummary)
	require.True(t, summary.HasMore)
	require.Len(t, out.data, 2)

	var chunk types.DiffChunk
	require.NoError(t, json.Unmarshal(out.data[0], &chunk))
	assert.Equal(t, "a", chunk.Path)
	require.Len(t, chunk.Hunks, 1)
	hunk := chunk.Hunks[0]
	assert.Equal(t, "@@ -1,1 +1,1 @@", hunk.Header)
	require.Len(t, hunk.Lines, 2)
	assert.Equal(t, types.LineDeletion, hunk.Lines[0].LineType)
	require.NotNil(t, hunk.Lines[0].OldLine)
	assert.Nil(t, hunk.Lines[0].NewLine)

	var rest chunks
	res, err = f.run(t, &types.DiffContentParams{RepoPath: repoPath, MaxBytes: 1 << 20, MaxHunks: 2, Cursor: summary.NextCursor}, &rest)
	require.NoError(t, err)
	assert.False(t, res.(types.StreamSummary).HasMore)
	require.Len(t, rest.data, 1)
	require.NoError(t, json.Unmarshal(rest.data[0], &chunk))
	assert.Equal(t, "c", chunk.Path)
}

func TestDiffContentPathFilter(t *testing.T) {
	f := newFixture(t)
	threeFileChange(f)

	var out chunks
	_, err := f.run(t, &types.DiffContentParams{RepoPath: repoPath, Path: "b", MaxBytes: 4096, MaxHunks: 10}, &out)
	require.NoError(t, err)
	require.Len(t, out.data, 1)
	assert.Contains(t, string(out.data[0]), `"path":"b"`)

	_, err = f.run(t, &types.DiffContentParams{RepoPath: repoPath, Path: "zzz", MaxBytes: 4096, MaxHunks: 10}, &chunks{})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestBlameWindows(t *testing.T) {
	f := newFixture(t)
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	first := f.repo.WriteFile("f.txt", b.String()).Commit("five lines")
	second := f.repo.WriteFile("f.txt", b.String()+"line 6\n").Commit("sixth")

	var out chunks
	res, err := f.run(t, &types.BlameParams{RepoPath: repoPath, Path: "f.txt", WindowSize: 4}, &out)
	require.NoError(t, err)
	summary := res.(types.StreamSummary)
	require.True(t, summary.HasMore)
	require.Len(t, out.data, 1)

	var chunk types.BlameChunk
	require.NoError(t, json.Unmarshal(out.data[0], &chunk))
	require.Len(t, chunk.Lines, 4)
	assert.Equal(t, first, chunk.Lines[0].CommitID)
	assert.Equal(t, "line 1", chunk.Lines[0].Content)

	var rest chunks
	res, err = f.run(t, &types.BlameParams{RepoPath: repoPath, Path: "f.txt", WindowSize: 4, Cursor: summary.NextCursor}, &rest)
	require.NoError(t, err)
	assert.False(t, res.(types.StreamSummary).HasMore)
	require.NoError(t, json.Unmarshal(rest.data[0], &chunk))
	require.Len(t, chunk.Lines, 2)
	assert.Equal(t, 6, chunk.Lines[1].LineNumber)
	assert.Equal(t, second, chunk.Lines[1].CommitID)
}

func TestRefsAndRemotes(t *testing.T) {
	f := newFixture(t)
	c0 := f.repo.WriteFile("f", "0").Commit("c0")
	c1 := f.repo.WriteFile("f", "1").Commit("c1")
	f.repo.Branch("topic", c0).RemoteBranch("origin/main", c0).Tag("v1.0", c0, "first release").Tag("v1.1", c1, "")
	f.repo.AddRemote(git.Remote{Name: "origin", URL: "https://example.com/r.git", Fetch: []string{"+refs/heads/*:refs/remotes/origin/*"}})

	branches := mustRun[types.BranchList](t, f, &types.BranchesParams{RepoPath: repoPath})
	assert.Equal(t, "main", branches.Current)
	assert.Equal(t, []types.BranchInfo{{Name: "main", CommitID: c1}, {Name: "topic", CommitID: c0}}, branches.Local)
	assert.Equal(t, []types.BranchInfo{{Name: "origin/main", CommitID: c0, IsRemote: true}}, branches.Remote)

	tags := mustRun[types.TagList](t, f, &types.TagsParams{RepoPath: repoPath})
	require.Len(t, tags.Tags, 2)
	assert.Equal(t, "first release", tags.Tags[0].Message)
	assert.Equal(t, c1, tags.Tags[1].CommitID)

	// branches and tags share one ref listing
	assert.Equal(t, 1, f.backend.Calls(gittest.OpRefs))

	remotes := mustRun[types.RemoteList](t, f, &types.RemotesParams{RepoPath: repoPath})
	require.Len(t, remotes.Remotes, 1)
	assert.Equal(t, "origin", remotes.Remotes[0].Name)
	assert.Equal(t, []string{}, remotes.Remotes[0].PushRefspecs)
}

func TestUnbornHead(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("draft.txt", "x\n")

	page := mustRun[types.CommitListPage](t, f, &types.LogParams{RepoPath: repoPath, PageSize: 10})
	assert.Empty(t, page.Commits)
	assert.False(t, page.HasMore)

	window := mustRun[types.CommitGraphWindow](t, f, &types.GraphParams{RepoPath: repoPath, WindowSize: 10})
	assert.Empty(t, window.Commits)

	_, err := f.run(t, &types.BlameParams{RepoPath: repoPath, Path: "draft.txt", WindowSize: 10}, &chunks{})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestClassify(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code errors.Code
	}{
		"repo":      {fmt.Errorf("open: %w", git.ErrRepoNotFound), errors.CodeRepoNotFound},
		"ref":       {fmt.Errorf("%w: main~9", git.ErrRefNotFound), errors.CodeNotFound},
		"path":      {git.ErrPathNotFound, errors.CodeNotFound},
		"cancelled": {cancel.ErrCancelled, errors.CodeCancelled},
		"deadline":  {context.DeadlineExceeded, errors.CodeCancelled},
		"typed":     {errors.BudgetExceeded("too big"), errors.CodeBudgetExceeded},
		"other":     {fmt.Errorf("disk on fire"), errors.CodeInternal},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.code, Classify(tc.err, repoPath).Code)
		})
	}
	assert.Nil(t, Classify(nil, repoPath))
	assert.Contains(t, Classify(cancel.ErrTimeout, repoPath).Message, "timed out")
}
