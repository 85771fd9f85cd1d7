package query

import (
	"context"

	"repolens/internal/git"
	"repolens/shared/types"
)

type statusHandler struct{ d *Deps }

func (h *statusHandler) Kind() types.Kind { return types.KindStatus }
func (h *statusHandler) Streaming() bool  { return false }

func (h *statusHandler) Execute(ctx context.Context, call *Call) (any, error) {
	return cached(ctx, h.d, call, string(types.KindStatus), "", func(ctx context.Context) (types.StatusView, error) {
		st, err := h.d.Backend.Status(ctx, call.Params.Repo())
		if err != nil {
			return types.StatusView{}, err
		}
		return statusView(st), nil
	})
}

// statusView folds porcelain entries into the per-category lists. A path
// with both staged and unstaged edits appears in Staged and in its
// worktree category.
func statusView(st *git.Status) types.StatusView {
	view := types.StatusView{
		Branch: st.Branch,
		Head:   st.Head,
		Workdir: types.WorkdirStatus{
			Modified:  []string{},
			Added:     []string{},
			Deleted:   []string{},
			Renamed:   []types.RenamePair{},
			Untracked: []string{},
		},
		Index: types.IndexStatus{Staged: []string{}},
	}
	wd := &view.Workdir
	for _, e := range st.Entries {
		if e.X == '?' {
			wd.Untracked = append(wd.Untracked, e.Path)
			continue
		}
		if e.X != ' ' && e.X != '!' {
			view.Index.Staged = append(view.Index.Staged, e.Path)
		}
		switch {
		case e.X == 'R':
			wd.Renamed = append(wd.Renamed, types.RenamePair{From: e.OrigPath, To: e.Path})
		case e.X == 'A' || e.X == 'C':
			wd.Added = append(wd.Added, e.Path)
		case e.X == 'D' || e.Y == 'D':
			wd.Deleted = append(wd.Deleted, e.Path)
		case e.X == 'M' || e.Y == 'M' || e.X == 'U' || e.Y == 'U' || e.Y == 'T' || e.X == 'T':
			wd.Modified = append(wd.Modified, e.Path)
		}
	}
	return view
}
