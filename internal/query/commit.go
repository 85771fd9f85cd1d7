package query

import (
	"context"

	"repolens/internal/git"
	"repolens/shared/types"
)

type showCommitHandler struct{ d *Deps }

func (h *showCommitHandler) Kind() types.Kind { return types.KindShowCommit }
func (h *showCommitHandler) Streaming() bool  { return false }

func (h *showCommitHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.ShowCommitParams)
	repo := call.Params.Repo()
	return cached(ctx, h.d, call, string(types.KindShowCommit), p.CommitID, func(ctx context.Context) (types.CommitDetails, error) {
		c, err := h.d.Backend.Commit(ctx, repo, p.CommitID)
		if err != nil {
			return types.CommitDetails{}, err
		}
		base := git.EmptyTreeOID
		if len(c.Parents) > 0 {
			base = c.Parents[0]
		}
		changes, err := h.d.Backend.DiffSummary(ctx, repo, base, c.ID)
		if err != nil {
			return types.CommitDetails{}, err
		}

		details := types.CommitDetails{
			CommitSummary: commitSummary(*c),
			FullMessage:   c.Message,
			ChangedFiles:  make([]types.FileChange, 0, len(changes)),
		}
		for _, fc := range changes {
			details.ChangedFiles = append(details.ChangedFiles, fileChange(fc))
		}
		return details, nil
	})
}
