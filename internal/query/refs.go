package query

import (
	"context"
	"sort"

	"repolens/internal/git"
	"repolens/shared/types"
	"repolens/shared/utils"
)

// kindRefs caches the raw ref listing shared by branches and tags.
const kindRefs = "refs"

type refListing struct {
	Current string    `json:"current"`
	Refs    []git.Ref `json:"refs"`
}

func refs(ctx context.Context, d *Deps, call *Call) (refListing, error) {
	return cached(ctx, d, call, kindRefs, "", func(ctx context.Context) (refListing, error) {
		current, list, err := d.Backend.Refs(ctx, call.Params.Repo())
		if err != nil {
			return refListing{}, err
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Kind != list[j].Kind {
				return list[i].Kind < list[j].Kind
			}
			return list[i].Name < list[j].Name
		})
		return refListing{Current: current, Refs: list}, nil
	})
}

type branchesHandler struct{ d *Deps }

func (h *branchesHandler) Kind() types.Kind { return types.KindBranches }
func (h *branchesHandler) Streaming() bool  { return false }

func (h *branchesHandler) Execute(ctx context.Context, call *Call) (any, error) {
	listing, err := refs(ctx, h.d, call)
	if err != nil {
		return nil, err
	}
	out := types.BranchList{Local: []types.BranchInfo{}, Remote: []types.BranchInfo{}, Current: listing.Current}
	for _, r := range listing.Refs {
		switch r.Kind {
		case git.RefBranch:
			out.Local = append(out.Local, types.BranchInfo{Name: r.Name, CommitID: r.CommitID})
		case git.RefRemoteBranch:
			out.Remote = append(out.Remote, types.BranchInfo{Name: r.Name, CommitID: r.CommitID, IsRemote: true})
		}
	}
	return out, nil
}

type tagsHandler struct{ d *Deps }

func (h *tagsHandler) Kind() types.Kind { return types.KindTags }
func (h *tagsHandler) Streaming() bool  { return false }

func (h *tagsHandler) Execute(ctx context.Context, call *Call) (any, error) {
	listing, err := refs(ctx, h.d, call)
	if err != nil {
		return nil, err
	}
	out := types.TagList{Tags: []types.TagInfo{}}
	for _, r := range listing.Refs {
		if r.Kind == git.RefTag {
			out.Tags = append(out.Tags, types.TagInfo{Name: r.Name, CommitID: r.CommitID, Message: r.Message})
		}
	}
	return out, nil
}

type remotesHandler struct{ d *Deps }

func (h *remotesHandler) Kind() types.Kind { return types.KindRemotes }
func (h *remotesHandler) Streaming() bool  { return false }

func (h *remotesHandler) Execute(ctx context.Context, call *Call) (any, error) {
	return cached(ctx, h.d, call, string(types.KindRemotes), "", func(ctx context.Context) (types.RemoteList, error) {
		list, err := h.d.Backend.Remotes(ctx, call.Params.Repo())
		if err != nil {
			return types.RemoteList{}, err
		}
		out := types.RemoteList{Remotes: make([]types.RemoteInfo, 0, len(list))}
		for _, r := range list {
			out.Remotes = append(out.Remotes, types.RemoteInfo{
				Name:          r.Name,
				URL:           r.URL,
				FetchRefspecs: utils.NonNil(r.Fetch),
				PushRefspecs:  utils.NonNil(r.Push),
			})
		}
		return out, nil
	})
}
