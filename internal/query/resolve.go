package query

import (
	"context"

	"repolens/internal/git"
)

// kindResolve caches revision lookups. The fingerprint covers refs, so a
// cached id is exact for the state it was computed against.
const kindResolve = "resolve"

func resolveRev(ctx context.Context, d *Deps, call *Call, rev string) (string, error) {
	if rev == "HEAD" && call.Fingerprint.HeadOID != "" {
		return call.Fingerprint.HeadOID, nil
	}
	return cached(ctx, d, call, kindResolve, rev, func(ctx context.Context) (string, error) {
		return d.Backend.Resolve(ctx, call.Params.Repo(), rev)
	})
}

// diffSides resolves a from/to pair. from defaults to HEAD, which is the
// empty tree on an unborn branch; an empty to is the working tree.
func diffSides(ctx context.Context, d *Deps, call *Call, from, to string) (string, string, error) {
	if from == "" {
		from = "HEAD"
	}
	var err error
	if from == "HEAD" && call.Fingerprint.HeadOID == "" {
		from = git.EmptyTreeOID
	} else if from, err = resolveRev(ctx, d, call, from); err != nil {
		return "", "", err
	}
	if to == "" {
		return from, git.Worktree, nil
	}
	if to, err = resolveRev(ctx, d, call, to); err != nil {
		return "", "", err
	}
	return from, to, nil
}
