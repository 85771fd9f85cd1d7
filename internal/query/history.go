package query

import (
	"context"
	"fmt"
	"strings"

	"repolens/internal/git"
	"repolens/shared/types"
	"repolens/shared/utils"
)

// walkCursor pins a history walk to resolved commit ids so later pages
// stay on the same history even after HEAD moves.
type walkCursor struct {
	Include []string `json:"i"`
	Exclude []string `json:"x,omitempty"`
	Skip    int      `json:"s"`
	// Lanes carries the graph layout at the page boundary.
	Lanes []string `json:"l,omitempty"`
}

func (c walkCursor) key(size int) string {
	return fmt.Sprintf("%s^%s@%d+%d|%s",
		strings.Join(c.Include, ","), strings.Join(c.Exclude, ","), c.Skip, size, strings.Join(c.Lanes, ","))
}

// startWalk resolves a revision range, or decodes the cursor of a previous
// page. ok is false for an unborn HEAD, which has no history.
func startWalk(ctx context.Context, d *Deps, call *Call, cursor, revRange string) (walkCursor, bool, error) {
	var wc walkCursor
	resumed, err := utils.DecodeCursor(cursor, &wc)
	if err != nil {
		return wc, false, badCursor(err)
	}
	if resumed {
		if len(wc.Include) == 0 || wc.Skip < 0 {
			return wc, false, badCursor(fmt.Errorf("cursor has no starting point"))
		}
		if err := cursorIDs(wc.Include...); err != nil {
			return wc, false, badCursor(err)
		}
		if err := cursorIDs(wc.Exclude...); err != nil {
			return wc, false, badCursor(err)
		}
		for _, slot := range wc.Lanes {
			if slot != "" && !git.IsOID(slot) {
				return wc, false, badCursor(fmt.Errorf("lane %q is not an object id", slot))
			}
		}
		return wc, true, nil
	}

	include, exclude := git.ParseRange(revRange)
	if strings.TrimSpace(revRange) == "" {
		if call.Fingerprint.HeadOID == "" {
			return wc, false, nil
		}
		wc.Include = []string{call.Fingerprint.HeadOID}
		return wc, true, nil
	}
	for _, rev := range include {
		id, err := resolveRev(ctx, d, call, rev)
		if err != nil {
			return wc, false, err
		}
		wc.Include = append(wc.Include, id)
	}
	for _, rev := range exclude {
		id, err := resolveRev(ctx, d, call, rev)
		if err != nil {
			return wc, false, err
		}
		wc.Exclude = append(wc.Exclude, id)
	}
	return wc, true, nil
}

// page fetches size commits starting at the cursor plus one lookahead to
// decide has_more.
func page(ctx context.Context, d *Deps, call *Call, wc walkCursor, size int) ([]git.Commit, bool, error) {
	commits, err := d.Backend.Log(ctx, call.Params.Repo(), git.LogQuery{
		Include: wc.Include,
		Exclude: wc.Exclude,
		Skip:    wc.Skip,
		Limit:   size + 1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(commits) > size {
		return commits[:size], true, nil
	}
	return commits, false, nil
}

type logHandler struct{ d *Deps }

func (h *logHandler) Kind() types.Kind { return types.KindLog }
func (h *logHandler) Streaming() bool  { return false }

func (h *logHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.LogParams)
	wc, ok, err := startWalk(ctx, h.d, call, p.Cursor, p.RevisionRange)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.CommitListPage{Commits: []types.CommitSummary{}}, nil
	}

	return cached(ctx, h.d, call, string(types.KindLog), wc.key(p.PageSize), func(ctx context.Context) (types.CommitListPage, error) {
		commits, more, err := page(ctx, h.d, call, wc, p.PageSize)
		if err != nil {
			return types.CommitListPage{}, err
		}
		out := types.CommitListPage{Commits: make([]types.CommitSummary, 0, len(commits)), HasMore: more}
		for _, c := range commits {
			out.Commits = append(out.Commits, commitSummary(c))
		}
		if more {
			next := wc
			next.Skip += len(commits)
			if out.NextCursor, err = utils.EncodeCursor(next); err != nil {
				return types.CommitListPage{}, err
			}
		}
		return out, nil
	})
}

type graphHandler struct{ d *Deps }

func (h *graphHandler) Kind() types.Kind { return types.KindGraph }
func (h *graphHandler) Streaming() bool  { return false }

func (h *graphHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.GraphParams)
	wc, ok, err := startWalk(ctx, h.d, call, p.Cursor, p.RevisionRange)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.CommitGraphWindow{Commits: []types.CommitGraphNode{}}, nil
	}

	return cached(ctx, h.d, call, string(types.KindGraph), wc.key(p.WindowSize), func(ctx context.Context) (types.CommitGraphWindow, error) {
		commits, more, err := page(ctx, h.d, call, wc, p.WindowSize)
		if err != nil {
			return types.CommitGraphWindow{}, err
		}
		layout := newLaneLayout(wc.Lanes)
		out := types.CommitGraphWindow{Commits: make([]types.CommitGraphNode, 0, len(commits)), HasMore: more}
		for _, c := range commits {
			out.Commits = append(out.Commits, types.CommitGraphNode{
				CommitSummary: commitSummary(c),
				Lanes:         layout.place(c.ID, c.Parents),
			})
		}
		if more {
			next := wc
			next.Skip += len(commits)
			next.Lanes = layout.state()
			if out.NextCursor, err = utils.EncodeCursor(next); err != nil {
				return types.CommitGraphWindow{}, err
			}
		}
		return out, nil
	})
}

// laneLayout assigns commits to columns. Each slot holds the commit id the
// column is waiting for, or "" when free.
type laneLayout struct {
	slots []string
}

func newLaneLayout(slots []string) *laneLayout {
	return &laneLayout{slots: append([]string(nil), slots...)}
}

func (l *laneLayout) free() int {
	for i, s := range l.slots {
		if s == "" {
			return i
		}
	}
	l.slots = append(l.slots, "")
	return len(l.slots) - 1
}

// place lays out one commit and advances the slots to its parents.
func (l *laneLayout) place(id string, parents []string) []types.GraphLane {
	col := -1
	for i, s := range l.slots {
		if s != id {
			continue
		}
		if col < 0 {
			col = i
		} else {
			// another child's column converges here
			l.slots[i] = ""
		}
	}
	if col < 0 {
		col = l.free()
		l.slots[col] = id
	}

	lanes := make([]types.GraphLane, 0, len(l.slots)+len(parents))
	for i, s := range l.slots {
		lt := types.LaneEmpty
		switch {
		case i == col && len(parents) > 1:
			lt = types.LaneMerge
		case i == col:
			lt = types.LaneCommit
		case s != "":
			lt = types.LaneBranch
		}
		lanes = append(lanes, types.GraphLane{Index: i, LaneType: lt})
	}

	if len(parents) == 0 {
		l.slots[col] = ""
	} else {
		l.slots[col] = parents[0]
	}
	for _, p := range parents[min(1, len(parents)):] {
		if l.contains(p) {
			continue
		}
		i := l.free()
		l.slots[i] = p
		if i >= len(lanes) {
			lanes = append(lanes, types.GraphLane{Index: i, LaneType: types.LaneBranch})
		} else {
			lanes[i].LaneType = types.LaneBranch
		}
	}
	l.trim()
	return lanes
}

func (l *laneLayout) contains(id string) bool {
	for _, s := range l.slots {
		if s == id {
			return true
		}
	}
	return false
}

func (l *laneLayout) trim() {
	n := len(l.slots)
	for n > 0 && l.slots[n-1] == "" {
		n--
	}
	l.slots = l.slots[:n]
}

func (l *laneLayout) state() []string {
	return append([]string(nil), l.slots...)
}
