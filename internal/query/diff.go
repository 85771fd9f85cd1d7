package query

import (
	"context"
	"fmt"

	"repolens/internal/cache"
	"repolens/internal/diff"
	"repolens/internal/errors"
	"repolens/internal/git"
	"repolens/shared/types"
	"repolens/shared/utils"
)

// changes is the full change list between two resolved sides; both diff
// handlers share it.
func changes(ctx context.Context, d *Deps, call *Call, from, to string) ([]types.FileChange, error) {
	key := from + ".." + to
	return cached(ctx, d, call, string(types.KindDiffSummary), key, func(ctx context.Context) ([]types.FileChange, error) {
		list, err := d.Backend.DiffSummary(ctx, call.Params.Repo(), from, to)
		if err != nil {
			return nil, err
		}
		out := make([]types.FileChange, 0, len(list))
		for _, fc := range list {
			out = append(out, fileChange(fc))
		}
		return out, nil
	})
}

type summaryCursor struct {
	From   string `json:"f"`
	To     string `json:"t"`
	Offset int    `json:"o"`
}

func cursorSides(from, to string) error {
	if to == git.Worktree {
		return cursorIDs(from)
	}
	return cursorIDs(from, to)
}

type diffSummaryHandler struct{ d *Deps }

func (h *diffSummaryHandler) Kind() types.Kind { return types.KindDiffSummary }
func (h *diffSummaryHandler) Streaming() bool  { return false }

// Execute reports totals over the whole diff and a page of changes bounded
// by max_hunks entries and max_bytes of encoded entries.
func (h *diffSummaryHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.DiffSummaryParams)

	var cur summaryCursor
	resumed, err := utils.DecodeCursor(p.Cursor, &cur)
	if err != nil {
		return nil, badCursor(err)
	}
	if !resumed {
		if cur.From, cur.To, err = diffSides(ctx, h.d, call, p.From, p.To); err != nil {
			return nil, err
		}
	} else if err := cursorSides(cur.From, cur.To); err != nil {
		return nil, badCursor(err)
	}

	all, err := changes(ctx, h.d, call, cur.From, cur.To)
	if err != nil {
		return nil, err
	}
	if cur.Offset < 0 || cur.Offset > len(all) {
		return nil, badCursor(fmt.Errorf("offset %d outside %d changes", cur.Offset, len(all)))
	}

	out := types.DiffSummary{FilesChanged: len(all), Changes: []types.FileChange{}}
	for _, c := range all {
		out.Additions += c.Additions
		out.Deletions += c.Deletions
	}

	var used int64
	i := cur.Offset
	for ; i < len(all) && len(out.Changes) < p.MaxHunks; i++ {
		size, err := cache.JSONSize(all[i])
		if err != nil {
			return nil, err
		}
		if used+size > int64(p.MaxBytes) {
			if len(out.Changes) == 0 {
				return nil, errors.BudgetExceeded(fmt.Sprintf("change entry for %s needs %d bytes, max_bytes is %d", all[i].Path, size, p.MaxBytes))
			}
			break
		}
		used += size
		out.Changes = append(out.Changes, all[i])
	}
	if i < len(all) {
		out.HasMore = true
		next := cur
		next.Offset = i
		if out.NextCursor, err = utils.EncodeCursor(next); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type contentCursor struct {
	From string `json:"f"`
	To   string `json:"t"`
	File int    `json:"i"`
	Hunk int    `json:"h"`
}

type diffContentHandler struct{ d *Deps }

func (h *diffContentHandler) Kind() types.Kind { return types.KindDiffContent }
func (h *diffContentHandler) Streaming() bool  { return true }

// Execute streams one chunk per file. A stream stops when the next hunk
// would exceed max_hunks or max_bytes and the summary carries a cursor to
// resume at that hunk.
func (h *diffContentHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.DiffContentParams)

	var cur contentCursor
	resumed, err := utils.DecodeCursor(p.Cursor, &cur)
	if err != nil {
		return nil, badCursor(err)
	}
	if !resumed {
		if cur.From, cur.To, err = diffSides(ctx, h.d, call, p.From, p.To); err != nil {
			return nil, err
		}
	} else if err := cursorSides(cur.From, cur.To); err != nil {
		return nil, badCursor(err)
	}

	all, err := changes(ctx, h.d, call, cur.From, cur.To)
	if err != nil {
		return nil, err
	}
	files := all
	if p.Path != "" {
		files = nil
		for _, c := range all {
			if c.Path == p.Path || c.OldPath == p.Path {
				files = append(files, c)
			}
		}
		if len(files) == 0 {
			return nil, errors.NotFound(fmt.Sprintf("%s has no changes between %s and %s", p.Path, cur.From, sideName(cur.To)))
		}
	}
	if cur.File < 0 || cur.File > len(files) || cur.Hunk < 0 {
		return nil, badCursor(fmt.Errorf("position %d/%d outside %d files", cur.File, cur.Hunk, len(files)))
	}

	var (
		bytesUsed int64
		hunksUsed int
		summary   types.StreamSummary
	)
	for i := cur.File; i < len(files); i++ {
		if err := call.checkpoint(); err != nil {
			return nil, err
		}
		chunk, err := fileDiff(ctx, h.d, call, cur.From, cur.To, files[i])
		if err != nil {
			return nil, err
		}

		start := 0
		if i == cur.File {
			start = min(cur.Hunk, len(chunk.Hunks))
		}
		out := types.DiffChunk{Path: chunk.Path, OldPath: chunk.OldPath, Binary: chunk.Binary, Hunks: []types.DiffHunk{}}
		j := start
		for ; j < len(chunk.Hunks); j++ {
			if err := call.checkpoint(); err != nil {
				return nil, err
			}
			if hunksUsed >= p.MaxHunks {
				break
			}
			size, err := cache.JSONSize(chunk.Hunks[j])
			if err != nil {
				return nil, err
			}
			if bytesUsed+size > int64(p.MaxBytes) {
				if hunksUsed == 0 {
					return nil, errors.BudgetExceeded(fmt.Sprintf("hunk %d of %s needs %d bytes, max_bytes is %d", j, chunk.Path, size, p.MaxBytes))
				}
				break
			}
			bytesUsed += size
			hunksUsed++
			out.Hunks = append(out.Hunks, chunk.Hunks[j])
		}

		if len(out.Hunks) > 0 || start == len(chunk.Hunks) {
			if err := call.Emit.Emit(ctx, out); err != nil {
				return nil, err
			}
		}
		if j < len(chunk.Hunks) {
			next := cur
			next.File, next.Hunk = i, j
			summary.HasMore = true
			if summary.NextCursor, err = utils.EncodeCursor(next); err != nil {
				return nil, err
			}
			return summary, nil
		}
	}
	return summary, nil
}

func sideName(rev string) string {
	if rev == git.Worktree {
		return "the working tree"
	}
	return rev
}

// fileDiff is the full hunk list of one changed file.
func fileDiff(ctx context.Context, d *Deps, call *Call, from, to string, fc types.FileChange) (types.DiffChunk, error) {
	key := fmt.Sprintf("%s..%s:%s<%s", from, to, fc.Path, fc.OldPath)
	return cached(ctx, d, call, string(types.KindDiffContent), key, func(ctx context.Context) (types.DiffChunk, error) {
		res, err := d.Backend.DiffFile(ctx, call.Params.Repo(), from, to, git.FileChange{
			Path:    fc.Path,
			OldPath: fc.OldPath,
			Kind:    git.ChangeKind(fc.ChangeType),
		})
		if err != nil {
			return types.DiffChunk{}, err
		}
		chunk := types.DiffChunk{Path: fc.Path, OldPath: fc.OldPath, Binary: res.Binary || fc.Binary, Hunks: []types.DiffHunk{}}
		if chunk.Binary {
			return chunk, nil
		}
		for _, hk := range res.Hunks {
			chunk.Hunks = append(chunk.Hunks, diffHunk(hk))
		}
		return chunk, nil
	})
}

func diffHunk(h diff.Hunk) types.DiffHunk {
	out := types.DiffHunk{
		OldRange: types.Range{Start: h.OldStart, Count: h.OldLines},
		NewRange: types.Range{Start: h.NewStart, Count: h.NewLines},
		Header:   h.Header(),
		Lines:    make([]types.DiffLine, 0, len(h.Lines)),
	}
	for _, l := range h.Lines {
		line := types.DiffLine{LineType: types.DiffLineType(l.Type.String()), Content: l.Content}
		if l.OldNum > 0 {
			n := l.OldNum
			line.OldLine = &n
		}
		if l.NewNum > 0 {
			n := l.NewNum
			line.NewLine = &n
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}
