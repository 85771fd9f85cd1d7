package query

import (
	"context"
	"fmt"

	"repolens/internal/errors"
	"repolens/shared/types"
	"repolens/shared/utils"
)

// blameChunkLines is how many lines go into one streamed blame chunk.
const blameChunkLines = 200

type blameCursor struct {
	Revision string `json:"r"`
	Offset   int    `json:"o"`
}

type blameHandler struct{ d *Deps }

func (h *blameHandler) Kind() types.Kind { return types.KindBlame }
func (h *blameHandler) Streaming() bool  { return true }

// Execute streams window_size lines of blame starting at the cursor, split
// into chunks of blameChunkLines.
func (h *blameHandler) Execute(ctx context.Context, call *Call) (any, error) {
	p := call.Params.(*types.BlameParams)

	var cur blameCursor
	resumed, err := utils.DecodeCursor(p.Cursor, &cur)
	if err != nil {
		return nil, badCursor(err)
	}
	if !resumed {
		rev := p.Revision
		if rev == "" {
			rev = "HEAD"
		}
		if rev == "HEAD" && call.Fingerprint.HeadOID == "" {
			return nil, errors.NotFound("HEAD has no commits to blame")
		}
		if cur.Revision, err = resolveRev(ctx, h.d, call, rev); err != nil {
			return nil, err
		}
	} else if err := cursorIDs(cur.Revision); err != nil {
		return nil, badCursor(err)
	}

	key := cur.Revision + ":" + p.Path
	lines, err := cached(ctx, h.d, call, string(types.KindBlame), key, func(ctx context.Context) ([]types.BlameLine, error) {
		raw, err := h.d.Backend.Blame(ctx, call.Params.Repo(), cur.Revision, p.Path)
		if err != nil {
			return nil, err
		}
		out := make([]types.BlameLine, 0, len(raw))
		for _, l := range raw {
			out = append(out, types.BlameLine{
				LineNumber:  l.LineNumber,
				CommitID:    l.CommitID,
				AuthorName:  l.AuthorName,
				AuthorEmail: l.AuthorEmail,
				Content:     l.Content,
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if cur.Offset < 0 || cur.Offset > len(lines) {
		return nil, badCursor(fmt.Errorf("offset %d outside %d lines", cur.Offset, len(lines)))
	}

	end := min(cur.Offset+p.WindowSize, len(lines))
	for start := cur.Offset; start < end; start += blameChunkLines {
		if err := call.checkpoint(); err != nil {
			return nil, err
		}
		stop := min(start+blameChunkLines, end)
		chunk := types.BlameChunk{Path: p.Path, Lines: lines[start:stop]}
		if err := call.Emit.Emit(ctx, chunk); err != nil {
			return nil, err
		}
	}

	var summary types.StreamSummary
	if end < len(lines) {
		summary.HasMore = true
		next := cur
		next.Offset = end
		if summary.NextCursor, err = utils.EncodeCursor(next); err != nil {
			return nil, err
		}
	}
	return summary, nil
}
