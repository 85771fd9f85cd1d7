package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"repolens/internal/cancel"
	"repolens/shared/types"
)

// emitter sequences the chunks of one streaming request. It holds the most
// recent chunk back until the next one arrives, so the last chunk of a
// successful stream can be marked final.
type emitter struct {
	id    string
	token *cancel.Token
	sink  Sink
	p     *pending

	next uint64
	held *types.StreamChunk
	sent uint64
}

func (em *emitter) Emit(ctx context.Context, data any) error {
	if err := em.token.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding chunk %d: %w", em.next, err)
	}
	if em.held != nil {
		if err := em.send(ctx, em.held); err != nil {
			return err
		}
	}
	em.held = &types.StreamChunk{ID: em.id, Sequence: em.next, Data: raw}
	em.next++
	em.p.setState(StateStreaming)
	return nil
}

// flush sends the held chunk. A final flush of a stream that produced
// nothing still sends one empty final chunk.
func (em *emitter) flush(ctx context.Context, final bool) error {
	if em.held == nil {
		if !final {
			return nil
		}
		em.held = &types.StreamChunk{ID: em.id, Sequence: em.next, Data: json.RawMessage("null")}
		em.next++
	}
	chunk := em.held
	em.held = nil
	chunk.IsFinal = final
	return em.send(ctx, chunk)
}

func (em *emitter) send(ctx context.Context, chunk *types.StreamChunk) error {
	if err := em.token.Err(); err != nil {
		return err
	}
	if em.sink != nil {
		if err := em.sink(ctx, chunk); err != nil {
			em.token.CancelWithCause(fmt.Errorf("delivering chunk %d: %w", chunk.Sequence, err))
			return err
		}
	}
	em.sent++
	return nil
}
