package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"

	"repolens/internal/engine"
	"repolens/shared/types"

	"go.uber.org/zap"
)

const (
	ndjsonContentType = "application/x-ndjson"
	unknownID         = "unknown"
)

// frameWriter writes NDJSON frames and flushes after each one.
type frameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	rc  *http.ResponseController
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	return &frameWriter{enc: json.NewEncoder(w), rc: http.NewResponseController(w)}
}

func (f *frameWriter) write(frame types.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(frame); err != nil {
		return err
	}
	if err := f.rc.Flush(); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// stream answers a registered streaming request with its chunks followed by
// the terminal response, one frame per line. A client that goes away
// cancels the request through the request context.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, call *engine.Call) {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	fw := newFrameWriter(w)
	resp := call.Run(func(_ context.Context, c *types.StreamChunk) error {
		return fw.write(types.Outbound{Chunk: c})
	})
	if err := fw.write(types.Outbound{Response: resp}); err != nil {
		h.logger.WithRequestID(r.Context()).Debug("client left before the response",
			zap.String("id", call.ID()), zap.Error(err))
	}
}
