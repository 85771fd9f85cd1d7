// Package api exposes the engine over HTTP. Unary queries answer with one
// JSON response; streaming queries answer with NDJSON frames.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"repolens/internal/cache"
	"repolens/internal/engine"
	"repolens/internal/errors"
	"repolens/internal/logging"
	"repolens/shared/types"

	"go.uber.org/zap"
)

const maxRequestBytes = 1 << 20

type Handler struct {
	engine *engine.Engine
	logger *logging.Logger
}

func NewHandler(e *engine.Engine, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{engine: e, logger: logger.Named("api")}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/v0/requests", h.Submit)
	mux.HandleFunc("GET /api/v0/requests", h.Pending)
	mux.HandleFunc("POST /api/v0/requests/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v0/cache", h.CacheStats)
	mux.HandleFunc("DELETE /api/v0/cache", h.Invalidate)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *errors.Error) {
	writeJSON(w, err.HTTPStatus(), err)
}

// writeResponse answers a unary request; the status mirrors the error code.
func writeResponse(w http.ResponseWriter, resp *types.Response) {
	status := http.StatusOK
	if err := resp.Err(); err != nil {
		status = err.HTTPStatus()
	}
	writeJSON(w, status, resp)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": types.APIVersion,
		"kinds":   h.engine.Kinds(),
	})
}

// Submit runs one request. The body is a request envelope.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, types.Failure(unknownID, errors.Protocol("invalid request body: "+err.Error())))
		return
	}

	call := h.engine.Start(r.Context(), &req)
	if !call.Registered() || !h.engine.Streaming(req.Payload.Kind) {
		writeResponse(w, call.Run(nil))
		return
	}
	h.stream(w, r, call)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if strings.TrimSpace(id) == "" {
		writeError(w, errors.Protocol("missing request id"))
		return
	}
	found := h.engine.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "found": found})
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": h.engine.Pending()})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, enabled := h.engine.Registry().CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "stats": stats})
}

// Invalidate drops cached results; ?repo= and ?kind= narrow the scope.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	scope := cache.Scope{
		Repo: r.URL.Query().Get("repo"),
		Kind: r.URL.Query().Get("kind"),
	}
	removed, err := h.engine.Registry().Invalidate(scope)
	if err != nil {
		h.logger.WithRequestID(r.Context()).Error("invalidate failed", zap.Error(err))
		writeError(w, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "removed": removed})
}
