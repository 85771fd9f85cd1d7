// Package query holds the per-operation handlers. Each handler turns typed
// params into a bounded DTO, going through the cache table for every
// sub-result and falling back to the git backend on a miss.
package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"repolens/internal/cache"
	"repolens/internal/cancel"
	"repolens/internal/errors"
	"repolens/internal/fingerprint"
	"repolens/internal/git"
	"repolens/internal/logging"
	"repolens/internal/storage"
	"repolens/internal/validation"
	"repolens/shared/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("repolens/query")

// Emitter delivers one stream chunk. It fails once the request is
// cancelled, and the handler must stop then.
type Emitter interface {
	Emit(ctx context.Context, data any) error
}

// Call is one request as seen by a handler.
type Call struct {
	ID          string
	Params      types.Params
	Fingerprint fingerprint.Fingerprint
	Token       *cancel.Token
	// Emit is set for streaming kinds only.
	Emit Emitter
}

// checkpoint reports the token's cancellation cause, if any.
func (c *Call) checkpoint() error {
	if c.Token == nil {
		return nil
	}
	return c.Token.Err()
}

type Handler interface {
	Kind() types.Kind
	Streaming() bool
	Execute(ctx context.Context, call *Call) (any, error)
}

// Deps are shared by every handler. Cache and Store may be nil.
type Deps struct {
	Backend git.Backend
	Cache   *cache.Table
	Store   *storage.SnapshotStore
	Logger  *logging.Logger
}

type Registry struct {
	deps     *Deps
	handlers map[types.Kind]Handler
}

func NewRegistry(deps *Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	r := &Registry{deps: deps, handlers: make(map[types.Kind]Handler)}
	for _, h := range []Handler{
		&statusHandler{deps},
		&logHandler{deps},
		&graphHandler{deps},
		&showCommitHandler{deps},
		&diffSummaryHandler{deps},
		&diffContentHandler{deps},
		&blameHandler{deps},
		&branchesHandler{deps},
		&tagsHandler{deps},
		&remotesHandler{deps},
	} {
		r.handlers[h.Kind()] = h
	}
	return r
}

func (r *Registry) Lookup(kind types.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the registered kinds in name order.
func (r *Registry) Kinds() []types.Kind {
	kinds := make([]types.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Fingerprint computes the repository state a request is served against.
func (r *Registry) Fingerprint(ctx context.Context, repo string) (fingerprint.Fingerprint, error) {
	ctx, span := tracer.Start(ctx, "git.fingerprint",
		trace.WithAttributes(attribute.String("repo.path", repo)))
	fp, err := r.deps.Backend.Fingerprint(ctx, repo)
	endSpan(span, err)
	if err != nil {
		return fingerprint.Fingerprint{}, Classify(err, repo)
	}
	return fp, nil
}

// Execute runs h inside a span and classifies its failure.
func (r *Registry) Execute(ctx context.Context, h Handler, call *Call) (any, error) {
	ctx, span := tracer.Start(ctx, "query."+string(h.Kind()),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("request.id", call.ID),
			attribute.String("repo.path", call.Params.Repo()),
			attribute.String("repo.fingerprint", call.Fingerprint.String()),
		))
	out, err := h.Execute(ctx, call)
	endSpan(span, err)
	if err != nil {
		return nil, Classify(err, call.Params.Repo())
	}
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Classify maps a backend or handler failure onto a wire error.
func Classify(err error, repo string) *errors.Error {
	if err == nil {
		return nil
	}
	if e, ok := errors.As(err); ok {
		return e
	}
	switch {
	case cancel.IsCancellation(err):
		msg := "request cancelled"
		if stderrors.Is(err, cancel.ErrTimeout) {
			msg = "request timed out"
		}
		return errors.Wrap(errors.CodeCancelled, err, msg)
	case stderrors.Is(err, git.ErrRepoNotFound):
		return errors.Wrap(errors.CodeRepoNotFound, err, fmt.Sprintf("no git repository at %s", repo))
	case stderrors.Is(err, git.ErrRefNotFound), stderrors.Is(err, git.ErrPathNotFound):
		return errors.Wrap(errors.CodeNotFound, err, err.Error())
	}
	return errors.Internal(err)
}

// cached runs compute through the cache table and, when configured, the
// persistent snapshot tier. Both are keyed by the call's fingerprint.
func cached[T any](ctx context.Context, d *Deps, call *Call, kind, key string, compute func(context.Context) (T, error)) (T, error) {
	repo := call.Params.Repo()
	fp := call.Fingerprint
	fill := func(ctx context.Context) (T, error) {
		ctx, span := tracer.Start(ctx, "cache.fill", trace.WithAttributes(
			attribute.String("cache.kind", kind),
			attribute.String("cache.key", key),
		))
		v, err := load(ctx, d, repo, kind, key, fp, compute)
		endSpan(span, err)
		return v, err
	}
	if d.Cache == nil {
		return fill(ctx)
	}
	return cache.Get(ctx, d.Cache, cache.Key{Kind: kind, Repo: repo, Key: key}, fp, fill)
}

func load[T any](ctx context.Context, d *Deps, repo, kind, key string, fp fingerprint.Fingerprint, compute func(context.Context) (T, error)) (T, error) {
	var v T
	if d.Store != nil {
		ok, err := d.Store.Load(repo, kind, key, fp, &v)
		if err != nil {
			d.Logger.Warn("snapshot load failed", zap.String("kind", kind), zap.Error(err))
		} else if ok {
			return v, nil
		}
	}
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if d.Store != nil {
		if err := d.Store.Store(repo, kind, key, fp, v); err != nil {
			d.Logger.Warn("snapshot store failed", zap.String("kind", kind), zap.Error(err))
		}
	}
	return v, nil
}

func commitSummary(c git.Commit) types.CommitSummary {
	parents := c.Parents
	if parents == nil {
		parents = []string{}
	}
	return types.CommitSummary{
		ID:          c.ID,
		Message:     c.Summary(),
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		Time:        c.Time,
		Parents:     parents,
	}
}

func fileChange(c git.FileChange) types.FileChange {
	return types.FileChange{
		Path:       c.Path,
		ChangeType: types.ChangeType(c.Kind),
		Additions:  c.Additions,
		Deletions:  c.Deletions,
		OldPath:    c.OldPath,
		Binary:     c.Binary,
	}
}

// cursorIDs checks that revisions carried in a cursor are full object ids.
// Cursors only ever hold ids resolved by an earlier page.
func cursorIDs(ids ...string) error {
	for _, id := range ids {
		if !git.IsOID(id) {
			return fmt.Errorf("%q is not an object id", id)
		}
	}
	return nil
}

func badCursor(err error) *errors.Error {
	return errors.ValidationError("invalid cursor", []validation.FieldError{{
		Field:  "cursor",
		Reason: err.Error(),
	}})
}
