// Package engine validates requests, tracks them while in flight and runs
// each one on its own goroutine against the query handlers.
package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"repolens/internal/cancel"
	"repolens/internal/errors"
	"repolens/internal/git"
	"repolens/internal/logging"
	"repolens/internal/query"
	"repolens/internal/validation"
	"repolens/shared/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("repolens/engine")

// State is a request's lifecycle position.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Sink receives the chunks of a streaming request in sequence order. It may
// block to apply backpressure.
type Sink func(ctx context.Context, chunk *types.StreamChunk) error

type Options struct {
	RequestTimeout time.Duration
	MaxConcurrent  int
	Logger         *logging.Logger
	Now            func() time.Time
	// RepoSeen is called with the repo path of every request that reached
	// a valid repository.
	RepoSeen       func(repo string)
}

type Engine struct {
	registry  *query.Registry
	validator *validation.Validator
	logger    *logging.Logger
	sem       *semaphore.Weighted
	timeout   time.Duration
	now       func() time.Time
	repoSeen  func(string)

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	wg      sync.WaitGroup
}

type pending struct {
	id      string
	kind    types.Kind
	token   *cancel.Token
	started time.Time
	state   atomic.Value // State
}

func (p *pending) setState(s State) { p.state.Store(s) }

func (p *pending) State() State {
	s, _ := p.state.Load().(State)
	return s
}

func New(registry *query.Registry, validator *validation.Validator, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		registry:  registry,
		validator: validator,
		logger:    opts.Logger.Named("engine"),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:   opts.RequestTimeout,
		now:       opts.Now,
		repoSeen:  opts.RepoSeen,
		pending:   make(map[string]*pending),
	}
}

// Call is a request that passed Start. Run must be called exactly once.
type Call struct {
	e       *Engine
	id      string
	kind    types.Kind
	params  types.Params
	handler query.Handler
	p       *pending
	// early is the terminal response of a request rejected by Start.
	early *types.Response
}

func (c *Call) ID() string { return c.id }

// Registered reports whether the request entered the pending table.
func (c *Call) Registered() bool { return c.p != nil }

// Start validates req and registers it as pending. It never blocks on
// handler work, so a transport can register a request before reading the
// next frame.
func (e *Engine) Start(ctx context.Context, req *types.Request) *Call {
	call := &Call{e: e, id: req.ID, kind: req.Payload.Kind}
	reject := func(err *errors.Error) *Call {
		call.early = types.Failure(req.ID, err)
		e.logger.WithRequestID(logging.ContextWithRequestID(ctx, req.ID)).Debug("request rejected",
			zap.String("kind", string(req.Payload.Kind)),
			zap.String("code", string(err.Code)),
			zap.String("reason", err.Message),
		)
		return call
	}

	if err := e.validator.Envelope(req); err != nil {
		return reject(err)
	}
	if e.inFlight(req.ID) {
		return reject(errors.DuplicateRequestID(req.ID))
	}
	params, known, err := types.DecodeParams(req.Payload.Kind, req.Payload.Params)
	if !known {
		return reject(errors.UnknownOperation(string(req.Payload.Kind)))
	}
	if err != nil {
		return reject(errors.ValidationError(fmt.Sprintf("invalid %s parameters: %v", req.Payload.Kind, err), nil))
	}
	if verr := e.validator.Params(params); verr != nil {
		return reject(verr)
	}
	params.SetRepo(git.CanonicalPath(params.Repo()))
	handler, ok := e.registry.Lookup(req.Payload.Kind)
	if !ok {
		return reject(errors.UnknownOperation(string(req.Payload.Kind)))
	}
	call.params, call.handler = params, handler

	p := &pending{
		id:      req.ID,
		kind:    req.Payload.Kind,
		token:   cancel.New(ctx, req.ID, e.timeout),
		started: e.now(),
	}
	p.setState(StateValidated)

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		p.token.Release()
		return reject(errors.Cancelled("engine is shutting down"))
	case e.pending[req.ID] != nil:
		e.mu.Unlock()
		p.token.Release()
		return reject(errors.DuplicateRequestID(req.ID))
	}
	e.pending[req.ID] = p
	e.wg.Add(1)
	e.mu.Unlock()

	call.p = p
	return call
}

func (e *Engine) inFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Dispatch runs a request to completion and returns its terminal response.
func (e *Engine) Dispatch(ctx context.Context, req *types.Request, sink Sink) *types.Response {
	return e.Start(ctx, req).Run(sink)
}

// Run executes the handler and returns the terminal response. Chunks of a
// streaming request go to sink before Run returns.
func (c *Call) Run(sink Sink) *types.Response {
	if c.early != nil {
		return c.early
	}
	e, p := c.e, c.p
	defer e.finish(p)

	ctx := logging.ContextWithRequestID(p.token.Context(), c.id)
	log := e.logger.WithRequestID(ctx)
	ctx, span := tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("request.id", c.id),
		attribute.String("request.kind", string(c.kind)),
	))

	resp := c.execute(ctx, sink)

	state := StateCompleted
	if err := resp.Err(); err != nil {
		state = StateFailed
		if err.Code == errors.CodeCancelled {
			state = StateCancelled
		}
		span.SetStatus(codes.Error, err.Message)
		span.SetAttributes(attribute.String("error.code", string(err.Code)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	p.setState(state)

	fields := []zap.Field{
		zap.String("kind", string(c.kind)),
		zap.String("state", string(state)),
		zap.Duration("duration", e.now().Sub(p.started)),
	}
	if err := resp.Err(); err != nil {
		fields = append(fields, zap.String("code", string(err.Code)), zap.String("error", err.Message))
	}
	log.Debug("request finished", fields...)
	return resp
}

func (c *Call) execute(ctx context.Context, sink Sink) *types.Response {
	e, p := c.e, c.p
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return c.cancelled()
	}
	defer e.sem.Release(1)
	p.setState(StateDispatched)

	fp, err := e.registry.Fingerprint(ctx, c.params.Repo())
	if err != nil {
		if p.token.Cancelled() {
			return c.cancelled()
		}
		return types.Failure(c.id, query.Classify(err, c.params.Repo()))
	}
	if e.repoSeen != nil {
		e.repoSeen(c.params.Repo())
	}

	em := &emitter{id: c.id, token: p.token, sink: sink, p: p}
	qc := &query.Call{ID: c.id, Params: c.params, Fingerprint: fp, Token: p.token}
	if c.handler.Streaming() {
		qc.Emit = em
	}

	result, err := e.registry.Execute(ctx, c.handler, qc)
	if p.token.Cancelled() {
		return c.cancelled()
	}
	if err != nil {
		// chunks already produced stay valid; the held one goes out unmarked
		em.flush(ctx, false)
		return types.Failure(c.id, query.Classify(err, c.params.Repo()))
	}

	if c.handler.Streaming() {
		if err := em.flush(ctx, true); err != nil {
			if p.token.Cancelled() {
				return c.cancelled()
			}
			return types.Failure(c.id, errors.Internal(err))
		}
		if summary, ok := result.(types.StreamSummary); ok {
			summary.Chunks = em.sent
			result = summary
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return types.Failure(c.id, errors.Internal(fmt.Errorf("encoding %s result: %w", c.kind, err)))
	}
	if p.token.Cancelled() {
		return c.cancelled()
	}
	return types.OK(c.id, c.kind, data)
}

func (c *Call) cancelled() *types.Response {
	cause := c.p.token.Err()
	msg := "request cancelled"
	switch {
	case cause == nil:
	case stderrors.Is(cause, cancel.ErrTimeout):
		msg = fmt.Sprintf("request timed out after %s", c.e.timeout)
	case stderrors.Is(cause, cancel.ErrShutdown):
		msg = "engine is shutting down"
	}
	return types.Failure(c.id, errors.Cancelled(msg))
}

// finish removes p from the pending table and retires its token.
func (e *Engine) finish(p *pending) {
	e.mu.Lock()
	if e.pending[p.id] == p {
		delete(e.pending, p.id)
	}
	e.mu.Unlock()
	p.token.Release()
	e.wg.Done()
}

// Cancel raises the flag of the in-flight request id. Unknown ids are
// ignored; the result reports whether a request was found.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	p := e.pending[id]
	e.mu.Unlock()
	if p == nil {
		return false
	}
	p.token.Cancel()
	return true
}

// CancelAll cancels every in-flight request with cause.
func (e *Engine) CancelAll(cause error) int {
	e.mu.Lock()
	list := make([]*pending, 0, len(e.pending))
	for _, p := range e.pending {
		list = append(list, p)
	}
	e.mu.Unlock()
	for _, p := range list {
		p.token.CancelWithCause(cause)
	}
	return len(list)
}

// Shutdown rejects new requests, cancels in-flight ones and waits for them
// to produce their terminal responses.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if n := e.CancelAll(cancel.ErrShutdown); n > 0 {
		e.logger.Info("cancelling in-flight requests", zap.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight requests: %w", ctx.Err())
	}
}

// Pending lists in-flight requests, oldest first.
func (e *Engine) Pending() []types.PendingInfo {
	now := e.now()
	e.mu.Lock()
	out := make([]types.PendingInfo, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, types.PendingInfo{
			ID:        p.id,
			Kind:      p.kind,
			State:     string(p.State()),
			StartedAt: p.started.UnixMilli(),
			AgeMillis: now.Sub(p.started).Milliseconds(),
		})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Kinds lists the query kinds the engine serves.
func (e *Engine) Kinds() []types.Kind {
	return e.registry.Kinds()
}

// Streaming reports whether kind answers with chunks before its response.
func (e *Engine) Streaming(kind types.Kind) bool {
	h, ok := e.registry.Lookup(kind)
	return ok && h.Streaming()
}

func (e *Engine) Registry() *query.Registry {
	return e.registry
}
