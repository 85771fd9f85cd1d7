// Package cancel provides the per-request cancellation token shared by the
// engine and the handler task serving that request.
package cancel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrCancelled = errors.New("request cancelled")
	ErrTimeout   = errors.New("request timed out")
	ErrShutdown  = errors.New("engine shutting down")

	errReleased = errors.New("token released")
)

// Token is a cancellation flag plus a context derived from it. Handlers poll
// Cancelled at step boundaries; backend calls receive Context so blocking
// work can abort early.
type Token struct {
	id        string
	flag      atomic.Bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
	timer     *time.Timer
	stopWatch func() bool
}

// New derives a token from parent. A positive timeout raises the same flag
// as an explicit Cancel.
func New(parent context.Context, id string, timeout time.Duration) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{id: id, ctx: ctx, cancel: cancel}

	// Parent cancellation (client disconnect, server shutdown) flips the flag too.
	t.stopWatch = context.AfterFunc(parent, func() {
		t.flag.Store(true)
	})

	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			t.CancelWithCause(ErrTimeout)
		})
	}
	return t
}

func (t *Token) ID() string {
	return t.id
}

func (t *Token) Cancel() {
	t.CancelWithCause(ErrCancelled)
}

// CancelWithCause marks the token cancelled. Only the first cause is kept.
func (t *Token) CancelWithCause(cause error) {
	if t.flag.CompareAndSwap(false, true) {
		t.cancel(cause)
	}
}

func (t *Token) Cancelled() bool {
	return t.flag.Load()
}

// Err returns the cancellation cause, or nil while the token is live.
func (t *Token) Err() error {
	if !t.flag.Load() {
		return nil
	}
	if cause := context.Cause(t.ctx); cause != nil {
		return cause
	}
	return ErrCancelled
}

func (t *Token) Context() context.Context {
	return t.ctx
}

// Release retires the token once the request reached a terminal state.
func (t *Token) Release() {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stopWatch != nil {
		t.stopWatch()
	}
	t.cancel(errReleased)
}

// IsCancellation reports whether err stems from a token or context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrShutdown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
