// Package cache implements the fingerprint-validated query cache: a byte
// bounded LRU table with single-flight computation and scoped invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"repolens/internal/cancel"
	"repolens/internal/fingerprint"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// historySize bounds how many invalidations are remembered for in-flight
// computations. A computation older than the window never inserts.
const historySize = 64

// maxAttempts bounds how often a waiter restarts a flight whose leader was
// cancelled.
const maxAttempts = 3

// Key addresses one cached value.
type Key struct {
	Kind string
	Repo string
	Key  string
}

func (k Key) String() string {
	return k.Kind + "\x00" + k.Repo + "\x00" + k.Key
}

// Scope selects entries to invalidate. Empty fields match everything.
type Scope struct {
	Kind string `json:"kind,omitempty"`
	Repo string `json:"repo,omitempty"`
}

func (s Scope) Matches(k Key) bool {
	return (s.Kind == "" || s.Kind == k.Kind) && (s.Repo == "" || s.Repo == k.Repo)
}

// Entry is a snapshot of one cached value's bookkeeping.
type Entry struct {
	Key         Key
	Fingerprint fingerprint.Fingerprint
	Value       any
	SizeBytes   int64
	LastAccess  time.Time
	InsertedAt  time.Time
}

type Stats struct {
	Entries       int   `json:"entries"`
	Bytes         int64 `json:"bytes"`
	MaxBytes      int64 `json:"max_bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Stale         int64 `json:"stale"`
	Computes      int64 `json:"computes"`
	Evictions     int64 `json:"evictions"`
	Oversize      int64 `json:"oversize"`
	Invalidations int64 `json:"invalidations"`
	Discarded     int64 `json:"discarded"`
}

type Options struct {
	MaxBytes   int64
	MaxEntries int
	// Sizer reports a value's size in bytes. Defaults to its JSON length.
	Sizer func(any) (int64, error)
	Now   func() time.Time
}

type invalidation struct {
	gen   uint64
	scope Scope
}

// Table is safe for concurrent use. Bookkeeping runs under one short
// critical section; computations are serialised per (key, fingerprint) only.
type Table struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[Key, *Entry]
	totalBytes int64
	maxBytes   int64
	stats      Stats
	gen        uint64
	history    []invalidation

	group   singleflight.Group
	waiting atomic.Int64

	sizer func(any) (int64, error)
	now   func() time.Time
}

func New(opts Options) (*Table, error) {
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache: max bytes must be positive")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 100000
	}
	if opts.Sizer == nil {
		opts.Sizer = JSONSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Table{
		maxBytes: opts.MaxBytes,
		sizer:    opts.Sizer,
		now:      opts.Now,
	}
	lru, err := simplelru.NewLRU[Key, *Entry](opts.MaxEntries, func(_ Key, e *Entry) {
		t.totalBytes -= e.SizeBytes
	})
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	t.lru = lru
	return t, nil
}

// JSONSize measures a value by its encoded length.
func JSONSize(v any) (int64, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return int64(len(raw)), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Lookup returns the value for key when it was computed against fp.
func (t *Table) Lookup(key Key, fp fingerprint.Fingerprint) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(key, fp)
}

func (t *Table) lookupLocked(key Key, fp fingerprint.Fingerprint) (any, bool) {
	e, ok := t.lru.Peek(key)
	if !ok {
		t.stats.Misses++
		return nil, false
	}
	if e.Fingerprint != fp {
		// A stale entry can never be served again; it must not hold its
		// place in recency order either.
		t.lru.Remove(key)
		t.stats.Stale++
		t.stats.Misses++
		return nil, false
	}
	t.lru.Get(key)
	e.LastAccess = t.now()
	t.stats.Hits++
	return e.Value, true
}

// GetOrCompute returns the cached value for (key, fp) or runs compute once
// for all concurrent callers asking for the same pair. A compute failure
// reaches every waiter and inserts nothing.
func (t *Table) GetOrCompute(ctx context.Context, key Key, fp fingerprint.Fingerprint, compute func(context.Context) (any, error)) (any, error) {
	if v, ok := t.Lookup(key, fp); ok {
		return v, nil
	}

	flightKey := key.String() + "\x00" + fp.Key()
	for attempt := 1; ; attempt++ {
		ch := t.group.DoChan(flightKey, func() (any, error) {
			return t.fill(ctx, key, fp, compute)
		})

		t.waiting.Add(1)
		select {
		case res := <-ch:
			t.waiting.Add(-1)
			if res.Err != nil && res.Shared && attempt < maxAttempts &&
				cancel.IsCancellation(res.Err) && ctx.Err() == nil {
				// The leader was cancelled; this caller still wants the value.
				continue
			}
			return res.Val, res.Err
		case <-ctx.Done():
			t.waiting.Add(-1)
			return nil, fmt.Errorf("waiting for %s: %w", key.Kind, context.Cause(ctx))
		}
	}
}

func (t *Table) fill(ctx context.Context, key Key, fp fingerprint.Fingerprint, compute func(context.Context) (any, error)) (value any, err error) {
	t.mu.Lock()
	// A previous flight for this pair may have landed between Lookup and DoChan.
	if e, ok := t.lru.Peek(key); ok && e.Fingerprint == fp {
		t.lru.Get(key)
		e.LastAccess = t.now()
		t.mu.Unlock()
		return e.Value, nil
	}
	startGen := t.gen
	t.stats.Computes++
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("computing %s: panic: %v", key.Kind, r)
		}
	}()

	value, err = compute(ctx)
	if err != nil {
		return nil, err
	}

	size, sizeErr := t.sizer(value)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case sizeErr != nil:
		t.stats.Oversize++
	case size > t.maxBytes:
		t.stats.Oversize++
	case t.invalidatedSinceLocked(startGen, key):
		t.stats.Discarded++
	default:
		t.insertLocked(key, fp, value, size)
	}
	return value, nil
}

func (t *Table) insertLocked(key Key, fp fingerprint.Fingerprint, value any, size int64) {
	now := t.now()
	// Remove first so the byte total never counts the superseded entry twice.
	t.lru.Remove(key)

	if evicted := t.lru.Add(key, &Entry{
		Key:         key,
		Fingerprint: fp,
		Value:       value,
		SizeBytes:   size,
		LastAccess:  now,
		InsertedAt:  now,
	}); evicted {
		t.stats.Evictions++
	}
	t.totalBytes += size

	for t.totalBytes > t.maxBytes {
		if _, _, ok := t.lru.RemoveOldest(); !ok {
			break
		}
		t.stats.Evictions++
	}
}

func (t *Table) invalidatedSinceLocked(startGen uint64, key Key) bool {
	if t.gen == startGen {
		return false
	}
	if len(t.history) > 0 && t.history[0].gen > startGen+1 {
		return true
	}
	for _, inv := range t.history {
		if inv.gen > startGen && inv.scope.Matches(key) {
			return true
		}
	}
	return false
}

// Invalidate drops every entry under scope and prevents computations that
// started earlier from inserting into it. It returns the number removed.
func (t *Table) Invalidate(scope Scope) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, k := range t.lru.Keys() {
		if scope.Matches(k) {
			t.lru.Remove(k)
			removed++
		}
	}

	t.gen++
	t.history = append(t.history, invalidation{gen: t.gen, scope: scope})
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}
	t.stats.Invalidations++
	return removed
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Entries = t.lru.Len()
	s.Bytes = t.totalBytes
	s.MaxBytes = t.maxBytes
	return s
}

// Entries lists the cached entries from least to most recently used.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, t.lru.Len())
	for _, k := range t.lru.Keys() {
		if e, ok := t.lru.Peek(k); ok {
			out = append(out, *e)
		}
	}
	return out
}

// Waiting reports callers currently blocked on a computation.
func (t *Table) Waiting() int {
	return int(t.waiting.Load())
}

// Get is the typed form of GetOrCompute.
func Get[T any](ctx context.Context, t *Table, key Key, fp fingerprint.Fingerprint, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := t.GetOrCompute(ctx, key, fp, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %s holds %T, want %T", key.Kind, v, zero)
	}
	return typed, nil
}
