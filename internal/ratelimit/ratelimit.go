// Package ratelimit implements a fixed-window counter keyed by
// (tool, client identity), backed by the key-value store with an in-memory
// fallback when no store is configured or the store is failing.
//
// The check-then-decrement is not atomic across processes; under true
// concurrent bursts from one key a small number of extra requests can slip
// through. That approximation is accepted at this scale — the durable store
// is authoritative, the fallback map is single-process only.
package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/escanlabs/escan/internal/kv"
)

// Quota is a per-tool request allowance.
type Quota struct {
	Limit  int
	Window time.Duration
}

// Result reports the outcome of one rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// RetryAfter returns the seconds until the window resets, rounded up so a
// client honoring the header never retries inside the same window. Never
// less than 1 for a denied request.
func (r Result) RetryAfter(now time.Time) int {
	secs := int((r.Reset.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type bucket struct {
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"` // epoch ms when the bucket refills
}

// Limiter checks per-key fixed-window quotas.
type Limiter struct {
	store kv.Store // optional durable backing

	mu    sync.Mutex
	local map[string]bucket

	clock func() time.Time
}

// New creates a Limiter. A nil store means in-memory only.
func New(store kv.Store) *Limiter {
	return NewWithClock(store, time.Now)
}

// NewWithClock creates a Limiter with an injectable clock.
func NewWithClock(store kv.Store, clock func() time.Time) *Limiter {
	return &Limiter{
		store: store,
		local: make(map[string]bucket),
		clock: clock,
	}
}

// Check loads the bucket for key, reinitializing it when absent or past its
// reset, and consumes one request if any remain. A denied check does not
// mutate the bucket.
func (l *Limiter) Check(ctx context.Context, key string, q Quota) Result {
	now := l.clock()

	b, fromStore := l.load(ctx, key)
	if b == nil || b.Reset <= now.UnixMilli() {
		b = &bucket{Remaining: q.Limit, Reset: now.Add(q.Window).UnixMilli()}
	}

	reset := time.UnixMilli(b.Reset)
	if b.Remaining <= 0 {
		return Result{Allowed: false, Remaining: 0, Reset: reset}
	}

	b.Remaining--
	l.save(ctx, key, *b, reset.Sub(now), fromStore)

	return Result{Allowed: true, Remaining: b.Remaining, Reset: reset}
}

// load returns the current bucket and whether the durable store served it.
func (l *Limiter) load(ctx context.Context, key string) (*bucket, bool) {
	if l.store != nil {
		raw, ok, err := l.store.Get(ctx, key)
		if err == nil {
			if !ok {
				return nil, true
			}
			var b bucket
			if json.Unmarshal([]byte(raw), &b) == nil {
				return &b, true
			}
			return nil, true
		}
		// Store failing: degrade to the fallback map.
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.local[key]; ok {
		return &b, false
	}
	return nil, false
}

func (l *Limiter) save(ctx context.Context, key string, b bucket, ttl time.Duration, toStore bool) {
	if toStore && l.store != nil {
		raw, _ := json.Marshal(b)
		if err := l.store.Put(ctx, key, string(raw), ttl); err == nil {
			return
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.local[key] = b
}
