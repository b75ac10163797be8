// Package metrics maintains process-lifetime counters for the tool runtime
// with optional snapshot persistence to the key-value store.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/escanlabs/escan/internal/kv"
)

// PersistKey is the key-value entry holding the merged snapshot.
const PersistKey = "metrics:snapshot"

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	StartedAt        int64            `json:"startedAt"` // epoch ms
	TotalCalls       int64            `json:"totalCalls"`
	TotalErrors      int64            `json:"totalErrors"`
	Calls            map[string]int64 `json:"calls"`
	Errors           map[string]int64 `json:"errors"`
	RateLimited      map[string]int64 `json:"rateLimited"`
	ValidationErrors map[string]int64 `json:"validationErrors"`
}

// Collector accumulates per-tool counters. All methods are safe for
// concurrent use.
type Collector struct {
	mu               sync.Mutex
	startedAt        time.Time
	totalCalls       int64
	totalErrors      int64
	calls            map[string]int64
	errors           map[string]int64
	rateLimited      map[string]int64
	validationErrors map[string]int64

	clock func() time.Time
}

// NewCollector creates a Collector starting now.
func NewCollector() *Collector {
	return NewCollectorWithClock(time.Now)
}

// NewCollectorWithClock creates a Collector with an injectable clock.
func NewCollectorWithClock(clock func() time.Time) *Collector {
	c := &Collector{clock: clock}
	c.reset(clock())
	return c
}

func (c *Collector) reset(now time.Time) {
	c.startedAt = now
	c.totalCalls = 0
	c.totalErrors = 0
	c.calls = make(map[string]int64)
	c.errors = make(map[string]int64)
	c.rateLimited = make(map[string]int64)
	c.validationErrors = make(map[string]int64)
}

// IncrCall counts a successful tool invocation.
func (c *Collector) IncrCall(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[tool]++
	c.totalCalls++
}

// IncrError counts a failed tool execution.
func (c *Collector) IncrError(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[tool]++
	c.totalErrors++
}

// IncrRateLimited counts a rate-limit denial.
func (c *Collector) IncrRateLimited(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited[tool]++
}

// IncrValidationError counts an input-schema rejection.
func (c *Collector) IncrValidationError(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validationErrors[tool]++
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		StartedAt:        c.startedAt.UnixMilli(),
		TotalCalls:       c.totalCalls,
		TotalErrors:      c.totalErrors,
		Calls:            copyCounts(c.calls),
		Errors:           copyCounts(c.errors),
		RateLimited:      copyCounts(c.rateLimited),
		ValidationErrors: copyCounts(c.validationErrors),
	}
}

// Reset zeroes all counters and restarts the collection window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(c.clock())
}

// LoadFrom merges a previously persisted snapshot into the collector:
// counts add, and the earliest startedAt wins. Missing snapshots are not an
// error. This favors surviving restarts over strict cross-instance
// consistency.
func (c *Collector) LoadFrom(ctx context.Context, store kv.Store) error {
	raw, ok, err := store.Get(ctx, PersistKey)
	if err != nil {
		return fmt.Errorf("load metrics snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return fmt.Errorf("parse metrics snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.StartedAt > 0 && snap.StartedAt < c.startedAt.UnixMilli() {
		c.startedAt = time.UnixMilli(snap.StartedAt)
	}
	c.totalCalls += snap.TotalCalls
	c.totalErrors += snap.TotalErrors
	mergeCounts(c.calls, snap.Calls)
	mergeCounts(c.errors, snap.Errors)
	mergeCounts(c.rateLimited, snap.RateLimited)
	mergeCounts(c.validationErrors, snap.ValidationErrors)

	return nil
}

// PersistTo writes the current snapshot to the store.
func (c *Collector) PersistTo(ctx context.Context, store kv.Store) error {
	raw, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}
	if err := store.Put(ctx, PersistKey, string(raw), 0); err != nil {
		return fmt.Errorf("persist metrics snapshot: %w", err)
	}
	return nil
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mergeCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
