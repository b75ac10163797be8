package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is a process-local Store. It backs tests and serves as the
// fallback when no durable store is configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory store with an injectable clock
// for deterministic expiry tests.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !m.clock().Before(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.clock().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len reports the number of live (non-expired) entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	n := 0
	for _, e := range m.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			n++
		}
	}
	return n
}

// Keys returns the live keys, unordered.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			keys = append(keys, k)
		}
	}
	return keys
}
