package kv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/escanlabs/escan/internal/db"
)

// fakeClock is a manually-advanced clock for expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Error("expected missing key to be absent")
	}

	if err := m.Put(ctx, "a", "1", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, _ := m.Get(ctx, "a")
	if !ok || v != "1" {
		t.Errorf("expected value '1', got %q ok=%v", v, ok)
	}

	_ = m.Delete(ctx, "a")
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("expected deleted key to be absent")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryWithClock(clock.Now)

	_ = m.Put(ctx, "a", "1", time.Minute)

	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("expected key to be live before expiry")
	}

	clock.Advance(time.Minute)
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("expected key to be absent after expiry")
	}
	if m.Len() != 0 {
		t.Errorf("expected 0 live entries, got %d", m.Len())
	}
}

func openSQLiteStore(t *testing.T, clock func() time.Time) *SQLite {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "escan_kv_test_*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	_ = tmpFile.Close()

	database, err := db.Open(tmpFile.Name())
	if err != nil {
		_ = os.Remove(tmpFile.Name())
		t.Fatalf("open database: %v", err)
	}

	t.Cleanup(func() {
		_ = database.Close()
		_ = os.Remove(tmpFile.Name())
	})

	return NewSQLiteWithClock(database, clock)
}

func TestSQLite_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, time.Now)

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("expected missing key to be absent, ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "a", "1", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Errorf("expected value '1', got %q ok=%v err=%v", v, ok, err)
	}

	// Upsert replaces the value.
	if err := s.Put(ctx, "a", "2", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, _, _ = s.Get(ctx, "a")
	if v != "2" {
		t.Errorf("expected upserted value '2', got %q", v)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("expected deleted key to be absent")
	}
}

func TestSQLite_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	s := openSQLiteStore(t, clock.Now)

	_ = s.Put(ctx, "a", "1", time.Minute)
	_ = s.Put(ctx, "b", "2", 0)

	clock.Advance(2 * time.Minute)

	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("expected expired key to be absent")
	}
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Error("expected non-expiring key to remain")
	}

	_ = s.Put(ctx, "c", "3", time.Second)
	clock.Advance(time.Minute)

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged entry, got %d", n)
	}
}
