package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/escanlabs/escan/internal/kv"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *kv.Memory, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryWithClock(clock.Now)
	s := NewStore(Options{
		SessionSecret: []byte("session-secret"),
		RoleSecret:    []byte("role-secret"),
		KV:            store,
		Clock:         clock.Now,
	})
	t.Cleanup(s.Close)
	return s, store, clock
}

func request(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest("POST", "/api/agent", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func TestGetOrCreate_NewSession(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, cookie, consent := s.GetOrCreate(request())
	if rec == nil || rec.ID == "" {
		t.Fatal("expected a fresh record")
	}
	if cookie == nil {
		t.Fatal("expected a Set-Cookie for a fresh session")
	}
	if cookie.Name != SessionCookieName || !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("unexpected cookie attributes: %+v", cookie)
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite=Lax, got %v", cookie.SameSite)
	}
	if consent.Analytics || consent.Research {
		t.Error("expected consent to fail closed with no cc_prefs cookie")
	}
}

func TestGetOrCreate_RoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec1, cookie, _ := s.GetOrCreate(request())

	rec2, cookie2, _ := s.GetOrCreate(request(&http.Cookie{Name: cookie.Name, Value: cookie.Value}))
	if rec2.ID != rec1.ID {
		t.Errorf("expected same session on replay, got %s != %s", rec2.ID, rec1.ID)
	}
	if cookie2 != nil {
		t.Error("expected no new Set-Cookie on replay")
	}
}

func TestGetOrCreate_TamperedCookie(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec1, cookie, _ := s.GetOrCreate(request())

	tampered := "zzzz" + cookie.Value[4:]
	rec2, cookie2, _ := s.GetOrCreate(request(&http.Cookie{Name: SessionCookieName, Value: tampered}))
	if rec2.ID == rec1.ID {
		t.Error("expected tampered cookie to yield a fresh session")
	}
	if cookie2 == nil {
		t.Error("expected a Set-Cookie replacing the tampered cookie")
	}
}

func TestGetOrCreate_ExpiresAfterTTL(t *testing.T) {
	s, _, clock := newTestStore(t)

	rec1, cookie, _ := s.GetOrCreate(request())

	clock.Advance(TTL + time.Minute)

	rec2, cookie2, _ := s.GetOrCreate(request(&http.Cookie{Name: cookie.Name, Value: cookie.Value}))
	if rec2.ID == rec1.ID {
		t.Error("expected expired session to be replaced")
	}
	if cookie2 == nil {
		t.Error("expected a Set-Cookie for the replacement session")
	}
}

func TestGetOrCreate_ConsentParsed(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, _, consent := s.GetOrCreate(request(&http.Cookie{Name: ConsentCookie, Value: "e:1|a:1|r:0|m:0"}))
	if !consent.Essential || !consent.Analytics {
		t.Errorf("expected essential+analytics, got %+v", consent)
	}
	if consent.Research || consent.Marketing {
		t.Errorf("expected research and marketing off, got %+v", consent)
	}
}

func TestParseConsent_FailsClosed(t *testing.T) {
	for _, raw := range []string{"", "garbage", "a:", "a:yes", "a;1", ":1", "x:1"} {
		c := ParseConsent(raw)
		if c.Analytics || c.Research || c.Essential || c.Marketing {
			t.Errorf("ParseConsent(%q): expected all false, got %+v", raw, c)
		}
	}

	c := ParseConsent("a:1|r:1")
	if !c.Analytics || !c.Research {
		t.Errorf("expected analytics+research, got %+v", c)
	}
}

func TestAddScan_BoundedHistory(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	rec, _, _ := s.GetOrCreate(request())

	for i := 0; i < 8; i++ {
		_ = s.AddScan(ctx, rec, ScanSummary{
			URL:       fmt.Sprintf("https://example.com/%d", i),
			Timestamp: clock.Now(),
			Mode:      "standard",
		}, Consent{})
		clock.Advance(time.Second)
	}

	if len(rec.Scans) != 5 {
		t.Fatalf("expected scan list capped at 5, got %d", len(rec.Scans))
	}
	// Oldest evicted first: entries 3..7 remain.
	if rec.Scans[0].URL != "https://example.com/3" {
		t.Errorf("expected oldest surviving entry /3, got %s", rec.Scans[0].URL)
	}
	if rec.Scans[4].URL != "https://example.com/7" {
		t.Errorf("expected newest entry /7 last, got %s", rec.Scans[4].URL)
	}
}

func TestAddScan_ConsentGatesPersistence(t *testing.T) {
	s, store, clock := newTestStore(t)
	ctx := context.Background()

	rec, _, _ := s.GetOrCreate(request())
	meta := ScanSummary{
		URL:       "https://example.com",
		Timestamp: clock.Now(),
		Mode:      "standard",
		Findings:  3,
		Country:   "NL",
		UAHash:    "abcd1234",
	}

	// No consent: zero durable writes.
	if err := s.AddScan(ctx, rec, meta, Consent{}); err != nil {
		t.Fatalf("addScan: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no durable writes without consent, got %d", store.Len())
	}

	// Analytics consent: one write, research-only fields stripped.
	clock.Advance(time.Second)
	meta.Timestamp = clock.Now()
	if err := s.AddScan(ctx, rec, meta, Consent{Analytics: true}); err != nil {
		t.Fatalf("addScan: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one durable write with analytics consent, got %d", store.Len())
	}
	packet := readPacket(t, store, rec.ID)
	if packet.Country != "" || packet.UAHash != "" {
		t.Errorf("expected research-only fields stripped, got %+v", packet)
	}
	if packet.URL != meta.URL || packet.Findings != meta.Findings {
		t.Errorf("expected core fields persisted, got %+v", packet)
	}

	// Research consent: research-only fields included.
	clock.Advance(time.Second)
	meta.Timestamp = clock.Now()
	if err := s.AddScan(ctx, rec, meta, Consent{Research: true}); err != nil {
		t.Fatalf("addScan: %v", err)
	}
	packet = readPacket(t, store, rec.ID)
	if packet.Country != "NL" || packet.UAHash != "abcd1234" {
		t.Errorf("expected research fields persisted, got %+v", packet)
	}
}

func readPacket(t *testing.T, store *kv.Memory, sessionID string) ScanSummary {
	t.Helper()

	var latest string
	for _, k := range store.Keys() {
		if strings.HasPrefix(k, "scan:"+sessionID+":") && k > latest {
			latest = k
		}
	}
	if latest == "" {
		t.Fatal("no persisted scan packet found")
	}
	raw, _, err := store.Get(context.Background(), latest)
	if err != nil {
		t.Fatalf("get packet: %v", err)
	}
	var packet ScanSummary
	if err := json.Unmarshal([]byte(raw), &packet); err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	return packet
}

func TestAddScan_TruncatesURL(t *testing.T) {
	s, _, clock := newTestStore(t)

	rec, _, _ := s.GetOrCreate(request())
	long := "https://example.com/" + strings.Repeat("a", 400)
	_ = s.AddScan(context.Background(), rec, ScanSummary{URL: long, Timestamp: clock.Now()}, Consent{})

	if len(rec.Scans[0].URL) != 200 {
		t.Errorf("expected URL truncated to 200 chars, got %d", len(rec.Scans[0].URL))
	}
}

func TestElevateAndRoleCookie(t *testing.T) {
	s, _, clock := newTestStore(t)

	rec, sessionCookie, _ := s.GetOrCreate(request())
	if rec.Elevated() {
		t.Fatal("expected fresh session to be unelevated")
	}

	s.Elevate(rec)
	if !rec.Elevated() {
		t.Fatal("expected elevation to take effect")
	}

	roleCookie := s.MintRoleCookie()
	if roleCookie.Name != RoleCookieName || !roleCookie.HttpOnly || !roleCookie.Secure {
		t.Errorf("unexpected role cookie attributes: %+v", roleCookie)
	}

	// Role survives a session-store reset via the role cookie.
	s2 := NewStore(Options{
		SessionSecret: []byte("session-secret"),
		RoleSecret:    []byte("role-secret"),
		Clock:         clock.Now,
	})
	defer s2.Close()

	rec2, _, _ := s2.GetOrCreate(request(
		&http.Cookie{Name: sessionCookie.Name, Value: sessionCookie.Value},
		&http.Cookie{Name: roleCookie.Name, Value: roleCookie.Value},
	))
	if !rec2.Elevated() {
		t.Error("expected role cookie to hydrate elevation across store resets")
	}
	if rec2.ID != rec.ID {
		t.Errorf("expected session id to be re-adopted, got %s != %s", rec2.ID, rec.ID)
	}

	// But not beyond its own expiry.
	clock.Advance(RoleTTL + time.Minute)
	s3 := NewStore(Options{
		SessionSecret: []byte("session-secret"),
		RoleSecret:    []byte("role-secret"),
		Clock:         clock.Now,
	})
	defer s3.Close()

	rec3, _, _ := s3.GetOrCreate(request(
		&http.Cookie{Name: roleCookie.Name, Value: roleCookie.Value},
	))
	if rec3.Elevated() {
		t.Error("expected expired role cookie to be ignored")
	}
}

func TestGetOrCreate_ConcurrentRoleHydration(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, sessionCookie, _ := s.GetOrCreate(request())
	s.Elevate(rec)
	roleCookie := s.MintRoleCookie()

	// Concurrent requests replaying the same session and role cookies
	// hydrate the role while other requests read it for authorization.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, _, _ := s.GetOrCreate(request(
					&http.Cookie{Name: sessionCookie.Name, Value: sessionCookie.Value},
					&http.Cookie{Name: roleCookie.Name, Value: roleCookie.Value},
				))
				if !r.Elevated() {
					t.Error("expected elevation to persist under concurrent access")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestSweep(t *testing.T) {
	s, _, clock := newTestStore(t)

	s.GetOrCreate(request())
	s.GetOrCreate(request())
	if s.Len() != 2 {
		t.Fatalf("expected 2 resident sessions, got %d", s.Len())
	}

	clock.Advance(TTL + time.Minute)
	s.GetOrCreate(request())

	if n := s.Sweep(); n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 resident session after sweep, got %d", s.Len())
	}
}

func TestAppendHistory_Bounded(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, _, _ := s.GetOrCreate(request())
	for i := 0; i < 15; i++ {
		s.AppendHistory(rec, HistoryEntry{Tool: fmt.Sprintf("tool-%d", i), OK: true})
	}

	if len(rec.History) != 10 {
		t.Fatalf("expected history capped at 10, got %d", len(rec.History))
	}
	if rec.History[0].Tool != "tool-5" {
		t.Errorf("expected oldest surviving entry tool-5, got %s", rec.History[0].Tool)
	}
}
