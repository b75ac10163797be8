// Package session issues and verifies signed session cookies, tracks
// per-session scan history, gates durable persistence on consent flags, and
// supports a time-boxed super-admin role elevation.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/kv"
	"github.com/escanlabs/escan/internal/logging"
	"github.com/escanlabs/escan/internal/token"
)

const (
	// SessionCookieName carries the signed session id.
	SessionCookieName = "escan_s"
	// RoleCookieName carries the signed, expiring role elevation.
	RoleCookieName = "escan_role"

	// TTL is the inactivity window after which a session is treated as
	// absent.
	TTL = time.Hour
	// RoleTTL bounds how long an elevation survives.
	RoleTTL = time.Hour

	maxScans   = 5
	maxHistory = 10
	maxURLLen  = 200

	scanPacketTTL = 24 * time.Hour
	sweepInterval = time.Minute
)

// Role is a session privilege level.
type Role string

// RoleSuperAdmin unlocks admin-only tools and scan tiers.
const RoleSuperAdmin Role = "super-admin"

// ScanSummary is the per-scan metadata kept on the session and, with
// consent, persisted to the key-value store.
type ScanSummary struct {
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
	Findings  int       `json:"findings"`
	Critical  int       `json:"critical"`
	Score     int       `json:"score,omitempty"`
	Country   string    `json:"country,omitempty"` // research consent only
	UAHash    string    `json:"uaHash,omitempty"`  // research consent only
}

// HistoryEntry is one dispatched tool call recorded on the session.
type HistoryEntry struct {
	Tool      string    `json:"tool"`
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the in-memory state for one session. Role has its own lock:
// it is read on every dispatch for authorization, including by concurrent
// requests replaying the same cookies, while the other fields are only
// touched under the store's lock.
type Record struct {
	ID      string
	Created time.Time
	Last    time.Time
	Scans   []ScanSummary
	History []HistoryEntry

	roleMu sync.Mutex
	role   Role
}

// Elevated reports whether the record carries the super-admin role.
func (r *Record) Elevated() bool {
	r.roleMu.Lock()
	defer r.roleMu.Unlock()
	return r.role == RoleSuperAdmin
}

func (r *Record) setRole(role Role) {
	r.roleMu.Lock()
	r.role = role
	r.roleMu.Unlock()
}

// Options configures a Store.
type Options struct {
	SessionSecret []byte
	RoleSecret    []byte
	KV            kv.Store // optional; nil disables durable scan metadata
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Store owns the in-memory session map. It is a process-local cache; scan
// metadata packets in the key-value store are the only durable output.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record

	sessionSigner token.Signer
	roleSigner    token.Signer
	kv            kv.Store
	clock         func() time.Time
	logger        *zap.Logger

	done chan struct{}
	once sync.Once
}

// NewStore creates a session store.
func NewStore(opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records:       make(map[string]*Record),
		sessionSigner: token.NewSigner("session", opts.SessionSecret),
		roleSigner:    token.NewSigner("role", opts.RoleSecret),
		kv:            opts.KV,
		clock:         clock,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// GetOrCreate resolves the session for an inbound request. A valid,
// unexpired session cookie returns the existing record with a nil cookie;
// anything else (missing, malformed, tampered, expired) silently yields a
// fresh record plus the Set-Cookie to install it. Consent is parsed from
// the cc_prefs cookie, failing closed.
func (s *Store) GetOrCreate(r *http.Request) (*Record, *http.Cookie, Consent) {
	consent := s.consentFrom(r)
	now := s.clock()

	if id, ok := s.sessionIDFrom(r); ok {
		s.mu.Lock()
		rec, exists := s.records[id]
		if exists && now.Sub(rec.Last) <= TTL {
			rec.Last = now
			s.mu.Unlock()
			s.hydrateRole(rec, r)
			return rec, nil, consent
		}
		if !exists {
			// Valid signature but no record: the process restarted or the
			// record was swept. Re-adopt the id so the client keeps its
			// cookie and any role cookie still applies.
			rec = &Record{ID: id, Created: now, Last: now}
			s.records[id] = rec
			s.mu.Unlock()
			s.hydrateRole(rec, r)
			return rec, nil, consent
		}
		// Expired record under a valid cookie: discard it.
		delete(s.records, id)
		s.mu.Unlock()
	}

	rec, cookie := s.create(now)
	s.hydrateRole(rec, r)
	return rec, cookie, consent
}

func (s *Store) create(now time.Time) (*Record, *http.Cookie) {
	id, err := token.NewID()
	if err != nil {
		// crypto/rand failure is not survivable in any useful way.
		panic("session: generate id: " + err.Error())
	}

	rec := &Record{ID: id, Created: now, Last: now}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.sessionSigner.Sign(id, time.Time{}),
		Path:     "/",
		MaxAge:   int(TTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	return rec, cookie
}

func (s *Store) consentFrom(r *http.Request) Consent {
	c, err := r.Cookie(ConsentCookie)
	if err != nil {
		return Consent{}
	}
	return ParseConsent(c.Value)
}

func (s *Store) sessionIDFrom(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", false
	}
	return s.sessionSigner.Verify(c.Value, s.clock())
}

// hydrateRole applies a validly-signed, unexpired role cookie to the
// record. Elevation therefore survives session-store resets but never its
// own expiry.
func (s *Store) hydrateRole(rec *Record, r *http.Request) {
	c, err := r.Cookie(RoleCookieName)
	if err != nil {
		return
	}
	value, ok := s.roleSigner.Verify(c.Value, s.clock())
	if !ok || Role(value) != RoleSuperAdmin {
		return
	}

	rec.setRole(RoleSuperAdmin)
}

// Elevate grants the super-admin role and refreshes activity. The caller
// (the elevation endpoint) is responsible for minting the role cookie.
func (s *Store) Elevate(rec *Record) {
	rec.setRole(RoleSuperAdmin)

	s.mu.Lock()
	rec.Last = s.clock()
	s.mu.Unlock()
}

// MintRoleCookie returns the signed elevation cookie.
func (s *Store) MintRoleCookie() *http.Cookie {
	expires := s.clock().Add(RoleTTL)
	return &http.Cookie{
		Name:     RoleCookieName,
		Value:    s.roleSigner.Sign(string(RoleSuperAdmin), expires),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// AddScan appends scan metadata to the bounded in-memory list (oldest
// evicted first) and, only with analytics or research consent, persists a
// reduced packet to the key-value store. Research-only fields are stripped
// from the packet field-by-field unless research consent is granted.
func (s *Store) AddScan(ctx context.Context, rec *Record, meta ScanSummary, consent Consent) error {
	if len(meta.URL) > maxURLLen {
		meta.URL = meta.URL[:maxURLLen]
	}

	s.mu.Lock()
	rec.Scans = append(rec.Scans, meta)
	if len(rec.Scans) > maxScans {
		rec.Scans = rec.Scans[len(rec.Scans)-maxScans:]
	}
	rec.Last = s.clock()
	s.mu.Unlock()

	if s.kv == nil || !(consent.Analytics || consent.Research) {
		return nil
	}

	packet := meta
	if !consent.Research {
		packet.Country = ""
		packet.UAHash = ""
	}

	raw, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	key := "scan:" + rec.ID + ":" + strconv.FormatInt(meta.Timestamp.UnixMilli(), 10)
	if err := s.kv.Put(ctx, key, string(raw), scanPacketTTL); err != nil {
		s.logger.Warn("failed to persist scan metadata",
			logging.SessionID(rec.ID), zap.Error(err))
		return err
	}
	return nil
}

// AppendHistory records a dispatched tool call, bounded FIFO.
func (s *Store) AppendHistory(rec *Record, entry HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.History = append(rec.History, entry)
	if len(rec.History) > maxHistory {
		rec.History = rec.History[len(rec.History)-maxHistory:]
	}
	rec.Last = s.clock()
}

// Sweep evicts records idle past the TTL and returns the eviction count.
func (s *Store) Sweep() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if now.Sub(rec.Last) > TTL {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every minute until Close.
func (s *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept expired sessions", zap.Int("evicted", n))
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

// Len reports the number of resident session records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
