// Package server exposes the HTTP surface: the tool dispatcher, the scan
// API, consent logging, role elevation, and health.
package server

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/db"
	"github.com/escanlabs/escan/internal/logging"
	"github.com/escanlabs/escan/internal/ratelimit"
	"github.com/escanlabs/escan/internal/scan"
	"github.com/escanlabs/escan/internal/session"
	"github.com/escanlabs/escan/internal/tools"
	"github.com/escanlabs/escan/internal/validate"
)

var scanAPIQuota = ratelimit.Quota{Limit: 10, Window: time.Minute}

// Server wires the HTTP handlers over the runtime components.
type Server struct {
	Runtime      *tools.Runtime
	Sessions     *session.Store
	Orchestrator *scan.Orchestrator
	Limiter      *ratelimit.Limiter
	DB           *sql.DB // optional
	AdminKey     string
	Clock        func() time.Time
	Logger       *zap.Logger

	AllowedOrigins []string
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", tools.AdminKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/api/agent", s.Runtime)
	r.Get("/api/scan", s.handleScan)
	r.Post("/api/scan", s.handleScan)
	r.Post("/api/consent", s.handleConsent)
	r.Post("/api/elevate", s.handleElevate)
	r.Get("/healthz", s.handleHealth)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.Clock()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Info("http request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(ww.Status()),
			zap.Int64("durationMs", s.Clock().Sub(start).Milliseconds()),
		)
	})
}

type scanRequest struct {
	URL            string `json:"url"`
	Type           string `json:"type"`
	Mode           string `json:"mode"`
	SuperAdminMode bool   `json:"superAdminMode"`
	AdminKey       string `json:"adminKey"`
}

type scanResponse struct {
	URL      string         `json:"url"`
	Mode     string         `json:"mode"`
	Score    int            `json:"score"`
	Findings []scan.Finding `json:"findings"`
}

// handleScan validates the target, fans out the selected scan types, and
// records the result on the session.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	rec, cookie, consent := s.Sessions.GetOrCreate(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	req, ok := s.parseScanRequest(w, r)
	if !ok {
		return
	}

	elevated := rec.Elevated() || (req.SuperAdminMode && s.adminKeyOK(req.AdminKey))
	mode := scan.ModeFromString(req.Mode)
	if elevated {
		mode = scan.ModeSuperAdmin
	}

	limit := s.Limiter.Check(r.Context(), "scan_api:"+clientIP(r), scanAPIQuota)
	if !limit.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(limit.RetryAfter(s.Clock())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate-limited"})
		return
	}

	res := validate.Validate(req.URL, validate.Options{SuperAdmin: elevated})
	if !res.OK {
		s.Logger.Info("scan target rejected",
			logging.Code(res.Code), logging.SessionID(rec.ID))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   res.Code,
			"message": res.Message,
		})
		return
	}

	var types []string
	if req.Type != "" {
		types = []string{req.Type}
	}
	findings := s.Orchestrator.Run(r.Context(), scan.Request{
		URL:   res.Normalized,
		Host:  res.Host,
		Mode:  mode,
		Types: types,
	})

	summary := session.ScanSummary{
		URL:       res.Normalized,
		Timestamp: s.Clock(),
		Mode:      string(mode),
		Findings:  len(findings),
		Critical:  scan.CountCritical(findings),
		Score:     scan.Score(findings),
	}
	if err := s.Sessions.AddScan(r.Context(), rec, summary, consent); err != nil {
		s.Logger.Warn("failed to record scan", logging.SessionID(rec.ID), zap.Error(err))
	}
	if s.DB != nil && (consent.Analytics || consent.Research) {
		if err := db.InsertScanEvent(s.DB, rec.ID, summary.URL, summary.Mode,
			summary.Findings, summary.Critical, summary.Timestamp.UnixMilli()); err != nil {
			s.Logger.Warn("failed to log scan event", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, scanResponse{
		URL:      res.Normalized,
		Mode:     string(mode),
		Score:    summary.Score,
		Findings: findings,
	})
}

func (s *Server) parseScanRequest(w http.ResponseWriter, r *http.Request) (scanRequest, bool) {
	var req scanRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.URL = q.Get("url")
		req.Type = q.Get("type")
		req.Mode = q.Get("mode")
		req.SuperAdminMode = q.Get("superAdminMode") == "true" || q.Get("superAdminMode") == "1"
		req.AdminKey = q.Get("adminKey")
		return req, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<14)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid-json"})
		return req, false
	}
	return req, true
}

type consentRequest struct {
	Essential bool `json:"essential"`
	Analytics bool `json:"analytics"`
	Research  bool `json:"research"`
	Marketing bool `json:"marketing"`
}

// handleConsent logs a consent decision to the relational store. This
// endpoint requires durability; without a DB it reports no-db rather than
// pretending success.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	rec, cookie, _ := s.Sessions.GetOrCreate(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	if s.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no-db"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<12)
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid-json"})
		return
	}

	id, err := db.InsertConsent(s.DB, db.ConsentRecord{
		SessionID: rec.ID,
		Essential: req.Essential,
		Analytics: req.Analytics,
		Research:  req.Research,
		Marketing: req.Marketing,
		CreatedAt: s.Clock().UnixMilli(),
	})
	if err != nil {
		s.Logger.Error("failed to insert consent", logging.SessionID(rec.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage-failure"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

// handleElevate grants the super-admin role against the shared admin key
// and mints the role cookie.
func (s *Server) handleElevate(w http.ResponseWriter, r *http.Request) {
	rec, cookie, _ := s.Sessions.GetOrCreate(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	if !s.adminKeyOK(r.Header.Get(tools.AdminKeyHeader)) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}

	s.Sessions.Elevate(rec)
	http.SetCookie(w, s.Sessions.MintRoleCookie())
	s.Logger.Info("session elevated", logging.SessionID(rec.ID), logging.RemoteIP(clientIP(r)))

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": string(session.RoleSuperAdmin)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) adminKeyOK(supplied string) bool {
	if s.AdminKey == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.AdminKey)) == 1
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
