// Package tools implements the tool registry and the request dispatcher
// that drives it: parse, resolve, authorize, rate-limit, validate, execute,
// record.
package tools

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/kv"
	"github.com/escanlabs/escan/internal/logging"
	"github.com/escanlabs/escan/internal/metrics"
	"github.com/escanlabs/escan/internal/ratelimit"
	"github.com/escanlabs/escan/internal/session"
)

const (
	// AdminKeyHeader carries the shared admin credential.
	AdminKeyHeader = "x-admin-key"

	maxBodyBytes = 10_000
)

// Stable error codes surfaced in the response envelope.
const (
	ErrCodeInvalidJSON     = "invalid-json"
	ErrCodeInvalidBody     = "invalid-body"
	ErrCodeMissingTool     = "missing-tool"
	ErrCodeUnknownTool     = "unknown-tool"
	ErrCodeForbidden       = "forbidden"
	ErrCodeRateLimited     = "rate-limited"
	ErrCodeInvalidInput    = "invalid-input"
	ErrCodeToolError       = "tool-error"
	ErrCodePayloadTooLarge = "payload-too-large"
	ErrCodeNoDB            = "no-db"
)

// ErrNoDB is returned by tools that require relational storage when none is
// configured. It maps to a 503 rather than a generic tool-error.
var ErrNoDB = errors.New("relational storage not configured")

// InputError is returned by a tool whose own input checks fail beyond what
// the declared schema covers. The dispatcher surfaces it as
// invalid-input:<detail> instead of tool-error.
type InputError struct {
	Detail string
}

func (e *InputError) Error() string { return "invalid input: " + e.Detail }

var defaultQuota = ratelimit.Quota{Limit: 30, Window: time.Minute}

// Call is the context bundle handed to a tool's Execute.
type Call struct {
	Tool          string
	Input         map[string]any
	Session       *session.Record
	Consent       session.Consent
	Elevated      bool
	ClientIP      string
	CorrelationID string

	DB    *sql.DB
	KV    kv.Store
	Flags map[string]bool
	Clock func() time.Time

	rt *Runtime
}

// Registry exposes the runtime's registry to tools that list it.
func (c *Call) Registry() *Registry { return c.rt.registry }

// Metrics exposes the runtime's collector to the metrics tools.
func (c *Call) Metrics() *metrics.Collector { return c.rt.metrics }

// Envelope is the dispatcher's uniform response shape.
type Envelope struct {
	SessionID     string `json:"sessionId"`
	OK            bool   `json:"ok"`
	Tool          string `json:"tool,omitempty"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
	CorrelationID string `json:"correlationId"`
}

// Options wires a Runtime.
type Options struct {
	Registry *Registry
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Collector
	DB       *sql.DB // optional
	KV       kv.Store
	Flags    map[string]bool
	AdminKey string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Runtime dispatches tool calls.
type Runtime struct {
	registry *Registry
	sessions *session.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics.Collector
	db       *sql.DB
	kv       kv.Store
	flags    map[string]bool
	adminKey string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewRuntime creates a dispatcher.
func NewRuntime(opts Options) *Runtime {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flags := opts.Flags
	if flags == nil {
		flags = map[string]bool{}
	}
	return &Runtime{
		registry: opts.Registry,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		db:       opts.DB,
		kv:       opts.KV,
		flags:    flags,
		adminKey: opts.AdminKey,
		clock:    clock,
		logger:   logger,
	}
}

type request struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ServeHTTP dispatches one tool call. Every outcome, success or failure,
// answers with the JSON envelope and a correlation id.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := rt.clock()
	correlationID := uuid.NewString()

	rec, cookie, consent := rt.sessions.GetOrCreate(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	fail := func(status int, tool, code string) {
		rt.writeEnvelope(w, status, Envelope{
			SessionID:     rec.ID,
			OK:            false,
			Tool:          tool,
			Error:         code,
			LatencyMs:     rt.clock().Sub(start).Milliseconds(),
			CorrelationID: correlationID,
		})
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "", ErrCodeInvalidBody)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, "", ErrCodePayloadTooLarge)
			return
		}
		fail(http.StatusBadRequest, "", ErrCodeInvalidBody)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		fail(http.StatusBadRequest, "", ErrCodeInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		fail(http.StatusBadRequest, "", ErrCodeMissingTool)
		return
	}

	tool, ok := rt.registry.Get(req.Tool)
	if !ok {
		fail(http.StatusNotFound, req.Tool, ErrCodeUnknownTool)
		return
	}

	elevated := rec.Elevated() || rt.adminKeyValid(r)
	if tool.SuperAdminOnly && !elevated {
		fail(http.StatusForbidden, tool.Name, ErrCodeForbidden)
		return
	}

	ip := clientIP(r)
	quota := tool.Quota
	if quota.Limit == 0 {
		quota = defaultQuota
	}
	limit := rt.limiter.Check(r.Context(), tool.Name+":"+ip, quota)
	if !limit.Allowed {
		rt.metrics.IncrRateLimited(tool.Name)
		rt.logger.Warn("rate limit exceeded",
			logging.Tool(tool.Name), logging.RemoteIP(ip),
			logging.CorrelationID(correlationID))
		w.Header().Set("Retry-After", strconv.Itoa(limit.RetryAfter(rt.clock())))
		fail(http.StatusTooManyRequests, tool.Name, ErrCodeRateLimited)
		return
	}

	if err := tool.Input.Validate(req.Input); err != nil {
		rt.metrics.IncrValidationError(tool.Name)
		fail(http.StatusBadRequest, tool.Name, ErrCodeInvalidInput+":"+err.Error())
		return
	}

	rt.metrics.IncrCall(tool.Name)

	call := &Call{
		Tool:          tool.Name,
		Input:         req.Input,
		Session:       rec,
		Consent:       consent,
		Elevated:      elevated,
		ClientIP:      ip,
		CorrelationID: correlationID,
		DB:            rt.db,
		KV:            rt.kv,
		Flags:         rt.flags,
		Clock:         rt.clock,
		rt:            rt,
	}

	result, err := rt.execute(r.Context(), tool, call)
	rt.sessions.AppendHistory(rec, session.HistoryEntry{
		Tool:      tool.Name,
		OK:        err == nil,
		Timestamp: rt.clock(),
	})

	if err != nil {
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			rt.metrics.IncrValidationError(tool.Name)
			fail(http.StatusBadRequest, tool.Name, ErrCodeInvalidInput+":"+inputErr.Detail)
			return
		}
		rt.metrics.IncrError(tool.Name)
		code, status := ErrCodeToolError, http.StatusInternalServerError
		if errors.Is(err, ErrNoDB) {
			code, status = ErrCodeNoDB, http.StatusServiceUnavailable
		}
		rt.logger.Error("tool execution failed",
			logging.Tool(tool.Name), logging.SessionID(rec.ID),
			logging.CorrelationID(correlationID), zap.Error(err))
		fail(status, tool.Name, code)
		return
	}

	rt.writeEnvelope(w, http.StatusOK, Envelope{
		SessionID:     rec.ID,
		OK:            true,
		Tool:          tool.Name,
		Result:        result,
		LatencyMs:     rt.clock().Sub(start).Milliseconds(),
		CorrelationID: correlationID,
	})
}

// execute runs the tool, converting a panic into an error so one bad tool
// cannot take down the process.
func (rt *Runtime) execute(ctx context.Context, tool *Tool, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("tool panicked")
			rt.logger.Error("tool panicked",
				logging.Tool(tool.Name), logging.CorrelationID(call.CorrelationID),
				zap.Any("panic", r))
		}
	}()
	return tool.Execute(ctx, call)
}

func (rt *Runtime) adminKeyValid(r *http.Request) bool {
	if rt.adminKey == "" {
		return false
	}
	supplied := r.Header.Get(AdminKeyHeader)
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(rt.adminKey)) == 1
}

func (rt *Runtime) writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		rt.logger.Error("failed to encode response", zap.Error(err))
	}
}

// clientIP extracts the caller identity for rate-limit scoping: the first
// X-Forwarded-For hop when present, else the connection peer.
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
