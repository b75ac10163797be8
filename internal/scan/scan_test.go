package scan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient() *Client {
	return NewClient(5*time.Second, 100)
}

func serve(t *testing.T, handler http.HandlerFunc) (string, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return srv.URL, u.Hostname()
}

func titles(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Title)
	}
	return out
}

func hasTitle(findings []Finding, want string) bool {
	for _, f := range findings {
		if strings.Contains(f.Title, want) {
			return true
		}
	}
	return false
}

func TestHeadersScanner_FlagsMissingHeaders(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := &headersScanner{client: testClient()}
	findings, err := s.Scan(context.Background(), Target{URL: rawURL, Host: host})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	for _, want := range []string{"Missing HSTS Header", "Missing Content Security Policy", "Missing X-Frame-Options Header"} {
		if !hasTitle(findings, want) {
			t.Errorf("expected finding %q, got %v", want, titles(findings))
		}
	}
}

func TestHeadersScanner_AllPresent(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	})

	s := &headersScanner{client: testClient()}
	findings, _ := s.Scan(context.Background(), Target{URL: rawURL, Host: host})

	if len(findings) != 1 || findings[0].Title != "Security Headers Present" {
		t.Errorf("expected single positive finding, got %v", titles(findings))
	}
}

func TestHeadersScanner_UnreachableTarget(t *testing.T) {
	s := &headersScanner{client: testClient()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	findings, err := s.Scan(ctx, Target{URL: "http://127.0.0.1:1", Host: "127.0.0.1"})
	if err != nil {
		t.Fatalf("expected degraded finding, not error: %v", err)
	}
	if !hasTitle(findings, "Unable to Fetch Headers") {
		t.Errorf("expected unreachable-target finding, got %v", titles(findings))
	}
}

func TestSSLScanner_PlainHTTPIsCritical(t *testing.T) {
	s := &sslScanner{client: testClient()}
	findings, err := s.Scan(context.Background(), Target{URL: "http://example.com", Host: "example.com"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(findings) != 1 || findings[0].Severity != SeverityCritical {
		t.Fatalf("expected one critical finding for plain http, got %+v", findings)
	}
	if findings[0].Title != "Unencrypted Transport" {
		t.Errorf("unexpected title %q", findings[0].Title)
	}
}

func TestInfoDisclosureScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "Apache/2.4.41 (Ubuntu)")
		w.Header().Set("X-Powered-By", "PHP/8.1.2")
	})

	s := &infoDisclosureScanner{client: testClient()}
	findings, err := s.Scan(context.Background(), Target{URL: rawURL, Host: host})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if !hasTitle(findings, "Server Version Disclosed") {
		t.Errorf("expected server version finding, got %v", titles(findings))
	}
	if !hasTitle(findings, "X-Powered-By Header Present") {
		t.Errorf("expected x-powered-by finding, got %v", titles(findings))
	}
}

func TestCommonFilesScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.env" {
			w.Write([]byte("SECRET=1"))
			return
		}
		http.NotFound(w, r)
	})

	s := &commonFilesScanner{client: testClient()}
	findings, err := s.Scan(context.Background(), Target{URL: rawURL, Host: host})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(findings) != 1 || findings[0].Title != "Environment File Exposed" {
		t.Fatalf("expected only the .env exposure, got %v", titles(findings))
	}
	if findings[0].Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", findings[0].Severity)
	}
}

func TestWAFScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "8abc123-AMS")
	})

	s := &wafScanner{client: testClient()}
	findings, _ := s.Scan(context.Background(), Target{URL: rawURL, Host: host})
	if len(findings) != 1 || !strings.Contains(findings[0].Title, "Cloudflare") {
		t.Errorf("expected Cloudflare detection, got %v", titles(findings))
	}

	bareURL, bareHost := serve(t, func(w http.ResponseWriter, r *http.Request) {})
	findings, _ = s.Scan(context.Background(), Target{URL: bareURL, Host: bareHost})
	if len(findings) != 1 || findings[0].Title != "No WAF Detected" {
		t.Errorf("expected no-WAF finding, got %v", titles(findings))
	}
}

func TestTechStackScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "nginx/1.25.3")
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc"})
	})

	s := &techStackScanner{client: testClient()}
	findings, _ := s.Scan(context.Background(), Target{URL: rawURL, Host: host})

	if !hasTitle(findings, "nginx") {
		t.Errorf("expected nginx fingerprint, got %v", titles(findings))
	}
	if !hasTitle(findings, "PHP") {
		t.Errorf("expected PHP fingerprint via cookie, got %v", titles(findings))
	}
}

func TestContentAnalysisScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><!-- TODO: remove debug endpoint --><body>contact admin@example.com</body></html>`))
	})

	s := &contentAnalysisScanner{client: testClient()}
	findings, _ := s.Scan(context.Background(), Target{URL: rawURL, Host: host})

	if !hasTitle(findings, "Email Addresses In Page Content") {
		t.Errorf("expected email finding, got %v", titles(findings))
	}
	if !hasTitle(findings, "Developer Comments In Markup") {
		t.Errorf("expected developer comment finding, got %v", titles(findings))
	}
}

func TestCVEAnalysisScanner(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "Apache/2.2.34")
	})

	s := &cveAnalysisScanner{client: testClient()}
	findings, _ := s.Scan(context.Background(), Target{URL: rawURL, Host: host})

	if len(findings) != 1 || findings[0].Severity != SeverityHigh {
		t.Fatalf("expected one high finding for EOL Apache, got %v", titles(findings))
	}
}

func TestOrchestrator_TypesByMode(t *testing.T) {
	o := NewOrchestrator(testClient(), 0, nil)

	std := o.Types(ModeStandard)
	if len(std) != 4 {
		t.Errorf("expected 4 standard types, got %v", std)
	}
	eng := o.Types(ModeEngineer)
	if len(eng) != 7 {
		t.Errorf("expected 7 engineer types, got %v", eng)
	}
	adm := o.Types(ModeSuperAdmin)
	if len(adm) != 12 {
		t.Errorf("expected 12 super-admin types, got %v", adm)
	}

	for _, name := range std {
		if name == "waf-detection" || name == "cve-analysis" {
			t.Errorf("standard mode must not expose %s", name)
		}
	}
}

func TestOrchestrator_FullRunStandard(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.env" {
			w.Write([]byte("SECRET=1"))
			return
		}
		w.Header().Set("Server", "Apache/2.4.41 (Ubuntu)")
		w.WriteHeader(http.StatusOK)
	})

	o := NewOrchestrator(testClient(), 5*time.Second, nil)
	findings := o.Run(context.Background(), Request{URL: rawURL, Host: host, Mode: ModeStandard})

	if len(findings) == 0 {
		t.Fatal("expected findings from a full standard scan")
	}
	categories := map[string]bool{}
	for _, f := range findings {
		categories[f.Category] = true
		// Core-only: nothing from engineer or admin categories.
		if f.Category == CategoryWAF || f.Category == CategoryCVE || f.Category == CategoryAdvHeaders {
			t.Errorf("standard scan leaked gated category %q", f.Category)
		}
	}
	if len(categories) < 3 {
		t.Errorf("expected findings across at least 3 categories, got %d: %v", len(categories), categories)
	}
}

func TestOrchestrator_SelectsNamedTypes(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {})

	o := NewOrchestrator(testClient(), 5*time.Second, nil)
	findings := o.Run(context.Background(), Request{
		URL: rawURL, Host: host,
		Mode:  ModeStandard,
		Types: []string{"headers", "nonexistent"},
	})

	for _, f := range findings {
		if f.Category != CategoryHeaders {
			t.Errorf("expected only header findings, got category %q", f.Category)
		}
	}
	if len(findings) == 0 {
		t.Error("expected header findings")
	}
}

func TestOrchestrator_GatedTypeIgnoredForStandard(t *testing.T) {
	rawURL, host := serve(t, func(w http.ResponseWriter, r *http.Request) {})

	o := NewOrchestrator(testClient(), 5*time.Second, nil)
	findings := o.Run(context.Background(), Request{
		URL: rawURL, Host: host,
		Mode:  ModeStandard,
		Types: []string{"cve-analysis"},
	})
	if len(findings) != 0 {
		t.Errorf("expected gated type to be skipped, got %v", titles(findings))
	}
	if findings == nil {
		t.Error("expected an empty findings list, not nil")
	}
	if raw, err := json.Marshal(findings); err != nil || string(raw) != "[]" {
		t.Errorf("expected findings to serialize as [], got %s (err %v)", raw, err)
	}
}

type panicScanner struct{}

func (panicScanner) Name() string     { return "panic" }
func (panicScanner) Tier() Tier       { return TierCore }
func (panicScanner) Category() string { return CategoryHeaders }
func (panicScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	panic("boom")
}

func TestOrchestrator_RecoversPanickingScanner(t *testing.T) {
	o := &Orchestrator{
		scanners: []Scanner{panicScanner{}},
		timeout:  time.Second,
		logger:   zap.NewNop(),
	}

	findings := o.Run(context.Background(), Request{URL: "http://example.com", Host: "example.com", Mode: ModeStandard})
	if len(findings) != 1 || findings[0].Title != "Scan Incomplete" {
		t.Fatalf("expected degraded finding from panicking scanner, got %v", titles(findings))
	}
}

func TestScoreAndCritical(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
		{Severity: SeverityMedium},
		{Severity: SeverityInfo},
	}

	if got := CountCritical(findings); got != 1 {
		t.Errorf("CountCritical = %d, want 1", got)
	}
	if got := Score(findings); got != 100-25-15-8 {
		t.Errorf("Score = %d, want %d", got, 100-25-15-8)
	}

	many := make([]Finding, 10)
	for i := range many {
		many[i] = Finding{Severity: SeverityCritical}
	}
	if got := Score(many); got != 0 {
		t.Errorf("Score floor = %d, want 0", got)
	}
}
