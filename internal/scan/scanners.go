package scan

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Scanner is one named scan type. Implementations are best-effort network
// probes; they return an error only when the probe itself could not run.
type Scanner interface {
	Name() string
	Tier() Tier
	Category() string
	Scan(ctx context.Context, t Target) ([]Finding, error)
}

// ---- core tier ----

type headersScanner struct{ client *Client }

func (s *headersScanner) Name() string     { return "headers" }
func (s *headersScanner) Tier() Tier       { return TierCore }
func (s *headersScanner) Category() string { return CategoryHeaders }

func (s *headersScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return []Finding{{
			Severity:    SeverityInfo,
			Category:    CategoryHeaders,
			Title:       "Unable to Fetch Headers",
			Description: "The target did not respond to a header probe; security header posture could not be assessed.",
		}}, nil
	}
	defer resp.Body.Close()

	var findings []Finding
	checks := []struct {
		header         string
		severity       string
		title          string
		recommendation string
	}{
		{"Strict-Transport-Security", SeverityMedium, "Missing HSTS Header",
			"Add Strict-Transport-Security with a max-age of at least one year."},
		{"Content-Security-Policy", SeverityMedium, "Missing Content Security Policy",
			"Define a Content-Security-Policy to limit script and resource origins."},
		{"X-Frame-Options", SeverityLow, "Missing X-Frame-Options Header",
			"Set X-Frame-Options (or frame-ancestors in CSP) to prevent clickjacking."},
		{"X-Content-Type-Options", SeverityLow, "Missing X-Content-Type-Options Header",
			"Set X-Content-Type-Options: nosniff."},
		{"Referrer-Policy", SeverityWarning, "Missing Referrer-Policy Header",
			"Set a Referrer-Policy such as strict-origin-when-cross-origin."},
	}

	for _, c := range checks {
		if resp.Header.Get(c.header) == "" {
			findings = append(findings, Finding{
				Severity:       c.severity,
				Category:       CategoryHeaders,
				Title:          c.title,
				Description:    fmt.Sprintf("The response from %s does not include the %s header.", t.Host, c.header),
				Recommendation: c.recommendation,
			})
		}
	}

	if len(findings) == 0 {
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    CategoryHeaders,
			Title:       "Security Headers Present",
			Description: "All commonly expected security headers were found.",
		})
	}
	return findings, nil
}

type sslScanner struct{ client *Client }

func (s *sslScanner) Name() string     { return "ssl" }
func (s *sslScanner) Tier() Tier       { return TierCore }
func (s *sslScanner) Category() string { return CategorySSL }

func (s *sslScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	if strings.HasPrefix(t.URL, "http://") {
		return []Finding{{
			Severity:       SeverityCritical,
			Category:       CategorySSL,
			Title:          "Unencrypted Transport",
			Description:    "The target is served over plain HTTP; all traffic is readable and modifiable in transit.",
			Recommendation: "Serve the site over HTTPS and redirect HTTP to HTTPS.",
		}}, nil
	}

	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return []Finding{{
			Severity:    SeverityHigh,
			Category:    CategorySSL,
			Title:       "TLS Connection Failed",
			Description: "A TLS-capable connection to the target could not be established.",
		}}, nil
	}
	defer resp.Body.Close()

	if resp.TLS == nil {
		return nil, nil
	}

	var findings []Finding
	switch {
	case resp.TLS.Version < tls.VersionTLS12:
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Category:       CategorySSL,
			Title:          "Obsolete TLS Version",
			Description:    "The server negotiated a TLS version older than 1.2.",
			Recommendation: "Disable TLS 1.0 and 1.1; prefer TLS 1.3.",
		})
	case resp.TLS.Version == tls.VersionTLS12:
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Category:       CategorySSL,
			Title:          "TLS 1.2 Negotiated",
			Description:    "The connection used TLS 1.2.",
			Recommendation: "Enable TLS 1.3 for improved handshake security.",
		})
	default:
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    CategorySSL,
			Title:       "Modern TLS Negotiated",
			Description: "The connection used TLS 1.3.",
		})
	}

	if len(resp.TLS.PeerCertificates) > 0 {
		cert := resp.TLS.PeerCertificates[0]
		if until := time.Until(cert.NotAfter); until < 14*24*time.Hour {
			findings = append(findings, Finding{
				Severity:       SeverityHigh,
				Category:       CategorySSL,
				Title:          "Certificate Nearing Expiry",
				Description:    fmt.Sprintf("The certificate for %s expires on %s.", t.Host, cert.NotAfter.Format("2006-01-02")),
				Recommendation: "Renew the certificate before it expires.",
			})
		}
	}

	return findings, nil
}

type infoDisclosureScanner struct{ client *Client }

func (s *infoDisclosureScanner) Name() string     { return "info-disclosure" }
func (s *infoDisclosureScanner) Tier() Tier       { return TierCore }
func (s *infoDisclosureScanner) Category() string { return CategoryInfoLeak }

var versionPattern = regexp.MustCompile(`\d`)

func (s *infoDisclosureScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var findings []Finding

	if server := resp.Header.Get("Server"); server != "" && versionPattern.MatchString(server) {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Category:       CategoryInfoLeak,
			Title:          "Server Version Disclosed",
			Description:    fmt.Sprintf("The Server header exposes version information: %q.", server),
			Recommendation: "Strip version details from the Server header.",
		})
	}
	if powered := resp.Header.Get("X-Powered-By"); powered != "" {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Category:       CategoryInfoLeak,
			Title:          "X-Powered-By Header Present",
			Description:    fmt.Sprintf("The X-Powered-By header discloses the platform: %q.", powered),
			Recommendation: "Remove the X-Powered-By header.",
		})
	}
	if asp := resp.Header.Get("X-AspNet-Version"); asp != "" {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Category:       CategoryInfoLeak,
			Title:          "ASP.NET Version Disclosed",
			Description:    fmt.Sprintf("The X-AspNet-Version header exposes: %q.", asp),
			Recommendation: "Disable the X-AspNet-Version header in web.config.",
		})
	}

	return findings, nil
}

type commonFilesScanner struct{ client *Client }

func (s *commonFilesScanner) Name() string     { return "common-files" }
func (s *commonFilesScanner) Tier() Tier       { return TierCore }
func (s *commonFilesScanner) Category() string { return CategoryFiles }

var sensitivePaths = []struct {
	path     string
	severity string
	title    string
}{
	{"/.env", SeverityCritical, "Environment File Exposed"},
	{"/.git/config", SeverityCritical, "Git Repository Exposed"},
	{"/backup.zip", SeverityHigh, "Backup Archive Exposed"},
	{"/wp-config.php.bak", SeverityHigh, "Configuration Backup Exposed"},
	{"/phpinfo.php", SeverityHigh, "phpinfo Page Exposed"},
	{"/.DS_Store", SeverityLow, "Directory Metadata Exposed"},
}

func (s *commonFilesScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	base := strings.TrimRight(t.URL, "/")

	var findings []Finding
	for _, p := range sensitivePaths {
		resp, body, err := s.client.GetBody(ctx, base+p.path)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusOK && len(body) > 0 {
			findings = append(findings, Finding{
				Severity:       p.severity,
				Category:       CategoryFiles,
				Title:          p.title,
				Description:    fmt.Sprintf("%s responds with content at %s.", t.Host, p.path),
				Recommendation: "Remove the file from the web root or block access to it.",
			})
		}
	}
	return findings, nil
}

// ---- engineer tier ----

type advancedHeadersScanner struct{ client *Client }

func (s *advancedHeadersScanner) Name() string     { return "advanced-headers" }
func (s *advancedHeadersScanner) Tier() Tier       { return TierEngineer }
func (s *advancedHeadersScanner) Category() string { return CategoryAdvHeaders }

func (s *advancedHeadersScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var findings []Finding

	if csp := resp.Header.Get("Content-Security-Policy"); csp != "" {
		if strings.Contains(csp, "'unsafe-inline'") || strings.Contains(csp, "'unsafe-eval'") {
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Category:       CategoryAdvHeaders,
				Title:          "Weak Content Security Policy",
				Description:    "The CSP allows unsafe-inline or unsafe-eval, which largely defeats its XSS protection.",
				Recommendation: "Replace unsafe directives with nonces or hashes.",
			})
		}
	}
	if resp.Header.Get("Permissions-Policy") == "" {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Category:       CategoryAdvHeaders,
			Title:          "Missing Permissions-Policy Header",
			Description:    "No Permissions-Policy header restricts powerful browser features.",
			Recommendation: "Declare a Permissions-Policy disabling unneeded features.",
		})
	}
	if resp.Header.Get("Cross-Origin-Opener-Policy") == "" {
		findings = append(findings, Finding{
			Severity:       SeverityWarning,
			Category:       CategoryAdvHeaders,
			Title:          "Missing Cross-Origin-Opener-Policy",
			Description:    "COOP is not set; the page can be window-referenced cross-origin.",
			Recommendation: "Set Cross-Origin-Opener-Policy: same-origin.",
		})
	}

	return findings, nil
}

type wafScanner struct{ client *Client }

func (s *wafScanner) Name() string     { return "waf-detection" }
func (s *wafScanner) Tier() Tier       { return TierEngineer }
func (s *wafScanner) Category() string { return CategoryWAF }

var wafSignatures = []struct {
	header string
	value  string // empty means presence alone matches
	name   string
}{
	{"Cf-Ray", "", "Cloudflare"},
	{"X-Sucuri-Id", "", "Sucuri"},
	{"X-Amz-Cf-Id", "", "AWS CloudFront"},
	{"X-Akamai-Transformed", "", "Akamai"},
	{"X-Iinfo", "", "Imperva Incapsula"},
	{"Server", "cloudflare", "Cloudflare"},
	{"Server", "akamai", "Akamai"},
}

func (s *wafScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	for _, sig := range wafSignatures {
		v := resp.Header.Get(sig.header)
		if v == "" {
			continue
		}
		if sig.value != "" && !strings.Contains(strings.ToLower(v), sig.value) {
			continue
		}
		return []Finding{{
			Severity:    SeverityInfo,
			Category:    CategoryWAF,
			Title:       "WAF Detected: " + sig.name,
			Description: fmt.Sprintf("Response headers indicate %s is in front of the target.", sig.name),
		}}, nil
	}

	return []Finding{{
		Severity:       SeverityWarning,
		Category:       CategoryWAF,
		Title:          "No WAF Detected",
		Description:    "No known WAF signature was observed in response headers.",
		Recommendation: "Consider placing a web application firewall in front of the application.",
	}}, nil
}

type techStackScanner struct{ client *Client }

func (s *techStackScanner) Name() string     { return "tech-stack" }
func (s *techStackScanner) Tier() Tier       { return TierEngineer }
func (s *techStackScanner) Category() string { return CategoryTechStack }

var cookieSignatures = map[string]string{
	"PHPSESSID":  "PHP",
	"JSESSIONID": "Java servlet container",
	"ASP.NET":    "ASP.NET",
	"_rails":     "Ruby on Rails",
}

func (s *techStackScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var findings []Finding
	seen := map[string]bool{}
	report := func(tech, evidence string) {
		if seen[tech] {
			return
		}
		seen[tech] = true
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    CategoryTechStack,
			Title:       "Technology Identified: " + tech,
			Description: fmt.Sprintf("Fingerprinted via %s.", evidence),
		})
	}

	if server := resp.Header.Get("Server"); server != "" {
		report(strings.SplitN(server, "/", 2)[0], "the Server header")
	}
	if powered := resp.Header.Get("X-Powered-By"); powered != "" {
		report(powered, "the X-Powered-By header")
	}
	for _, c := range resp.Cookies() {
		for prefix, tech := range cookieSignatures {
			if strings.HasPrefix(c.Name, prefix) {
				report(tech, "the "+c.Name+" cookie")
			}
		}
	}

	return findings, nil
}

// ---- admin tier ----

type contentAnalysisScanner struct{ client *Client }

func (s *contentAnalysisScanner) Name() string     { return "content-analysis" }
func (s *contentAnalysisScanner) Tier() Tier       { return TierAdmin }
func (s *contentAnalysisScanner) Category() string { return CategoryInfoLeak }

var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	commentPattern = regexp.MustCompile(`<!--[\s\S]*?(TODO|FIXME|HACK|XXX)[\s\S]*?-->`)
)

func (s *contentAnalysisScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	_, body, err := s.client.GetBody(ctx, t.URL)
	if err != nil {
		return nil, err
	}

	var findings []Finding

	if emails := emailPattern.FindAll(body, 5); len(emails) > 0 {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Category:       CategoryInfoLeak,
			Title:          "Email Addresses In Page Content",
			Description:    fmt.Sprintf("Found %d email address(es) in the page body, harvestable by spam bots.", len(emails)),
			Recommendation: "Obfuscate or remove exposed email addresses.",
		})
	}
	if commentPattern.Match(body) {
		findings = append(findings, Finding{
			Severity:       SeverityWarning,
			Category:       CategoryInfoLeak,
			Title:          "Developer Comments In Markup",
			Description:    "HTML comments containing TODO/FIXME markers are present in production markup.",
			Recommendation: "Strip developer comments from production builds.",
		})
	}
	if strings.HasPrefix(t.URL, "https://") && strings.Contains(string(body), "src=\"http://") {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Category:       CategoryInfoLeak,
			Title:          "Mixed Content References",
			Description:    "The HTTPS page references subresources over plain HTTP.",
			Recommendation: "Load all subresources over HTTPS.",
		})
	}

	return findings, nil
}

type privacyComplianceScanner struct{ client *Client }

func (s *privacyComplianceScanner) Name() string     { return "privacy-compliance" }
func (s *privacyComplianceScanner) Tier() Tier       { return TierAdmin }
func (s *privacyComplianceScanner) Category() string { return CategoryThreat }

var trackerDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"connect.facebook.net",
	"doubleclick.net",
}

func (s *privacyComplianceScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, body, err := s.client.GetBody(ctx, t.URL)
	if err != nil {
		return nil, err
	}

	var findings []Finding

	for _, c := range resp.Cookies() {
		if !c.Secure || !c.HttpOnly {
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Category:       CategoryThreat,
				Title:          "Cookie Without Protective Attributes",
				Description:    fmt.Sprintf("The %q cookie is set without Secure and HttpOnly.", c.Name),
				Recommendation: "Set Secure, HttpOnly, and an explicit SameSite on all cookies.",
			})
		}
	}

	page := string(body)
	for _, domain := range trackerDomains {
		if strings.Contains(page, domain) {
			findings = append(findings, Finding{
				Severity:       SeverityWarning,
				Category:       CategoryThreat,
				Title:          "Third-Party Tracker Present",
				Description:    fmt.Sprintf("The page loads resources from %s.", domain),
				Recommendation: "Gate trackers behind consent and document them in the privacy policy.",
			})
		}
	}

	return findings, nil
}

type performanceSecurityScanner struct{ client *Client }

func (s *performanceSecurityScanner) Name() string     { return "performance-security" }
func (s *performanceSecurityScanner) Tier() Tier       { return TierAdmin }
func (s *performanceSecurityScanner) Category() string { return CategorySSL }

func (s *performanceSecurityScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var findings []Finding

	if resp.Header.Get("Content-Encoding") != "" && len(resp.Cookies()) > 0 && strings.HasPrefix(t.URL, "https://") {
		findings = append(findings, Finding{
			Severity:       SeverityWarning,
			Category:       CategorySSL,
			Title:          "Compressed Response Carrying Cookies",
			Description:    "TLS responses are compressed while setting cookies, a precondition for BREACH-style attacks.",
			Recommendation: "Disable compression on responses that reflect secrets or rotate tokens per request.",
		})
	}
	if cc := resp.Header.Get("Cache-Control"); len(resp.Cookies()) > 0 &&
		!strings.Contains(cc, "no-store") && !strings.Contains(cc, "private") {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Category:       CategoryHeaders,
			Title:          "Cacheable Response Setting Cookies",
			Description:    "A response that sets cookies lacks Cache-Control: no-store or private, so shared caches may retain it.",
			Recommendation: "Mark cookie-bearing responses as private or no-store.",
		})
	}

	return findings, nil
}

type subdomainScanner struct{}

func (s *subdomainScanner) Name() string     { return "subdomain-enumeration" }
func (s *subdomainScanner) Tier() Tier       { return TierAdmin }
func (s *subdomainScanner) Category() string { return CategorySubdomains }

var commonSubdomains = []string{"www", "mail", "dev", "staging", "test", "admin", "api"}

func (s *subdomainScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	// IP-literal targets have no subdomains to probe.
	if net.ParseIP(strings.Trim(t.Host, "[]")) != nil {
		return nil, nil
	}

	resolver := &net.Resolver{}
	var findings []Finding
	for _, sub := range commonSubdomains {
		name := sub + "." + t.Host
		if addrs, err := resolver.LookupHost(ctx, name); err == nil && len(addrs) > 0 {
			findings = append(findings, Finding{
				Severity:    SeverityInfo,
				Category:    CategorySubdomains,
				Title:       "Subdomain Resolves: " + name,
				Description: fmt.Sprintf("%s resolves to %s.", name, addrs[0]),
			})
		}
	}
	return findings, nil
}

type cveAnalysisScanner struct{ client *Client }

func (s *cveAnalysisScanner) Name() string     { return "cve-analysis" }
func (s *cveAnalysisScanner) Tier() Tier       { return TierAdmin }
func (s *cveAnalysisScanner) Category() string { return CategoryCVE }

// outdatedServers maps Server-header prefixes to the minimum version line
// still receiving security fixes. Coarse on purpose; a banner match is a
// lead, not a confirmed vulnerability.
var outdatedServers = []struct {
	prefix string
	note   string
}{
	{"Apache/2.2", "Apache 2.2 is end-of-life and no longer receives security fixes"},
	{"Apache/2.0", "Apache 2.0 is end-of-life"},
	{"nginx/1.1", "nginx 1.1x series is past end of support"},
	{"Microsoft-IIS/6", "IIS 6 is end-of-life"},
	{"PHP/5", "PHP 5 is end-of-life"},
}

func (s *cveAnalysisScanner) Scan(ctx context.Context, t Target) ([]Finding, error) {
	resp, err := s.client.Get(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var findings []Finding
	banners := []string{resp.Header.Get("Server"), resp.Header.Get("X-Powered-By")}
	for _, banner := range banners {
		if banner == "" {
			continue
		}
		for _, o := range outdatedServers {
			if strings.HasPrefix(banner, o.prefix) {
				findings = append(findings, Finding{
					Severity:       SeverityHigh,
					Category:       CategoryCVE,
					Title:          "Potentially Outdated Software: " + banner,
					Description:    o.note + "; published CVEs likely apply.",
					Recommendation: "Upgrade to a supported release.",
				})
			}
		}
	}
	return findings, nil
}
