// Package validate normalizes and rejects unsafe scan targets.
//
// Scans execute server-side fetches; without this guard the scanner would
// be an SSRF proxy into internal infrastructure and cloud metadata
// services. Every rejection carries a machine-readable code that tools and
// callers branch on; the human message is presentation only.
package validate

import (
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Rejection codes.
const (
	CodeInputTooLong        = "INPUT_TOO_LONG"
	CodeMalformedURL        = "MALFORMED_URL"
	CodeUnsupportedScheme   = "UNSUPPORTED_SCHEME"
	CodeEmbeddedCredentials = "EMBEDDED_CREDENTIALS"
	CodeMissingHostname     = "MISSING_HOSTNAME"
	CodeHostnameTooLong     = "HOSTNAME_TOO_LONG"
	CodeBlockedHost         = "BLOCKED_HOST"
	CodeDisallowedTLD       = "DISALLOWED_TLD"
	CodePrivateAddress      = "PRIVATE_ADDRESS"
	CodeMetadataEndpoint    = "METADATA_ENDPOINT"
	CodeDisallowedPort      = "DISALLOWED_PORT"
)

// messages maps rejection codes to human-readable text.
var messages = map[string]string{
	CodeInputTooLong:        "target exceeds the maximum length of 2048 characters",
	CodeMalformedURL:        "target is not a valid URL",
	CodeUnsupportedScheme:   "only http and https targets are supported",
	CodeEmbeddedCredentials: "targets with embedded credentials are not allowed",
	CodeMissingHostname:     "target has no hostname",
	CodeHostnameTooLong:     "hostname exceeds 253 characters",
	CodeBlockedHost:         "this host may not be scanned",
	CodeDisallowedTLD:       "targets under this TLD resolve to internal networks",
	CodePrivateAddress:      "private, loopback, and link-local addresses may not be scanned",
	CodeMetadataEndpoint:    "cloud metadata endpoints may not be scanned",
	CodeDisallowedPort:      "only ports 80 and 443 may be scanned",
}

// Message returns the human-readable text for a rejection code.
func Message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return "target rejected"
}

const (
	maxInputLength    = 2048
	maxHostnameLength = 253
)

// disallowedTLDs resolve inside private networks by convention.
var disallowedTLDs = map[string]bool{
	"local":     true,
	"localhost": true,
	"internal":  true,
	"intranet":  true,
	"home":      true,
	"corp":      true,
}

// blockedPrefixes covers private, loopback, link-local, and unspecified
// ranges for both address families.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var metadataAddr = netip.MustParseAddr("169.254.169.254")

// Options adjust the port policy for elevated callers.
type Options struct {
	SuperAdmin   bool
	AllowAnyPort bool
}

// Result is the outcome of validating a raw target.
type Result struct {
	OK         bool
	Code       string // set when OK is false
	Message    string // set when OK is false
	Normalized string // absolute URL with query and fragment stripped
	Host       string
	Port       int
}

func reject(code string) Result {
	return Result{Code: code, Message: Message(code)}
}

// Validate normalizes raw and applies the SSRF and abuse rules. Validation
// is idempotent: re-validating a previously returned Normalized URL yields
// the same Normalized URL.
func Validate(raw string, opts Options) Result {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxInputLength {
		return reject(CodeInputTooLong)
	}
	if raw == "" {
		return reject(CodeMalformedURL)
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return reject(CodeMalformedURL)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(CodeUnsupportedScheme)
	}
	if u.User != nil {
		return reject(CodeEmbeddedCredentials)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return reject(CodeMissingHostname)
	}
	if len(host) > maxHostnameLength {
		return reject(CodeHostnameTooLong)
	}

	if code := checkHost(host); code != "" {
		return reject(code)
	}

	port, code := checkPort(u.Port(), scheme, opts)
	if code != "" {
		return reject(code)
	}

	normalized := &url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(u.Host),
		Path:   u.Path,
	}

	return Result{
		OK:         true,
		Normalized: normalized.String(),
		Host:       host,
		Port:       port,
	}
}

func checkHost(host string) string {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		addr = addr.Unmap()
		if addr == metadataAddr {
			return CodeMetadataEndpoint
		}
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return CodePrivateAddress
			}
		}
		return ""
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return CodeBlockedHost
	}

	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	tld := labels[len(labels)-1]
	if disallowedTLDs[tld] {
		return CodeDisallowedTLD
	}

	return ""
}

func checkPort(portStr, scheme string, opts Options) (int, string) {
	if portStr == "" {
		if scheme == "http" {
			return 80, ""
		}
		return 443, ""
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, CodeMalformedURL
	}

	if port == 80 || port == 443 {
		return port, ""
	}
	if opts.SuperAdmin || opts.AllowAnyPort {
		return port, ""
	}
	return 0, CodeDisallowedPort
}
