// Package scan implements the fan-out scan orchestrator and the individual
// best-effort network probes it aggregates.
package scan

// Severity levels, fixed taxonomy.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding categories, fixed label set.
const (
	CategoryHeaders    = "Security Headers"
	CategorySSL        = "SSL/TLS"
	CategoryInfoLeak   = "Information Disclosure"
	CategoryFiles      = "Common Files"
	CategoryAdvHeaders = "Advanced Headers"
	CategoryWAF        = "WAF Detection"
	CategorySubdomains = "Subdomain Enumeration"
	CategoryTechStack  = "Technology Stack"
	CategoryCVE        = "CVE Analysis"
	CategoryThreat     = "Threat Intelligence"
)

// Finding is one reported observation from a scan. Findings are immutable
// values aggregated into the response list.
type Finding struct {
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Mode is the caller's scan tier entitlement.
type Mode string

const (
	ModeStandard   Mode = "standard"
	ModeEngineer   Mode = "engineer"
	ModeSuperAdmin Mode = "super-admin"
)

// ModeFromString parses a mode, defaulting to standard.
func ModeFromString(s string) Mode {
	switch Mode(s) {
	case ModeEngineer:
		return ModeEngineer
	case ModeSuperAdmin:
		return ModeSuperAdmin
	default:
		return ModeStandard
	}
}

// Tier gates scan types by mode.
type Tier int

const (
	TierCore Tier = iota
	TierEngineer
	TierAdmin
)

// Allows reports whether a mode may run scans of the given tier.
func (m Mode) Allows(t Tier) bool {
	switch t {
	case TierCore:
		return true
	case TierEngineer:
		return m == ModeEngineer || m == ModeSuperAdmin
	case TierAdmin:
		return m == ModeSuperAdmin
	default:
		return false
	}
}

// Target is a validated scan target. Construct it from a
// validate.Result — never from raw user input.
type Target struct {
	URL  string
	Host string
}
