package session

import "strings"

// ConsentCookie is the client-supplied consent preference cookie. Its value
// is a best-effort signal only and is never trusted for security decisions
// beyond gating optional persistence.
const ConsentCookie = "cc_prefs"

// Consent holds the parsed consent flags. The zero value denies everything.
type Consent struct {
	Essential bool
	Analytics bool
	Research  bool
	Marketing bool
}

// ParseConsent parses the cc_prefs cookie format "e:1|a:0|r:1|m:0".
// Missing, unknown, or unparseable segments fail closed to false.
func ParseConsent(raw string) Consent {
	var c Consent
	if raw == "" {
		return c
	}

	for _, part := range strings.Split(raw, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok || value != "1" {
			continue
		}
		switch key {
		case "e":
			c.Essential = true
		case "a":
			c.Analytics = true
		case "r":
			c.Research = true
		case "m":
			c.Marketing = true
		}
	}
	return c
}
