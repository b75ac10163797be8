package scan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/logging"
)

// Request selects what to scan. Types may be empty or contain "full" to
// select every type the mode allows; individual names select a subset.
type Request struct {
	URL   string
	Host  string
	Mode  Mode
	Types []string
}

// Orchestrator fans a scan request out over the registered scanners and
// aggregates their findings. Probe failures degrade to informational
// findings; they never fail the scan as a whole.
type Orchestrator struct {
	scanners []Scanner
	timeout  time.Duration
	logger   *zap.Logger
}

// NewOrchestrator builds the full scanner set over one shared probe client.
func NewOrchestrator(client *Client, timeout time.Duration, logger *zap.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		scanners: []Scanner{
			&headersScanner{client: client},
			&sslScanner{client: client},
			&infoDisclosureScanner{client: client},
			&commonFilesScanner{client: client},
			&advancedHeadersScanner{client: client},
			&wafScanner{client: client},
			&techStackScanner{client: client},
			&contentAnalysisScanner{client: client},
			&privacyComplianceScanner{client: client},
			&performanceSecurityScanner{client: client},
			&subdomainScanner{},
			&cveAnalysisScanner{client: client},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Types lists the scan type names available to a mode, sorted.
func (o *Orchestrator) Types(mode Mode) []string {
	var names []string
	for _, s := range o.scanners {
		if mode.Allows(s.Tier()) {
			names = append(names, s.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Run executes the selected scan types concurrently and returns the merged
// findings once every probe has settled. Types the mode does not allow are
// silently skipped; unknown type names are ignored.
func (o *Orchestrator) Run(ctx context.Context, req Request) []Finding {
	selected := o.selectScanners(req)
	target := Target{URL: req.URL, Host: req.Host}

	results := make([][]Finding, len(selected))
	var wg sync.WaitGroup
	for i, s := range selected {
		wg.Add(1)
		go func(i int, s Scanner) {
			defer wg.Done()
			results[i] = o.runOne(ctx, s, target)
		}(i, s)
	}
	wg.Wait()

	// Non-nil even when nothing ran, so the response always carries a
	// findings array.
	findings := []Finding{}
	for _, r := range results {
		findings = append(findings, r...)
	}
	return findings
}

// runOne runs a single scanner under its own deadline. A panic or error is
// reduced to an informational finding so one probe cannot sink the scan.
func (o *Orchestrator) runOne(ctx context.Context, s Scanner, target Target) (findings []Finding) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scanner panicked",
				logging.ScanType(s.Name()), zap.Any("panic", r))
			findings = []Finding{unavailableFinding(s)}
		}
	}()

	found, err := s.Scan(ctx, target)
	if err != nil {
		o.logger.Debug("scanner failed",
			logging.ScanType(s.Name()), logging.Target(target.Host), zap.Error(err))
		return []Finding{unavailableFinding(s)}
	}
	return found
}

func unavailableFinding(s Scanner) Finding {
	return Finding{
		Severity:    SeverityInfo,
		Category:    s.Category(),
		Title:       "Scan Incomplete",
		Description: fmt.Sprintf("The %s scan could not complete against the target.", s.Name()),
	}
}

func (o *Orchestrator) selectScanners(req Request) []Scanner {
	full := len(req.Types) == 0
	want := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		if t == "full" {
			full = true
			continue
		}
		want[t] = true
	}

	var selected []Scanner
	for _, s := range o.scanners {
		if !req.Mode.Allows(s.Tier()) {
			continue
		}
		if full || want[s.Name()] {
			selected = append(selected, s)
		}
	}
	return selected
}

// CountCritical tallies critical findings in a result list.
func CountCritical(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// Score reduces findings to a 0..100 security score, deducting per finding
// by severity.
func Score(findings []Finding) int {
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			score -= 25
		case SeverityHigh:
			score -= 15
		case SeverityMedium:
			score -= 8
		case SeverityLow:
			score -= 4
		case SeverityWarning:
			score -= 2
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
