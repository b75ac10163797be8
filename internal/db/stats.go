package db

import (
	"database/sql"
)

// Stats holds the aggregate counts exposed by the admin_stats tool.
type Stats struct {
	Consents          int64 `json:"consents"`
	AnalyticsConsents int64 `json:"analyticsConsents"`
	ResearchConsents  int64 `json:"researchConsents"`
	Scans             int64 `json:"scans"`
	CriticalFindings  int64 `json:"criticalFindings"`
}

// CountStats runs the aggregate count queries.
func CountStats(db *sql.DB) (Stats, error) {
	var s Stats

	row := db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(analytics), 0),
		       COALESCE(SUM(research), 0)
		FROM consent_log
	`)
	if err := row.Scan(&s.Consents, &s.AnalyticsConsents, &s.ResearchConsents); err != nil {
		return Stats{}, err
	}

	row = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(critical), 0)
		FROM scan_log
	`)
	if err := row.Scan(&s.Scans, &s.CriticalFindings); err != nil {
		return Stats{}, err
	}

	return s, nil
}
