package db

import (
	"database/sql"
)

// ConsentRecord is one row of the consent log.
type ConsentRecord struct {
	SessionID string
	Essential bool
	Analytics bool
	Research  bool
	Marketing bool
	CreatedAt int64
}

// InsertConsent appends a consent decision to the log and returns its id.
func InsertConsent(db *sql.DB, rec ConsentRecord) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO consent_log (session_id, essential, analytics, research, marketing, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SessionID, boolInt(rec.Essential), boolInt(rec.Analytics),
		boolInt(rec.Research), boolInt(rec.Marketing), rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertScanEvent records a completed scan for aggregate reporting.
func InsertScanEvent(db *sql.DB, sessionID, url, mode string, findings, critical int, createdAt int64) error {
	_, err := db.Exec(`
		INSERT INTO scan_log (session_id, url, mode, findings, critical, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, url, mode, findings, critical, createdAt)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
