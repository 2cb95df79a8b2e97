package db

import (
	"database/sql"

	"github.com/holdfast-dev/holdfast/internal/errors"
)

// ExportMode distinguishes the audit record kinds.
type ExportMode string

const (
	ExportModeInitial       ExportMode = "initial"
	ExportModeDuplicateSkip ExportMode = "duplicate_skip"
	ExportModePlaceholder   ExportMode = "placeholder"
)

// AuditRecord is an immutable record of one export attempt. Rows are never
// updated after insert.
type AuditRecord struct {
	ID          int64
	CaptureID   string
	ExportPath  string
	ContentHash *string
	Mode        ExportMode
	HadError    bool
	CreatedAt   int64
}

// InsertAudit records one export attempt. Rows are insert-only.
func InsertAudit(database *sql.DB, rec *AuditRecord) error {
	res, err := database.Exec(`
		INSERT INTO export_audit (capture_id, export_path, content_hash, mode, had_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.CaptureID, rec.ExportPath, toNullString(rec.ContentHash), string(rec.Mode), boolToInt(rec.HadError), rec.CreatedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// LatestSuccessAudit returns the capture's most recent non-error audit
// record, or nil when none exists. The export writer uses this to stay
// idempotent across crashes: an existing record wins, whatever its mode.
func LatestSuccessAudit(database *sql.DB, captureID string) (*AuditRecord, error) {
	row := database.QueryRow(`
		SELECT id, capture_id, export_path, content_hash, mode, had_error, created_at
		FROM export_audit
		WHERE capture_id = ? AND had_error = 0
		ORDER BY id DESC
		LIMIT 1
	`, captureID)

	rec, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rec, nil
}

// ListAudits returns every audit record for a capture, oldest first.
func ListAudits(database *sql.DB, captureID string) ([]*AuditRecord, error) {
	rows, err := database.Query(`
		SELECT id, capture_id, export_path, content_hash, mode, had_error, created_at
		FROM export_audit
		WHERE capture_id = ?
		ORDER BY id ASC
	`, captureID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return records, nil
}

// CountAuditsByMode returns how many audit rows exist per mode, for the
// health surface's placeholder-export ratio.
func CountAuditsByMode(database *sql.DB) (map[ExportMode]int, error) {
	rows, err := database.Query(`SELECT mode, COUNT(*) FROM export_audit GROUP BY mode`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	counts := make(map[ExportMode]int)
	for rows.Next() {
		var mode string
		var count int
		if err := rows.Scan(&mode, &count); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts[ExportMode(mode)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

// scanAudit reads one audit row.
func scanAudit(s scanner) (*AuditRecord, error) {
	var (
		rec      AuditRecord
		hash     sql.NullString
		mode     string
		hadError int
	)
	if err := s.Scan(&rec.ID, &rec.CaptureID, &rec.ExportPath, &hash, &mode, &hadError, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if hash.Valid {
		rec.ContentHash = &hash.String
	}
	rec.Mode = ExportMode(mode)
	rec.HadError = hadError != 0
	return &rec, nil
}

// boolToInt converts a bool to the 0/1 integers SQLite stores.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
