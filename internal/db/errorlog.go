package db

import (
	"database/sql"
	"time"

	"github.com/holdfast-dev/holdfast/internal/errors"
)

// Stage tags an error-log entry with the processing stage that failed.
type Stage string

const (
	StagePoll       Stage = "poll"
	StageTranscribe Stage = "transcribe"
	StageExport     Stage = "export"
	StageBackup     Stage = "backup"
	StageIntegrity  Stage = "integrity"
)

// LogError inserts a diagnostic record. captureID may be empty for
// system-level errors. The record outlives its capture: deletion of the
// capture nulls the reference instead of cascading.
func LogError(database *sql.DB, captureID string, stage Stage, message string, now time.Time) error {
	var capID sql.NullString
	if captureID != "" {
		capID = sql.NullString{String: captureID, Valid: true}
	}

	_, err := database.Exec(`
		INSERT INTO error_log (capture_id, stage, message, created_at)
		VALUES (?, ?, ?, ?)
	`, capID, string(stage), message, now.Unix())
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// CountErrorsSince returns error counts grouped by stage for entries newer
// than the cutoff. Feeds the 24-hour window of the health surface.
func CountErrorsSince(database *sql.DB, cutoff time.Time) (map[Stage]int, error) {
	rows, err := database.Query(`
		SELECT stage, COUNT(*) FROM error_log
		WHERE created_at >= ?
		GROUP BY stage
	`, cutoff.Unix())
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	counts := make(map[Stage]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts[Stage(stage)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

// PruneErrorLog deletes diagnostic entries older than the cutoff. Low
// priority housekeeping; correctness never depends on it.
func PruneErrorLog(database *sql.DB, cutoff time.Time) (int, error) {
	res, err := database.Exec(`DELETE FROM error_log WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(affected), nil
}
