package ops

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/holdfast-dev/holdfast/internal/db"
)

// HealthOutput is the read-only operational snapshot the CLI surface
// consumes. Everything here is derived from the ledger; nothing mutates.
type HealthOutput struct {
	PendingDepth       int            `json:"pending_depth"`
	Errors24h          map[string]int `json:"errors_24h"`
	LastBackupAt       *int64         `json:"last_backup_at,omitempty"`
	LastBackupVerified bool           `json:"last_backup_verified"`
	PlaceholderRatio   float64        `json:"placeholder_ratio"`
}

// Health reports pending-queue depth, 24-hour error counts by stage, the
// last backup timestamp and verification result, and the placeholder-export
// ratio.
func Health(database *sql.DB, now time.Time) (*HealthOutput, error) {
	out := &HealthOutput{Errors24h: make(map[string]int)}

	var pending int
	err := database.QueryRow(`SELECT COUNT(*) FROM captures WHERE status NOT LIKE 'exported%'`).Scan(&pending)
	if err != nil {
		return nil, err
	}
	out.PendingDepth = pending

	errCounts, err := db.CountErrorsSince(database, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	for stage, count := range errCounts {
		out.Errors24h[string(stage)] = count
	}

	if lastAt, err := db.GetCursor(database, db.CursorBackupLastAt); err != nil {
		return nil, err
	} else if lastAt != "" {
		if ts, err := strconv.ParseInt(lastAt, 10, 64); err == nil {
			out.LastBackupAt = &ts
		}
	}
	if verified, err := db.GetCursor(database, db.CursorBackupVerified); err != nil {
		return nil, err
	} else {
		out.LastBackupVerified = verified == "true"
	}

	auditCounts, err := db.CountAuditsByMode(database)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, count := range auditCounts {
		total += count
	}
	if total > 0 {
		out.PlaceholderRatio = float64(auditCounts[db.ExportModePlaceholder]) / float64(total)
	}

	return out, nil
}
