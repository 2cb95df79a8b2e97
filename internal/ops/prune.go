package ops

import (
	"database/sql"
	"time"

	"github.com/holdfast-dev/holdfast/internal/config"
	"github.com/holdfast-dev/holdfast/internal/db"
)

// PruneOutput contains the result of the Prune operation.
type PruneOutput struct {
	Captures  int `json:"captures"`
	ErrorLogs int `json:"error_logs"`
}

// Prune deletes terminal captures that aged out of the retention window and
// diagnostic records past the error-log window. Non-terminal captures are
// never touched; their audit rows cascade and error-log references null
// out, per the schema.
func Prune(database *sql.DB, cfg *config.Config, now time.Time) (*PruneOutput, error) {
	captureCutoff := now.AddDate(0, 0, -cfg.RetentionDays)
	captures, err := db.PruneTerminalCaptures(database, captureCutoff)
	if err != nil {
		return nil, err
	}

	logCutoff := now.AddDate(0, 0, -cfg.ErrorLogRetentionDays)
	errorLogs, err := db.PruneErrorLog(database, logCutoff)
	if err != nil {
		return nil, err
	}

	return &PruneOutput{Captures: captures, ErrorLogs: errorLogs}, nil
}
