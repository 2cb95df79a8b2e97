package db

import (
	"database/sql"
	"time"

	"github.com/holdfast-dev/holdfast/internal/errors"
)

// Well-known cursor keys. Poll cursors belong to the upstream capture
// sources and are stored opaquely; the backup keys feed the health surface.
const (
	CursorBackupLastAt    = "backup.last_at"
	CursorBackupVerified  = "backup.last_verified"
	CursorVoicePollMarker = "poll.voice"
	CursorEmailPollMarker = "poll.email"
)

// SetCursor upserts a key-value checkpoint row.
func SetCursor(database *sql.DB, key, value string, now time.Time) error {
	_, err := database.Exec(`
		INSERT INTO cursors (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now.Unix())
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetCursor returns the checkpoint value for key, or "" when the key has
// never been set.
func GetCursor(database *sql.DB, key string) (string, error) {
	var value string
	err := database.QueryRow(`SELECT value FROM cursors WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return value, nil
}
