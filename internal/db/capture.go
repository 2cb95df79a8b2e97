package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// InsertCapture stores a new capture row. The channel-native id is derived
// from the metadata union; a UNIQUE violation on (channel, native_id) is the
// layer-1 dedup signal and surfaces as ALREADY_STAGED.
func InsertCapture(database *sql.DB, c *capture.Capture) error {
	nativeID, err := c.NativeID()
	if err != nil {
		return err
	}
	metadata, err := c.MarshalMetadata()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO captures (
			id, channel, content, content_hash, status,
			native_id, metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = database.Exec(query,
		c.ID, string(c.Channel), c.Content, toNullString(c.ContentHash),
		string(c.Status), nativeID, metadata, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewAlreadyStaged(string(c.Channel), nativeID)
		}
		return errors.NewInternal(err)
	}

	return nil
}

// GetCapture retrieves a capture by its ULID.
func GetCapture(database *sql.DB, id string) (*capture.Capture, error) {
	row := database.QueryRow(`
		SELECT id, channel, content, content_hash, status, metadata_json, created_at, updated_at
		FROM captures
		WHERE id = ?
	`, id)

	c, err := scanCapture(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// TransitionStatus applies a status change as a compare-and-swap keyed on
// the capture id and its expected current status. Zero affected rows means
// a concurrent transition raced ahead of the caller; it is reported, never
// silently applied. updated_at is refreshed on success.
func TransitionStatus(database *sql.DB, id string, expected, target capture.Status, now time.Time) error {
	res, err := database.Exec(`
		UPDATE captures SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(target), now.Unix(), id, string(expected))
	if err != nil {
		return errors.NewInternal(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if affected == 0 {
		current, getErr := GetCapture(database, id)
		if getErr != nil {
			return getErr
		}
		return errors.NewConcurrentStateChange(id, string(expected), string(current.Status))
	}

	return nil
}

// BindContentHash sets the capture's content hash and transcript content.
// The hash is write-once: a second bind attempt fails with
// HASH_ALREADY_BOUND.
func BindContentHash(database *sql.DB, id, hash, content string, now time.Time) error {
	res, err := database.Exec(`
		UPDATE captures SET content_hash = ?, content = ?, updated_at = ?
		WHERE id = ? AND content_hash IS NULL
	`, hash, content, now.Unix(), id)
	if err != nil {
		return errors.NewInternal(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if affected == 0 {
		if _, getErr := GetCapture(database, id); getErr != nil {
			return getErr
		}
		return errors.NewHashAlreadyBound(id)
	}

	return nil
}

// FindByContentHash returns the id of a capture other than excludeID that
// carries the given content hash, or "" when none does. This is the layer-2
// dedup lookup.
func FindByContentHash(database *sql.DB, hash, excludeID string) (string, error) {
	var id string
	err := database.QueryRow(`
		SELECT id FROM captures
		WHERE content_hash = ? AND id != ?
		ORDER BY id
		LIMIT 1
	`, hash, excludeID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return id, nil
}

// FindByAudioFingerprint returns the id of the earliest capture other than
// excludeID whose voice metadata carries the given audio fingerprint, or ""
// when none does. This is the stand-in layer-2 lookup for voice captures
// that have no content hash bound yet.
func FindByAudioFingerprint(database *sql.DB, fingerprint, excludeID string) (string, error) {
	var id string
	err := database.QueryRow(`
		SELECT id FROM captures
		WHERE json_extract(metadata_json, '$.voice.audio_fingerprint') = ? AND id != ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, fingerprint, excludeID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return id, nil
}

// ListNonTerminal returns all captures still awaiting export, oldest first.
// Recovery replays them in this order to preserve original intake order.
func ListNonTerminal(database *sql.DB) ([]*capture.Capture, error) {
	rows, err := database.Query(`
		SELECT id, channel, content, content_hash, status, metadata_json, created_at, updated_at
		FROM captures
		WHERE status NOT LIKE 'exported%'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var captures []*capture.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return captures, nil
}

// UpdateMetadata rewrites the capture's metadata blob (quarantine flags,
// fingerprint updates). Status is not touched here; that goes through
// TransitionStatus.
func UpdateMetadata(database *sql.DB, c *capture.Capture, now time.Time) error {
	metadata, err := c.MarshalMetadata()
	if err != nil {
		return err
	}

	res, err := database.Exec(`
		UPDATE captures SET metadata_json = ?, updated_at = ?
		WHERE id = ?
	`, metadata, now.Unix(), c.ID)
	if err != nil {
		return errors.NewInternal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if affected == 0 {
		return errors.NewNotFound(c.ID)
	}
	return nil
}

// CountByStatus returns how many captures currently hold the given status.
func CountByStatus(database *sql.DB, status capture.Status) (int, error) {
	var count int
	err := database.QueryRow(`SELECT COUNT(*) FROM captures WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return count, nil
}

// PruneTerminalCaptures deletes terminal captures whose last update is older
// than the cutoff. Audit rows cascade; error-log references null out.
// Non-terminal captures are never deleted.
func PruneTerminalCaptures(database *sql.DB, cutoff time.Time) (int, error) {
	res, err := database.Exec(`
		DELETE FROM captures
		WHERE status LIKE 'exported%' AND updated_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(affected), nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanCapture.
type scanner interface {
	Scan(dest ...any) error
}

// scanCapture reads one capture row.
func scanCapture(s scanner) (*capture.Capture, error) {
	var (
		c        capture.Capture
		channel  string
		status   string
		hash     sql.NullString
		metadata string
	)
	if err := s.Scan(&c.ID, &channel, &c.Content, &hash, &status, &metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Channel = capture.Channel(channel)
	c.Status = capture.Status(status)
	if hash.Valid {
		c.ContentHash = &hash.String
	}
	if err := c.UnmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

// toNullString converts *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
