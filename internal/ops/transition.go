package ops

import (
	"database/sql"
	"time"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// Transition validates and applies a status change. The target must be in
// the allowed-successor set of the capture's current status; a terminal
// status permits no further transition. Application is a compare-and-swap
// keyed on the observed status, so racing callers get
// CONCURRENT_STATE_CHANGE instead of a silent lost update.
func Transition(database *sql.DB, id string, target capture.Status, now time.Time) error {
	if !target.Valid() {
		return errors.NewInvalidRequest("unknown status: " + string(target))
	}

	c, err := db.GetCapture(database, id)
	if err != nil {
		return err
	}

	if c.Status.Terminal() || !c.Status.CanTransition(target) {
		return errors.NewInvalidTransition(id, string(c.Status), string(target))
	}

	return db.TransitionStatus(database, id, c.Status, target, now)
}

// MarkTranscribed binds the transcript and its content hash to a staged
// capture and advances it to transcribed. The hash is write-once; a rebind
// with identical content is tolerated so a crash between bind and status
// update can be replayed.
func MarkTranscribed(database *sql.DB, id, transcript string, now time.Time) error {
	hash := capture.HashContent(transcript)

	if err := db.BindContentHash(database, id, hash, transcript, now); err != nil {
		if !errors.Is(err, errors.ErrHashAlreadyBound) {
			return err
		}
		c, getErr := db.GetCapture(database, id)
		if getErr != nil {
			return getErr
		}
		if c.ContentHash == nil || *c.ContentHash != hash {
			return err
		}
	}

	return Transition(database, id, capture.StatusTranscribed, now)
}

// MarkTranscriptionFailed advances a staged capture to failed_transcription
// and records the failure in the error log.
func MarkTranscriptionFailed(database *sql.DB, id, reason string, now time.Time) error {
	if err := Transition(database, id, capture.StatusFailedTranscription, now); err != nil {
		return err
	}
	return db.LogError(database, id, db.StageTranscribe, reason, now)
}
