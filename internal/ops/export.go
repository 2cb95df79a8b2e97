package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// ExportFileExt is the extension of exported capture files.
const ExportFileExt = ".md"

// ExportResult reports where an export landed and in which audit mode.
type ExportResult struct {
	CaptureID string        `json:"capture_id"`
	Path      string        `json:"path"`
	Mode      db.ExportMode `json:"mode"`
}

// Writer performs atomic temp-then-rename exports into the destination
// vault. The final path either does not exist or contains a byte-complete
// file; nothing outside the writer ever observes a partial write. Temp
// files live in a sibling staging directory on the same mount, outside the
// watched tree.
type Writer struct {
	database *sql.DB
	dedup    *Deduplicator
	destRoot string
	log      zerolog.Logger
	now      func() time.Time
}

// NewWriter creates a Writer over the given ledger handle and vault root.
func NewWriter(database *sql.DB, destRoot string, log zerolog.Logger) *Writer {
	return &Writer{
		database: database,
		dedup:    NewDeduplicator(database),
		destRoot: destRoot,
		now:      time.Now,
		log:      log.With().Str("component", "export").Logger(),
	}
}

// FinalPath returns the capture's destination path: <root>/<id>.md.
// The capture id is the deterministic filename stem; there is no separate
// filename generation.
func (w *Writer) FinalPath(captureID string) string {
	return filepath.Join(w.destRoot, captureID+ExportFileExt)
}

// stagingDir returns the temp-file directory: a sibling of the destination
// root so rename stays on one mount while the watched tree never sees a
// half-written file.
func (w *Writer) stagingDir() string {
	return w.destRoot + ".staging"
}

// WriteAtomic exports formattedContent for the capture. Re-invoking after a
// crash is safe and converges to one terminal state with exactly one audit
// record: a pre-existing success audit short-circuits, and a pre-existing
// identical destination file is absorbed as a duplicate skip.
func (w *Writer) WriteAtomic(ctx context.Context, captureID, formattedContent string) (*ExportResult, error) {
	c, err := db.GetCapture(w.database, captureID)
	if err != nil {
		return nil, err
	}

	// Crash idempotency: an audit row written before the status update wins.
	if res, done, err := w.convergeOnAudit(c); done || err != nil {
		return res, err
	}

	if c.Status != capture.StatusTranscribed {
		return nil, errors.NewInvalidTransition(captureID, string(c.Status), string(capture.StatusExported))
	}
	if c.ContentHash == nil {
		return nil, errors.NewInvalidRequest("capture " + captureID + " has no content hash bound")
	}
	hash := *c.ContentHash
	finalPath := w.FinalPath(captureID)

	// Layer-2 dedup gates the physical write. An error here means "do not
	// export yet", never "unique".
	dres, err := w.dedup.CheckDuplicate(ctx, hash, captureID)
	if err != nil {
		return nil, err
	}
	if dres.Duplicate {
		w.log.Info().Str("id", captureID).Str("matched", dres.MatchedID).Msg("content already exported, skipping write")
		return w.recordDuplicateSkip(c, finalPath, &hash)
	}

	// Collision handling on the final path. An existing file matching the
	// capture's hash (or the exact content being exported, when formatting
	// wrapped it) is a crashed earlier attempt; anything else is fatal.
	if existing, err := os.ReadFile(finalPath); err == nil {
		existingHash := capture.HashContent(string(existing))
		if existingHash == hash || existingHash == capture.HashContent(formattedContent) {
			return w.recordDuplicateSkip(c, finalPath, &hash)
		}
		return nil, w.conflict(captureID, finalPath)
	} else if !os.IsNotExist(err) {
		return nil, w.failExport(captureID, err)
	}

	if err := w.writeFile(finalPath, []byte(formattedContent)); err != nil {
		return nil, w.failExport(captureID, err)
	}

	return w.finish(c, finalPath, &hash, db.ExportModeInitial, capture.StatusExported)
}

// WritePlaceholder exports a diagnostic stand-in for a capture whose
// transcription failed. The audit row carries a null hash snapshot.
func (w *Writer) WritePlaceholder(ctx context.Context, captureID string) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	c, err := db.GetCapture(w.database, captureID)
	if err != nil {
		return nil, err
	}

	if res, done, err := w.convergeOnAudit(c); done || err != nil {
		return res, err
	}

	if c.Status != capture.StatusFailedTranscription {
		return nil, errors.NewInvalidTransition(captureID, string(c.Status), string(capture.StatusExportedPlaceholder))
	}

	finalPath := w.FinalPath(captureID)
	body := placeholderBody(c)

	if existing, err := os.ReadFile(finalPath); err == nil {
		// A crashed placeholder export left its own file behind; anything
		// else at this path is a genuine conflict.
		if capture.NormalizeContent(string(existing)) != capture.NormalizeContent(body) {
			return nil, w.conflict(captureID, finalPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, w.failExport(captureID, err)
	} else if err := w.writeFile(finalPath, []byte(body)); err != nil {
		return nil, w.failExport(captureID, err)
	}

	return w.finish(c, finalPath, nil, db.ExportModePlaceholder, capture.StatusExportedPlaceholder)
}

// convergeOnAudit checks for a success audit record left by a crashed run.
// When one exists the capture is driven to the matching terminal status and
// no second record is written.
func (w *Writer) convergeOnAudit(c *capture.Capture) (*ExportResult, bool, error) {
	rec, err := db.LatestSuccessAudit(w.database, c.ID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		if c.Status.Terminal() {
			return nil, false, errors.NewInvalidTransition(c.ID, string(c.Status), string(capture.StatusExported))
		}
		return nil, false, nil
	}

	var target capture.Status
	switch rec.Mode {
	case db.ExportModePlaceholder:
		target = capture.StatusExportedPlaceholder
	case db.ExportModeDuplicateSkip:
		target = capture.StatusExportedDuplicate
	default:
		target = capture.StatusExported
	}
	if !c.Status.Terminal() {
		if err := db.TransitionStatus(w.database, c.ID, c.Status, target, w.now()); err != nil {
			return nil, false, err
		}
	}
	return &ExportResult{CaptureID: c.ID, Path: rec.ExportPath, Mode: rec.Mode}, true, nil
}

// recordDuplicateSkip records the expected-non-error duplicate path: an
// audit row in duplicate_skip mode and a transition to exported_duplicate,
// with no physical write.
func (w *Writer) recordDuplicateSkip(c *capture.Capture, finalPath string, hash *string) (*ExportResult, error) {
	return w.finish(c, finalPath, hash, db.ExportModeDuplicateSkip, capture.StatusExportedDuplicate)
}

// finish inserts the audit record and drives the capture to its terminal
// status.
func (w *Writer) finish(c *capture.Capture, finalPath string, hash *string, mode db.ExportMode, target capture.Status) (*ExportResult, error) {
	now := w.now()

	rec := &db.AuditRecord{
		CaptureID:   c.ID,
		ExportPath:  finalPath,
		ContentHash: hash,
		Mode:        mode,
		CreatedAt:   now.Unix(),
	}
	if err := db.InsertAudit(w.database, rec); err != nil {
		return nil, w.failExport(c.ID, err)
	}

	if err := db.TransitionStatus(w.database, c.ID, c.Status, target, now); err != nil {
		return nil, err
	}

	return &ExportResult{CaptureID: c.ID, Path: finalPath, Mode: mode}, nil
}

// writeFile writes content to a temp file in the staging directory, flushes
// it durably, and renames it onto the final path. Any failure removes the
// temp file; the final path is never left partial.
func (w *Writer) writeFile(finalPath string, content []byte) error {
	if err := os.MkdirAll(w.destRoot, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(w.stagingDir(), 0700); err != nil {
		return err
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return err
	}
	tempPath := filepath.Join(w.stagingDir(), filepath.Base(finalPath)+"."+hex.EncodeToString(randBytes)+".tmp")

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			// Idempotent cleanup; the temp never outlives a failed attempt.
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(content); err != nil {
		return err
	}

	// Durable flush before rename; buffered-only is not enough here.
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	file = nil

	if err := os.Rename(tempPath, finalPath); err != nil {
		return err
	}

	success = true
	return nil
}

// conflict reports the fatal identifier collision: the final path holds
// different content under this capture's id. Never silently overwritten.
func (w *Writer) conflict(captureID, finalPath string) error {
	err := errors.NewIdentifierConflict(captureID, finalPath)
	w.log.Error().Str("id", captureID).Str("path", finalPath).Msg("destination exists with different content")
	_ = db.LogError(w.database, captureID, db.StageExport, err.Message, w.now())
	return err
}

// failExport classifies a failed write, records the export-stage error log
// entry, and returns the typed error. No audit record is written for a
// failed non-duplicate attempt.
func (w *Writer) failExport(captureID string, err error) error {
	classified := ClassifyFSError(err)
	w.log.Warn().Str("id", captureID).Err(err).Msg("export failed")
	_ = db.LogError(w.database, captureID, db.StageExport, classified.Error(), w.now())
	return classified
}

// placeholderBody builds the diagnostic stand-in written when transcription
// failed. Formatting of real exports is upstream's job; the placeholder is
// the one body this core composes itself. It is deterministic per capture
// so a crashed placeholder export can be replayed against its own file.
func placeholderBody(c *capture.Capture) string {
	source := "unknown"
	if nativeID, err := c.NativeID(); err == nil {
		source = nativeID
	}
	return fmt.Sprintf(
		"---\nid: %s\nchannel: %s\ncaptured: %s\nplaceholder: true\n---\n\nTranscription failed for %s. The source item is preserved in the ledger for manual review.\n",
		c.ID, c.Channel, time.Unix(c.CreatedAt, 0).UTC().Format(time.RFC3339), source,
	)
}
