package ops

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// DefaultStaleAfter is the staleness threshold: a non-terminal capture
// untouched for longer is classified timed-out and left for the next cycle
// or manual intervention.
const DefaultStaleAfter = 10 * time.Minute

// Transcriber converts a source audio file into text. Implemented by the
// upstream capture pipeline; recovery only needs this one call.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// RecoverySummary reports one reconciliation pass.
type RecoverySummary struct {
	Found       int   `json:"found"`
	Recovered   int   `json:"recovered"`
	TimedOut    int   `json:"timed_out"`
	Quarantined int   `json:"quarantined"`
	Failed      int   `json:"failed"`
	DurationMS  int64 `json:"duration_ms"`
}

// Reconciler replays non-terminal captures at startup, before new intake
// resumes. Processing is strictly sequential, oldest first, so replay
// preserves original intake order.
type Reconciler struct {
	database    *sql.DB
	writer      *Writer
	transcriber Transcriber
	staleAfter  time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewReconciler creates a Reconciler. transcriber may be nil when no voice
// pipeline is attached; staged voice captures then fail per-row and are
// left for a later cycle.
func NewReconciler(database *sql.DB, writer *Writer, transcriber Transcriber, staleAfter time.Duration, log zerolog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		database:    database,
		writer:      writer,
		transcriber: transcriber,
		staleAfter:  staleAfter,
		log:         log.With().Str("component", "recovery").Logger(),
		now:         time.Now,
	}
}

// Recover runs one reconciliation pass. Per-row errors are logged and
// skipped; the batch always runs to completion. A summary line is emitted
// only when at least one capture was actually recovered, so clean restarts
// stay quiet.
func (r *Reconciler) Recover(ctx context.Context) (*RecoverySummary, error) {
	start := r.now()

	rows, err := db.ListNonTerminal(r.database)
	if err != nil {
		return nil, err
	}

	summary := &RecoverySummary{Found: len(rows)}
	for _, c := range rows {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}

		switch {
		case r.stale(c, start):
			summary.TimedOut++
			r.log.Warn().Str("id", c.ID).Str("status", string(c.Status)).Msg("capture stale, leaving for next cycle")

		case r.quarantine(c):
			summary.Quarantined++

		default:
			if err := r.resume(ctx, c); err != nil {
				summary.Failed++
				r.recordFailure(c.ID, err)
				continue
			}
			summary.Recovered++
		}
	}

	summary.DurationMS = r.now().Sub(start).Milliseconds()
	if summary.Recovered > 0 {
		r.log.Info().Msg(fmt.Sprintf("Recovered %d captures in %dms", summary.Recovered, summary.DurationMS))
	}
	return summary, nil
}

// recordedError tags a resume failure a lower layer already wrote to the
// error log, so the failed branch does not double-record it.
type recordedError struct{ err error }

func (e *recordedError) Error() string { return e.err.Error() }
func (e *recordedError) Unwrap() error { return e.err }

// alreadyRecorded reports whether the failure reached the error log on the
// way up. The writer records its own filesystem failures and conflicts.
func alreadyRecorded(err error) bool {
	var rec *recordedError
	if goerrors.As(err, &rec) {
		return true
	}
	return errors.Is(err, errors.ErrTransient) || errors.Is(err, errors.ErrIdentifierConflict)
}

// recordFailure logs a per-row resume failure and puts it in the error log
// unless a lower layer already did. Invalid transitions, concurrent state
// changes, and dedup outages have no other path into the log, and the
// health surface counts only what the log holds.
func (r *Reconciler) recordFailure(captureID string, err error) {
	r.log.Warn().Str("id", captureID).Err(err).Msg("recovery of capture failed")
	if alreadyRecorded(err) {
		return
	}
	if logErr := db.LogError(r.database, captureID, db.StageExport, err.Error(), r.now()); logErr != nil {
		r.log.Warn().Str("id", captureID).Err(logErr).Msg("failed to record recovery error")
	}
}

// stale reports whether the row's last update predates the staleness
// threshold.
func (r *Reconciler) stale(c *capture.Capture, now time.Time) bool {
	return now.Sub(time.Unix(c.UpdatedAt, 0)) > r.staleAfter
}

// quarantine marks a voice capture whose source audio no longer exists on
// disk. Quarantined captures are never retried automatically.
func (r *Reconciler) quarantine(c *capture.Capture) bool {
	if c.Channel != capture.ChannelVoice || c.Voice == nil || c.Quarantined() {
		return c.Quarantined()
	}
	if _, err := os.Stat(c.Voice.FilePath); !os.IsNotExist(err) {
		return false
	}

	now := r.now()
	c.Voice.Quarantine = &capture.Quarantine{
		Reason: "source file missing: " + c.Voice.FilePath,
		At:     now.Unix(),
	}
	if err := db.UpdateMetadata(r.database, c, now); err != nil {
		r.log.Warn().Str("id", c.ID).Err(err).Msg("failed to record quarantine")
		return true
	}
	r.log.Warn().Str("id", c.ID).Str("path", c.Voice.FilePath).Msg("capture quarantined")
	return true
}

// resume re-drives a capture according to its current status.
func (r *Reconciler) resume(ctx context.Context, c *capture.Capture) error {
	switch c.Status {
	case capture.StatusStaged:
		return r.resumeStaged(ctx, c)

	case capture.StatusTranscribed:
		_, err := r.writer.WriteAtomic(ctx, c.ID, c.Content)
		return err

	case capture.StatusFailedTranscription:
		_, err := r.writer.WritePlaceholder(ctx, c.ID)
		return err
	}
	return errors.NewInvalidRequest("cannot resume status " + string(c.Status))
}

// resumeStaged completes transcription and then exports. Email captures
// carry their content from insert time, so they only need the status
// advance before export.
func (r *Reconciler) resumeStaged(ctx context.Context, c *capture.Capture) error {
	content := c.Content

	if c.Channel == capture.ChannelVoice {
		if r.transcriber == nil {
			return errors.NewInvalidRequest("no transcriber attached for staged voice capture " + c.ID)
		}
		transcript, err := r.transcriber.Transcribe(ctx, c.Voice.FilePath)
		if err != nil {
			logErr := db.LogError(r.database, c.ID, db.StageTranscribe, err.Error(), r.now())
			if logErr != nil {
				r.log.Warn().Str("id", c.ID).Err(logErr).Msg("failed to record transcription error")
			}
			return &recordedError{err: errors.NewInternal(err)}
		}
		if err := MarkTranscribed(r.database, c.ID, transcript, r.now()); err != nil {
			return err
		}
		content = transcript
	} else {
		if err := Transition(r.database, c.ID, capture.StatusTranscribed, r.now()); err != nil {
			return err
		}
	}

	_, err := r.writer.WriteAtomic(ctx, c.ID, content)
	return err
}
