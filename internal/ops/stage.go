package ops

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// StageInput contains parameters for the Stage operation.
type StageInput struct {
	Channel capture.Channel

	// Content is the text body. May be empty for voice captures that have
	// not been transcribed yet.
	Content string

	// FilePath is the source audio file (voice only). Doubles as the
	// channel-native id.
	FilePath string

	// MessageID, From, and Subject describe the source mail (email only).
	// MessageID doubles as the channel-native id.
	MessageID string
	From      string
	Subject   string

	// ContentHash is the precomputed hash an email source supplies at
	// insert time. Computed from Content when omitted.
	ContentHash string
}

// StageOutput contains the result of the Stage operation.
type StageOutput struct {
	ID string `json:"id"`

	// AlreadyStaged is true when the same physical item was staged earlier;
	// ID then names the existing capture and nothing was inserted.
	AlreadyStaged bool `json:"already_staged,omitempty"`

	// DuplicateOf names the earlier capture whose audio fingerprint matches
	// this one; the new row was driven straight to exported_duplicate.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// Stage inserts one capture row on behalf of an upstream source. Layer-1
// dedup happens here: re-staging the same (channel, native id) pair is a
// no-op reported through AlreadyStaged, not an error.
func Stage(ctx context.Context, database *sql.DB, input StageInput, now time.Time) (*StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if !input.Channel.Valid() {
		return nil, errors.NewInvalidRequest("channel must be one of: voice, email")
	}

	id, err := capture.NewID(now)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	c := &capture.Capture{
		ID:        id,
		Channel:   input.Channel,
		Content:   input.Content,
		Status:    capture.StatusStaged,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}

	switch input.Channel {
	case capture.ChannelVoice:
		meta := &capture.VoiceMeta{FilePath: input.FilePath}
		// The fingerprint stands in as the dedup key until transcription
		// binds a real content hash. Missing audio is not fatal at staging
		// time; recovery quarantines it later.
		if fp, err := capture.AudioFingerprint(input.FilePath); err == nil {
			meta.AudioFingerprint = fp
		} else if !os.IsNotExist(err) {
			_ = db.LogError(database, "", db.StagePoll, "fingerprint "+input.FilePath+": "+err.Error(), now)
		}
		c.Voice = meta

	case capture.ChannelEmail:
		if input.Content == "" {
			return nil, errors.NewInvalidRequest("email capture requires content at insert time")
		}
		hash := input.ContentHash
		if hash == "" {
			hash = capture.HashContent(input.Content)
		}
		c.ContentHash = &hash
		c.Email = &capture.EmailMeta{
			MessageID: input.MessageID,
			From:      input.From,
			Subject:   input.Subject,
		}
	}

	if err := db.InsertCapture(database, c); err != nil {
		if errors.Is(err, errors.ErrAlreadyStaged) {
			existing, lookupErr := findStaged(database, c)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &StageOutput{ID: existing, AlreadyStaged: true}, nil
		}
		return nil, err
	}

	// The fingerprint dedups hash-less voice captures: byte-identical audio
	// at a different path passes layer 1 but is still the same content.
	if c.Voice != nil && c.Voice.AudioFingerprint != "" {
		res, derr := NewDeduplicator(database).CheckFingerprint(ctx, c.Voice.AudioFingerprint, id)
		switch {
		case derr != nil:
			// Unavailability never blocks staging; the row stays pending.
			_ = db.LogError(database, id, db.StagePoll, "fingerprint check: "+derr.Error(), now)
		case res.Duplicate:
			if err := db.TransitionStatus(database, id, capture.StatusStaged, capture.StatusExportedDuplicate, now); err != nil {
				return nil, err
			}
			return &StageOutput{ID: id, DuplicateOf: res.MatchedID}, nil
		}
	}

	return &StageOutput{ID: id}, nil
}

// findStaged resolves the id of the capture already holding this native id.
func findStaged(database *sql.DB, c *capture.Capture) (string, error) {
	nativeID, err := c.NativeID()
	if err != nil {
		return "", err
	}

	var id string
	err = database.QueryRow(
		`SELECT id FROM captures WHERE channel = ? AND native_id = ?`,
		string(c.Channel), nativeID,
	).Scan(&id)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return id, nil
}
