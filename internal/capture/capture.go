package capture

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holdfast-dev/holdfast/internal/errors"
)

// Channel identifies the source a capture arrived from.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
)

// Valid reports whether the channel is a known capture source.
func (c Channel) Valid() bool {
	return c == ChannelVoice || c == ChannelEmail
}

// Capture is one staged unit of content awaiting export.
type Capture struct {
	// ID is a ULID that uniquely identifies this capture and doubles as the
	// export filename stem.
	ID string

	// Channel is the source channel ("voice" or "email").
	Channel Channel

	// Content is the raw or transcribed text. Empty for voice captures that
	// have not been transcribed yet.
	Content string

	// ContentHash is the normalized SHA-256 digest of Content, set at most
	// once per capture (nil until computable).
	ContentHash *string

	// Status is the current lifecycle state.
	Status Status

	// Voice carries voice-channel metadata; nil unless Channel is "voice".
	Voice *VoiceMeta

	// Email carries email-channel metadata; nil unless Channel is "email".
	Email *EmailMeta

	// CreatedAt is the Unix timestamp when the capture was staged.
	CreatedAt int64

	// UpdatedAt is the Unix timestamp of the last status or metadata change.
	UpdatedAt int64
}

// VoiceMeta is the metadata blob for voice captures.
type VoiceMeta struct {
	// FilePath is the source audio file, also the channel-native id.
	FilePath string `json:"file_path"`

	// AudioFingerprint is the hash of a bounded audio prefix, standing in as
	// the dedup key until transcription binds a real content hash.
	AudioFingerprint string `json:"audio_fingerprint,omitempty"`

	// Quarantine is set when the source file went missing; nil otherwise.
	Quarantine *Quarantine `json:"quarantine,omitempty"`
}

// EmailMeta is the metadata blob for email captures.
type EmailMeta struct {
	// MessageID is the mail system's message id, also the channel-native id.
	MessageID string `json:"message_id"`
	From      string `json:"from,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Quarantine marks a capture whose backing source file is missing. A
// quarantined capture is never retried automatically.
type Quarantine struct {
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// Quarantined reports whether the capture has been quarantined.
func (c *Capture) Quarantined() bool {
	return c.Voice != nil && c.Voice.Quarantine != nil
}

// NativeID returns the channel-native identifier used for layer-1 dedup:
// the source file path for voice, the message id for email.
func (c *Capture) NativeID() (string, error) {
	switch c.Channel {
	case ChannelVoice:
		if c.Voice == nil || c.Voice.FilePath == "" {
			return "", errors.NewInvalidRequest("voice capture requires metadata with file_path")
		}
		return c.Voice.FilePath, nil
	case ChannelEmail:
		if c.Email == nil || c.Email.MessageID == "" {
			return "", errors.NewInvalidRequest("email capture requires metadata with message_id")
		}
		return c.Email.MessageID, nil
	}
	return "", errors.NewInvalidRequest("unknown channel: " + string(c.Channel))
}

// metadataEnvelope is the on-disk shape of the metadata blob, keyed by
// channel so exactly one variant is populated.
type metadataEnvelope struct {
	Voice *VoiceMeta `json:"voice,omitempty"`
	Email *EmailMeta `json:"email,omitempty"`
}

// MarshalMetadata serializes the channel-specific metadata union.
func (c *Capture) MarshalMetadata() (string, error) {
	env := metadataEnvelope{Voice: c.Voice, Email: c.Email}
	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return string(data), nil
}

// UnmarshalMetadata populates the metadata union from its serialized form.
func (c *Capture) UnmarshalMetadata(blob string) error {
	var env metadataEnvelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return errors.NewInternal(err)
	}
	c.Voice = env.Voice
	c.Email = env.Email
	return nil
}

// NewID generates a monotonic ULID for a freshly staged capture.
func NewID(now time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
