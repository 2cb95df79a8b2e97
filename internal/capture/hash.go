package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// fingerprintPrefixBytes bounds how much of an audio file feeds the
// pre-transcription fingerprint.
const fingerprintPrefixBytes = 64 * 1024

// NormalizeContent prepares text for hashing: trim surrounding whitespace
// and normalize line endings to LF.
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// HashContent returns the hex SHA-256 of the normalized content. This is the
// layer-2 dedup key.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(s)))
	return hex.EncodeToString(sum[:])
}

// AudioFingerprint hashes a bounded prefix of the audio file at path. It
// stands in as the dedup key for voice captures until transcription
// completes and a real content hash is bound.
func AudioFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintPrefixBytes)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
