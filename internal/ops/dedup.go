package ops

import (
	"context"
	"database/sql"

	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// DedupResult is the outcome of a layer-2 duplicate check.
type DedupResult struct {
	Duplicate bool   `json:"duplicate"`
	MatchedID string `json:"matched_id,omitempty"`
}

// Deduplicator answers whether content is already known to the ledger.
// Layer 1 (channel-native id uniqueness) is enforced by the store at insert
// time; this component covers layer 2, the content-hash lookup consulted
// before any real export write.
type Deduplicator struct {
	database *sql.DB
}

// NewDeduplicator creates a Deduplicator over the given ledger handle.
func NewDeduplicator(database *sql.DB) *Deduplicator {
	return &Deduplicator{database: database}
}

// CheckDuplicate reports whether any capture other than excludeID carries
// the given content hash. A store failure surfaces as DEDUP_UNAVAILABLE:
// the caller must treat it as "do not export yet", never as unique.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, hash, excludeID string) (*DedupResult, error) {
	if hash == "" {
		return nil, errors.NewInvalidRequest("content hash is required for a duplicate check")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewDedupUnavailable(err)
	}

	matched, err := db.FindByContentHash(d.database, hash, excludeID)
	if err != nil {
		return nil, errors.NewDedupUnavailable(err)
	}
	if matched == "" {
		return &DedupResult{}, nil
	}
	return &DedupResult{Duplicate: true, MatchedID: matched}, nil
}

// CheckFingerprint reports whether any capture other than excludeID carries
// the given audio fingerprint. The fingerprint stands in as the dedup key
// for voice captures until transcription binds a real content hash.
func (d *Deduplicator) CheckFingerprint(ctx context.Context, fingerprint, excludeID string) (*DedupResult, error) {
	if fingerprint == "" {
		return nil, errors.NewInvalidRequest("audio fingerprint is required for a duplicate check")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewDedupUnavailable(err)
	}

	matched, err := db.FindByAudioFingerprint(d.database, fingerprint, excludeID)
	if err != nil {
		return nil, errors.NewDedupUnavailable(err)
	}
	if matched == "" {
		return &DedupResult{}, nil
	}
	return &DedupResult{Duplicate: true, MatchedID: matched}, nil
}
