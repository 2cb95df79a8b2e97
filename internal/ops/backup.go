package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

// backupTimeLayout names snapshots ledger-<YYYYMMDD>-<HH>.db so a plain
// filename sort orders them newest-first.
const backupTimeLayout = "20060102-15"

// BackupResult reports one snapshot write.
type BackupResult struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// VerifyResult reports an integrity check of one snapshot.
type VerifyResult struct {
	Path                 string `json:"path"`
	IntegrityCheckPassed bool   `json:"integrity_check_passed"`
}

// Backups snapshots the ledger on a timer and prunes old snapshots. It runs
// independently of capture traffic and reads the store under SQLite's
// consistent-snapshot guarantee without blocking the writer beyond the copy
// itself.
type Backups struct {
	database *sql.DB
	dir      string
	keep     int
	log      zerolog.Logger
	now      func() time.Time
}

// NewBackups creates a Backups manager writing into dir and retaining the
// keep most recent snapshots.
func NewBackups(database *sql.DB, dir string, keep int, log zerolog.Logger) *Backups {
	return &Backups{
		database: database,
		dir:      dir,
		keep:     keep,
		log:      log.With().Str("component", "backup").Logger(),
		now:      time.Now,
	}
}

// SnapshotPath returns the snapshot filename for the given time.
func (b *Backups) SnapshotPath(now time.Time) string {
	return filepath.Join(b.dir, "ledger-"+now.Format(backupTimeLayout)+".db")
}

// Create writes a full consistent snapshot of the ledger. VACUUM INTO lands
// in a temp file first and the snapshot is renamed into place, so a crashed
// backup never leaves a half-written file under a snapshot name.
func (b *Backups) Create(ctx context.Context, now time.Time) (*BackupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := os.MkdirAll(b.dir, 0700); err != nil {
		return nil, errors.NewInternal(err)
	}

	finalPath := b.SnapshotPath(now)

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(err)
	}
	tempPath := finalPath + "." + hex.EncodeToString(randBytes) + ".tmp"

	if _, err := b.database.Exec(`VACUUM INTO ?`, tempPath); err != nil {
		os.Remove(tempPath)
		return nil, errors.NewInternal(err)
	}

	// Re-running inside the same hour replaces the hour's snapshot.
	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		os.Remove(tempPath)
		return nil, errors.NewInternal(err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return nil, errors.NewInternal(err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	b.log.Info().Str("path", finalPath).Int64("bytes", info.Size()).Msg("snapshot written")
	return &BackupResult{Path: finalPath, SizeBytes: info.Size()}, nil
}

// Verify opens the snapshot read-only and runs SQLite's structural
// consistency check.
func (b *Backups) Verify(ctx context.Context, path string) (*VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	snapshot, err := sql.Open("sqlite", path+"?mode=ro&_pragma=query_only(ON)")
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer snapshot.Close()

	var result string
	if err := snapshot.QueryRow("PRAGMA integrity_check;").Scan(&result); err != nil {
		return &VerifyResult{Path: path}, errors.NewBackupVerification(path, err.Error())
	}
	if result != "ok" {
		return &VerifyResult{Path: path}, errors.NewBackupVerification(path, result)
	}

	return &VerifyResult{Path: path, IntegrityCheckPassed: true}, nil
}

// Prune deletes the oldest snapshots beyond the retention count, keeping
// exactly the keep most recent by filename timestamp.
func (b *Backups) Prune() (int, error) {
	snapshots, err := filepath.Glob(filepath.Join(b.dir, "ledger-*.db"))
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	if len(snapshots) <= b.keep {
		return 0, nil
	}

	// Newest first by name; the timestamp layout makes that chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))

	deleted := 0
	for _, path := range snapshots[b.keep:] {
		if err := os.Remove(path); err != nil {
			return deleted, errors.NewInternal(err)
		}
		deleted++
	}
	return deleted, nil
}

// RunCycle performs one backup cycle: snapshot, verify, then prune.
// Verification must pass before pruning; a failed check halts the cycle
// with an error-log entry so old snapshots are never deleted without a
// verified replacement.
func (b *Backups) RunCycle(ctx context.Context) error {
	now := b.now()

	result, err := b.Create(ctx, now)
	if err != nil {
		_ = db.LogError(b.database, "", db.StageBackup, err.Error(), now)
		return err
	}

	verify, err := b.Verify(ctx, result.Path)
	_ = db.SetCursor(b.database, db.CursorBackupLastAt, strconv.FormatInt(now.Unix(), 10), now)
	_ = db.SetCursor(b.database, db.CursorBackupVerified, strconv.FormatBool(err == nil && verify.IntegrityCheckPassed), now)
	if err != nil {
		_ = db.LogError(b.database, "", db.StageIntegrity, err.Error(), now)
		b.log.Error().Str("path", result.Path).Err(err).Msg("snapshot failed verification, pruning halted")
		return err
	}

	deleted, err := b.Prune()
	if err != nil {
		_ = db.LogError(b.database, "", db.StageBackup, err.Error(), now)
		return err
	}
	if deleted > 0 {
		b.log.Info().Int("deleted", deleted).Int("keep", b.keep).Msg("old snapshots pruned")
	}
	return nil
}
