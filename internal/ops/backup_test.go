package ops

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

func testBackups(t *testing.T, keep int) (*sql.DB, *Backups, string) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := filepath.Join(t.TempDir(), "backups")
	return database, NewBackups(database, dir, keep, zerolog.Nop()), dir
}

func TestBackupCreateAndVerify(t *testing.T) {
	database, backups, dir := testBackups(t, 24)

	_, err := Stage(context.Background(), database, StageInput{
		Channel: capture.ChannelEmail, Content: "body", MessageID: "m-1",
	}, time.Now())
	require.NoError(t, err)

	at := time.Date(2026, 8, 29, 14, 5, 0, 0, time.UTC)
	res, err := backups.Create(context.Background(), at)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ledger-20260829-14.db"), res.Path)
	require.Greater(t, res.SizeBytes, int64(0))

	verify, err := backups.Verify(context.Background(), res.Path)
	require.NoError(t, err)
	require.True(t, verify.IntegrityCheckPassed)

	// The snapshot is a complete standalone copy of the ledger.
	snapshot, err := sql.Open("sqlite", res.Path+"?mode=ro")
	require.NoError(t, err)
	defer snapshot.Close()
	var count int
	require.NoError(t, snapshot.QueryRow("SELECT COUNT(*) FROM captures").Scan(&count))
	require.Equal(t, 1, count)

	// No temp files survive.
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestBackupCreate_SameHourReplaces(t *testing.T) {
	_, backups, dir := testBackups(t, 24)

	at := time.Date(2026, 8, 29, 14, 5, 0, 0, time.UTC)
	_, err := backups.Create(context.Background(), at)
	require.NoError(t, err)
	_, err = backups.Create(context.Background(), at.Add(20*time.Minute))
	require.NoError(t, err)

	snapshots, err := filepath.Glob(filepath.Join(dir, "ledger-*.db"))
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
}

func TestBackupVerify_CorruptSnapshot(t *testing.T) {
	_, backups, dir := testBackups(t, 24)

	require.NoError(t, os.MkdirAll(dir, 0700))
	corrupt := filepath.Join(dir, "ledger-20260829-10.db")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a database"), 0600))

	_, err := backups.Verify(context.Background(), corrupt)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrBackupVerification))
}

func TestBackupPrune_KeepsNewest(t *testing.T) {
	_, backups, dir := testBackups(t, 24)
	require.NoError(t, os.MkdirAll(dir, 0700))

	// 30 hourly snapshots spanning a day boundary.
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("ledger-%s.db", start.Add(time.Duration(i)*time.Hour).Format("20060102-15"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("snap"), 0600))
	}

	deleted, err := backups.Prune()
	require.NoError(t, err)
	require.Equal(t, 6, deleted)

	remaining, err := filepath.Glob(filepath.Join(dir, "ledger-*.db"))
	require.NoError(t, err)
	require.Len(t, remaining, 24)

	// The oldest six are the ones gone.
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("ledger-%s.db", start.Add(time.Duration(i)*time.Hour).Format("20060102-15"))
		_, statErr := os.Stat(filepath.Join(dir, name))
		require.True(t, os.IsNotExist(statErr), "expected %s pruned", name)
	}
}

func TestBackupPrune_UnderRetentionNoop(t *testing.T) {
	_, backups, dir := testBackups(t, 24)
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger-20260829-14.db"), []byte("snap"), 0600))

	deleted, err := backups.Prune()
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
}

func TestBackupRunCycle_SetsCursors(t *testing.T) {
	database, backups, dir := testBackups(t, 2)
	require.NoError(t, os.MkdirAll(dir, 0700))

	// Pre-existing old snapshots to push past the retention count.
	for _, name := range []string{"ledger-20260101-01.db", "ledger-20260101-02.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("snap"), 0600))
	}

	require.NoError(t, backups.RunCycle(context.Background()))

	lastAt, err := db.GetCursor(database, db.CursorBackupLastAt)
	require.NoError(t, err)
	require.NotEmpty(t, lastAt)

	verified, err := db.GetCursor(database, db.CursorBackupVerified)
	require.NoError(t, err)
	require.Equal(t, "true", verified)

	// One fake snapshot pruned: the fresh one plus the newer fake remain.
	remaining, err := filepath.Glob(filepath.Join(dir, "ledger-*.db"))
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	_, statErr := os.Stat(filepath.Join(dir, "ledger-20260101-01.db"))
	require.True(t, os.IsNotExist(statErr))
}
