package ops

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/config"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

func TestPrune_RetentionWindows(t *testing.T) {
	database, writer, _ := testEnv(t)
	cfg := config.DefaultConfig(t.TempDir())

	// An exported capture older than the retention window.
	oldTime := time.Now().AddDate(0, 0, -(cfg.RetentionDays + 5))
	oldID := stageEmailAt(t, database, "m-old", "old body", oldTime)
	_, err := writer.WriteAtomic(context.Background(), oldID, "old body")
	require.NoError(t, err)
	backdateCapture(t, database, oldID, oldTime)

	// A fresh exported capture and a pending one stay.
	freshID := stageEmail(t, database, "m-fresh", "fresh body")
	_, err = writer.WriteAtomic(context.Background(), freshID, "fresh body")
	require.NoError(t, err)
	_, err = Stage(context.Background(), database, StageInput{
		Channel: capture.ChannelVoice, FilePath: "/tmp/pending.wav",
	}, time.Now())
	require.NoError(t, err)

	// One stale diagnostic record past its own window.
	logTime := time.Now().AddDate(0, 0, -(cfg.ErrorLogRetentionDays + 1))
	require.NoError(t, db.LogError(database, "", db.StageBackup, "old failure", logTime))
	require.NoError(t, db.LogError(database, "", db.StageBackup, "recent failure", time.Now()))

	out, err := Prune(database, cfg, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, out.Captures)
	require.Equal(t, 1, out.ErrorLogs)

	_, err = db.GetCapture(database, oldID)
	require.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = db.GetCapture(database, freshID)
	require.NoError(t, err)
}

// Non-terminal captures survive pruning regardless of age.
func TestPrune_NeverTouchesPending(t *testing.T) {
	database, _, _ := testEnv(t)
	cfg := config.DefaultConfig(t.TempDir())

	ancient := time.Now().AddDate(0, 0, -400)
	out, err := Stage(context.Background(), database, StageInput{
		Channel: capture.ChannelEmail, Content: "stuck body", MessageID: "m-stuck",
	}, ancient)
	require.NoError(t, err)

	pruned, err := Prune(database, cfg, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, pruned.Captures)

	_, err = db.GetCapture(database, out.ID)
	require.NoError(t, err)
}

// stageEmailAt stages and transcribes an email capture with a fixed clock.
func stageEmailAt(t *testing.T, database *sql.DB, messageID, content string, at time.Time) string {
	t.Helper()
	out, err := Stage(context.Background(), database, StageInput{
		Channel:   capture.ChannelEmail,
		Content:   content,
		MessageID: messageID,
	}, at)
	require.NoError(t, err)
	require.NoError(t, Transition(database, out.ID, capture.StatusTranscribed, at))
	return out.ID
}

// backdateCapture rewrites timestamps so retention cutoffs apply.
func backdateCapture(t *testing.T, database *sql.DB, id string, at time.Time) {
	t.Helper()
	_, err := database.Exec(
		`UPDATE captures SET created_at = ?, updated_at = ? WHERE id = ?`,
		at.Unix(), at.Unix(), id,
	)
	require.NoError(t, err)
}
