package ops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/db"
	"github.com/holdfast-dev/holdfast/internal/errors"
)

func TestCheckDuplicate(t *testing.T) {
	database, _, _ := testEnv(t)
	dedup := NewDeduplicator(database)

	id := stageEmail(t, database, "m-1", "some body")
	hash := capture.HashContent("some body")

	// The capture itself is excluded from its own check.
	res, err := dedup.CheckDuplicate(context.Background(), hash, id)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	// A second capture with the same normalized content hits layer 2.
	id2 := stageEmail(t, database, "m-2", "some body\r\n")
	res, err = dedup.CheckDuplicate(context.Background(), capture.HashContent("some body\r\n"), id2)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, id, res.MatchedID)
}

func TestCheckFingerprint(t *testing.T) {
	database, _, _ := testEnv(t)
	dedup := NewDeduplicator(database)

	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(pathA, []byte("audio bytes"), 0600))

	out, err := Stage(context.Background(), database, StageInput{
		Channel: capture.ChannelVoice, FilePath: pathA,
	}, time.Now())
	require.NoError(t, err)

	c, err := db.GetCapture(database, out.ID)
	require.NoError(t, err)
	fp := c.Voice.AudioFingerprint
	require.NotEmpty(t, fp)

	// The capture is excluded from its own check.
	res, err := dedup.CheckFingerprint(context.Background(), fp, out.ID)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	res, err = dedup.CheckFingerprint(context.Background(), fp, "someone-else")
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, out.ID, res.MatchedID)

	res, err = dedup.CheckFingerprint(context.Background(), "unknown-fingerprint", "")
	require.NoError(t, err)
	require.False(t, res.Duplicate)
}

func TestCheckFingerprint_EmptyFingerprint(t *testing.T) {
	database, _, _ := testEnv(t)
	_, err := NewDeduplicator(database).CheckFingerprint(context.Background(), "", "x")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCheckDuplicate_EmptyHash(t *testing.T) {
	database, _, _ := testEnv(t)
	_, err := NewDeduplicator(database).CheckDuplicate(context.Background(), "", "x")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCheckDuplicate_UnavailableStoreIsNotUnique(t *testing.T) {
	database, _, _ := testEnv(t)
	dedup := NewDeduplicator(database)
	require.NoError(t, database.Close())

	_, err := dedup.CheckDuplicate(context.Background(), capture.HashContent("x"), "")
	require.True(t, errors.Is(err, errors.ErrDedupUnavailable))
}

func TestCheckDuplicate_CancelledContext(t *testing.T) {
	database, _, _ := testEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDeduplicator(database).CheckDuplicate(ctx, capture.HashContent("x"), "")
	require.True(t, errors.Is(err, errors.ErrDedupUnavailable))
}
