package db

import (
	"testing"
	"time"
)

func TestLatestSuccessAudit(t *testing.T) {
	database := testDB(t)

	c := newEmailCapture("01TESTAUD001", "msg-a1", "body")
	if err := InsertCapture(database, c); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rec, err := LatestSuccessAudit(database, c.ID)
	if err != nil {
		t.Fatalf("LatestSuccessAudit failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil before any export", rec)
	}

	// An errored attempt never counts as success
	bad := &AuditRecord{CaptureID: c.ID, ExportPath: "/vault/a.md", Mode: ExportModeInitial, HadError: true, CreatedAt: 10}
	if err := InsertAudit(database, bad); err != nil {
		t.Fatalf("InsertAudit failed: %v", err)
	}
	rec, err = LatestSuccessAudit(database, c.ID)
	if err != nil {
		t.Fatalf("LatestSuccessAudit failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("errored audit treated as success")
	}

	good := &AuditRecord{CaptureID: c.ID, ExportPath: "/vault/a.md", ContentHash: c.ContentHash, Mode: ExportModeInitial, CreatedAt: 20}
	if err := InsertAudit(database, good); err != nil {
		t.Fatalf("InsertAudit failed: %v", err)
	}

	rec, err = LatestSuccessAudit(database, c.ID)
	if err != nil {
		t.Fatalf("LatestSuccessAudit failed: %v", err)
	}
	if rec == nil || rec.Mode != ExportModeInitial || rec.ExportPath != "/vault/a.md" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.ContentHash == nil || *rec.ContentHash != *c.ContentHash {
		t.Errorf("hash snapshot not stored")
	}
}

func TestCountAuditsByMode(t *testing.T) {
	database := testDB(t)

	c := newEmailCapture("01TESTAUD010", "msg-a10", "body")
	if err := InsertCapture(database, c); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	for i, mode := range []ExportMode{ExportModeInitial, ExportModePlaceholder, ExportModePlaceholder, ExportModeDuplicateSkip} {
		rec := &AuditRecord{CaptureID: c.ID, ExportPath: "/vault/a.md", Mode: mode, CreatedAt: int64(i)}
		if err := InsertAudit(database, rec); err != nil {
			t.Fatalf("InsertAudit failed: %v", err)
		}
	}

	counts, err := CountAuditsByMode(database)
	if err != nil {
		t.Fatalf("CountAuditsByMode failed: %v", err)
	}
	if counts[ExportModeInitial] != 1 || counts[ExportModePlaceholder] != 2 || counts[ExportModeDuplicateSkip] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestErrorLogCountsAndPrune(t *testing.T) {
	database := testDB(t)

	now := time.Unix(100_000, 0)
	if err := LogError(database, "", StageBackup, "old failure", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}
	if err := LogError(database, "", StageExport, "recent failure", now.Add(-time.Hour)); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}
	if err := LogError(database, "", StageExport, "another recent failure", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	counts, err := CountErrorsSince(database, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountErrorsSince failed: %v", err)
	}
	if counts[StageExport] != 2 {
		t.Errorf("export errors = %d, want 2", counts[StageExport])
	}
	if counts[StageBackup] != 0 {
		t.Errorf("backup errors = %d, want 0 inside window", counts[StageBackup])
	}

	deleted, err := PruneErrorLog(database, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneErrorLog failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestCursors(t *testing.T) {
	database := testDB(t)
	now := time.Unix(200_000, 0)

	value, err := GetCursor(database, CursorVoicePollMarker)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if value != "" {
		t.Errorf("value = %q, want empty for unset key", value)
	}

	if err := SetCursor(database, CursorVoicePollMarker, "2026-01-01T00:00:00Z", now); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := SetCursor(database, CursorVoicePollMarker, "2026-02-01T00:00:00Z", now.Add(time.Hour)); err != nil {
		t.Fatalf("SetCursor upsert failed: %v", err)
	}

	value, err = GetCursor(database, CursorVoicePollMarker)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if value != "2026-02-01T00:00:00Z" {
		t.Errorf("value = %q, want the upserted marker", value)
	}
}
