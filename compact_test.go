package ejldb

import (
	"os"
	"path/filepath"
	"testing"
)

// TestCompactNow_ReclaimsGarbageAndPreservesLive writes, updates, and
// deletes records to build up garbage, then checks compaction shrinks the
// file while every surviving live record reads back identically.
func TestCompactNow_ReclaimsGarbageAndPreservesLive(t *testing.T) {
	db := openTestDB(t, nil)

	var keepID, deleteID string
	for i := 0; i < 20; i++ {
		r := db.New(map[string]any{"name": "rec"})
		if err := r.Save(false); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if i == 0 {
			keepID = r.ID()
		}
		if i == 1 {
			deleteID = r.ID()
		}
		// Rewrite the same record many times to build up superseded
		// versions (garbage).
		if i == 0 {
			for j := 0; j < 10; j++ {
				rec, err := db.GetRecord(keepID)
				if err != nil {
					t.Fatalf("GetRecord: %v", err)
				}
				if err := rec.Set("age", int64(j)); err != nil {
					t.Fatalf("Set: %v", err)
				}
				if err := rec.Save(false); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}
		}
	}
	if _, err := db.Delete(Query{"id": deleteID}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	info, err := os.Stat(db.path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	sizeBefore := info.Size()

	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow: %v", err)
	}

	info, err = os.Stat(db.path)
	if err != nil {
		t.Fatalf("Stat after compact: %v", err)
	}
	if info.Size() >= sizeBefore {
		t.Fatalf("file size after compact = %d, want < %d (before)", info.Size(), sizeBefore)
	}

	doc, err := db.Get(keepID)
	if err != nil {
		t.Fatalf("Get(keepID) after compact: %v", err)
	}
	if doc["age"] != int64(9) && doc["age"] != float64(9) {
		t.Fatalf("latest version lost across compact: age = %v, want 9", doc["age"])
	}

	if _, err := db.Get(deleteID); err == nil {
		t.Fatal("deleted record reappeared after compact")
	}
}

// countMetaLines counts meta lines in the data file directly off disk,
// independent of the in-memory index, so the test can observe compaction's
// effect rather than asserting against the same counter compaction itself
// maintains.
func countMetaLines(t *testing.T, db *Database) int {
	t.Helper()
	n := 0
	if err := db.fs.IterMetaOffsets(db.bodyOffset, func(rec metaRecord) bool {
		n++
		return true
	}); err != nil {
		t.Fatalf("IterMetaOffsets: %v", err)
	}
	return n
}

// TestCompactNow_AutomaticTrigger checks that enough garbage accumulation
// triggers an automatic compaction without an explicit CompactNow call: 10
// records written, then 5 deleted one at a time against a 0.2 threshold.
// The first delete leaves ratio 2/11 = 0.18; the second reaches
// (12-8)/12 = 0.33 and compacts, and each later delete (2/9, 2/8, 2/7)
// compacts again, so the on-disk meta line count ends at the number of
// still-live records.
func TestCompactNow_AutomaticTrigger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	db, err := Open(Config{
		Path:   path,
		Schema: testSchema(),
		Table:  "people",
		Maintenance: Maintenance{
			CompactThreshold: 0.2,
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var ids []string
	for i := 0; i < 10; i++ {
		r := db.New(map[string]any{"name": "rec"})
		if err := r.Save(false); err != nil {
			t.Fatalf("Save: %v", err)
		}
		ids = append(ids, r.ID())
	}

	if got := countMetaLines(t, db); got != 10 {
		t.Fatalf("meta lines before delete = %d, want 10", got)
	}

	for _, id := range ids[:5] {
		if _, err := db.Delete(Query{"id": id}); err != nil {
			t.Fatalf("Delete(%s): %v", id, err)
		}
	}

	// Without compaction the file would now hold 15 meta lines for 5 live
	// records. Automatic compaction ran inline with the second and every
	// later delete, leaving one put line per surviving record.
	got := countMetaLines(t, db)
	if got != 5 {
		t.Fatalf("meta lines after automatic compaction = %d, want 5 (one per surviving live record)", got)
	}
}

func TestBackupNow_RollingAndDaily(t *testing.T) {
	db := openTestDB(t, nil)
	r := db.New(map[string]any{"name": "rec"})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := db.BackupNow("rolling"); err != nil {
		t.Fatalf("BackupNow(rolling): %v", err)
	}
	if err := db.BackupNow("daily"); err != nil {
		t.Fatalf("BackupNow(daily): %v", err)
	}
	// A second same-day daily backup should be a no-op, not an error.
	if err := db.BackupNow("daily"); err != nil {
		t.Fatalf("second BackupNow(daily): %v", err)
	}

	rollingDir := filepath.Join(db.backupBaseDir(), "rolling")
	entries, err := os.ReadDir(rollingDir)
	if err != nil {
		t.Fatalf("ReadDir(rolling): %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one rolling backup file")
	}

	dailyDir := filepath.Join(db.backupBaseDir(), "daily")
	dailyEntries, err := os.ReadDir(dailyDir)
	if err != nil {
		t.Fatalf("ReadDir(daily): %v", err)
	}
	dataFiles := 0
	for _, e := range dailyEntries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			dataFiles++
		}
	}
	if dataFiles != 1 {
		t.Fatalf("daily backup files = %d, want exactly 1 (idempotent-per-day)", dataFiles)
	}
}

func TestBackupNow_UnknownKind(t *testing.T) {
	db := openTestDB(t, nil)
	if err := db.BackupNow("hourly"); err == nil {
		t.Fatal("expected an error for an unknown backup kind")
	}
}
