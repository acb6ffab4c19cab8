package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forkd/internal/history"
	"forkd/internal/keystroke"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntries() []history.Entry {
	return []history.Entry{
		{Time: 1000, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF, Press: true},
		{Time: 1010, Key: keystroke.KeyJ, Press: true},
		{Time: 1050, Key: keystroke.KeyJ},
		{Time: 1100, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF},
	}
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping on nil db should fail")
	}
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := checkTables(ctx, s.DB()); err != nil {
		t.Fatalf("checkTables: %v", err)
	}
	v, err := SchemaVersion(ctx, s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(schema) {
		t.Errorf("schema version = %d, want %d", v, len(schema))
	}

	// Migrating again is a no-op.
	if err := Migrate(ctx, s.DB()); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}

	if err := Rollback(ctx, s.DB()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if v, _ := SchemaVersion(ctx, s.DB()); v != len(schema)-1 {
		t.Errorf("version after rollback = %d", v)
	}
	if err := checkTables(ctx, s.DB()); err == nil {
		t.Error("expected missing config_snapshots after rollback")
	}
	if err := Migrate(ctx, s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := checkTables(ctx, s.DB()); err != nil {
		t.Errorf("checkTables after re-migrate: %v", err)
	}
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(fmt.Sprintf("PRAGMA user_version = %d", len(schema)+1)); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(ctx, s.DB()); err == nil {
		t.Error("expected error for a schema from a newer build")
	}
}

func TestArchiveIsPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("archive mode %o is accessible to others", info.Mode().Perm())
	}
}

func TestArchiveAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	entries := sampleEntries()
	id, err := s.Archive(ctx, "before-reload", "kbd0", entries)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive id, got %d", id)
	}

	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Label != "before-reload" || snap.Device != "kbd0" || snap.Count != 4 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !snap.CreatedAt.Equal(fixed) {
		t.Errorf("unexpected created time %v", snap.CreatedAt)
	}

	got, err := s.Entries(ctx, id)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestArchiveEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Archive(ctx, "", "kbd0", nil)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	got, err := s.Entries(ctx, id)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
	if err := s.VerifySnapshot(ctx, id); err != nil {
		t.Errorf("empty snapshot should verify: %v", err)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSnapshot(ctx, 99); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot: expected ErrSnapshotNotFound, got %v", err)
	}
	if _, err := s.Entries(ctx, 99); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Entries: expected ErrSnapshotNotFound, got %v", err)
	}
	if err := s.DeleteSnapshot(ctx, 99); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("DeleteSnapshot: expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, label := range []string{"a", "b", "c"} {
		if _, err := s.Archive(ctx, label, "kbd0", sampleEntries()); err != nil {
			t.Fatalf("Archive %s failed: %v", label, err)
		}
	}

	all, err := s.ListSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(all) != 3 || all[0].Label != "c" || all[2].Label != "a" {
		t.Errorf("unexpected order %+v", all)
	}

	two, err := s.ListSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(two) != 2 || two[0].Label != "c" {
		t.Errorf("unexpected limited list %+v", two)
	}
}

func TestDeleteAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.Archive(ctx, "", "kbd0", sampleEntries())
		if err != nil {
			t.Fatalf("Archive failed: %v", err)
		}
		ids = append(ids, id)
	}

	if err := s.DeleteSnapshot(ctx, ids[0]); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}

	var orphaned int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM snapshot_entries WHERE snapshot_id = ?", ids[0]).Scan(&orphaned); err != nil {
		t.Fatal(err)
	}
	if orphaned != 0 {
		t.Errorf("entries of a deleted snapshot should cascade, found %d", orphaned)
	}

	removed, err := s.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned, got %d", removed)
	}
	left, _ := s.ListSnapshots(ctx, 0)
	if len(left) != 1 || left[0].ID != ids[3] {
		t.Errorf("expected only the newest snapshot to remain, got %+v", left)
	}
}

func TestEntriesForKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _ := s.Archive(ctx, "", "kbd0", sampleEntries())
	second, _ := s.Archive(ctx, "", "kbd0", sampleEntries()[:2])

	got, err := s.EntriesForKey(ctx, keystroke.KeyLeftCtrl)
	if err != nil {
		t.Fatalf("EntriesForKey failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].SnapshotID != first || got[0].Seq != 0 || got[1].Seq != 3 || got[2].SnapshotID != second {
		t.Errorf("unexpected entries %+v", got)
	}
	if got[0].Forked != keystroke.KeyF {
		t.Errorf("forked keycode lost: %+v", got[0])
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	good, _ := s.Archive(ctx, "", "kbd0", sampleEntries())
	bad, _ := s.Archive(ctx, "", "kbd0", sampleEntries())

	if err := s.VerifySnapshot(ctx, good); err != nil {
		t.Fatalf("untouched snapshot failed: %v", err)
	}

	if _, err := s.DB().Exec("UPDATE snapshot_entries SET press = 0 WHERE snapshot_id = ? AND seq = 1", bad); err != nil {
		t.Fatal(err)
	}
	if err := s.VerifySnapshot(ctx, bad); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch, got %v", err)
	}

	failed, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(failed) != 1 || failed[0] != bad {
		t.Errorf("expected [%d], got %v", bad, failed)
	}
}

func TestConfigSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestConfigSnapshot(ctx)
	if err != nil || latest != nil {
		t.Fatalf("expected no snapshot, got %+v, %v", latest, err)
	}

	id1, err := s.SaveConfigSnapshot(ctx, 1, []byte("version = 1\n"), "startup")
	if err != nil {
		t.Fatalf("SaveConfigSnapshot failed: %v", err)
	}
	same, err := s.SaveConfigSnapshot(ctx, 1, []byte("version = 1\n"), "reload")
	if err != nil {
		t.Fatalf("SaveConfigSnapshot failed: %v", err)
	}
	if same != id1 {
		t.Errorf("identical data should reuse id %d, got %d", id1, same)
	}

	id2, err := s.SaveConfigSnapshot(ctx, 1, []byte("version = 1\n[history]\ncapacity = 5\n"), "reload")
	if err != nil {
		t.Fatalf("SaveConfigSnapshot failed: %v", err)
	}
	if id2 == id1 {
		t.Error("changed data should get a new id")
	}

	latest, err = s.LatestConfigSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestConfigSnapshot failed: %v", err)
	}
	if latest.ID != id2 || latest.Reason != "reload" || latest.Version != 1 {
		t.Errorf("unexpected latest %+v", latest)
	}
}
