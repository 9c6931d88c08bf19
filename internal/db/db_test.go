package db

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("expected path %q, got %q", dbPath, db.Path())
	}
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_State(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := db.GetState("s1", "k"); err != nil || ok {
		t.Fatalf("expected missing value, got ok=%v err=%v", ok, err)
	}

	if err := db.SetState("s1", "k", "one"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := db.SetState("s1", "k", "two"); err != nil {
		t.Fatalf("SetState overwrite failed: %v", err)
	}
	value, ok, err := db.GetState("s1", "k")
	if err != nil || !ok || value != "two" {
		t.Errorf("expected 'two', got %q ok=%v err=%v", value, ok, err)
	}

	// Sessions are isolated
	if _, ok, _ := db.GetState("s2", "k"); ok {
		t.Error("expected session s2 to have no value")
	}

	if err := db.DeleteState("s1", "k"); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}
	if err := db.DeleteState("s1", "k"); err != nil {
		t.Errorf("deleting a missing value should not fail: %v", err)
	}
	if _, ok, _ := db.GetState("s1", "k"); ok {
		t.Error("expected value to be deleted")
	}
}

func TestDB_PruneSessions(t *testing.T) {
	db := openTestDB(t)

	for _, id := range []string{"alive", "dead1", "dead2"} {
		if err := db.SetState(id, "k", "v"); err != nil {
			t.Fatalf("SetState failed: %v", err)
		}
	}

	pruned, err := db.PruneSessions(func(id string) bool { return id == "alive" })
	if err != nil {
		t.Fatalf("PruneSessions failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned sessions, got %d", pruned)
	}
	if _, ok, _ := db.GetState("alive", "k"); !ok {
		t.Error("expected live session to be kept")
	}
	if _, ok, _ := db.GetState("dead1", "k"); ok {
		t.Error("expected dead session to be pruned")
	}
}

func TestDB_Events(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogEvent("companion", "stagehand", "spawned", "PID: 42"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if err := db.LogEvent("recording", "image_sequence", "armed", ""); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if err := db.LogEvent("companion", "stagehand", "connected", "PID: 42"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	all, err := db.GetRecentEvents("", 10)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].EventType != "connected" {
		t.Errorf("expected newest event first, got %q", all[0].EventType)
	}

	companion, err := db.GetRecentEvents("companion", 10)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(companion) != 2 {
		t.Errorf("expected 2 companion events, got %d", len(companion))
	}

	limited, err := db.GetRecentEvents("", 1)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d events", len(limited))
	}
}

func TestPIDStore(t *testing.T) {
	db := openTestDB(t)
	store := NewPIDStore(db, "host-1")

	pid, err := store.LoadPID()
	if err != nil || pid != 0 {
		t.Fatalf("expected unset pid, got %d err=%v", pid, err)
	}

	if err := store.SavePID(4321); err != nil {
		t.Fatalf("SavePID failed: %v", err)
	}
	// A new store over the same database sees the value, as after a reload
	reloaded := NewPIDStore(db, "host-1")
	if pid, _ := reloaded.LoadPID(); pid != 4321 {
		t.Errorf("expected 4321 after reload, got %d", pid)
	}

	if err := store.SavePID(0); err != nil {
		t.Fatalf("SavePID(0) failed: %v", err)
	}
	if pid, _ := store.LoadPID(); pid != 0 {
		t.Errorf("expected pid cleared, got %d", pid)
	}
}

func TestPIDStore_Corrupt(t *testing.T) {
	db := openTestDB(t)
	if err := db.SetState("host-1", companionPIDKey, "not-a-pid"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if _, err := NewPIDStore(db, "host-1").LoadPID(); err == nil {
		t.Error("expected error for corrupt pid")
	}
}
