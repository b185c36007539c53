package db

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSettings(t *testing.T) {
	database := testDB(t)

	// Absent key reads as empty
	val, err := database.GetSetting("missing")
	if err != nil {
		t.Fatal(err)
	}
	if val != "" {
		t.Errorf("GetSetting(missing) = %q, want empty", val)
	}

	if err := database.SetSetting("auto_credential_enabled", "true"); err != nil {
		t.Fatal(err)
	}
	val, err = database.GetSetting("auto_credential_enabled")
	if err != nil {
		t.Fatal(err)
	}
	if val != "true" {
		t.Errorf("GetSetting = %q, want true", val)
	}

	// Upsert replaces
	if err := database.SetSetting("auto_credential_enabled", "false"); err != nil {
		t.Fatal(err)
	}
	val, _ = database.GetSetting("auto_credential_enabled")
	if val != "false" {
		t.Errorf("GetSetting after update = %q, want false", val)
	}

	// Delete is idempotent
	if err := database.DeleteSetting("auto_credential_enabled"); err != nil {
		t.Fatal(err)
	}
	if err := database.DeleteSetting("auto_credential_enabled"); err != nil {
		t.Fatal(err)
	}
	val, _ = database.GetSetting("auto_credential_enabled")
	if val != "" {
		t.Errorf("GetSetting after delete = %q, want empty", val)
	}
}

func TestOperationLifecycle(t *testing.T) {
	database := testDB(t)

	op, err := database.CreateOperation("op-1", "install", "/tmp/foo.deb")
	if err != nil {
		t.Fatal(err)
	}

	if op.Status != OperationStatusRunning {
		t.Errorf("Status = %s, want running", op.Status)
	}
	if op.ExitCode != nil || op.CompletedAt != nil {
		t.Error("new operation must have no exit code or completion time")
	}

	errMsg := "dpkg returned 2"
	if err := database.CompleteOperation("op-1", OperationStatusFailed, 2, &errMsg); err != nil {
		t.Fatal(err)
	}

	op, err = database.GetOperation("op-1")
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != OperationStatusFailed {
		t.Errorf("Status = %s, want failed", op.Status)
	}
	if op.ExitCode == nil || *op.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", op.ExitCode)
	}
	if op.ErrorMessage == nil || *op.ErrorMessage != errMsg {
		t.Errorf("ErrorMessage = %v, want %q", op.ErrorMessage, errMsg)
	}
	if op.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestListOperationsNewestFirst(t *testing.T) {
	database := testDB(t)

	for _, id := range []string{"op-a", "op-b", "op-c"} {
		if _, err := database.CreateOperation(id, "install", id+".deb"); err != nil {
			t.Fatal(err)
		}
		// started_at has second resolution in SQLite comparisons; space
		// the rows out explicitly.
		time.Sleep(5 * time.Millisecond)
	}

	ops, err := database.ListOperations(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].ID != "op-c" || ops[1].ID != "op-b" {
		t.Errorf("order = %s, %s; want op-c, op-b", ops[0].ID, ops[1].ID)
	}
}

func TestCleanupOldOperations(t *testing.T) {
	database := testDB(t)

	if _, err := database.CreateOperation("op-old", "remove", "foo"); err != nil {
		t.Fatal(err)
	}
	if err := database.CompleteOperation("op-old", OperationStatusSucceeded, 0, nil); err != nil {
		t.Fatal(err)
	}
	// Backdate the completion far past the retention window.
	old := time.Now().AddDate(0, 0, -90)
	if _, err := database.Exec("UPDATE operations SET completed_at = ? WHERE id = ?", old, "op-old"); err != nil {
		t.Fatal(err)
	}

	if _, err := database.CreateOperation("op-current", "install", "bar.deb"); err != nil {
		t.Fatal(err)
	}

	if err := database.CleanupOldOperations(30); err != nil {
		t.Fatal(err)
	}

	if _, err := database.GetOperation("op-old"); err == nil {
		t.Error("old completed operation should have been deleted")
	}
	// Running operations are never cleaned up, regardless of age.
	if _, err := database.GetOperation("op-current"); err != nil {
		t.Errorf("running operation was deleted: %v", err)
	}
}
