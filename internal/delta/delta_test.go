package delta

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "delta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE file_deltas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_id INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		op TEXT NOT NULL,
		old_content BLOB,
		created INTEGER NOT NULL
	)`); err != nil {
		t.Fatal(err)
	}
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM file_deltas`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestTracker_RecordModify_WritesOldContent(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("sess-1")
	tr.BeginTurn(1)

	tr.RecordModify("a.txt", []byte("before"))

	var op string
	var content []byte
	err := db.QueryRow(`SELECT op, old_content FROM file_deltas WHERE file_path = ?`, "a.txt").Scan(&op, &content)
	if err != nil {
		t.Fatal(err)
	}
	if op != "modify" || string(content) != "before" {
		t.Fatalf("op=%q content=%q", op, content)
	}
}

func TestTracker_RecordModify_OnlyFirstSnapshotPerTurnKept(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("sess-1")
	tr.BeginTurn(1)

	tr.RecordModify("a.txt", []byte("v1"))
	tr.RecordModify("a.txt", []byte("v2"))

	if got := countRows(t, db); got != 1 {
		t.Fatalf("got %d rows, want 1 (second record in the same turn is a no-op)", got)
	}
}

func TestTracker_RecordCreate_NullOldContent(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("sess-1")
	tr.BeginTurn(1)

	tr.RecordCreate("new.txt")

	var op string
	var content []byte
	err := db.QueryRow(`SELECT op, old_content FROM file_deltas WHERE file_path = ?`, "new.txt").Scan(&op, &content)
	if err != nil {
		t.Fatal(err)
	}
	if op != "create" || content != nil {
		t.Fatalf("op=%q content=%q", op, content)
	}
}

func TestTracker_NoActiveTurn_RecordsNothing(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("sess-1")

	tr.RecordModify("a.txt", []byte("before"))
	tr.RecordCreate("b.txt")

	if got := countRows(t, db); got != 0 {
		t.Fatalf("got %d rows, want 0 when no turn has begun", got)
	}
}

func TestTracker_NewTurn_RecordsAgain(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("sess-1")

	tr.BeginTurn(1)
	tr.RecordModify("a.txt", []byte("v1"))
	tr.BeginTurn(2)
	tr.RecordModify("a.txt", []byte("v2"))

	if got := countRows(t, db); got != 2 {
		t.Fatalf("got %d rows, want 2 (one per turn)", got)
	}
}
