package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpenMemoryAppliesPragmas(t *testing.T) {
	// WHAT: OpenMemory returns a usable DB with foreign keys enabled.
	// WHY: Every store in the runtime relies on FK cascades.
	db := OpenMemory(t)
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys: got %d, want 1", fk)
	}
}

func TestWithSchema(t *testing.T) {
	// WHAT: Inline schema executes during Open.
	db := OpenMemory(t, WithSchema(`CREATE TABLE things (id TEXT PRIMARY KEY)`))
	if _, err := db.Exec(`INSERT INTO things (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestRunTxCommitsAndRollsBack(t *testing.T) {
	// WHAT: RunTx commits on nil error and rolls back on failure.
	// WHY: Ledger updates depend on all-or-nothing task mutations.
	db := OpenMemory(t, WithSchema(`CREATE TABLE n (v INTEGER)`))
	ctx := context.Background()

	if err := RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO n (v) VALUES (1)`)
		return err
	}); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	boom := errors.New("boom")
	if err := RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO n (v) VALUES (2)`)
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM n`).Scan(&count)
	if count != 1 {
		t.Errorf("rows after rollback: got %d, want 1", count)
	}
}

func TestIsBusy(t *testing.T) {
	// WHAT: Busy detection matches the SQLite driver's error strings.
	if IsBusy(nil) {
		t.Error("nil should not be busy")
	}
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("SQLITE_BUSY not detected")
	}
	if IsBusy(errors.New("syntax error")) {
		t.Error("syntax error misclassified as busy")
	}
}
