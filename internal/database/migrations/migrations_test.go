package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Migrate up
	err := Up(db)
	if err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Verify tables were created
	tables := []string{"sync_operations", "contents", "snapshots", "baselines", "deployments", "source_links", "sync_decisions", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheck_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Check(db); !errors.Is(err, ErrUnversioned) {
		t.Errorf("Check() error = %v, want ErrUnversioned", err)
	}

	st, err := Inspect(db)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if st.Current != 0 || st.Latest != 1 || st.Dirty {
		t.Errorf("Inspect() = %+v, want {Current:0 Latest:1 Dirty:false}", st)
	}
}

func TestCheck_Ahead(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET version = 99"); err != nil {
		t.Fatalf("bumping version: %v", err)
	}
	if err := Check(db); !errors.Is(err, ErrAhead) {
		t.Errorf("Check() error = %v, want ErrAhead", err)
	}
}

func TestCheck_Dirty(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatalf("marking dirty: %v", err)
	}
	if err := Check(db); !errors.Is(err, ErrDirty) {
		t.Errorf("Check() error = %v, want ErrDirty", err)
	}
}

func TestCheck_AfterMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Migrate up
	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Status should be OK now
	err := Check(db)
	if err != nil {
		t.Errorf("Check() after migration returned error: %v", err)
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Run migration twice
	if err := Up(db); err != nil {
		t.Fatalf("First Up() failed: %v", err)
	}

	if err := Up(db); err != nil {
		t.Errorf("Second Up() failed: %v (should be idempotent)", err)
	}

	// Status should still be OK
	if err := Check(db); err != nil {
		t.Errorf("Check() after double migration returned error: %v", err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	// Migrate
	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// A snapshot must reference a stored manifest blob
	_, err := db.Exec(`
		INSERT INTO snapshots (id, collection_id, kind, message, artifact_count, file_count, created_at)
		VALUES ('missing-manifest', 'default', 'manual', '', 0, 0, datetime('now'))
	`)

	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_Contents(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Test inserting a content record
	checksum := "abc123def456"
	_, err := db.Exec("INSERT INTO contents (id, size, created_at) VALUES (?, 12, datetime('now'))", checksum)
	if err != nil {
		t.Fatalf("Failed to insert content: %v", err)
	}

	// Verify it was inserted
	var id string
	err = db.QueryRow("SELECT id FROM contents WHERE id = ?", checksum).Scan(&id)
	if err != nil {
		t.Errorf("Failed to retrieve content: %v", err)
	}

	if id != checksum {
		t.Errorf("Retrieved content id = %q, want %q", id, checksum)
	}
}

func TestSchema_SyncDecisionUniquePerPath(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	insert := `INSERT INTO sync_decisions (source, source_path, artifact_type, artifact_name, action, match_type, decided_at)
		VALUES ('upstream', '/src/skill/pdf', 'skill', 'pdf', ?, 'none', datetime('now'))`
	if _, err := db.Exec(insert, "skip"); err != nil {
		t.Fatalf("Failed to insert first decision: %v", err)
	}

	// Same (source, source_path) should fail due to PRIMARY KEY constraint
	if _, err := db.Exec(insert, "import"); err == nil {
		t.Error("Expected unique constraint violation for duplicate source path, but insert succeeded")
	}
}

func TestSchema_RejectsUnknownAction(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	_, err := db.Exec(`INSERT INTO sync_decisions (source, source_path, artifact_type, artifact_name, action, match_type, decided_at)
		VALUES ('upstream', '/src/skill/pdf', 'skill', 'pdf', 'merge', 'none', datetime('now'))`)
	if err == nil {
		t.Error("Expected check constraint violation for unknown action, but insert succeeded")
	}
}

func TestSchema_MatchesFirstMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("applying Schema failed: %v", err)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='baselines'").Scan(&name); err != nil {
		t.Errorf("baselines table missing after applying Schema: %v", err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
