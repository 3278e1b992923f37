package db

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	JournalSchema = "001_journal.sql"
	// MirrorSchema is the local copy of the backend tables used when the
	// SQL store runs on SQLite.
	MirrorSchema = "002_mirror.sql"
)

func ApplyMigration(db *sql.DB, name string) error {
	b, err := migrations.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Exec(string(b)); err != nil && !isDuplicateColumnErr(err) {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}

	if name != JournalSchema {
		return nil
	}
	// Journals created before replay tracking lacked these columns.
	for _, stmt := range []string{
		`ALTER TABLE orphaned_audit ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE orphaned_audit ADD COLUMN replayed_at DATETIME`,
		`CREATE INDEX IF NOT EXISTS idx_orphaned_audit_pending ON orphaned_audit(replayed_at, journaled_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("apply compatibility migration %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
