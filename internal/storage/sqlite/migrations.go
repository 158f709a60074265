package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sandboxes (
    id           TEXT PRIMARY KEY,
    client_id    TEXT NOT NULL DEFAULT '',
    runtime      TEXT NOT NULL DEFAULT '',
    mode         TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'live'
                 CHECK(status IN ('live','destroyed')),
    created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
    destroyed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);
CREATE INDEX IF NOT EXISTS idx_sandboxes_client ON sandboxes(client_id);
CREATE INDEX IF NOT EXISTS idx_sandboxes_created ON sandboxes(created_at DESC);
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty, run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
