package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS queries (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    text TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('user', 'auto')),
    parent_id TEXT REFERENCES queries(id),
    created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    CHECK ((kind = 'user' AND parent_id IS NULL) OR (kind = 'auto' AND parent_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_queries_owner ON queries(owner, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_queries_parent ON queries(parent_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "report summaries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    query_id TEXT NOT NULL REFERENCES queries(id),
    owner TEXT NOT NULL,
    body TEXT NOT NULL,
    reference_count INTEGER DEFAULT 0,
    generated_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_summaries_query ON summaries(query_id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
