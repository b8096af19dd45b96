package database

import (
	"database/sql"
	"fmt"
)

// InsertSummary stores a generated report for a user query.
func (db *DB) InsertSummary(queryID, owner, body string, referenceCount int) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO summaries (query_id, owner, body, reference_count) VALUES (?, ?, ?, ?)",
		queryID, owner, body, referenceCount,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting summary: %w", err)
	}
	return result.LastInsertId()
}

// GetLatestSummary returns the most recent summary for a query, or nil.
func (db *DB) GetLatestSummary(queryID string) (*Summary, error) {
	row := db.conn.QueryRow(
		`SELECT id, query_id, owner, body, reference_count, generated_at
		FROM summaries WHERE query_id = ? ORDER BY id DESC LIMIT 1`, queryID,
	)

	var s Summary
	if err := row.Scan(&s.ID, &s.QueryID, &s.Owner, &s.Body, &s.ReferenceCount, &s.GeneratedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM queries WHERE kind = 'user'", &s.UserQueries},
		{"SELECT COUNT(*) FROM queries WHERE kind = 'auto'", &s.SubQueries},
		{"SELECT COUNT(*) FROM summaries", &s.Summaries},
		{"SELECT COUNT(DISTINCT owner) FROM queries", &s.Owners},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
