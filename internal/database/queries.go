package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrParentNotUser is returned when sub-queries reference a parent that is
// missing or is itself a generated query.
var ErrParentNotUser = errors.New("parent is not a user query")

const queryColumns = "id, owner, text, kind, parent_id, created_at"

// InsertUserQuery inserts a user-kind query with the caller-supplied id.
func (db *DB) InsertUserQuery(id, owner, text string) error {
	_, err := db.conn.Exec(
		"INSERT INTO queries (id, owner, text, kind, parent_id) VALUES (?, ?, ?, ?, NULL)",
		id, owner, text, KindUser,
	)
	if err != nil {
		return fmt.Errorf("inserting user query: %w", err)
	}
	return nil
}

// SubQuery is one generated query to insert under a parent.
type SubQuery struct {
	ID   string
	Text string
}

// InsertSubQueries inserts auto-kind queries under parentID in one transaction.
// The parent must exist, belong to owner and be a user query.
func (db *DB) InsertSubQueries(parentID, owner string, subs []SubQuery) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin sub-query insert: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	var kind, parentOwner string
	err = tx.QueryRow("SELECT kind, owner FROM queries WHERE id = ?", parentID).Scan(&kind, &parentOwner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("parent %s: %w", parentID, ErrParentNotUser)
	}
	if err != nil {
		return fmt.Errorf("loading parent query: %w", err)
	}
	if kind != KindUser || parentOwner != owner {
		return fmt.Errorf("parent %s: %w", parentID, ErrParentNotUser)
	}

	stmt, err := tx.Prepare("INSERT INTO queries (id, owner, text, kind, parent_id) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing sub-query insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range subs {
		if _, err := stmt.Exec(s.ID, owner, s.Text, KindAuto, parentID); err != nil {
			return fmt.Errorf("inserting sub-query: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sub-query insert: %w", err)
	}
	return nil
}

// GetQuery returns a single query by id, or nil if it does not exist.
func (db *DB) GetQuery(id string) (*Query, error) {
	row := db.conn.QueryRow("SELECT "+queryColumns+" FROM queries WHERE id = ?", id)
	q, err := scanQuery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ListUserQueries returns an owner's user queries, newest first.
func (db *DB) ListUserQueries(owner string, limit int) ([]Query, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		"SELECT "+queryColumns+` FROM queries
		WHERE owner = ? AND kind = 'user'
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, owner, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueries(rows)
}

// GetSubQueries returns the generated queries of a parent in insertion order.
func (db *DB) GetSubQueries(parentID string) ([]Query, error) {
	rows, err := db.conn.Query(
		"SELECT "+queryColumns+" FROM queries WHERE parent_id = ? ORDER BY rowid", parentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueries(rows)
}

func scanQueries(rows *sql.Rows) ([]Query, error) {
	var queries []Query
	for rows.Next() {
		var q Query
		if err := rows.Scan(&q.ID, &q.Owner, &q.Text, &q.Kind, &q.ParentID, &q.CreatedAt); err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func scanQuery(row *sql.Row) (*Query, error) {
	var q Query
	if err := row.Scan(&q.ID, &q.Owner, &q.Text, &q.Kind, &q.ParentID, &q.CreatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}
