package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSchemaTooNew is returned when the file was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

func schemaVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// pending returns the migrations above version, in order.
func pending(version int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out
}

// migrate applies every pending migration. The schema version lives in
// PRAGMA user_version and is bumped after each step commits.
func migrate(conn *sql.DB) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	if latest := latestVersion(); current > latest {
		return fmt.Errorf("%w: file is v%d, build knows v%d", ErrSchemaTooNew, current, latest)
	}

	for _, m := range pending(current) {
		started := time.Now()
		if err := apply(conn, m); err != nil {
			return err
		}
		slog.Info("schema migrated", "version", m.Version, "description", m.Description, "duration", time.Since(started))
	}
	return nil
}

func apply(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc sqlite ignores user_version inside a transaction. The DDL is
	// idempotent, so a crash before this line only re-runs the step.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("recording version %d: %w", m.Version, err)
	}
	return nil
}
