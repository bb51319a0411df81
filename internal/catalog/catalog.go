// Package catalog records finished recording sessions in a local sqlite
// database.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sheerbytes/streamrec/internal/recorder"

	_ "modernc.org/sqlite"
)

// Entry is one finished session.
type Entry struct {
	SessionID      string    `json:"sessionId"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	StartTimestamp int64     `json:"startTimestamp"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	Bytes          int64     `json:"bytes"`
	Chunks         int64     `json:"chunks"`
	Digest         string    `json:"digest"`
}

// Catalog is a sqlite-backed list of finished sessions.
type Catalog struct {
	db *sql.DB
}

// Open opens (and migrates) the catalog database at path. Use ":memory:" for
// a throwaway catalog.
func Open(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			start_timestamp INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			digest TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS recordings_ended_idx ON recordings(ended_at DESC);`,
		`CREATE INDEX IF NOT EXISTS recordings_session_idx ON recordings(session_id);`,
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("run migration %q: %w", statement, err)
		}
	}
	return nil
}

// RecordSession stores a finished session.
func (c *Catalog) RecordSession(ctx context.Context, s recorder.Summary) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO recordings (session_id, name, path, start_timestamp, started_at, ended_at, bytes, chunks, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID,
		s.Name,
		s.Path,
		s.StartTimestamp,
		s.StartedAt.UTC().Format(time.RFC3339Nano),
		s.EndedAt.UTC().Format(time.RFC3339Nano),
		s.BytesWritten,
		s.Chunks,
		s.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", s.SessionID, err)
	}
	return nil
}

// List returns up to limit finished sessions, most recent first. A limit of
// zero or less returns every entry.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT session_id, name, path, start_timestamp, started_at, ended_at, bytes, chunks, digest
		FROM recordings ORDER BY ended_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e                  Entry
			startedAt, endedAt string
		)
		if err := rows.Scan(&e.SessionID, &e.Name, &e.Path, &e.StartTimestamp, &startedAt, &endedAt, &e.Bytes, &e.Chunks, &e.Digest); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if e.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
