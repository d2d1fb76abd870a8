package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"lavaroute/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	identifier TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	author     TEXT NOT NULL,
	length     INTEGER NOT NULL,
	is_stream  INTEGER NOT NULL,
	uri        TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteStore keeps the cache in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the database at path.
// The path can be ":memory:" for a throwaway cache.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Lookup reads a track by id.
func (s *SQLiteStore) Lookup(ctx context.Context, id string) (core.LookupResult, error) {
	var c cachedTrack
	err := s.db.QueryRowContext(ctx,
		`SELECT identifier, title, author, length, is_stream, uri, type FROM tracks WHERE identifier = ?`, id).
		Scan(&c.Identifier, &c.Title, &c.Author, &c.Length, &c.IsStream, &c.URI, &c.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LookupResult{}, nil
	}
	if err != nil {
		return core.LookupResult{}, fmt.Errorf("cache lookup failed: %w", err)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return core.LookupResult{}, fmt.Errorf("failed to encode cached track: %w", err)
	}
	return core.LookupResult{Found: true, Track: c.toMetadata(), Raw: raw}, nil
}

// Submit stores a track. Tracks already present are left untouched.
func (s *SQLiteStore) Submit(ctx context.Context, track core.TrackMetadata) error {
	c := fromMetadata(track)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tracks (identifier, title, author, length, is_stream, uri, type) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Identifier, c.Title, c.Author, c.Length, c.IsStream, c.URI, c.Type)
	if err != nil {
		return fmt.Errorf("cache submit failed: %w", err)
	}
	return nil
}

// Count returns the number of cached tracks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracks: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
