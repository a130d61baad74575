// Package cachestate keeps a small SQLite ledger of shim cache usage, so the
// cache CLI can list caches and purge the ones no longer used. The wrap
// pipeline itself never depends on the ledger being intact.
package cachestate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTableShimCaches = `
CREATE TABLE IF NOT EXISTS shim_caches (
	fingerprint TEXT NOT NULL PRIMARY KEY,
	dir TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_unix INTEGER NOT NULL,
	last_used_unix INTEGER NOT NULL
);`

// Entry is one recorded shim cache.
type Entry struct {
	Fingerprint string
	Dir         string
	SizeBytes   int64
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) the ledger database file.
func Open(ctx context.Context, file string) (*Store, error) {
	// ref. https://www.sqlite.org/uri.html
	// ref. https://github.com/mattn/go-sqlite3?tab=readme-ov-file#connection-string
	conns := "file:" + file + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate"
	db, err := sql.Open("sqlite3", conns)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w (%q)", err, conns)
	}

	// single connection for writing
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.ExecContext(ctx, createTableShimCaches); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create shim_caches table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts a cache entry and stamps its last use.
func (s *Store) Record(ctx context.Context, fingerprint, dir string, sizeBytes int64) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO shim_caches (fingerprint, dir, size_bytes, created_unix, last_used_unix)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
	dir = excluded.dir,
	size_bytes = excluded.size_bytes,
	last_used_unix = excluded.last_used_unix;`,
		fingerprint, dir, sizeBytes, now, now)
	return err
}

// List returns every recorded cache, most recently used first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT fingerprint, dir, size_bytes, created_unix, last_used_unix
FROM shim_caches
ORDER BY last_used_unix DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, lastUsed int64
		if err := rows.Scan(&e.Fingerprint, &e.Dir, &e.SizeBytes, &created, &lastUsed); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		e.LastUsedAt = time.Unix(lastUsed, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a cache entry from the ledger.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shim_caches WHERE fingerprint = ?;`, fingerprint)
	return err
}
