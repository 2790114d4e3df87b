// Package directory resolves DingTalk user ids to display names, caching
// every resolution in a local SQLite file.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"dingclaw/pkg/logger"
)

// Entry is one cached directory record.
type Entry struct {
	UserID    string
	Name      string
	Avatar    string
	UpdatedAt time.Time
}

// Store persists directory entries. Entries are only ever added or
// overwritten, never expired.
type Store interface {
	All(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, entry Entry) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (creating if needed) the cache at path. ":memory:" keeps
// the cache in process memory.
func OpenSQLite(path string, log *slog.Logger) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory cache dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, log: logger.Component(log, "directory.sqlite")}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate directory cache: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		user_id     TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		avatar      TEXT NOT NULL DEFAULT '',
		updated_at  INTEGER NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, name, avatar, updated_at FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			updatedAt int64
		)
		if err := rows.Scan(&entry.UserID, &entry.Name, &entry.Avatar, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		entry.UpdatedAt = time.UnixMilli(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO users (user_id, name, avatar, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar, updated_at = excluded.updated_at`,
		entry.UserID, entry.Name, entry.Avatar, entry.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", entry.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
