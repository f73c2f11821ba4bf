package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loveace/acelink/pkg/session"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    key        TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    data       BLOB NOT NULL,
    saved_at   INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
)`

// SQLiteStore keeps snapshots in a single SQLite table. Entries older than
// the TTL are treated as missing.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLite opens (and creates) the database at path. A ttl <= 0 keeps
// snapshots forever.
func OpenSQLite(ctx context.Context, path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %w", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, snap session.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	now := s.now()
	var expires int64
	if s.ttl > 0 {
		expires = now.Add(s.ttl).Unix()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO snapshots (key, user_id, data, saved_at, expires_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            user_id = excluded.user_id,
            data = excluded.data,
            saved_at = excluded.saved_at,
            expires_at = excluded.expires_at
    `, key, snap.UserID, data, now.Unix(), expires)
	if err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (session.Snapshot, error) {
	var (
		data    []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM snapshots WHERE key = ?`, key,
	).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: load %s: %w", ErrUnavailable, key, err)
	}
	if expires > 0 && s.now().Unix() >= expires {
		if err := s.Delete(ctx, key); err != nil {
			return session.Snapshot{}, err
		}
		return session.Snapshot{}, ErrNotFound
	}
	return decode(data)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
