package evidencestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the durable, single-node reference Store implementation.
// Unlike Memory it survives a process restart; unlike a networked
// cache it does not coordinate across multiple engine processes.
// SQLite has no native key expiry, so an expired key is deleted by Get
// when it is read, and all expired rows are deleted by Reap; nothing in
// this module calls Reap on a schedule.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_sets (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
CREATE INDEX IF NOT EXISTS idx_kv_sets_expires ON kv_sets(expires_at);
`

// OpenSQLite opens (creating if necessary) the SQLite-backed store at
// path. Use ":memory:" for an ephemeral store with the same durability
// semantics as Memory but exercising the SQL code path (useful in
// tests that want to pin down the sqlite backend specifically).
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("evidencestore: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("evidencestore: migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Reap deletes all rows whose TTL has elapsed. Deployments should call
// it on an interval (e.g. every minute); Get separately deletes an
// individual expired key when it reads one.
func (s *SQLite) Reap(ctx context.Context) error {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if expiresAt < time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLite) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) AppendSetMember(ctx context.Context, key string, member string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_sets(key, member, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key, member) DO UPDATE SET expires_at = excluded.expires_at`,
		key, member, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) SetMembers(ctx context.Context, key string) ([]string, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_sets WHERE key = ? AND expires_at >= ?`, key, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *SQLite) ScanBySession(ctx context.Context, sessionID string) ([][]byte, error) {
	keys, err := s.SetMembers(ctx, AnalysesBySessionIndexKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var existing []byte
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&existing, &expiresAt)
	switch {
	case err == sql.ErrNoRows, err == nil && expiresAt < now:
		expiresAtNew := time.Now().Add(ttl).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, value, expiresAtNew); err != nil {
			return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := tx.Commit(); err != nil {
			return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return true, nil, nil
	case err != nil:
		return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return false, existing, nil
	}
}
