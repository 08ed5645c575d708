package status

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store backed by modernc.org/sqlite.
// expires_at holds unix nanoseconds; 0 means no expiry.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS status_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// NewSQLiteStore opens (and creates) the database at dsn in WAL mode.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("status: sqlite path is empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "status: sqlite open")
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "status: sqlite exec %s", stmt)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetClock replaces the clock used for expiry.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) expiresAt(ttl time.Duration) int64 {
	if e := expiry(s.now(), ttl); e != nil {
		return e.UnixNano()
	}
	return 0
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM status_kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixNano()).Scan(&v)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "status: sqlite get %s", key)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiresAt(ttl))
	return eris.Wrapf(err, "status: sqlite set %s", key)
}

func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO status_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE status_kv.expires_at != 0 AND status_kv.expires_at <= ?`,
		key, value, s.expiresAt(ttl), s.now().UnixNano())
	if err != nil {
		return false, eris.Wrapf(err, "status: sqlite setnx %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "status: sqlite rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM status_kv WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, value, s.now().UnixNano())
	if err != nil {
		return false, eris.Wrapf(err, "status: sqlite delete-if %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "status: sqlite rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM status_kv WHERE key = ?`, key)
	return eris.Wrapf(err, "status: sqlite delete %s", key)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM status_kv
		WHERE substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)`,
		prefix, prefix, s.now().UnixNano())
	if err != nil {
		return nil, eris.Wrap(err, "status: sqlite list")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "status: sqlite scan")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "status: sqlite list iterate")
}
