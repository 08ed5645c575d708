package status

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
)

// PostgresStore keeps entries in mls.status_kv. Values must be valid JSON.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresStore creates a status store over pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// SetClock replaces the clock used for expiry.
func (s *PostgresStore) SetClock(now func() time.Time) { s.now = now }

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM mls.status_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now().UTC()).Scan(&v)
	if db.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "status: get %s", key)
	}
	return v, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mls.status_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiry(s.now(), ttl))
	return eris.Wrapf(err, "status: set %s", key)
}

func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO mls.status_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE mls.status_kv.expires_at IS NOT NULL AND mls.status_kv.expires_at <= $4`,
		key, value, expiry(now, ttl), now)
	if err != nil {
		return false, eris.Wrapf(err, "status: setnx %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM mls.status_kv WHERE key = $1 AND value = $2::jsonb AND (expires_at IS NULL OR expires_at > $3)`,
		key, value, s.now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "status: delete-if %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mls.status_kv WHERE key = $1`, key)
	return eris.Wrapf(err, "status: delete %s", key)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM mls.status_kv
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)`,
		prefix, s.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "status: list")
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "status: scan")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "status: list iterate")
}
