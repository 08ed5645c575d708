package cursor

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
)

// PostgresStore keeps cursors in mls.replication_cursors.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a cursor store over pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load seeds the channel at the epoch if absent and returns the stored cursor.
func (s *PostgresStore) Load(ctx context.Context, channel string) (model.Cursor, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mls.replication_cursors (channel, last_timestamp, last_key)
		VALUES ($1, $2, '') ON CONFLICT (channel) DO NOTHING`,
		channel, model.Epoch)
	if err != nil {
		return model.Cursor{}, eris.Wrapf(err, "cursor: seed %s", channel)
	}

	c := model.Cursor{Channel: channel}
	err = s.pool.QueryRow(ctx,
		`SELECT last_timestamp, last_key, updated_at FROM mls.replication_cursors WHERE channel = $1`,
		channel).Scan(&c.Timestamp, &c.Key, &c.UpdatedAt)
	if err != nil {
		return model.Cursor{}, eris.Wrapf(err, "cursor: load %s", channel)
	}
	c.Timestamp = c.Timestamp.UTC()
	return c, nil
}

// Advance writes c only when it lies strictly after the stored position, so
// concurrent or replayed writers can never move a cursor backwards.
func (s *PostgresStore) Advance(ctx context.Context, c model.Cursor) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mls.replication_cursors
		SET last_timestamp = $2, last_key = $3, updated_at = now()
		WHERE channel = $1
		  AND (last_timestamp < $2 OR (last_timestamp = $2 AND last_key COLLATE "C" < $3))`,
		c.Channel, c.Timestamp, c.Key)
	if err != nil {
		return false, eris.Wrapf(err, "cursor: advance %s", c.Channel)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns every cursor ordered by channel.
func (s *PostgresStore) List(ctx context.Context) ([]model.Cursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel, last_timestamp, last_key, updated_at FROM mls.replication_cursors ORDER BY channel`)
	if err != nil {
		return nil, eris.Wrap(err, "cursor: list")
	}
	defer rows.Close()

	var out []model.Cursor
	for rows.Next() {
		var c model.Cursor
		if err := rows.Scan(&c.Channel, &c.Timestamp, &c.Key, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "cursor: scan")
		}
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "cursor: iterate")
}
