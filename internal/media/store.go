package media

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
)

// Store persists listing media.
type Store interface {
	// Replace swaps the listing's whole media set and fills in item ids.
	Replace(ctx context.Context, listingID int64, items []model.ListingMedia) error
	SetStoredPath(ctx context.Context, mediaID int64, path string) error
	// ListMissing returns live listings that have no media rows.
	ListMissing(ctx context.Context, limit int) ([]Target, error)
}

var mediaColumns = []string{"listing_id", "position", "is_primary", "url", "media_key"}

// PostgresStore keeps media in mls.listing_media.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a media store over pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Replace deletes the existing rows and COPYs the new set in one transaction,
// so a failed sync leaves the previous set intact.
func (s *PostgresStore) Replace(ctx context.Context, listingID int64, items []model.ListingMedia) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "media: begin replace")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM mls.listing_media WHERE listing_id = $1`, listingID); err != nil {
		return eris.Wrapf(err, "media: delete %d", listingID)
	}

	rows := make([][]any, len(items))
	for i, m := range items {
		rows[i] = []any{listingID, m.Position, m.IsPrimary, m.URL, m.MediaKey}
	}
	if _, err := db.CopyRows(ctx, tx, "mls.listing_media", mediaColumns, rows); err != nil {
		return eris.Wrapf(err, "media: insert %d", listingID)
	}

	if len(items) > 0 {
		ids, err := tx.Query(ctx,
			`SELECT id, position, created_at FROM mls.listing_media WHERE listing_id = $1 ORDER BY position`, listingID)
		if err != nil {
			return eris.Wrapf(err, "media: read ids %d", listingID)
		}
		byPos := make(map[int]int, len(items))
		for i, m := range items {
			byPos[m.Position] = i
		}
		for ids.Next() {
			var m model.ListingMedia
			if err := ids.Scan(&m.ID, &m.Position, &m.CreatedAt); err != nil {
				ids.Close()
				return eris.Wrap(err, "media: scan id")
			}
			if i, ok := byPos[m.Position]; ok {
				items[i].ID = m.ID
				items[i].ListingID = listingID
				items[i].CreatedAt = m.CreatedAt
			}
		}
		ids.Close()
		if err := ids.Err(); err != nil {
			return eris.Wrap(err, "media: iterate ids")
		}
	}

	return eris.Wrapf(tx.Commit(ctx), "media: commit replace %d", listingID)
}

// SetStoredPath records where a media file was mirrored.
func (s *PostgresStore) SetStoredPath(ctx context.Context, mediaID int64, path string) error {
	_, err := s.pool.Exec(ctx, `UPDATE mls.listing_media SET stored_path = $2 WHERE id = $1`, mediaID, path)
	return eris.Wrapf(err, "media: set stored path %d", mediaID)
}

// ListMissing returns the most recently modified live listings without media.
func (s *PostgresStore) ListMissing(ctx context.Context, limit int) ([]Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.external_id, s.slug
		FROM mls.listings l
		LEFT JOIN mls.sources s ON s.id = l.source_id
		WHERE l.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM mls.listing_media m WHERE m.listing_id = l.id)
		ORDER BY l.modified_at DESC NULLS LAST, l.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "media: list missing")
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var slug *string
		if err := rows.Scan(&t.ListingID, &t.ResourceKey, &slug); err != nil {
			return nil, eris.Wrap(err, "media: scan missing")
		}
		if slug != nil {
			t.Provider = *slug
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "media: iterate missing")
}
