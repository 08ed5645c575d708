package listing

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
)

// SourceStore reads and seeds mls.sources.
type SourceStore struct {
	pool db.Pool
}

// NewSourceStore creates a source store over pool.
func NewSourceStore(pool db.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

// Seed upserts the configured sources keyed by slug.
func (s *SourceStore) Seed(ctx context.Context, sources []model.Source) error {
	rows := make([][]any, 0, len(sources))
	for _, src := range sources {
		if src.Slug == "" {
			return eris.New("listing: seed source with empty slug")
		}
		name := src.Name
		if name == "" {
			name = src.Slug
		}
		rows = append(rows, []any{src.Slug, name, src.Rank})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.Upsert{
		Table:   "mls.sources",
		Columns: []string{"slug", "name", "rank"},
		Keys:    []string{"slug"},
	}, rows)
	return eris.Wrap(err, "listing: seed sources")
}

// List returns every source ordered by rank, highest first.
func (s *SourceStore) List(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, slug, name, rank, created_at FROM mls.sources ORDER BY rank DESC, slug`)
	if err != nil {
		return nil, eris.Wrap(err, "listing: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.ID, &src.Slug, &src.Name, &src.Rank, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "listing: scan source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "listing: iterate sources")
}

// BySlug indexes sources by slug.
func BySlug(sources []model.Source) map[string]model.Source {
	m := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		m[s.Slug] = s
	}
	return m
}
