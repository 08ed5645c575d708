// Package status holds short-lived operational state: run progress, overlap
// locks and dispatcher markers. Entries carry an optional TTL so state left
// behind by a crashed process expires on its own.
package status

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/db"
)

// Key prefixes.
const (
	ProgressPrefix = "progress:"
	LockPrefix     = "lock:"
	ChainPrefix    = "chain:"
)

// Store is a key/value store with per-entry expiry. A zero ttl never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when key is absent or expired.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeleteIf removes key only while it still holds value.
	DeleteIf(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns live entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Open builds the configured backend. pool is required for the postgres driver.
func Open(cfg config.StatusConfig, pool db.Pool) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "", "postgres":
		if pool == nil {
			return nil, eris.New("status: postgres driver requires a database pool")
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, eris.Errorf("status: unknown driver %q", cfg.Driver)
	}
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC()
	return &t
}
