// Package cursor persists the per-channel (timestamp, key) watermark that
// drives keyset pagination.
package cursor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/model"
)

// Store loads and advances replication cursors.
type Store interface {
	// Load returns the cursor for channel, seeding it at the epoch on first use.
	Load(ctx context.Context, channel string) (model.Cursor, error)
	// Advance moves the cursor forward. It reports false when c does not
	// lie strictly after the stored position.
	Advance(ctx context.Context, c model.Cursor) (bool, error)
	List(ctx context.Context) ([]model.Cursor, error)
}

// Next returns the cursor after observing candidate: the later of current
// and candidate, with a future timestamp clamped to now.
func Next(current, candidate model.Cursor, now time.Time) model.Cursor {
	candidate = feed.ClampCursor(candidate, now)
	candidate.Channel = current.Channel
	if !current.Less(candidate) {
		return current
	}
	return candidate
}

// FromRecord builds a candidate cursor from a record's timestamp and key
// fields. ok is false when the timestamp is missing or unparseable.
func FromRecord(r *model.RawRecord, tsField, keyField string) (model.Cursor, bool) {
	ts, err := time.Parse(time.RFC3339Nano, r.Field(tsField).String())
	if err != nil {
		return model.Cursor{}, false
	}
	return model.Cursor{Timestamp: ts.UTC(), Key: r.Field(keyField).String()}, true
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]model.Cursor
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]model.Cursor), now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, channel string) (model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[channel]
	if !ok {
		c = model.Cursor{Channel: channel, Timestamp: model.Epoch, UpdatedAt: m.now().UTC()}
		m.cursors[channel] = c
	}
	return c, nil
}

func (m *MemoryStore) Advance(_ context.Context, c model.Cursor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[c.Channel]
	if ok && !cur.Less(c) {
		return false, nil
	}
	c.UpdatedAt = m.now().UTC()
	m.cursors[c.Channel] = c
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}
