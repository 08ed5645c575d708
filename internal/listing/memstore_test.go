package listing

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/model"
)

// memStore is an in-memory Store enforcing the same unique identities as
// the Postgres schema.
type memStore struct {
	mu      sync.Mutex
	rows    map[int64]*model.Listing
	history []model.StatusHistory
	nextID  int64
	creates int
	updates int

	// beforeCreate runs once before the next Create, outside the lock.
	beforeCreate func()
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*model.Listing)}
}

func (m *memStore) FindByExternalID(_ context.Context, id string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.rows {
		if l.ExternalID == id {
			return clone(l), nil
		}
	}
	return nil, nil
}

func (m *memStore) FindByBoardMLS(_ context.Context, board, mls string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.rows {
		if deref(l.BoardCode) == board && deref(l.MLSNumber) == mls {
			return clone(l), nil
		}
	}
	return nil, nil
}

func (m *memStore) conflicts(l *model.Listing) bool {
	for id, other := range m.rows {
		if id == l.ID {
			continue
		}
		if other.ExternalID == l.ExternalID {
			return true
		}
		if l.HasSecondaryIdentity() && other.HasSecondaryIdentity() &&
			*l.BoardCode == *other.BoardCode && *l.MLSNumber == *other.MLSNumber {
			return true
		}
	}
	return false
}

func (m *memStore) Create(_ context.Context, l *model.Listing, h *model.StatusHistory) error {
	if hook := m.beforeCreate; hook != nil {
		m.beforeCreate = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts(l) {
		return eris.Wrap(ErrIdentityConflict, "mem: create")
	}
	m.nextID++
	l.ID = m.nextID
	m.rows[l.ID] = clone(l)
	m.creates++
	m.appendHistory(l.ID, h)
	return nil
}

func (m *memStore) Update(_ context.Context, l *model.Listing, h *model.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts(l) {
		return eris.Wrap(ErrIdentityConflict, "mem: update")
	}
	m.rows[l.ID] = clone(l)
	m.updates++
	m.appendHistory(l.ID, h)
	return nil
}

func (m *memStore) appendHistory(id int64, h *model.StatusHistory) {
	if h == nil {
		return
	}
	h.ListingID = id
	m.history = append(m.history, *h)
}

func (m *memStore) get(externalID string) *model.Listing {
	l, _ := m.FindByExternalID(context.Background(), externalID)
	return l
}

func (m *memStore) insert(l *model.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	m.rows[l.ID] = clone(l)
}
