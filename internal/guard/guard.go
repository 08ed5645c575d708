// Package guard prevents two runs of the same channel from overlapping.
package guard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/status"
)

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = eris.New("guard: lease not held")

// Guard issues channel leases backed by a status store.
type Guard struct {
	store status.Store
}

// New creates a guard over store.
func New(store status.Store) *Guard {
	return &Guard{store: store}
}

// Lease is a held channel lock.
type Lease struct {
	Channel string
	Owner   string
	Expires time.Time

	store status.Store
	value []byte
}

type lockValue struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// TryAcquire takes the lock for channel. When another holder owns it the
// result is (nil, false, nil).
func (g *Guard) TryAcquire(ctx context.Context, channel string, ttl time.Duration) (*Lease, bool, error) {
	now := time.Now().UTC()
	owner := uuid.NewString()
	b, err := json.Marshal(lockValue{Owner: owner, AcquiredAt: now})
	if err != nil {
		return nil, false, eris.Wrap(err, "guard: encode lock")
	}
	ok, err := g.store.SetNX(ctx, Key(channel), b, ttl)
	if err != nil {
		return nil, false, eris.Wrapf(err, "guard: acquire %s", channel)
	}
	if !ok {
		zap.L().Debug("channel busy", zap.String("channel", channel))
		return nil, false, nil
	}
	return &Lease{Channel: channel, Owner: owner, Expires: now.Add(ttl), store: g.store, value: b}, true, nil
}

// Held reports whether any live lease exists for channel.
func (g *Guard) Held(ctx context.Context, channel string) (bool, error) {
	_, ok, err := g.store.Get(ctx, Key(channel))
	return ok, eris.Wrapf(err, "guard: check %s", channel)
}

// Key returns the status key for a channel lock.
func Key(channel string) string {
	return status.LockPrefix + channel
}

// Release drops the lease if it is still owned by this holder.
func (l *Lease) Release(ctx context.Context) error {
	ok, err := l.store.DeleteIf(ctx, Key(l.Channel), l.value)
	if err != nil {
		return eris.Wrapf(err, "guard: release %s", l.Channel)
	}
	if !ok {
		return eris.Wrapf(ErrNotHeld, "guard: release %s", l.Channel)
	}
	return nil
}
