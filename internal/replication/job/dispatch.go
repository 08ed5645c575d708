package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/status"
)

// ImportNowChain is the operator "import now" chain.
const ImportNowChain = "import-now"

// DefaultChains returns the combined triggers for the given providers:
// every provider backfill followed by the media backfill when registered.
func DefaultChains(reg *Registry, slugs []string) map[string][]string {
	var members []string
	for _, s := range slugs {
		members = append(members, BackfillName(s))
	}
	if _, err := reg.Get(MediaBackfillName); err == nil {
		members = append(members, MediaBackfillName)
	}
	return map[string][]string{ImportNowChain: members}
}

// Dispatcher starts named chains of jobs in the background, refusing a
// chain that is already queued or whose members are running.
type Dispatcher struct {
	engine *Engine
	store  status.Store
	chains map[string][]string
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewDispatcher creates a dispatcher for chains.
func NewDispatcher(engine *Engine, store status.Store, chains map[string][]string) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		store:  store,
		chains: chains,
		log:    zap.L().With(zap.String("component", "replication.dispatcher")),
	}
}

type chainValue struct {
	ID       string    `json:"id"`
	Members  []string  `json:"members"`
	QueuedAt time.Time `json:"queued_at"`
}

// Dispatch queues chain. It reports false with a reason when the chain is
// already in flight or one of its jobs is running.
func (d *Dispatcher) Dispatch(ctx context.Context, chain string) (bool, string, error) {
	members, ok := d.chains[chain]
	if !ok {
		return false, "", eris.Errorf("job: unknown chain %q", chain)
	}
	var ttl time.Duration
	jobs := make([]Job, 0, len(members))
	for _, m := range members {
		j, err := d.engine.reg.Get(m)
		if err != nil {
			return false, "", err
		}
		jobs = append(jobs, j)
		ttl += j.Timeout()
	}

	for _, j := range jobs {
		running, err := d.engine.tracker.Running(ctx, j.Name())
		if err != nil {
			return false, "", eris.Wrapf(err, "job: check progress %s", j.Name())
		}
		if running {
			return false, j.Name() + " is running", nil
		}
	}

	val, err := json.Marshal(chainValue{ID: uuid.NewString(), Members: members, QueuedAt: time.Now().UTC()})
	if err != nil {
		return false, "", eris.Wrap(err, "job: encode chain")
	}
	key := status.ChainPrefix + chain
	ok, err = d.store.SetNX(ctx, key, val, ttl)
	if err != nil {
		return false, "", eris.Wrapf(err, "job: queue chain %s", chain)
	}
	if !ok {
		return false, "chain already queued", nil
	}

	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if _, err := d.store.DeleteIf(bg, key, val); err != nil {
				d.log.Warn("clear chain", zap.String("chain", chain), zap.Error(err))
			}
		}()
		for _, j := range jobs {
			rep, err := d.engine.Run(bg, j)
			if err != nil {
				d.log.Warn("chain member failed", zap.String("chain", chain), zap.String("job", j.Name()), zap.Error(err))
				continue
			}
			d.log.Info("chain member finished", zap.String("chain", chain), zap.String("job", j.Name()), zap.String("outcome", string(rep.Outcome)))
		}
	}()
	return true, "", nil
}

// Queued reports whether chain is in flight.
func (d *Dispatcher) Queued(ctx context.Context, chain string) (bool, error) {
	_, ok, err := d.store.Get(ctx, status.ChainPrefix+chain)
	return ok, err
}

// Chains returns the configured chain names and members.
func (d *Dispatcher) Chains() map[string][]string { return d.chains }

// Wait blocks until every dispatched chain has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
