package job

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/config"
)

// Job names.
const (
	DeltaScanName     = "delta-scan"
	ByIDImportName    = "by-id-import"
	MediaBackfillName = "media-backfill"
)

// BackfillName is the power-of-sale backfill job of a provider.
func BackfillName(slug string) string { return slug + "-pos-backfill" }

// WindowName is the rolling window job of a provider.
func WindowName(slug string) string { return slug + "-window-scan" }

func minutes(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Minute
}

// NewDefaultRegistry builds the scheduled jobs for the given provider slugs.
func NewDefaultRegistry(cfg config.ReplicationConfig, mediaCfg config.MediaConfig, slugs []string) *Registry {
	r := NewRegistry()
	for _, slug := range slugs {
		r.Register(NewPowerOfSaleBackfill(slug, cfg))
		r.Register(NewWindowScan(slug, cfg))
	}
	r.Register(NewDeltaScan(cfg))
	if mediaCfg.Enabled {
		r.Register(NewMediaBackfill(mediaCfg.BackfillSize, cfg))
	}
	return r
}

// PowerOfSaleBackfill walks one provider's whole feed from its cursor,
// merging only power-of-sale records.
type PowerOfSaleBackfill struct {
	provider string
	timeout  time.Duration
}

// NewPowerOfSaleBackfill creates the backfill job for provider.
func NewPowerOfSaleBackfill(provider string, cfg config.ReplicationConfig) *PowerOfSaleBackfill {
	return &PowerOfSaleBackfill{provider: provider, timeout: minutes(cfg.BackfillTimeoutMins, 180)}
}

func (j *PowerOfSaleBackfill) Name() string           { return BackfillName(j.provider) }
func (j *PowerOfSaleBackfill) Kind() Kind             { return KindBackfill }
func (j *PowerOfSaleBackfill) Timeout() time.Duration { return j.timeout }

// Run pages the provider in required mode.
func (j *PowerOfSaleBackfill) Run(ctx context.Context, env *Env) (*Result, error) {
	src, ok := env.Source(j.provider)
	if !ok {
		return nil, eris.Errorf("job: provider %q not configured", j.provider)
	}
	return newPager(env, src, j.Name(), classify.ModeRequired, time.Time{}).run(ctx)
}

// WindowScan rescans a provider's recent window and merges records the
// classifier matches. It resumes from the later of its cursor and the
// window floor.
type WindowScan struct {
	provider string
	window   time.Duration
	timeout  time.Duration
}

// NewWindowScan creates the window job for provider.
func NewWindowScan(provider string, cfg config.ReplicationConfig) *WindowScan {
	days := cfg.WindowDays
	if days <= 0 {
		days = 30
	}
	return &WindowScan{
		provider: provider,
		window:   time.Duration(days) * 24 * time.Hour,
		timeout:  minutes(cfg.WindowTimeoutMins, 60),
	}
}

func (j *WindowScan) Name() string           { return WindowName(j.provider) }
func (j *WindowScan) Kind() Kind             { return KindWindow }
func (j *WindowScan) Timeout() time.Duration { return j.timeout }

// Run pages the provider in advisory mode above the window floor.
func (j *WindowScan) Run(ctx context.Context, env *Env) (*Result, error) {
	src, ok := env.Source(j.provider)
	if !ok {
		return nil, eris.Errorf("job: provider %q not configured", j.provider)
	}
	floor := env.now().Add(-j.window)
	return newPager(env, src, j.Name(), classify.ModeAdvisory, floor).run(ctx)
}

// DeltaScan merges every recent change from each provider in turn, with
// no classifier restriction.
type DeltaScan struct {
	window  time.Duration
	timeout time.Duration
}

// NewDeltaScan creates the delta job.
func NewDeltaScan(cfg config.ReplicationConfig) *DeltaScan {
	hours := cfg.DeltaHours
	if hours <= 0 {
		hours = 24
	}
	return &DeltaScan{window: time.Duration(hours) * time.Hour, timeout: minutes(cfg.DeltaTimeoutMins, 30)}
}

func (j *DeltaScan) Name() string           { return DeltaScanName }
func (j *DeltaScan) Kind() Kind             { return KindDelta }
func (j *DeltaScan) Timeout() time.Duration { return j.timeout }

// Channel is the cursor channel of the delta scan over one provider.
func (j *DeltaScan) Channel(slug string) string { return j.Name() + ":" + slug }

// Run pages each provider sequentially. A failing provider does not stop
// the next one; the first error is returned after all have run.
func (j *DeltaScan) Run(ctx context.Context, env *Env) (*Result, error) {
	if len(env.Sources) == 0 {
		return nil, eris.New("job: no providers configured")
	}
	floor := env.now().Add(-j.window)
	total := &Result{}
	var firstErr error
	for _, src := range env.Sources {
		p := newPager(env, src, j.Channel(src.Slug()), classify.ModeOff, floor)
		p.prior = total.Counters
		res, err := p.run(ctx)
		total.merge(res)
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			total.LastError = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

// ByIDImport fetches an explicit list of MLS numbers from every provider
// and merges them unfiltered.
type ByIDImport struct {
	ids       []string
	chunk     int
	timeout   time.Duration
	providers map[string]bool
	// Truncated counts identities dropped by the cap.
	Truncated int
}

// NewByIDImport trims, dedupes and caps ids.
func NewByIDImport(ids []string, cfg config.ReplicationConfig) (*ByIDImport, error) {
	limit := cfg.ByIDCap
	if limit <= 0 {
		limit = 500
	}
	chunk := cfg.ByIDChunk
	if chunk <= 0 {
		chunk = 10
	}

	seen := make(map[string]bool, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return nil, eris.New("job: no identities to import")
	}

	j := &ByIDImport{chunk: chunk, timeout: minutes(cfg.ImportTimeoutMins, 15)}
	if len(clean) > limit {
		j.Truncated = len(clean) - limit
		clean = clean[:limit]
	}
	j.ids = clean
	return j, nil
}

func (j *ByIDImport) Name() string           { return ByIDImportName }
func (j *ByIDImport) Kind() Kind             { return KindImport }
func (j *ByIDImport) Timeout() time.Duration { return j.timeout }

// Only restricts the import to the named providers. No slugs means every
// provider.
func (j *ByIDImport) Only(slugs ...string) *ByIDImport {
	j.providers = nil
	for _, s := range slugs {
		if s = strings.TrimSpace(s); s != "" {
			if j.providers == nil {
				j.providers = map[string]bool{}
			}
			j.providers[s] = true
		}
	}
	return j
}

// IDs returns the identities that will be requested.
func (j *ByIDImport) IDs() []string { return append([]string(nil), j.ids...) }

// Chunks splits the identities into per-request groups.
func (j *ByIDImport) Chunks() [][]string {
	var out [][]string
	for i := 0; i < len(j.ids); i += j.chunk {
		out = append(out, j.ids[i:min(i+j.chunk, len(j.ids))])
	}
	return out
}

// Run requests every chunk from every provider.
func (j *ByIDImport) Run(ctx context.Context, env *Env) (*Result, error) {
	if len(env.Sources) == 0 {
		return nil, eris.New("job: no providers configured")
	}
	sources := env.Sources
	if j.providers != nil {
		sources = nil
		for _, src := range env.Sources {
			if j.providers[src.Slug()] {
				sources = append(sources, src)
			}
		}
		if len(sources) == 0 {
			return nil, eris.New("job: no configured provider matches the import filter")
		}
	}
	res := &Result{}
	for _, chunk := range j.Chunks() {
		for _, src := range sources {
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "job: by-id import interrupted")
			}
			page, err := src.FetchByIDs(ctx, chunk)
			if err != nil {
				return res, eris.Wrapf(err, "job: fetch ids from %s", src.Slug())
			}
			res.Counters.Pages++
			res.Counters.Dropped += page.Dropped
			if page.Failed {
				res.Counters.PageFailures++
				res.LastError = "page fetch failed: " + page.URL
				continue
			}
			p := newPager(env, src, j.Name(), classify.ModeOff, time.Time{})
			p.mergePage(ctx, page.Items, res)
			p.report(ctx, res)
		}
	}
	return res, nil
}

// MediaBackfill synchronises media for listings that have none.
type MediaBackfill struct {
	limit   int
	timeout time.Duration
}

// NewMediaBackfill creates the media backfill job.
func NewMediaBackfill(limit int, cfg config.ReplicationConfig) *MediaBackfill {
	if limit <= 0 {
		limit = 200
	}
	return &MediaBackfill{limit: limit, timeout: minutes(cfg.MediaTimeoutMins, 120)}
}

// WithLimit returns a copy of j capped at limit listings.
func (j *MediaBackfill) WithLimit(limit int) *MediaBackfill {
	c := *j
	if limit > 0 {
		c.limit = limit
	}
	return &c
}

func (j *MediaBackfill) Name() string           { return MediaBackfillName }
func (j *MediaBackfill) Kind() Kind             { return KindMedia }
func (j *MediaBackfill) Timeout() time.Duration { return j.timeout }

// Run lists listings without media and syncs them on a bounded worker pool.
// Fetched counts targets, Updated counts synced listings.
func (j *MediaBackfill) Run(ctx context.Context, env *Env) (*Result, error) {
	if env.MediaMissing == nil || env.MediaSyncer == nil {
		return nil, eris.New("job: media backfill not configured")
	}
	log := zap.L().With(zap.String("component", "replication.media_backfill"))

	targets, err := env.MediaMissing.ListMissing(ctx, j.limit)
	if err != nil {
		return nil, eris.Wrap(err, "job: list listings without media")
	}
	log.Info("media backfill", zap.Int("targets", len(targets)))

	res := &Result{}
	res.Counters.Fetched = len(targets)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, env.MediaWorkers))
	for _, t := range targets {
		g.Go(func() error {
			_, err := env.MediaSyncer.Sync(gctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Counters.Failed++
				res.LastError = err.Error()
			} else {
				res.Counters.Updated++
			}
			env.progress(gctx, res.Counters)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "job: media backfill interrupted")
	}
	return res, nil
}
