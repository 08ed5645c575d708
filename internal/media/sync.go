package media

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/resilience"
)

// Enqueuer accepts download tasks without blocking.
type Enqueuer interface {
	Enqueue(task DownloadTask) bool
}

// Synchronizer replaces listing media sets. All calls share one rate
// limiter regardless of provider.
type Synchronizer struct {
	sources  map[string]feed.MediaSource
	fallback feed.MediaSource
	store    Store
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
	maxItems int
	enqueuer Enqueuer
	log      *zap.Logger
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithEnqueuer sends every stored item to e for download.
func WithEnqueuer(e Enqueuer) SyncOption {
	return func(s *Synchronizer) { s.enqueuer = e }
}

// WithRetry overrides the retry policy for media fetches.
func WithRetry(cfg resilience.RetryConfig) SyncOption {
	return func(s *Synchronizer) { s.retry = cfg }
}

// NewSynchronizer creates a synchronizer. The first source is used for
// targets whose provider is unknown.
func NewSynchronizer(store Store, sources []feed.MediaSource, cfg config.MediaConfig, opts ...SyncOption) *Synchronizer {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	s := &Synchronizer{
		sources:  make(map[string]feed.MediaSource, len(sources)),
		store:    store,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    resilience.DefaultRetryConfig(),
		maxItems: cfg.MaxItems,
		log:      zap.L().With(zap.String("component", "media.sync")),
	}
	for _, src := range sources {
		if s.fallback == nil {
			s.fallback = src
		}
		s.sources[src.Slug()] = src
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.RetryLogger("media.sync", "fetch_media")
	}
	return s
}

// Sync fetches and stores the media set for t, returning the item count.
// The existing set is left untouched when the fetch fails.
func (s *Synchronizer) Sync(ctx context.Context, t Target) (int, error) {
	src, ok := s.sources[t.Provider]
	if !ok {
		src = s.fallback
	}
	if src == nil {
		monitoring.MediaSyncTotal.WithLabelValues("skipped").Inc()
		return 0, eris.Errorf("media: no source for provider %q", t.Provider)
	}

	raw, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.RawMedia, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return src.FetchMedia(ctx, t.ResourceKey, s.maxItems)
	})
	if err != nil {
		monitoring.MediaSyncTotal.WithLabelValues("failed").Inc()
		s.log.Warn("media fetch failed",
			zap.Int64("listing_id", t.ListingID),
			zap.String("resource_key", t.ResourceKey),
			zap.Error(err),
		)
		return 0, eris.Wrapf(err, "media: fetch %s", t.ResourceKey)
	}

	items := Build(t.ListingID, raw, s.maxItems)
	if err := s.store.Replace(ctx, t.ListingID, items); err != nil {
		monitoring.MediaSyncTotal.WithLabelValues("failed").Inc()
		return 0, err
	}
	monitoring.MediaSyncTotal.WithLabelValues("ok").Inc()

	if s.enqueuer != nil {
		for _, m := range items {
			if m.ID == 0 {
				continue
			}
			if !s.enqueuer.Enqueue(DownloadTask{MediaID: m.ID, ListingID: t.ListingID, Position: m.Position, URL: m.URL}) {
				s.log.Debug("download queue full", zap.Int64("media_id", m.ID))
			}
		}
	}
	return len(items), nil
}
