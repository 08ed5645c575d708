package main

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/cursor"
	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/fetcher"
	"github.com/sells-group/listing-sync/internal/guard"
	"github.com/sells-group/listing-sync/internal/listing"
	"github.com/sells-group/listing-sync/internal/media"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/replication"
	"github.com/sells-group/listing-sync/internal/replication/job"
	"github.com/sells-group/listing-sync/internal/resilience"
	"github.com/sells-group/listing-sync/internal/status"
)

// appEnv holds the wired replication stack used by every long-lived command.
type appEnv struct {
	Pool       *pgxpool.Pool
	Status     status.Store
	SyncLog    *replication.SyncLog
	Cursors    *cursor.PostgresStore
	Tracker    *status.Tracker
	Engine     *job.Engine
	Dispatcher *job.Dispatcher
	Checker    *monitoring.Checker

	// Queue and Downloader are nil when media sync or downloads are off.
	Queue      *media.Queue
	Downloader *media.Downloader
}

// Close releases the status store and the pool.
func (a *appEnv) Close() {
	if c, ok := a.Status.(io.Closer); ok {
		_ = c.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// StartMedia runs the media queue and downloader in the background. The
// returned stop func closes the queue, waits for the backlog to drain and
// then stops the downloader.
func (a *appEnv) StartMedia(ctx context.Context) (stop func()) {
	if a.Queue == nil {
		return func() {}
	}
	dlCtx, cancelDL := context.WithCancel(ctx)
	dlDone := make(chan struct{})
	go func() {
		defer close(dlDone)
		if a.Downloader != nil {
			_ = a.Downloader.Run(dlCtx)
		}
	}()
	qDone := make(chan struct{})
	go func() {
		defer close(qDone)
		if err := a.Queue.Run(ctx); err != nil {
			zap.L().Warn("media queue stopped", zap.Error(err))
		}
	}()
	return func() {
		a.Queue.Close()
		<-qDone
		cancelDL()
		<-dlDone
		done, failed, dropped := a.Queue.Stats()
		zap.L().Info("media queue drained",
			zap.Int64("done", done),
			zap.Int64("failed", failed),
			zap.Int64("dropped", dropped),
		)
	}
}

// openPool connects to the canonical store.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("connected to database")
	return pool, nil
}

// initApp validates cfg for mode, migrates the schema and wires the job
// engine. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}
	app := &appEnv{Pool: pool}

	if err := replication.Migrate(ctx, pool); err != nil {
		app.Close()
		return nil, eris.Wrap(err, "migrate")
	}

	providers := cfg.Feeds.Providers()
	rows, err := seedSources(ctx, pool, providers)
	if err != nil {
		app.Close()
		return nil, err
	}

	classifier, err := classify.Load(cfg.Classifier.PhrasesFile)
	if err != nil {
		app.Close()
		return nil, err
	}

	clients := newFeedClients(providers, cfg.Resilience)
	sources := make([]feed.Source, 0, len(clients))
	mediaSources := make([]feed.MediaSource, 0, len(clients))
	slugs := make([]string, 0, len(clients))
	for _, c := range clients {
		sources = append(sources, c)
		mediaSources = append(mediaSources, c)
		slugs = append(slugs, c.Slug())
	}

	st, err := status.Open(cfg.Status, pool)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Status = st

	app.SyncLog = replication.NewSyncLog(pool)
	app.Cursors = cursor.NewPostgresStore(pool)

	mediaStore := media.NewPostgresStore(pool)
	if cfg.Media.Enabled {
		var opts []media.SyncOption
		opts = append(opts, media.WithRetry(resilience.FromRetryConfig(cfg.Resilience.Retry)))
		if cfg.Media.Downloads {
			objects, err := media.NewS3Store(ctx, cfg.S3)
			if err != nil {
				app.Close()
				return nil, err
			}
			dl := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 2 * time.Minute})
			app.Downloader = media.NewDownloader(dl, objects, mediaStore, cfg.Media.QueueSize, cfg.Media.Workers, cfg.Media.TempDir)
			opts = append(opts, media.WithEnqueuer(app.Downloader))
		}
		syncer := media.NewSynchronizer(mediaStore, mediaSources, cfg.Media, opts...)
		app.Queue = media.NewQueue(syncer, cfg.Media.QueueSize, cfg.Media.Workers)
	}

	ranked := make([]model.Source, 0, len(rows))
	for _, r := range rows {
		ranked = append(ranked, r)
	}
	merger := listing.NewEngine(listing.NewPostgresStore(pool), listing.NewRanker(ranked), classifier)

	env := &job.Env{
		Sources:      sources,
		Rows:         rows,
		Merger:       merger,
		Classifier:   classifier,
		Cursors:      app.Cursors,
		MediaMissing: mediaStore,
		MediaWorkers: cfg.Media.Workers,
		Config:       cfg.Replication,
	}
	if app.Queue != nil {
		env.Media = app.Queue
		env.MediaSyncer = app.Queue.Syncer()
	}

	reg := job.NewDefaultRegistry(cfg.Replication, cfg.Media, slugs)
	app.Tracker = status.NewTracker(st, time.Duration(cfg.Status.ProgressTTLMins)*time.Minute)
	app.Engine = job.NewEngine(reg, env, guard.New(st), app.Tracker, app.SyncLog)
	app.Dispatcher = job.NewDispatcher(app.Engine, st, job.DefaultChains(reg, slugs))

	collector := monitoring.NewCollector(app.SyncLog, app.Tracker, app.Cursors,
		time.Duration(cfg.Monitoring.StaleCursorHours)*time.Hour)
	app.Checker = monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

	zap.L().Info("replication stack ready",
		zap.Strings("providers", slugs),
		zap.Strings("jobs", reg.Names()),
		zap.String("status_driver", cfg.Status.Driver),
		zap.Bool("media", app.Queue != nil),
		zap.Bool("downloads", app.Downloader != nil),
	)
	return app, nil
}

// seedSources upserts one mls.sources row per provider and returns the
// stored rows keyed by slug.
func seedSources(ctx context.Context, pool db.Pool, providers []config.ProviderConfig) (map[string]model.Source, error) {
	store := listing.NewSourceStore(pool)
	seed := make([]model.Source, 0, len(providers))
	for _, p := range providers {
		seed = append(seed, model.Source{Slug: p.Slug, Name: p.Name, Rank: p.Rank})
	}
	if err := store.Seed(ctx, seed); err != nil {
		return nil, err
	}
	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return listing.BySlug(list), nil
}

// newFeedClients builds one client per provider, each with its own rate
// limited fetcher and circuit breaker.
func newFeedClients(providers []config.ProviderConfig, rc config.ResilienceConfig) []*feed.Client {
	out := make([]*feed.Client, 0, len(providers))
	for _, p := range providers {
		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Timeout:    time.Duration(p.TimeoutSecs) * time.Second,
			MaxRetries: rc.Retry.MaxAttempts,
		})
		f.SetHostRate(rate.Limit(p.RateLimit), p.Burst, p.ListURL, p.MediaURL)
		cb := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(rc.Circuit))
		out = append(out, feed.NewClient(p, f, feed.WithBreaker(cb)))
	}
	return out
}
