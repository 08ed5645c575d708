package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/media"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/status"
)

var (
	t1 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
)

func TestBackfill_EndToEnd(t *testing.T) {
	src := newFakeSource("primary", 2,
		record(t, "K1", t1, posRemarks),
		record(t, "K2", t2, posRemarks),
	)
	h := newHarness(t, src)
	ctx := context.Background()

	rep, err := h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 2, rep.Result.Counters.Created)

	cur, err := h.cursors.Load(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.True(t, cur.Timestamp.Equal(t2))
	assert.Equal(t, "K2", cur.Key)
	assert.Equal(t, 2, h.listings.writes())
	assert.Len(t, h.queue.targets, 2)
	assert.Equal(t, "K1", h.queue.targets[0].ResourceKey)
	assert.Equal(t, "primary", h.queue.targets[0].Provider)

	rep, err = h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 2, h.listings.writes(), "second run must not write")
	assert.Equal(t, 0, rep.Result.Counters.Written())
	assert.Len(t, h.queue.targets, 2)

	p, ok, err := h.tracker.Get(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, status.StatusCompleted, p.Status)
	assert.NotNil(t, p.FinishedAt)

	assert.Len(t, h.runs.started, 2)
	require.Contains(t, h.runs.complete, int64(1))
	assert.Equal(t, int64(2), h.runs.complete[1].RowsSynced)
	assert.Equal(t, 2, h.runs.complete[1].Metadata["created"])

	held, err := h.guard.Held(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestBackfill_RequiredModeSkipsNonMatching(t *testing.T) {
	src := newFakeSource("primary", 2,
		record(t, "K1", t1, "Beautiful 3-bed bungalow"),
		record(t, "K2", t2, posRemarks),
	)
	h := newHarness(t, src)

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Result.Counters.Skipped)
	assert.Equal(t, 1, rep.Result.Counters.Created)
	assert.Equal(t, 1, h.listings.writes())

	cur, _ := h.cursors.Load(context.Background(), "primary-pos-backfill")
	assert.Equal(t, "K2", cur.Key)
}

func TestWindowScan_AdvisoryFiltersAndFloors(t *testing.T) {
	old := fixedNow.Add(-45 * 24 * time.Hour)
	src := newFakeSource("secondary", 1,
		record(t, "OLD", old, posRemarks),
		record(t, "K1", t1, "Beautiful 3-bed bungalow"),
		record(t, "K2", t2, posRemarks),
	)
	h := newHarness(t, src)

	rep, err := h.engine.RunJob(context.Background(), "secondary-window-scan")
	require.NoError(t, err)
	c := rep.Result.Counters
	assert.Equal(t, 2, c.Fetched)
	assert.Equal(t, 1, c.Filtered)
	assert.Equal(t, 0, c.Skipped)
	assert.Equal(t, 1, c.Created)

	src.mu.Lock()
	first := src.requests[0]
	src.mu.Unlock()
	assert.True(t, first.Floor.Equal(fixedNow.Add(-30*24*time.Hour)))
}

func TestPager_FallbackOnEmptyFirstPage(t *testing.T) {
	src := newFakeSource("primary", 2,
		record(t, "K1", t1, posRemarks),
		record(t, "K2", t2, posRemarks),
	)
	h := newHarness(t, src)
	ctx := context.Background()

	ahead := model.Cursor{Channel: "primary-pos-backfill", Timestamp: fixedNow.Add(-time.Hour), Key: "Z"}
	_, err := h.cursors.Load(ctx, ahead.Channel)
	require.NoError(t, err)
	_, err = h.cursors.Advance(ctx, ahead)
	require.NoError(t, err)

	rep, err := h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, []feed.Strategy{feed.StrategyCursor, feed.StrategyBaseOnly}, src.strategies())
	assert.Equal(t, 2, rep.Result.Counters.Created)

	cur, _ := h.cursors.Load(ctx, ahead.Channel)
	assert.True(t, cur.Timestamp.Equal(ahead.Timestamp), "cursor must not regress")
	assert.Equal(t, "Z", cur.Key)
}

func TestPager_FallbackKeepsWindowFloor(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	h := newHarness(t, src)
	ctx := context.Background()

	ahead := model.Cursor{Channel: "primary-window-scan", Timestamp: fixedNow.Add(-time.Hour), Key: "Z"}
	_, _ = h.cursors.Load(ctx, ahead.Channel)
	_, _ = h.cursors.Advance(ctx, ahead)

	_, err := h.engine.RunJob(ctx, "primary-window-scan")
	require.NoError(t, err)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.requests, 2)
	assert.Equal(t, feed.StrategyBaseOnly, src.requests[1].Strategy)
	assert.Equal(t, "ModificationTimestamp ge 2026-01-30T12:00:00Z", src.requests[1].Extra)
}

func TestPager_PagesUntilShortPage(t *testing.T) {
	var recs []*model.RawRecord
	for i, k := range []string{"A", "B", "C", "D", "E"} {
		recs = append(recs, record(t, k, t1.Add(time.Duration(i)*time.Minute), posRemarks))
	}
	src := newFakeSource("primary", 2, recs...)
	h := newHarness(t, src)
	h.env.Config.PageSize = 2

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Result.Counters.Pages)
	assert.Equal(t, 5, rep.Result.Counters.Created)

	cur, _ := h.cursors.Load(context.Background(), "primary-pos-backfill")
	assert.Equal(t, "E", cur.Key)
}

func TestPager_PageCap(t *testing.T) {
	var recs []*model.RawRecord
	for i, k := range []string{"A", "B", "C", "D", "E"} {
		recs = append(recs, record(t, k, t1.Add(time.Duration(i)*time.Minute), posRemarks))
	}
	src := newFakeSource("primary", 2, recs...)
	h := newHarness(t, src)
	h.env.Config.PageSize = 2
	h.env.Config.MaxPages = 1

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Result.Counters.Pages)

	cur, _ := h.cursors.Load(context.Background(), "primary-pos-backfill")
	assert.Equal(t, "B", cur.Key)
}

func TestPager_TiesOnTimestampUseKey(t *testing.T) {
	src := newFakeSource("primary", 2,
		record(t, "A", t1, posRemarks),
		record(t, "B", t1, posRemarks),
		record(t, "C", t1, posRemarks),
	)
	h := newHarness(t, src)
	h.env.Config.PageSize = 2

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Result.Counters.Created)
	assert.Equal(t, 3, rep.Result.Counters.Fetched, "no record fetched twice")
}

func TestPager_RepeatedFailuresEndRun(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	src.failures = 10
	h := newHarness(t, src)

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, maxPageFailures, rep.Result.Counters.PageFailures)
	assert.Equal(t, 0, h.listings.writes())

	p, _, _ := h.tracker.Get(context.Background(), "primary-pos-backfill")
	assert.Contains(t, p.LastError, "page fetch failed")
}

func TestPager_RecoversFromTransientFailure(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	src.failures = 1
	h := newHarness(t, src)

	rep, err := h.engine.RunJob(context.Background(), "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Result.Counters.PageFailures)
	assert.Equal(t, 1, rep.Result.Counters.Created)
}

func TestEngine_SkipsWhenAlreadyRunning(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	h := newHarness(t, src)
	ctx := context.Background()

	_, err := h.tracker.Start(ctx, "primary-pos-backfill", "other-run", time.Hour)
	require.NoError(t, err)

	rep, err := h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Equal(t, "already running", rep.Reason)
	assert.Empty(t, src.strategies())
	assert.Equal(t, 0, h.listings.writes())
	assert.Equal(t, []string{"primary-pos-backfill: already running"}, h.runs.skipped)
	assert.Empty(t, h.runs.started)
}

func TestEngine_CrashedRunBlocksOnlyForItsTimeout(t *testing.T) {
	h := newHarness(t, newFakeSource("primary", 2))
	ctx := context.Background()
	clock := fixedNow
	h.store.(*status.MemoryStore).SetClock(func() time.Time { return clock })

	runs := 0
	j := &funcJob{name: "delta-scan", timeout: 30 * time.Minute, run: func(context.Context, *Env) (*Result, error) {
		runs++
		return &Result{}, nil
	}}

	// A process died mid-run: progress and lease were written, never cleared.
	_, err := h.tracker.Start(ctx, j.name, "crashed", j.timeout)
	require.NoError(t, err)
	_, ok, err := h.guard.TryAcquire(ctx, j.name, j.timeout)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.engine.Run(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)

	clock = clock.Add(40 * time.Minute)
	rep, err = h.engine.Run(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 1, runs)
}

func TestEngine_SkipsWhenGuardHeld(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	h := newHarness(t, src)
	ctx := context.Background()

	lease, ok, err := h.guard.TryAcquire(ctx, "primary-pos-backfill", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Equal(t, 0, h.listings.writes())

	require.NoError(t, lease.Release(ctx))
	rep, err = h.engine.RunJob(ctx, "primary-pos-backfill")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
}

func TestEngine_TimeoutFailsRun(t *testing.T) {
	h := newHarness(t, newFakeSource("primary", 2))
	j := &funcJob{name: "slow", timeout: 20 * time.Millisecond, run: func(ctx context.Context, _ *Env) (*Result, error) {
		<-ctx.Done()
		return &Result{}, ctx.Err()
	}}
	ctx := context.Background()

	rep, err := h.engine.Run(ctx, j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Len(t, h.runs.failed, 1)

	p, ok, err := h.tracker.Get(ctx, "slow")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, status.StatusFailed, p.Status)

	held, err := h.guard.Held(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, held, "lease released after failure")
}

func TestEngine_UnknownJob(t *testing.T) {
	h := newHarness(t, newFakeSource("primary", 2))
	_, err := h.engine.RunJob(context.Background(), "nope")
	assert.Error(t, err)
}

func TestEngine_ContextCancelMidRunKeepsCursor(t *testing.T) {
	src := newFakeSource("primary", 2, record(t, "K1", t1, posRemarks))
	src.block = true
	h := newHarness(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	rep, err := h.engine.RunJob(ctx, "primary-pos-backfill")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)

	cur, _ := h.cursors.Load(context.Background(), "primary-pos-backfill")
	assert.True(t, cur.IsZero())
}

func TestDeltaScan_BothProvidersSequentially(t *testing.T) {
	recent := fixedNow.Add(-2 * time.Hour)
	old := fixedNow.Add(-72 * time.Hour)
	primary := newFakeSource("primary", 2,
		record(t, "P-OLD", old, "Beautiful 3-bed bungalow"),
		record(t, "P1", recent, "Beautiful 3-bed bungalow"),
	)
	secondary := newFakeSource("secondary", 1,
		record(t, "S1", recent.Add(time.Minute), posRemarks),
	)
	h := newHarness(t, primary, secondary)
	ctx := context.Background()

	rep, err := h.engine.RunJob(ctx, DeltaScanName)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Result.Counters.Created, "classifier off, floor excludes the old record")

	p, err := h.cursors.Load(ctx, "delta-scan:primary")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.Key)
	s, err := h.cursors.Load(ctx, "delta-scan:secondary")
	require.NoError(t, err)
	assert.Equal(t, "S1", s.Key)
	assert.Len(t, rep.Result.Cursors, 2)
}

func TestDeltaScan_NoProviders(t *testing.T) {
	h := newHarness(t)
	rep, err := h.engine.RunJob(context.Background(), DeltaScanName)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
}

func TestNewByIDImport_DedupeCapChunk(t *testing.T) {
	cfg := config.ReplicationConfig{ByIDCap: 5, ByIDChunk: 2}
	j, err := NewByIDImport([]string{" A", "B", "A", "", "C", "D", "E", "F", "G"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, j.IDs())
	assert.Equal(t, 2, j.Truncated)
	assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, j.Chunks())

	_, err = NewByIDImport([]string{" ", ""}, cfg)
	assert.Error(t, err)
}

func TestNewByIDImport_Defaults(t *testing.T) {
	ids := make([]string, 0, 600)
	for i := range 600 {
		ids = append(ids, time.Unix(int64(i), 0).UTC().Format("150405"))
	}
	j, err := NewByIDImport(ids, config.ReplicationConfig{})
	require.NoError(t, err)
	assert.Len(t, j.IDs(), 500)
	assert.Len(t, j.Chunks(), 50)
	assert.Len(t, j.Chunks()[0], 10)
}

func TestByIDImport_FetchesFromEveryProvider(t *testing.T) {
	primary := newFakeSource("primary", 2, record(t, "A", t1, "Bungalow"))
	secondary := newFakeSource("secondary", 1, record(t, "A", t1, "Bungalow"), record(t, "B", t2, "Condo"))
	h := newHarness(t, primary, secondary)

	j, err := NewByIDImport([]string{"A", "B", "C"}, config.ReplicationConfig{ByIDChunk: 2})
	require.NoError(t, err)

	rep, err := h.engine.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, primary.idCalls)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, secondary.idCalls)
	assert.Equal(t, 2, rep.Result.Counters.Created)
	assert.Equal(t, 4, rep.Result.Counters.Pages)
	assert.Equal(t, 3, rep.Result.Counters.Fetched)

	// Secondary data for A must not take over the primary row.
	row, err := h.listings.FindByExternalID(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, row.SourceID)
	assert.Equal(t, int64(1), *row.SourceID)
}

func TestByIDImport_Only(t *testing.T) {
	primary := newFakeSource("primary", 2, record(t, "A", t1, "Bungalow"))
	secondary := newFakeSource("secondary", 1, record(t, "A", t1, "Bungalow"))
	h := newHarness(t, primary, secondary)

	j, err := NewByIDImport([]string{"A"}, config.ReplicationConfig{})
	require.NoError(t, err)

	_, err = h.engine.Run(context.Background(), j.Only("secondary"))
	require.NoError(t, err)
	assert.Empty(t, primary.idCalls)
	assert.Equal(t, [][]string{{"A"}}, secondary.idCalls)

	rep, err := h.engine.Run(context.Background(), j.Only("nope"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
}

type fakeMissing struct{ targets []media.Target }

func (f *fakeMissing) ListMissing(_ context.Context, limit int) ([]media.Target, error) {
	if limit < len(f.targets) {
		return f.targets[:limit], nil
	}
	return f.targets, nil
}

type fakeSyncer struct{ fail map[int64]bool }

func (f *fakeSyncer) Sync(_ context.Context, t media.Target) (int, error) {
	if f.fail[t.ListingID] {
		return 0, errors.New("media endpoint down")
	}
	return 3, nil
}

func TestMediaBackfill_Run(t *testing.T) {
	h := newHarness(t, newFakeSource("primary", 2))
	h.env.MediaMissing = &fakeMissing{targets: []media.Target{{ListingID: 1}, {ListingID: 2}, {ListingID: 3}}}
	h.env.MediaSyncer = &fakeSyncer{fail: map[int64]bool{2: true}}
	h.env.MediaWorkers = 2

	rep, err := h.engine.Run(context.Background(), NewMediaBackfill(10, testConfig()))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Result.Counters.Fetched)
	assert.Equal(t, 2, rep.Result.Counters.Updated)
	assert.Equal(t, 1, rep.Result.Counters.Failed)
	assert.Contains(t, rep.Result.LastError, "media endpoint down")
}

func TestMediaBackfill_LimitAndConfig(t *testing.T) {
	j := NewMediaBackfill(0, testConfig())
	assert.Equal(t, 200, j.limit)
	assert.Equal(t, 5, j.WithLimit(5).limit)
	assert.Equal(t, 200, j.limit)

	h := newHarness(t)
	_, err := j.Run(context.Background(), h.env)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewDefaultRegistry(testConfig(), config.MediaConfig{Enabled: true}, []string{"primary", "secondary"})
	assert.Equal(t, []string{
		"primary-pos-backfill", "primary-window-scan",
		"secondary-pos-backfill", "secondary-window-scan",
		"delta-scan", "media-backfill",
	}, reg.Names())
	assert.Len(t, reg.ByKind(KindWindow), 2)

	j, err := reg.Get("primary-window-scan")
	require.NoError(t, err)
	assert.Equal(t, KindWindow, j.Kind())
	assert.Equal(t, time.Hour, j.Timeout())

	_, err = reg.Get("missing")
	assert.Error(t, err)

	noMedia := NewDefaultRegistry(testConfig(), config.MediaConfig{}, []string{"primary"})
	_, err = noMedia.Get(MediaBackfillName)
	assert.Error(t, err)
}

func TestResultMetadata(t *testing.T) {
	r := &Result{
		Counters:  status.Counters{Pages: 2, Created: 1},
		Cursors:   map[string]model.Cursor{"a": {Timestamp: t1, Key: "K"}},
		LastError: "boom",
	}
	m := r.Metadata()
	assert.Equal(t, 2, m["pages"])
	assert.Equal(t, map[string]string{"a": "2026-02-10T09:00:00Z|K"}, m["cursors"])
	assert.Equal(t, "boom", m["last_error"])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "backfill", KindBackfill.String())
	assert.Equal(t, "media", KindMedia.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
