package job

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/cursor"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/guard"
	"github.com/sells-group/listing-sync/internal/listing"
	"github.com/sells-group/listing-sync/internal/media"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/replication"
	"github.com/sells-group/listing-sync/internal/status"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const posRemarks = "Sold under Power of Sale, as-is."

func record(t *testing.T, key string, ts time.Time, remarks string) *model.RawRecord {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"ListingKey":            key,
		"ListingId":             key,
		"ListAOR":               "Toronto",
		"StandardStatus":        "Active",
		"MlsStatus":             "New",
		"ListPrice":             500000,
		"PublicRemarks":         remarks,
		"ModificationTimestamp": ts.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	r, err := model.DecodeRawRecord(b)
	require.NoError(t, err)
	return r
}

// fakeSource serves a fixed record set with keyset semantics.
type fakeSource struct {
	slug     string
	rank     int
	records  []*model.RawRecord
	failures int // leading FetchPage calls that fail
	block    bool

	mu       sync.Mutex
	requests []feed.PageRequest
	idCalls  [][]string
}

func newFakeSource(slug string, rank int, recs ...*model.RawRecord) *fakeSource {
	sort.Slice(recs, func(i, j int) bool { return less(recs[i], recs[j]) })
	return &fakeSource{slug: slug, rank: rank, records: recs}
}

func recCursor(r *model.RawRecord) model.Cursor {
	c, _ := cursor.FromRecord(r, "ModificationTimestamp", "ListingKey")
	return c
}

func less(a, b *model.RawRecord) bool { return recCursor(a).Less(recCursor(b)) }

func (f *fakeSource) Slug() string           { return f.slug }
func (f *fakeSource) Rank() int              { return f.rank }
func (f *fakeSource) KeyField() string       { return "ListingKey" }
func (f *fakeSource) TimestampField() string { return "ModificationTimestamp" }

func (f *fakeSource) FetchPage(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return &feed.Page{Failed: true, URL: "http://feed/fail", Top: req.Top}, nil
	}

	page := &feed.Page{Top: req.Top}
	for _, r := range f.records {
		c := recCursor(r)
		if req.Strategy == feed.StrategyCursor {
			if !req.Floor.IsZero() && c.Timestamp.Before(req.Floor) {
				continue
			}
			if !req.Cursor.IsZero() && !req.Cursor.Less(c) {
				continue
			}
		}
		page.Items = append(page.Items, r)
		if len(page.Items) == req.Top {
			break
		}
	}
	return page, nil
}

func (f *fakeSource) FetchByIDs(_ context.Context, ids []string) (*feed.Page, error) {
	f.mu.Lock()
	f.idCalls = append(f.idCalls, append([]string(nil), ids...))
	f.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	page := &feed.Page{}
	for _, r := range f.records {
		if want[r.ListingID.String()] {
			page.Items = append(page.Items, r)
		}
	}
	return page, nil
}

func (f *fakeSource) strategies() []feed.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]feed.Strategy, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Strategy
	}
	return out
}

// memListings is a listing.Store keyed by external id.
type memListings struct {
	mu      sync.Mutex
	rows    map[string]*model.Listing
	nextID  int64
	creates int
	updates int
}

func newMemListings() *memListings {
	return &memListings{rows: make(map[string]*model.Listing)}
}

func (m *memListings) FindByExternalID(_ context.Context, id string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.rows[id]; ok {
		c := *l
		return &c, nil
	}
	return nil, nil
}

func (m *memListings) FindByBoardMLS(_ context.Context, board, mls string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.rows {
		if l.BoardCode != nil && l.MLSNumber != nil && *l.BoardCode == board && *l.MLSNumber == mls {
			c := *l
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memListings) Create(_ context.Context, l *model.Listing, _ *model.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	c := *l
	m.rows[l.ExternalID] = &c
	m.creates++
	return nil
}

func (m *memListings) Update(_ context.Context, l *model.Listing, _ *model.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.rows[l.ExternalID] = &c
	m.updates++
	return nil
}

func (m *memListings) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates + m.updates
}

// memRunLog records sync log calls.
type memRunLog struct {
	mu       sync.Mutex
	nextID   int64
	started  []string
	complete map[int64]*replication.SyncResult
	failed   map[int64]string
	skipped  []string
}

func newMemRunLog() *memRunLog {
	return &memRunLog{complete: map[int64]*replication.SyncResult{}, failed: map[int64]string{}}
}

func (l *memRunLog) Start(_ context.Context, channel, _ string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.started = append(l.started, channel)
	return l.nextID, nil
}

func (l *memRunLog) Complete(_ context.Context, id int64, r *replication.SyncResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete[id] = r
	return nil
}

func (l *memRunLog) Fail(_ context.Context, id int64, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[id] = msg
	return nil
}

func (l *memRunLog) Skip(_ context.Context, channel, _, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipped = append(l.skipped, channel+": "+reason)
	return nil
}

// captureQueue records media submissions.
type captureQueue struct {
	mu      sync.Mutex
	targets []media.Target
}

func (q *captureQueue) Submit(t media.Target) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.targets = append(q.targets, t)
	return true
}

type harness struct {
	env      *Env
	engine   *Engine
	store    status.Store
	listings *memListings
	cursors  *cursor.MemoryStore
	runs     *memRunLog
	queue    *captureQueue
	tracker  *status.Tracker
	guard    *guard.Guard
}

func testConfig() config.ReplicationConfig {
	return config.ReplicationConfig{
		PageSize: 100, MaxPages: 50, WindowDays: 30, DeltaHours: 24,
		ByIDCap: 500, ByIDChunk: 10,
	}
}

func newHarness(t *testing.T, sources ...*fakeSource) *harness {
	t.Helper()
	h := &harness{
		store:    status.NewMemoryStore(),
		listings: newMemListings(),
		cursors:  cursor.NewMemoryStore(),
		runs:     newMemRunLog(),
		queue:    &captureQueue{},
	}
	var srcs []feed.Source
	var rows []model.Source
	bySlug := map[string]model.Source{}
	for i, s := range sources {
		srcs = append(srcs, s)
		row := model.Source{ID: int64(i + 1), Slug: s.slug, Name: s.slug, Rank: s.rank}
		rows = append(rows, row)
		bySlug[s.slug] = row
	}
	merger := listing.NewEngine(h.listings, listing.NewRanker(rows), classify.New(),
		listing.WithClock(func() time.Time { return fixedNow }))

	h.env = &Env{
		Sources:    srcs,
		Rows:       bySlug,
		Merger:     merger,
		Classifier: classify.New(),
		Cursors:    h.cursors,
		Media:      h.queue,
		Config:     testConfig(),
		Now:        func() time.Time { return fixedNow },
	}
	h.tracker = status.NewTracker(h.store, time.Hour)
	h.guard = guard.New(h.store)

	reg := NewRegistry()
	for _, s := range sources {
		reg.Register(NewPowerOfSaleBackfill(s.slug, h.env.Config))
		reg.Register(NewWindowScan(s.slug, h.env.Config))
	}
	reg.Register(NewDeltaScan(h.env.Config))
	h.engine = NewEngine(reg, h.env, h.guard, h.tracker, h.runs)
	return h
}

// funcJob adapts a function to Job.
type funcJob struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context, env *Env) (*Result, error)
}

func (j *funcJob) Name() string           { return j.name }
func (j *funcJob) Kind() Kind             { return KindImport }
func (j *funcJob) Timeout() time.Duration { return j.timeout }
func (j *funcJob) Run(ctx context.Context, env *Env) (*Result, error) {
	return j.run(ctx, env)
}
