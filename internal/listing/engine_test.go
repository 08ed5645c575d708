package listing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	primary   = model.Source{ID: 1, Slug: model.SlugPrimary, Rank: 2}
	secondary = model.Source{ID: 2, Slug: model.SlugSecondary, Rank: 1}
	fixedNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func raw(t *testing.T, fields map[string]any) *model.RawRecord {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	r, err := model.DecodeRawRecord(b)
	require.NoError(t, err)
	return r
}

func baseRecord() map[string]any {
	return map[string]any{
		"ListingKey":            "X1",
		"ListingId":             "X1",
		"ListAOR":               "Toronto",
		"StandardStatus":        "Active",
		"MlsStatus":             "New",
		"ListPrice":             650000,
		"PublicRemarks":         "Power of sale. Sold as is.",
		"ModificationTimestamp": "2026-02-01T10:00:00Z",
	}
}

func with(base map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func newTestEngine(s Store) *Engine {
	return NewEngine(s, NewRanker([]model.Source{primary, secondary}), nil,
		WithClock(func() time.Time { return fixedNow }))
}

func TestMerge_CreatesWithHistory(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)

	res, err := e.Merge(context.Background(), primary, raw(t, baseRecord()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.Written())
	require.NotNil(t, res.Listing.SourceID)
	assert.Equal(t, int64(1), *res.Listing.SourceID)
	assert.True(t, res.Listing.IsPowerOfSale)

	require.Len(t, s.history, 1)
	assert.Equal(t, "New", s.history[0].StatusCode)
	assert.Equal(t, "Active", s.history[0].StatusLabel)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), s.history[0].ChangedAt)
	assert.Equal(t, res.Listing.ID, s.history[0].ListingID)
}

func TestMerge_IdempotentAndPayloadOnly(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)

	res, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	res, err = e.Merge(ctx, primary, raw(t, with(baseRecord(), "VirtualTourURL", "https://tour")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	assert.Equal(t, 1, s.creates)
	assert.Equal(t, 0, s.updates)
	assert.Len(t, s.history, 1)
}

func TestMerge_LowerRankGapFillsOnly(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)
	before := s.get("X1")

	res, err := e.Merge(ctx, secondary, raw(t, with(baseRecord(),
		"ListPrice", 1,
		"City", "Toronto",
		"ModificationTimestamp", "2026-02-05T10:00:00Z",
	)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{"city"}, res.Changed)

	after := s.get("X1")
	assert.Equal(t, "650000", after.ListPrice.Decimal.String())
	assert.Equal(t, "Toronto", *after.City)
	assert.Equal(t, int64(1), *after.SourceID)
	assert.JSONEq(t, string(before.Payload), string(after.Payload))
}

func TestMerge_HigherRankTakesOver(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, secondary, raw(t, with(baseRecord(), "City", "Oshawa")))
	require.NoError(t, err)

	res, err := e.Merge(ctx, primary, raw(t, with(baseRecord(), "ListPrice", "$700,000")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Contains(t, res.Changed, "source_id")
	assert.Contains(t, res.Changed, "list_price")
	assert.Contains(t, res.Changed, "city")

	after := s.get("X1")
	assert.Equal(t, int64(1), *after.SourceID)
	assert.Equal(t, "700000", after.ListPrice.Decimal.String())
	assert.Nil(t, after.City)
}

func TestMerge_EqualRankOlderRecordGapFills(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)

	res, err := e.Merge(ctx, primary, raw(t, with(baseRecord(),
		"ListPrice", 500000,
		"City", "Toronto",
		"ModificationTimestamp", "2026-01-01T00:00:00Z",
	)))
	require.NoError(t, err)
	assert.Equal(t, []string{"city"}, res.Changed)
	assert.Equal(t, "650000", s.get("X1").ListPrice.Decimal.String())

	res, err = e.Merge(ctx, primary, raw(t, with(baseRecord(),
		"ListPrice", 640000,
		"ModificationTimestamp", "2026-02-10T00:00:00Z",
	)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, "640000", s.get("X1").ListPrice.Decimal.String())
}

func TestMerge_StatusChangeAppendsHistory(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)

	res, err := e.Merge(ctx, primary, raw(t, with(baseRecord(),
		"StandardStatus", "Closed",
		"MlsStatus", "Sld",
		"ModificationTimestamp", "2026-02-20T00:00:00Z",
		"StatusChangeTimestamp", "2026-02-19T08:30:00Z",
	)))
	require.NoError(t, err)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, model.AvailabilityUnavailable, res.Listing.Availability)

	require.Len(t, s.history, 2)
	assert.Equal(t, "Sld", s.history[1].StatusCode)
	assert.Equal(t, "Closed", s.history[1].StatusLabel)
	assert.Equal(t, time.Date(2026, 2, 19, 8, 30, 0, 0, time.UTC), s.history[1].ChangedAt)

	// Price-only change writes no history.
	res, err = e.Merge(ctx, primary, raw(t, with(baseRecord(),
		"StandardStatus", "Closed",
		"MlsStatus", "Sld",
		"ClosePrice", 640000,
		"ModificationTimestamp", "2026-02-21T00:00:00Z",
	)))
	require.NoError(t, err)
	assert.False(t, res.StatusChanged)
	assert.Len(t, s.history, 2)
}

func TestMerge_MissingIdentity(t *testing.T) {
	e := newTestEngine(newMemStore())
	res, err := e.Merge(context.Background(), primary, raw(t, map[string]any{"ListPrice": 1}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, model.SkipMissingIdentity, res.Skip)
	assert.False(t, res.Written())
}

func TestMerge_ResolvesByBoardAndMLS(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)

	rec := with(baseRecord(), "City", "Toronto")
	delete(rec, "ListingKey")
	res, err := e.Merge(ctx, primary, raw(t, rec))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, "X1", res.Listing.ExternalID)
	assert.Equal(t, 1, s.creates)
}

func TestMerge_BoardMLSGapFilledOnce(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	rec := baseRecord()
	delete(rec, "ListAOR")
	_, err := e.Merge(ctx, primary, raw(t, rec))
	require.NoError(t, err)
	assert.Nil(t, s.get("X1").BoardCode)

	res, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)
	assert.Equal(t, []string{"board_code"}, res.Changed)

	res, err = e.Merge(ctx, primary, raw(t, with(baseRecord(), "ListAOR", "Durham")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, "Toronto", *s.get("X1").BoardCode)
}

func TestMerge_PairOwnedElsewhereNotClaimed(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	rec := baseRecord()
	delete(rec, "ListAOR")
	_, err := e.Merge(ctx, primary, raw(t, rec))
	require.NoError(t, err)

	board, mls := "Toronto", "X1"
	s.insert(&model.Listing{
		ExternalID:      "Toronto:X1",
		BoardCode:       &board,
		MLSNumber:       &mls,
		TransactionType: model.DefaultTransactionType,
		Availability:    model.AvailabilityAvailable,
	})

	for _, price := range []int{700000, 710000} {
		res, err := e.Merge(ctx, primary, raw(t, with(baseRecord(), "ListPrice", price)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUpdated, res.Outcome)
		assert.Equal(t, []string{"list_price"}, res.Changed)
	}

	got := s.get("X1")
	assert.Nil(t, got.BoardCode)
	assert.Equal(t, "710000", got.ListPrice.Decimal.String())
	assert.Equal(t, "Toronto", *s.get("Toronto:X1").BoardCode)
}

func TestMerge_IdentityRaceRetries(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	s.beforeCreate = func() {
		board, mls := "Toronto", "X1"
		s.insert(&model.Listing{
			ExternalID:      "X1",
			BoardCode:       &board,
			MLSNumber:       &mls,
			TransactionType: model.DefaultTransactionType,
			Availability:    model.AvailabilityAvailable,
		})
	}

	res, err := e.Merge(context.Background(), primary, raw(t, baseRecord()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Contains(t, res.Changed, "source_id")
	assert.Equal(t, 0, s.creates)
	assert.Equal(t, 1, s.updates)
}

type conflictStore struct{ *memStore }

func (conflictStore) Create(context.Context, *model.Listing, *model.StatusHistory) error {
	return ErrIdentityConflict
}

func TestMerge_PersistentConflictSkips(t *testing.T) {
	e := newTestEngine(conflictStore{newMemStore()})
	res, err := e.Merge(context.Background(), primary, raw(t, baseRecord()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.Equal(t, model.SkipPersistence, res.Skip)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestMerge_SoftDeletedStillMatches(t *testing.T) {
	s := newMemStore()
	e := newTestEngine(s)
	ctx := context.Background()

	_, err := e.Merge(ctx, primary, raw(t, baseRecord()))
	require.NoError(t, err)
	deleted := fixedNow.Add(-time.Hour)
	s.mu.Lock()
	for _, l := range s.rows {
		l.DeletedAt = &deleted
	}
	s.mu.Unlock()

	res, err := e.Merge(ctx, primary, raw(t, with(baseRecord(), "City", "Toronto", "ModificationTimestamp", "2026-02-02T00:00:00Z")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, 1, s.creates)
	require.NotNil(t, s.get("X1").DeletedAt)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "created", OutcomeCreated.String())
	assert.Equal(t, "updated", OutcomeUpdated.String())
	assert.Equal(t, "unchanged", OutcomeUnchanged.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
}

func TestRanker(t *testing.T) {
	r := NewRanker([]model.Source{primary, secondary})
	assert.Equal(t, 2, r.Rank(1))
	assert.Equal(t, 1, r.Rank(2))
	assert.Equal(t, 0, r.Rank(99))
	var nilRanker *Ranker
	assert.Equal(t, 0, nilRanker.Rank(1))
}
