package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/listing-sync/internal/model"
)

const base = "TransactionType eq 'For Sale'"

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCursorFilter_Keyset(t *testing.T) {
	c := model.Cursor{Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Key: "X100"}
	got := CursorFilter(base, "ModificationTimestamp", "ListingKey", c, time.Time{}, now)
	assert.Equal(t,
		"TransactionType eq 'For Sale' and (ModificationTimestamp gt 2024-05-01T08:00:00Z or "+
			"(ModificationTimestamp eq 2024-05-01T08:00:00Z and ListingKey gt 'X100'))",
		got,
	)
}

func TestCursorFilter_FutureClamped(t *testing.T) {
	c := model.Cursor{Timestamp: now.Add(72 * time.Hour), Key: "K"}
	got := CursorFilter(base, "ts", "key", c, time.Time{}, now)
	assert.Contains(t, got, "ts gt 2024-06-01T12:00:00Z")
	assert.NotContains(t, got, "2024-06-04")
}

func TestCursorFilter_ZeroCursor(t *testing.T) {
	assert.Equal(t, base, CursorFilter(base, "ts", "key", model.Cursor{}, time.Time{}, now))
	assert.Equal(t, base, CursorFilter(base, "ts", "key", model.Cursor{Timestamp: model.Epoch}, time.Time{}, now))
	assert.Equal(t, "", CursorFilter("", "ts", "key", model.Cursor{}, time.Time{}, now))
}

func TestCursorFilter_Floor(t *testing.T) {
	floor := now.Add(-24 * time.Hour)

	got := CursorFilter(base, "ts", "key", model.Cursor{}, floor, now)
	assert.Equal(t, base+" and ts ge 2024-05-31T12:00:00Z", got)

	old := model.Cursor{Timestamp: floor.Add(-time.Hour), Key: "A"}
	assert.Equal(t, got, CursorFilter(base, "ts", "key", old, floor, now))

	recent := model.Cursor{Timestamp: floor.Add(time.Hour), Key: "A"}
	assert.Contains(t, CursorFilter(base, "ts", "key", recent, floor, now), "key gt 'A'")
}

func TestCursorFilter_EmptyKey(t *testing.T) {
	c := model.Cursor{Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "ts ge 2024-05-01T00:00:00Z", CursorFilter("", "ts", "key", c, time.Time{}, now))
}

func TestCursorFilter_EscapesKey(t *testing.T) {
	c := model.Cursor{Timestamp: now.Add(-time.Hour), Key: "O'Neil"}
	assert.Contains(t, CursorFilter("", "ts", "key", c, time.Time{}, now), "key gt 'O''Neil'")
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "cursor", StrategyCursor.String())
	assert.Equal(t, "next_link", StrategyNextLink.String())
	assert.Equal(t, "base_only", StrategyBaseOnly.String())
	assert.Equal(t, "unknown", Strategy(9).String())
}
