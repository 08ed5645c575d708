package feed

import (
	"time"

	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/pkg/odata"
)

// Strategy selects how the next page is requested.
type Strategy int

const (
	// StrategyCursor composes a keyset filter from the channel cursor.
	StrategyCursor Strategy = iota
	// StrategyNextLink follows the provider's @odata.nextLink verbatim.
	StrategyNextLink
	// StrategyBaseOnly uses the provider base filter with no cursor clause.
	StrategyBaseOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyCursor:
		return "cursor"
	case StrategyNextLink:
		return "next_link"
	case StrategyBaseOnly:
		return "base_only"
	default:
		return "unknown"
	}
}

// ClampCursor pulls a future cursor timestamp back to now.
func ClampCursor(c model.Cursor, now time.Time) model.Cursor {
	if c.Timestamp.After(now) {
		c.Timestamp = now
	}
	return c
}

// CursorFilter composes the keyset filter
//
//	base and (ts gt T or (ts eq T and key gt 'K'))
//
// T is clamped to now. A zero cursor yields the base filter alone. When floor
// is set and the cursor lies before it, the clause becomes ts ge floor.
func CursorFilter(base, tsField, keyField string, c model.Cursor, floor, now time.Time) string {
	c = ClampCursor(c, now)
	if floor.After(now) {
		floor = now
	}

	if !floor.IsZero() && (c.IsZero() || c.Timestamp.Before(floor)) {
		return odata.And(base, odata.TimeGe(tsField, floor))
	}
	if c.IsZero() {
		return base
	}

	var keyset string
	if c.Key == "" {
		keyset = odata.TimeGe(tsField, c.Timestamp)
	} else {
		keyset = odata.Or(
			odata.TimeGt(tsField, c.Timestamp),
			odata.And(odata.TimeEq(tsField, c.Timestamp), odata.Gt(keyField, c.Key)),
		)
	}
	return odata.And(base, keyset)
}
