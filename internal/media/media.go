// Package media replaces a listing's media set from the provider media
// endpoint and optionally mirrors the files into object storage.
package media

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/listing-sync/internal/model"
)

// Target identifies one listing whose media should be synchronised.
type Target struct {
	ListingID   int64  `json:"listing_id"`
	ResourceKey string `json:"resource_key"`
	Provider    string `json:"provider"`
}

// Build orders raw items into listing media rows: preferred photo first,
// then provider Order, then response order. Items without a URL and
// duplicate URLs are dropped; at most max rows are returned.
func Build(listingID int64, raw []model.RawMedia, max int) []model.ListingMedia {
	if max <= 0 || max > model.MaxMediaItems {
		max = model.MaxMediaItems
	}

	type ranked struct {
		item      model.RawMedia
		preferred bool
		order     int
		hasOrder  bool
	}
	seen := make(map[string]bool, len(raw))
	items := make([]ranked, 0, len(raw))
	for _, r := range raw {
		u := r.MediaURL.String()
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		rk := ranked{item: r, preferred: isYes(r.PreferredPhotoYN.String())}
		if n, err := strconv.Atoi(r.Order.String()); err == nil {
			rk.order, rk.hasOrder = n, true
		}
		items = append(items, rk)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.preferred != b.preferred {
			return a.preferred
		}
		if a.hasOrder && b.hasOrder {
			return a.order < b.order
		}
		return a.hasOrder && !b.hasOrder
	})

	if len(items) > max {
		items = items[:max]
	}
	out := make([]model.ListingMedia, len(items))
	for i, rk := range items {
		out[i] = model.ListingMedia{
			ListingID: listingID,
			Position:  i,
			IsPrimary: i == 0,
			URL:       rk.item.MediaURL.String(),
			MediaKey:  rk.item.MediaKey.String(),
		}
	}
	return out
}

func isYes(s string) bool {
	switch strings.ToLower(s) {
	case "true", "y", "yes", "1":
		return true
	}
	return false
}
