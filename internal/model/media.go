package model

import "time"

// MaxMediaItems caps how many media rows a listing keeps.
const MaxMediaItems = 25

// ListingMedia is one ordered media row for a listing.
type ListingMedia struct {
	ID         int64     `json:"id"`
	ListingID  int64     `json:"listing_id"`
	Position   int       `json:"position"`
	IsPrimary  bool      `json:"is_primary"`
	URL        string    `json:"url"`
	MediaKey   string    `json:"media_key,omitempty"`
	StoredPath string    `json:"stored_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RawMedia is one item returned by a provider's media endpoint.
type RawMedia struct {
	MediaKey              Flex `json:"MediaKey"`
	MediaURL              Flex `json:"MediaURL"`
	Order                 Flex `json:"Order"`
	PreferredPhotoYN      Flex `json:"PreferredPhotoYN"`
	ResourceRecordKey     Flex `json:"ResourceRecordKey"`
	MediaCategory         Flex `json:"MediaCategory"`
	ModificationTimestamp Flex `json:"ModificationTimestamp"`
}
