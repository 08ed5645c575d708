package model

import (
	"encoding/json"
	"time"
)

// StatusHistory is one append-only row in mls.status_history.
type StatusHistory struct {
	ID          int64           `json:"id"`
	ListingID   int64           `json:"listing_id"`
	StatusCode  string          `json:"status_code"`
	StatusLabel string          `json:"status_label"`
	ChangedAt   time.Time       `json:"changed_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
