package model

import "time"

// Epoch is the seed timestamp for a channel that has never run.
var Epoch = time.Unix(0, 0).UTC()

// Cursor is the (timestamp, key) watermark of the last merged record on a channel.
type Cursor struct {
	Channel   string    `json:"channel" yaml:"channel"`
	Timestamp time.Time `json:"last_timestamp" yaml:"last_timestamp"`
	Key       string    `json:"last_key" yaml:"last_key"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// IsZero reports whether the cursor is still at its seed position.
func (c Cursor) IsZero() bool {
	return (c.Timestamp.IsZero() || c.Timestamp.Equal(Epoch)) && c.Key == ""
}

// Less orders cursors by timestamp, then key.
func (c Cursor) Less(o Cursor) bool {
	if !c.Timestamp.Equal(o.Timestamp) {
		return c.Timestamp.Before(o.Timestamp)
	}
	return c.Key < o.Key
}
