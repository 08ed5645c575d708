package model

import "time"

// Well-known provider slugs.
const (
	SlugPrimary   = "primary"
	SlugSecondary = "secondary"
)

// Source is one feed provider row in mls.sources.
type Source struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Rank      int       `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultRank returns the built-in trust rank for a provider slug. Unknown
// providers rank lowest.
func DefaultRank(slug string) int {
	switch slug {
	case SlugPrimary:
		return 2
	case SlugSecondary:
		return 1
	default:
		return 0
	}
}
