package model

// SkipReason explains why a raw record was not merged.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipMissingIdentity SkipReason = "missing_identity"
	SkipMalformed       SkipReason = "malformed"
	SkipNotPowerOfSale  SkipReason = "not_power_of_sale"
	SkipPersistence     SkipReason = "persistence_error"
)
