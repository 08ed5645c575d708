package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults for the required canonical fields.
const (
	DefaultTransactionType  = "For Sale"
	AvailabilityAvailable   = "A"
	AvailabilityUnavailable = "U"
)

// Listing is the canonical property entity in mls.listings. ExternalID,
// TransactionType, Availability and PublicRemarks are never empty once
// mapped; the remaining descriptive attributes are nil when unknown.
type Listing struct {
	ID         int64   `json:"id"`
	ExternalID string  `json:"external_id"`
	BoardCode  *string `json:"board_code,omitempty"`
	MLSNumber  *string `json:"mls_number,omitempty"`
	SourceID   *int64  `json:"source_id,omitempty"`

	TransactionType string  `json:"transaction_type"`
	Availability    string  `json:"availability"`
	PublicRemarks   string  `json:"public_remarks"`
	StatusCode      *string `json:"status_code,omitempty"`
	DisplayStatus   *string `json:"display_status,omitempty"`

	ListPrice     decimal.NullDecimal `json:"list_price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	SoldPrice     decimal.NullDecimal `json:"sold_price"`

	Address      *string  `json:"address,omitempty"`
	StreetNumber *string  `json:"street_number,omitempty"`
	StreetName   *string  `json:"street_name,omitempty"`
	StreetSuffix *string  `json:"street_suffix,omitempty"`
	Unit         *string  `json:"unit,omitempty"`
	City         *string  `json:"city,omitempty"`
	Province     *string  `json:"province,omitempty"`
	PostalCode   *string  `json:"postal_code,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`

	PropertyType    *string `json:"property_type,omitempty"`
	PropertySubType *string `json:"property_sub_type,omitempty"`
	Style           *string `json:"style,omitempty"`
	Bedrooms        *int    `json:"bedrooms,omitempty"`
	BedroomsPlus    *int    `json:"bedrooms_plus,omitempty"`
	Bathrooms       *int    `json:"bathrooms,omitempty"`
	Kitchens        *int    `json:"kitchens,omitempty"`
	ParkingSpaces   *int    `json:"parking_spaces,omitempty"`
	GarageSpaces    *int    `json:"garage_spaces,omitempty"`
	SquareFeetRange *string `json:"square_feet_range,omitempty"`
	LotFront        *string `json:"lot_front,omitempty"`
	LotDepth        *string `json:"lot_depth,omitempty"`
	YearBuiltRange  *string `json:"year_built_range,omitempty"`

	TaxAmount decimal.NullDecimal `json:"tax_amount"`
	TaxYear   *int                `json:"tax_year,omitempty"`
	Basement  *string             `json:"basement,omitempty"`
	Heating   *string             `json:"heating,omitempty"`
	Cooling   *string             `json:"cooling,omitempty"`

	IsPowerOfSale bool    `json:"is_power_of_sale"`
	ListingOffice *string `json:"listing_office,omitempty"`

	ModifiedAt *time.Time      `json:"modified_at,omitempty"`
	ListedAt   *time.Time      `json:"listed_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HasSecondaryIdentity reports whether both board code and MLS number are set.
func (l *Listing) HasSecondaryIdentity() bool {
	return l.BoardCode != nil && *l.BoardCode != "" && l.MLSNumber != nil && *l.MLSNumber != ""
}
