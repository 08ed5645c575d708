package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Flex is an optional provider value. Providers send the same field as a
// string, a number, a bool or an array depending on the feed, so Flex keeps
// the textual form and whether anything was present.
type Flex struct {
	Value string
	Valid bool
}

// F builds a present Flex value.
func F(s string) Flex { return Flex{Value: s, Valid: true} }

// String returns the trimmed value, or "" when absent.
func (f Flex) String() string {
	if !f.Valid {
		return ""
	}
	return strings.TrimSpace(f.Value)
}

// Empty reports whether the value is absent or blank.
func (f Flex) Empty() bool { return f.String() == "" }

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = Flex{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return eris.Wrap(err, "model: decode string")
		}
		*f = F(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return eris.Wrap(err, "model: decode array")
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			var sub Flex
			if err := sub.UnmarshalJSON(it); err != nil {
				return err
			}
			if s := sub.String(); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			*f = Flex{}
			return nil
		}
		*f = F(strings.Join(parts, ", "))
	case '{':
		return eris.New("model: object value not supported")
	case 't', 'f':
		v, err := strconv.ParseBool(string(b))
		if err != nil {
			return eris.Wrap(err, "model: decode bool")
		}
		*f = F(strconv.FormatBool(v))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return eris.Wrap(err, "model: decode number")
		}
		*f = F(n.String())
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f Flex) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// RawRecord is a property record as delivered by a feed provider. Every field
// is optional; Payload holds the verbatim object for audit and replay.
type RawRecord struct {
	ListingKey            Flex `json:"ListingKey"`
	ListingID             Flex `json:"ListingId"`
	ListAOR               Flex `json:"ListAOR"`
	OriginatingSystemName Flex `json:"OriginatingSystemName"`

	TransactionType Flex `json:"TransactionType"`
	ContractStatus  Flex `json:"ContractStatus"`
	StandardStatus  Flex `json:"StandardStatus"`
	MlsStatus       Flex `json:"MlsStatus"`
	PublicRemarks   Flex `json:"PublicRemarks"`

	ListPrice         Flex `json:"ListPrice"`
	OriginalListPrice Flex `json:"OriginalListPrice"`
	ClosePrice        Flex `json:"ClosePrice"`

	UnparsedAddress Flex `json:"UnparsedAddress"`
	StreetNumber    Flex `json:"StreetNumber"`
	StreetName      Flex `json:"StreetName"`
	StreetSuffix    Flex `json:"StreetSuffix"`
	UnitNumber      Flex `json:"UnitNumber"`
	City            Flex `json:"City"`
	StateOrProvince Flex `json:"StateOrProvince"`
	PostalCode      Flex `json:"PostalCode"`
	Latitude        Flex `json:"Latitude"`
	Longitude       Flex `json:"Longitude"`

	PropertyType          Flex `json:"PropertyType"`
	PropertySubType       Flex `json:"PropertySubType"`
	ArchitecturalStyle    Flex `json:"ArchitecturalStyle"`
	BedroomsAboveGrade    Flex `json:"BedroomsAboveGrade"`
	BedroomsBelowGrade    Flex `json:"BedroomsBelowGrade"`
	BathroomsTotalInteger Flex `json:"BathroomsTotalInteger"`
	KitchensTotal         Flex `json:"KitchensTotal"`
	ParkingTotal          Flex `json:"ParkingTotal"`
	GarageParkingSpaces   Flex `json:"GarageParkingSpaces"`
	LivingAreaRange       Flex `json:"LivingAreaRange"`
	LotWidth              Flex `json:"LotWidth"`
	LotDepth              Flex `json:"LotDepth"`
	ApproximateAge        Flex `json:"ApproximateAge"`
	TaxAnnualAmount       Flex `json:"TaxAnnualAmount"`
	TaxYear               Flex `json:"TaxYear"`
	Basement              Flex `json:"Basement"`
	HeatType              Flex `json:"HeatType"`
	Cooling               Flex `json:"Cooling"`
	ListOfficeName        Flex `json:"ListOfficeName"`

	ModificationTimestamp  Flex `json:"ModificationTimestamp"`
	StatusChangeTimestamp  Flex `json:"StatusChangeTimestamp"`
	OriginalEntryTimestamp Flex `json:"OriginalEntryTimestamp"`
	ListingContractDate    Flex `json:"ListingContractDate"`

	Payload json.RawMessage `json:"-"`
}

// DecodeRawRecord decodes one list item. Non-object items are rejected.
func DecodeRawRecord(b json.RawMessage) (*RawRecord, error) {
	t := bytes.TrimSpace(b)
	if len(t) == 0 || t[0] != '{' {
		return nil, eris.New("model: record is not an object")
	}
	var r RawRecord
	if err := json.Unmarshal(t, &r); err != nil {
		return nil, eris.Wrap(err, "model: decode record")
	}
	r.Payload = append(json.RawMessage(nil), t...)
	return &r, nil
}

// Field returns the value of a record field by its provider name. Only the
// identity and timestamp fields used for paging are addressable.
func (r *RawRecord) Field(name string) Flex {
	switch name {
	case "ListingKey":
		return r.ListingKey
	case "ListingId":
		return r.ListingID
	case "ModificationTimestamp":
		return r.ModificationTimestamp
	case "StatusChangeTimestamp":
		return r.StatusChangeTimestamp
	case "OriginalEntryTimestamp":
		return r.OriginalEntryTimestamp
	}
	return Flex{}
}
