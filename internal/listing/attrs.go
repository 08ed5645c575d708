package listing

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/listing-sync/internal/model"
)

// attr is one mergeable canonical attribute. key renders the value for
// comparison; an empty key means the attribute is unset.
type attr struct {
	name string
	key  func(*model.Listing) string
	copy func(dst, src *model.Listing)
}

func strAttr(name string, f func(*model.Listing) **string) attr {
	return attr{
		name: name,
		key: func(l *model.Listing) string {
			if p := *f(l); p != nil {
				return *p
			}
			return ""
		},
		copy: func(dst, src *model.Listing) { *f(dst) = cloneString(*f(src)) },
	}
}

func plainAttr(name string, f func(*model.Listing) *string) attr {
	return attr{
		name: name,
		key:  func(l *model.Listing) string { return *f(l) },
		copy: func(dst, src *model.Listing) { *f(dst) = *f(src) },
	}
}

func intAttr(name string, f func(*model.Listing) **int) attr {
	return attr{
		name: name,
		key: func(l *model.Listing) string {
			if p := *f(l); p != nil {
				return strconv.Itoa(*p)
			}
			return ""
		},
		copy: func(dst, src *model.Listing) {
			if p := *f(src); p != nil {
				v := *p
				*f(dst) = &v
				return
			}
			*f(dst) = nil
		},
	}
}

func floatAttr(name string, f func(*model.Listing) **float64) attr {
	return attr{
		name: name,
		key: func(l *model.Listing) string {
			if p := *f(l); p != nil {
				return strconv.FormatFloat(*p, 'f', -1, 64)
			}
			return ""
		},
		copy: func(dst, src *model.Listing) {
			if p := *f(src); p != nil {
				v := *p
				*f(dst) = &v
				return
			}
			*f(dst) = nil
		},
	}
}

func decimalAttr(name string, f func(*model.Listing) *decimal.NullDecimal) attr {
	return attr{
		name: name,
		key: func(l *model.Listing) string {
			if d := *f(l); d.Valid {
				return d.Decimal.String()
			}
			return ""
		},
		copy: func(dst, src *model.Listing) { *f(dst) = *f(src) },
	}
}

func timeAttr(name string, f func(*model.Listing) **time.Time) attr {
	return attr{
		name: name,
		key: func(l *model.Listing) string {
			if p := *f(l); p != nil {
				return p.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
			}
			return ""
		},
		copy: func(dst, src *model.Listing) {
			if p := *f(src); p != nil {
				v := *p
				*f(dst) = &v
				return
			}
			*f(dst) = nil
		},
	}
}

// attributes lists every attribute subject to priority merge. Identity
// columns, source_id and payload are handled by the engine directly.
var attributes = []attr{
	plainAttr("transaction_type", func(l *model.Listing) *string { return &l.TransactionType }),
	plainAttr("availability", func(l *model.Listing) *string { return &l.Availability }),
	plainAttr("public_remarks", func(l *model.Listing) *string { return &l.PublicRemarks }),
	strAttr("status_code", func(l *model.Listing) **string { return &l.StatusCode }),
	strAttr("display_status", func(l *model.Listing) **string { return &l.DisplayStatus }),
	decimalAttr("list_price", func(l *model.Listing) *decimal.NullDecimal { return &l.ListPrice }),
	decimalAttr("original_price", func(l *model.Listing) *decimal.NullDecimal { return &l.OriginalPrice }),
	decimalAttr("sold_price", func(l *model.Listing) *decimal.NullDecimal { return &l.SoldPrice }),
	strAttr("address", func(l *model.Listing) **string { return &l.Address }),
	strAttr("street_number", func(l *model.Listing) **string { return &l.StreetNumber }),
	strAttr("street_name", func(l *model.Listing) **string { return &l.StreetName }),
	strAttr("street_suffix", func(l *model.Listing) **string { return &l.StreetSuffix }),
	strAttr("unit", func(l *model.Listing) **string { return &l.Unit }),
	strAttr("city", func(l *model.Listing) **string { return &l.City }),
	strAttr("province", func(l *model.Listing) **string { return &l.Province }),
	strAttr("postal_code", func(l *model.Listing) **string { return &l.PostalCode }),
	floatAttr("latitude", func(l *model.Listing) **float64 { return &l.Latitude }),
	floatAttr("longitude", func(l *model.Listing) **float64 { return &l.Longitude }),
	strAttr("property_type", func(l *model.Listing) **string { return &l.PropertyType }),
	strAttr("property_sub_type", func(l *model.Listing) **string { return &l.PropertySubType }),
	strAttr("style", func(l *model.Listing) **string { return &l.Style }),
	intAttr("bedrooms", func(l *model.Listing) **int { return &l.Bedrooms }),
	intAttr("bedrooms_plus", func(l *model.Listing) **int { return &l.BedroomsPlus }),
	intAttr("bathrooms", func(l *model.Listing) **int { return &l.Bathrooms }),
	intAttr("kitchens", func(l *model.Listing) **int { return &l.Kitchens }),
	intAttr("parking_spaces", func(l *model.Listing) **int { return &l.ParkingSpaces }),
	intAttr("garage_spaces", func(l *model.Listing) **int { return &l.GarageSpaces }),
	strAttr("square_feet_range", func(l *model.Listing) **string { return &l.SquareFeetRange }),
	strAttr("lot_front", func(l *model.Listing) **string { return &l.LotFront }),
	strAttr("lot_depth", func(l *model.Listing) **string { return &l.LotDepth }),
	strAttr("year_built_range", func(l *model.Listing) **string { return &l.YearBuiltRange }),
	decimalAttr("tax_amount", func(l *model.Listing) *decimal.NullDecimal { return &l.TaxAmount }),
	intAttr("tax_year", func(l *model.Listing) **int { return &l.TaxYear }),
	strAttr("basement", func(l *model.Listing) **string { return &l.Basement }),
	strAttr("heating", func(l *model.Listing) **string { return &l.Heating }),
	strAttr("cooling", func(l *model.Listing) **string { return &l.Cooling }),
	{
		name: "is_power_of_sale",
		key: func(l *model.Listing) string {
			if l.IsPowerOfSale {
				return "true"
			}
			return ""
		},
		copy: func(dst, src *model.Listing) { dst.IsPowerOfSale = src.IsPowerOfSale },
	},
	strAttr("listing_office", func(l *model.Listing) **string { return &l.ListingOffice }),
	timeAttr("modified_at", func(l *model.Listing) **time.Time { return &l.ModifiedAt }),
	timeAttr("listed_at", func(l *model.Listing) **time.Time { return &l.ListedAt }),
}

// Diff returns the names of attributes whose values differ between stored
// and incoming. Payload, identity and source are not compared.
func Diff(stored, incoming *model.Listing) []string {
	var changed []string
	for _, a := range attributes {
		if a.key(stored) != a.key(incoming) {
			changed = append(changed, a.name)
		}
	}
	return changed
}

// replaceAttrs overwrites every attribute of dst with src's value.
func replaceAttrs(dst, src *model.Listing) {
	for _, a := range attributes {
		a.copy(dst, src)
	}
}

// gapFill copies src values only into attributes dst has empty.
func gapFill(dst, src *model.Listing) {
	for _, a := range attributes {
		if a.key(dst) == "" && a.key(src) != "" {
			a.copy(dst, src)
		}
	}
}

func statusKey(l *model.Listing) string {
	return deref(l.StatusCode) + "\x00" + deref(l.DisplayStatus)
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
