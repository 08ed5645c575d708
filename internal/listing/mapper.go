package listing

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/model"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Map converts a raw provider record into canonical attributes. Records
// without an external key and without a complete (board, mls) pair are
// reported as SkipMissingIdentity.
func Map(raw *model.RawRecord, c *classify.Classifier) (*model.Listing, model.SkipReason) {
	if raw == nil {
		return nil, model.SkipMalformed
	}
	if c == nil {
		c = classify.New()
	}
	l := &model.Listing{}
	if reason := mapIdentity(l, raw); reason != model.SkipNone {
		return nil, reason
	}
	mapStatus(l, raw)
	mapPrices(l, raw)
	mapAddress(l, raw)
	mapFacts(l, raw)
	mapTimestamps(l, raw)
	l.IsPowerOfSale = c.Match(l.PublicRemarks)
	l.ListingOffice = optString(raw.ListOfficeName)
	l.Payload = raw.Payload
	return l, model.SkipNone
}

func mapIdentity(l *model.Listing, raw *model.RawRecord) model.SkipReason {
	board := raw.ListAOR.String()
	if board == "" {
		board = raw.OriginatingSystemName.String()
	}
	mls := raw.ListingID.String()
	if board != "" {
		l.BoardCode = &board
	}
	if mls != "" {
		l.MLSNumber = &mls
	}

	l.ExternalID = raw.ListingKey.String()
	if l.ExternalID == "" {
		if board == "" || mls == "" {
			return model.SkipMissingIdentity
		}
		l.ExternalID = board + ":" + mls
	}
	return model.SkipNone
}

func mapStatus(l *model.Listing, raw *model.RawRecord) {
	l.TransactionType = raw.TransactionType.String()
	if l.TransactionType == "" {
		l.TransactionType = model.DefaultTransactionType
	}
	l.Availability = mapAvailability(raw)
	l.PublicRemarks = raw.PublicRemarks.String()

	l.StatusCode = firstString(raw.MlsStatus, raw.StandardStatus)
	l.DisplayStatus = firstString(raw.StandardStatus, raw.ContractStatus)
}

func mapAvailability(raw *model.RawRecord) string {
	switch strings.ToLower(raw.ContractStatus.String()) {
	case "available", "active", "a":
		return model.AvailabilityAvailable
	case "unavailable", "u", "sold", "leased", "terminated", "expired", "suspended":
		return model.AvailabilityUnavailable
	}
	switch strings.ToLower(raw.StandardStatus.String()) {
	case "closed", "expired", "withdrawn", "canceled", "cancelled", "delete", "hold", "pending":
		return model.AvailabilityUnavailable
	}
	return model.AvailabilityAvailable
}

func mapPrices(l *model.Listing, raw *model.RawRecord) {
	l.ListPrice = parseDecimal(raw.ListPrice)
	l.OriginalPrice = parseDecimal(raw.OriginalListPrice)
	l.SoldPrice = parseDecimal(raw.ClosePrice)
	l.TaxAmount = parseDecimal(raw.TaxAnnualAmount)
}

func mapAddress(l *model.Listing, raw *model.RawRecord) {
	l.StreetNumber = optString(raw.StreetNumber)
	l.StreetName = optString(raw.StreetName)
	l.StreetSuffix = optString(raw.StreetSuffix)
	l.Unit = optString(raw.UnitNumber)
	l.City = optString(raw.City)
	l.Province = optString(raw.StateOrProvince)
	l.PostalCode = optString(raw.PostalCode)
	l.Latitude = parseFloat(raw.Latitude)
	l.Longitude = parseFloat(raw.Longitude)

	l.Address = optString(raw.UnparsedAddress)
	if l.Address == nil {
		var parts []string
		for _, f := range []model.Flex{raw.StreetNumber, raw.StreetName, raw.StreetSuffix} {
			if s := f.String(); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			addr := strings.Join(parts, " ")
			if u := raw.UnitNumber.String(); u != "" {
				addr += " Unit " + u
			}
			l.Address = &addr
		}
	}
}

func mapFacts(l *model.Listing, raw *model.RawRecord) {
	l.PropertyType = optString(raw.PropertyType)
	l.PropertySubType = optString(raw.PropertySubType)
	l.Style = optString(raw.ArchitecturalStyle)
	l.Bedrooms = parseCount(raw.BedroomsAboveGrade)
	l.BedroomsPlus = parseCount(raw.BedroomsBelowGrade)
	l.Bathrooms = parseCount(raw.BathroomsTotalInteger)
	l.Kitchens = parseCount(raw.KitchensTotal)
	l.ParkingSpaces = parseCount(raw.ParkingTotal)
	l.GarageSpaces = parseCount(raw.GarageParkingSpaces)
	l.SquareFeetRange = optString(raw.LivingAreaRange)
	l.LotFront = optString(raw.LotWidth)
	l.LotDepth = optString(raw.LotDepth)
	l.YearBuiltRange = optString(raw.ApproximateAge)
	l.TaxYear = parseCount(raw.TaxYear)
	l.Basement = optString(raw.Basement)
	l.Heating = optString(raw.HeatType)
	l.Cooling = optString(raw.Cooling)
}

func mapTimestamps(l *model.Listing, raw *model.RawRecord) {
	l.ModifiedAt = parseTime(raw.ModificationTimestamp)
	l.ListedAt = parseTime(raw.OriginalEntryTimestamp)
	if l.ListedAt == nil {
		l.ListedAt = parseTime(raw.ListingContractDate)
	}
}

// StatusChangedAt picks the provider-asserted status change time, then the
// modification time, then now.
func StatusChangedAt(raw *model.RawRecord, now time.Time) time.Time {
	if t := parseTime(raw.StatusChangeTimestamp); t != nil {
		return *t
	}
	if t := parseTime(raw.ModificationTimestamp); t != nil {
		return *t
	}
	return now.UTC()
}

func optString(f model.Flex) *string {
	s := f.String()
	if s == "" {
		return nil
	}
	return &s
}

func firstString(fs ...model.Flex) *string {
	for _, f := range fs {
		if s := optString(f); s != nil {
			return s
		}
	}
	return nil
}

// parseDecimal reads currency strings such as "$649,900.00".
func parseDecimal(f model.Flex) decimal.NullDecimal {
	s := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '.' || r == '-' {
			return r
		}
		return -1
	}, f.String())
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// parseCount extracts the first run of digits: "3+1" is 3, "2.5" is 2.
func parseCount(f model.Flex) *int {
	s := f.String()
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return nil
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return nil
	}
	return &n
}

func parseFloat(f model.Flex) *float64 {
	s := f.String()
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseTime(f model.Flex) *time.Time {
	s := f.String()
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
