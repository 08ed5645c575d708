package listing

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
)

// writeColumns are the listing columns written by Create and Update, in the
// order returned by writeValues.
var writeColumns = []string{
	"external_id", "board_code", "mls_number", "source_id",
	"transaction_type", "availability", "public_remarks", "status_code", "display_status",
	"list_price", "original_price", "sold_price",
	"address", "street_number", "street_name", "street_suffix", "unit",
	"city", "province", "postal_code", "latitude", "longitude",
	"property_type", "property_sub_type", "style",
	"bedrooms", "bedrooms_plus", "bathrooms", "kitchens", "parking_spaces", "garage_spaces",
	"square_feet_range", "lot_front", "lot_depth", "year_built_range",
	"tax_amount", "tax_year", "basement", "heating", "cooling",
	"is_power_of_sale", "listing_office", "modified_at", "listed_at", "payload",
}

var listingColumns = "id, " + strings.Join(writeColumns, ", ") + ", deleted_at, created_at, updated_at"

func writeValues(l *model.Listing) []any {
	return []any{
		l.ExternalID, l.BoardCode, l.MLSNumber, l.SourceID,
		l.TransactionType, l.Availability, l.PublicRemarks, l.StatusCode, l.DisplayStatus,
		l.ListPrice, l.OriginalPrice, l.SoldPrice,
		l.Address, l.StreetNumber, l.StreetName, l.StreetSuffix, l.Unit,
		l.City, l.Province, l.PostalCode, l.Latitude, l.Longitude,
		l.PropertyType, l.PropertySubType, l.Style,
		l.Bedrooms, l.BedroomsPlus, l.Bathrooms, l.Kitchens, l.ParkingSpaces, l.GarageSpaces,
		l.SquareFeetRange, l.LotFront, l.LotDepth, l.YearBuiltRange,
		l.TaxAmount, l.TaxYear, l.Basement, l.Heating, l.Cooling,
		l.IsPowerOfSale, l.ListingOffice, l.ModifiedAt, l.ListedAt, []byte(l.Payload),
	}
}

func listingDests(l *model.Listing) []any {
	return []any{
		&l.ID, &l.ExternalID, &l.BoardCode, &l.MLSNumber, &l.SourceID,
		&l.TransactionType, &l.Availability, &l.PublicRemarks, &l.StatusCode, &l.DisplayStatus,
		&l.ListPrice, &l.OriginalPrice, &l.SoldPrice,
		&l.Address, &l.StreetNumber, &l.StreetName, &l.StreetSuffix, &l.Unit,
		&l.City, &l.Province, &l.PostalCode, &l.Latitude, &l.Longitude,
		&l.PropertyType, &l.PropertySubType, &l.Style,
		&l.Bedrooms, &l.BedroomsPlus, &l.Bathrooms, &l.Kitchens, &l.ParkingSpaces, &l.GarageSpaces,
		&l.SquareFeetRange, &l.LotFront, &l.LotDepth, &l.YearBuiltRange,
		&l.TaxAmount, &l.TaxYear, &l.Basement, &l.Heating, &l.Cooling,
		&l.IsPowerOfSale, &l.ListingOffice, &l.ModifiedAt, &l.ListedAt, &l.Payload,
		&l.DeletedAt, &l.CreatedAt, &l.UpdatedAt,
	}
}

var (
	insertListingSQL = buildInsert()
	updateListingSQL = buildUpdate()
)

func buildInsert() string {
	ph := make([]string, len(writeColumns))
	for i := range writeColumns {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO mls.listings (%s) VALUES (%s) RETURNING id, created_at, updated_at",
		strings.Join(writeColumns, ", "), strings.Join(ph, ", "),
	)
}

// buildUpdate targets the row by id, the last positional argument. External
// id is immutable and skipped in the SET list.
func buildUpdate() string {
	var set []string
	for i, c := range writeColumns {
		if c == "external_id" {
			continue
		}
		set = append(set, fmt.Sprintf("%s = $%d", c, i+1))
	}
	return fmt.Sprintf(
		"UPDATE mls.listings SET %s, updated_at = now() WHERE id = $%d AND external_id = $1 RETURNING updated_at",
		strings.Join(set, ", "), len(writeColumns)+1,
	)
}

const insertHistorySQL = `INSERT INTO mls.status_history (listing_id, status_code, status_label, changed_at, payload)
	VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

// PostgresStore implements Store against mls.listings and mls.status_history.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a listing store over pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// FindByExternalID returns the listing with the given external id.
func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*model.Listing, error) {
	return s.findOne(ctx, "external_id = $1", externalID)
}

// FindByBoardMLS returns the listing with the given board code and MLS number.
func (s *PostgresStore) FindByBoardMLS(ctx context.Context, board, mls string) (*model.Listing, error) {
	return s.findOne(ctx, "board_code = $1 AND mls_number = $2", board, mls)
}

// GetByID returns a listing by primary key.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*model.Listing, error) {
	return s.findOne(ctx, "id = $1", id)
}

func (s *PostgresStore) findOne(ctx context.Context, where string, args ...any) (*model.Listing, error) {
	var l model.Listing
	q := "SELECT " + listingColumns + " FROM mls.listings WHERE " + where
	err := s.pool.QueryRow(ctx, q, args...).Scan(listingDests(&l)...)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "listing: find where %s", where)
	}
	return &l, nil
}

// Create inserts l and its first status history row in one transaction.
func (s *PostgresStore) Create(ctx context.Context, l *model.Listing, h *model.StatusHistory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "listing: begin create")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, insertListingSQL, writeValues(l)...).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrIdentityConflict, "listing: create %s (%s)", l.ExternalID, db.ConstraintName(err))
		}
		return eris.Wrapf(err, "listing: create %s", l.ExternalID)
	}
	if err := insertHistory(ctx, tx, l.ID, h); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "listing: commit create")
}

// Update writes the mergeable columns of l and appends h when non-nil.
func (s *PostgresStore) Update(ctx context.Context, l *model.Listing, h *model.StatusHistory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "listing: begin update")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := append(writeValues(l), l.ID)
	if err := tx.QueryRow(ctx, updateListingSQL, args...).Scan(&l.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrIdentityConflict, "listing: update %d (%s)", l.ID, db.ConstraintName(err))
		}
		return eris.Wrapf(err, "listing: update %d", l.ID)
	}
	if err := insertHistory(ctx, tx, l.ID, h); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "listing: commit update")
}

func insertHistory(ctx context.Context, tx pgx.Tx, listingID int64, h *model.StatusHistory) error {
	if h == nil {
		return nil
	}
	h.ListingID = listingID
	err := tx.QueryRow(ctx, insertHistorySQL,
		h.ListingID, h.StatusCode, h.StatusLabel, h.ChangedAt, []byte(h.Payload),
	).Scan(&h.ID, &h.CreatedAt)
	return eris.Wrapf(err, "listing: insert status history for %d", listingID)
}

// History returns the status history of a listing, oldest first.
func (s *PostgresStore) History(ctx context.Context, listingID int64) ([]model.StatusHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, listing_id, status_code, status_label, changed_at, payload, created_at
		FROM mls.status_history WHERE listing_id = $1 ORDER BY changed_at, id`, listingID)
	if err != nil {
		return nil, eris.Wrapf(err, "listing: history %d", listingID)
	}
	defer rows.Close()

	var out []model.StatusHistory
	for rows.Next() {
		var h model.StatusHistory
		if err := rows.Scan(&h.ID, &h.ListingID, &h.StatusCode, &h.StatusLabel, &h.ChangedAt, &h.Payload, &h.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "listing: scan history")
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "listing: iterate history")
}
