package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a bulk INSERT ... ON CONFLICT staged through a temp table.
type Upsert struct {
	Table   string   // e.g. "mls.sources"
	Columns []string // columns supplied by every row
	Keys    []string // the unique constraint
	// Update lists the columns overwritten on conflict. Nil means every
	// non-key column; an empty non-nil slice means DO NOTHING.
	Update []string
}

func (u Upsert) validate() error {
	if u.Table == "" {
		return eris.New("db: upsert: no table")
	}
	if len(u.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(u.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	keys := make(map[string]bool, len(u.Keys))
	for _, k := range u.Keys {
		keys[k] = true
	}
	var out []string
	for _, c := range u.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

func (u Upsert) stage() pgx.Identifier {
	return pgx.Identifier{"_stage_" + strings.ReplaceAll(u.Table, ".", "_")}
}

func (u Upsert) createSQL() string {
	return "CREATE TEMP TABLE " + u.stage().Sanitize() +
		" (LIKE " + Ident(u.Table).Sanitize() + " INCLUDING DEFAULTS) ON COMMIT DROP"
}

func (u Upsert) mergeSQL() string {
	cols := columnList(u.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO " + Ident(u.Table).Sanitize() + " (" + cols + ")")
	b.WriteString(" SELECT " + cols + " FROM " + u.stage().Sanitize())
	b.WriteString(" ON CONFLICT (" + columnList(u.Keys) + ")")

	update := u.updateColumns()
	if len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		q := pgx.Identifier{c}.Sanitize()
		b.WriteString(q + " = EXCLUDED." + q)
	}
	return b.String()
}

// BulkUpsert COPYs rows into a temp table and merges them into the target
// in one transaction, returning the number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, u Upsert, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := u.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, u.createSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, u.stage(), u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into stage for %s", u.Table)
	}
	tag, err := tx.Exec(ctx, u.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
