// Package db holds the Postgres plumbing shared by the stores: the pool
// abstraction, COPY and staged upserts, and error classification.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Ident turns a table name, optionally schema-qualified ("mls.listing_media"),
// into a pgx identifier.
func Ident(name string) pgx.Identifier {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{name}
}

// CopyRows streams rows into table over the COPY protocol. c may be a pool
// or an open transaction; media replacement uses the latter so the delete
// and the insert commit together.
func CopyRows(ctx context.Context, c Copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := c.CopyFrom(ctx, Ident(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table)
	}
	return n, nil
}
