package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// index is a secondary index created after its table.
type index struct {
	name    string
	table   string
	columns []string
	unique  bool
	// newestFirst sorts the last column descending on PostgreSQL. SQLite
	// scans the ascending index backwards just as well.
	newestFirst bool
}

func createIndexes(ctx context.Context, db *bun.DB, indexes ...index) error {
	pg := db.Dialect().Name() == dialect.PG
	for _, ix := range indexes {
		q := db.NewCreateIndex().
			Table(ix.table).
			Index(ix.name).
			IfNotExists()
		if ix.unique {
			q = q.Unique()
		}
		for i, col := range ix.columns {
			if ix.newestFirst && pg && i == len(ix.columns)-1 {
				q = q.ColumnExpr("? DESC", bun.Ident(col))
				continue
			}
			q = q.Column(col)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", ix.name, err)
		}
	}
	return nil
}
