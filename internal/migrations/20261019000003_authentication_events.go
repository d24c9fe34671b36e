package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261019000003, down_20261019000003)
}

// up_20261019000003 creates the audit trail table
func up_20261019000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating authentication_events table...")

	_, err := db.NewCreateTable().
		Model((*models.AuthenticationEvent)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create authentication_events table: %w", err)
	}

	err = createIndexes(ctx, db,
		index{name: "idx_authentication_events_transaction", table: "authentication_events", columns: []string{"transaction_id"}},
		index{name: "idx_authentication_events_principal", table: "authentication_events", columns: []string{"principal_id", "created_at"}, newestFirst: true},
	)
	if err != nil {
		return err
	}
	fmt.Println(" OK")

	return nil
}

// down_20261019000003 drops the authentication_events table
func down_20261019000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping authentication_events table...")

	_, err := db.NewDropTable().
		Model((*models.AuthenticationEvent)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop authentication_events table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
