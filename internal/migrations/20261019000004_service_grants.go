package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261019000004, down_20261019000004)
}

// up_20261019000004 creates the persisted service handler grants
func up_20261019000004(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating service_grants table...")

	_, err := db.NewCreateTable().
		Model((*models.ServiceGrant)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create service_grants table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20261019000004 drops the service_grants table
func down_20261019000004(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping service_grants table...")

	_, err := db.NewDropTable().
		Model((*models.ServiceGrant)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop service_grants table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
