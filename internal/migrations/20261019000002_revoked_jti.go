package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261019000002, down_20261019000002)
}

// up_20261019000002 creates the bearer token denylist
func up_20261019000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating revoked_jti table...")

	_, err := db.NewCreateTable().
		Model((*models.RevokedJTI)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create revoked_jti table: %w", err)
	}

	// cleanup scans by exp
	err = createIndexes(ctx, db, index{name: "idx_revoked_jti_exp", table: "revoked_jti", columns: []string{"exp"}})
	if err != nil {
		return err
	}
	fmt.Println(" OK")

	return nil
}

// down_20261019000002 drops the revoked_jti table
func down_20261019000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping revoked_jti table...")

	_, err := db.NewDropTable().
		Model((*models.RevokedJTI)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop revoked_jti table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
