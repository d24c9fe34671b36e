package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261019000001, down_20261019000001)
}

// up_20261019000001 creates the local account tables
func up_20261019000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating user_attributes table...")
	_, err = db.NewCreateTable().
		Model((*models.UserAttribute)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_attributes table: %w", err)
	}

	err = createIndexes(ctx, db,
		index{name: "idx_user_attributes_user_id", table: "user_attributes", columns: []string{"user_id"}},
		index{name: "idx_user_attributes_unique", table: "user_attributes", columns: []string{"user_id", "name", "value"}, unique: true},
	)
	if err != nil {
		return err
	}
	fmt.Println(" OK")

	return nil
}

// down_20261019000001 drops the local account tables
func down_20261019000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping user_attributes and users tables...")
	for _, model := range []any{(*models.UserAttribute)(nil), (*models.User)(nil)} {
		_, err := db.NewDropTable().
			Model(model).
			IfExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	fmt.Println(" OK")
	return nil
}
