package users

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/config"
	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/repository"
)

// UsersCmd is the parent command for local account management
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local accounts checked by database handlers",
	Long:  `Commands for managing local accounts and their principal attributes directly in the database.`,
}

// openUsers connects to the configured database and returns the user repository.
func openUsers() (*repository.BunUserRepository, *bun.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("local accounts require database_url to be set")
	}

	db, err := bunx.NewDB(cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return repository.NewBunUserRepository(db), db, nil
}

func isNotFoundError(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func init() {
	UsersCmd.AddCommand(createCmd)
	UsersCmd.AddCommand(listCmd)
	UsersCmd.AddCommand(setPasswordCmd)
	UsersCmd.AddCommand(disableCmd)
	UsersCmd.AddCommand(enableCmd)
	UsersCmd.AddCommand(setAttributeCmd)
	UsersCmd.AddCommand(removeAttributeCmd)
}
