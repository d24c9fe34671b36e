package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/db/models"
	"github.com/casidp/authn/internal/repository"
)

var (
	revokeJTIFlag     string
	revokeSubjectFlag string
	revokeExpiresFlag time.Duration
	pruneGraceFlag    time.Duration
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage the bearer token denylist",
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a bearer token by its jti claim",
	RunE: func(cmd *cobra.Command, args []string) error {
		if revokeJTIFlag == "" {
			return fmt.Errorf("--jti flag is required")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		revoked := &models.RevokedJTI{
			JTI:     revokeJTIFlag,
			Subject: revokeSubjectFlag,
			Exp:     time.Now().Add(revokeExpiresFlag),
		}
		if err := repository.NewBunRevokedJTIRepository(db).Create(cmd.Context(), revoked); err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Revoked token %s until %s\n", revoked.JTI, revoked.Exp.Format(time.RFC3339))
		return nil
	},
}

var tokensPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete denylist entries whose tokens have expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		if err := repository.NewBunRevokedJTIRepository(db).DeleteExpired(cmd.Context(), pruneGraceFlag); err != nil {
			return fmt.Errorf("failed to prune denylist: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Expired denylist entries removed")
		return nil
	},
}

func init() {
	tokensRevokeCmd.Flags().StringVar(&revokeJTIFlag, "jti", "", "Token id (jti claim) to revoke")
	tokensRevokeCmd.Flags().StringVar(&revokeSubjectFlag, "subject", "", "Subject the token was issued to")
	tokensRevokeCmd.Flags().DurationVar(&revokeExpiresFlag, "expires-in", 24*time.Hour, "How long to keep the entry; use at least the token's remaining lifetime")
	tokensPruneCmd.Flags().DurationVar(&pruneGraceFlag, "grace", time.Hour, "Keep entries this long past their expiry")

	tokensCmd.AddCommand(tokensRevokeCmd)
	tokensCmd.AddCommand(tokensPruneCmd)
	rootCmd.AddCommand(tokensCmd)
}
