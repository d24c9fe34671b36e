package users

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/casidp/authn/internal/db/bunx"
)

var (
	targetUserFlag string
	attrNameFlag   string
	attrValueFlag  string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		users, db, err := openUsers()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		all, err := users.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, u := range all {
			state := "active"
			if u.Disabled() {
				state = "disabled"
			}
			lastLogin := "never"
			if u.LastLoginAt != nil {
				lastLogin = u.LastLoginAt.Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\tlast login: %s\n", u.ID, u.Username, state, lastLogin)
		}
		return nil
	},
}

// setDisabled switches an account off or back on.
func setDisabled(cmd *cobra.Command, disabled bool) error {
	if targetUserFlag == "" {
		return fmt.Errorf("--username flag is required")
	}

	users, db, err := openUsers()
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	ctx := cmd.Context()
	user, err := users.GetByUsername(ctx, targetUserFlag)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if disabled {
		now := time.Now()
		user.DisabledAt = &now
	} else {
		user.DisabledAt = nil
	}
	if err := users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "User %s disabled=%t\n", user.Username, disabled)
	return nil
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDisabled(cmd, true)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Re-enable a disabled local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDisabled(cmd, false)
	},
}

// changeAttribute adds or removes one attribute value.
func changeAttribute(cmd *cobra.Command, remove bool) error {
	if targetUserFlag == "" || attrNameFlag == "" || attrValueFlag == "" {
		return fmt.Errorf("--username, --name and --value flags are required")
	}

	users, db, err := openUsers()
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	ctx := cmd.Context()
	user, err := users.GetByUsername(ctx, targetUserFlag)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if remove {
		err = users.RemoveAttribute(ctx, user.ID, attrNameFlag, attrValueFlag)
	} else {
		err = users.AddAttribute(ctx, user.ID, attrNameFlag, attrValueFlag)
	}
	if err != nil {
		return fmt.Errorf("failed to change attribute: %w", err)
	}

	attrs, err := users.Attributes(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to read attributes: %w", err)
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Attributes of %s:\n", user.Username)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %s\n", name, strings.Join(attrs[name], ", "))
	}
	return nil
}

var setAttributeCmd = &cobra.Command{
	Use:   "set-attribute",
	Short: "Add a principal attribute value to a local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeAttribute(cmd, false)
	},
}

var removeAttributeCmd = &cobra.Command{
	Use:   "remove-attribute",
	Short: "Remove a principal attribute value from a local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeAttribute(cmd, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{disableCmd, enableCmd, setAttributeCmd, removeAttributeCmd} {
		c.Flags().StringVar(&targetUserFlag, "username", "", "Login name of the account")
	}
	for _, c := range []*cobra.Command{setAttributeCmd, removeAttributeCmd} {
		c.Flags().StringVar(&attrNameFlag, "name", "", "Attribute name")
		c.Flags().StringVar(&attrValueFlag, "value", "", "Attribute value")
	}
}
