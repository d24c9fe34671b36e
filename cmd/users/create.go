package users

import (
	"bufio"
	"fmt"
	"io"
	"net/mail"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/db/models"
)

// bcryptCost matches the cost used for every stored password hash.
const bcryptCost = 12

var (
	emailFlag      string
	usernameFlag   string
	nameFlag       string
	passwordFlag   string
	stdinFlag      bool
	mustChangeFlag bool
)

// readPassword returns the flag value, or the first line of stdin when
// --stdin is set.
func readPassword(cmd *cobra.Command, in io.Reader) (string, error) {
	password := passwordFlag
	if stdinFlag {
		scanner := bufio.NewScanner(in)
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
		if scanner.Scan() {
			password = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}
	if password == "" {
		return "", fmt.Errorf("password is required (use --password or --stdin)")
	}
	return password, nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
		}
		if emailFlag != "" {
			if _, err := mail.ParseAddress(emailFlag); err != nil {
				return fmt.Errorf("invalid email format: %w", err)
			}
		}

		password, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}

		users, db, err := openUsers()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		ctx := cmd.Context()
		existing, err := users.GetByUsername(ctx, usernameFlag)
		if err != nil && !isNotFoundError(err) {
			return fmt.Errorf("failed to check username uniqueness: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("user %q already exists", usernameFlag)
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		user := &models.User{
			Username:           usernameFlag,
			Email:              emailFlag,
			Name:               nameFlag,
			PasswordHash:       string(hashedPassword),
			MustChangePassword: mustChangeFlag,
		}
		if err := users.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "User created successfully!")
		fmt.Fprintln(out, "----------------------------------------")
		fmt.Fprintf(out, "User ID: %s\n", user.ID)
		fmt.Fprintf(out, "Username: %s\n", user.Username)
		if user.Email != "" {
			fmt.Fprintf(out, "Email: %s\n", user.Email)
		}
		if user.MustChangePassword {
			fmt.Fprintln(out, "Password must be changed at next login")
		}
		fmt.Fprintln(out, "----------------------------------------")
		return nil
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Replace a local account's password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
		}
		password, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}

		users, db, err := openUsers()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		ctx := cmd.Context()
		user, err := users.GetByUsername(ctx, usernameFlag)
		if err != nil {
			return fmt.Errorf("failed to find user: %w", err)
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		if err := users.SetPasswordHash(ctx, user.ID, string(hashedPassword)); err != nil {
			return fmt.Errorf("failed to set password: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s\n", user.Username)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&usernameFlag, "username", "", "Login name of the account")
	createCmd.Flags().StringVar(&emailFlag, "email", "", "Email address of the account")
	createCmd.Flags().StringVar(&nameFlag, "name", "", "Display name of the account")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "Password for the account (use --stdin to avoid shell history)")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")
	createCmd.Flags().BoolVar(&mustChangeFlag, "must-change-password", false, "Require a password change at next login")

	setPasswordCmd.Flags().StringVar(&usernameFlag, "username", "", "Login name of the account")
	setPasswordCmd.Flags().StringVar(&passwordFlag, "password", "", "New password (use --stdin to avoid shell history)")
	setPasswordCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")
}
