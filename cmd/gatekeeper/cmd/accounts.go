package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/internal/uuid"
	"github.com/jmcleod/gatekeeper/mfa"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the authorization records the gate reads",
}

var (
	accountEmail    string
	accountRole     string
	accountInactive bool
	accountsJSON    bool
)

var accountsPutCmd = &cobra.Command{
	Use:   "put <user-id>",
	Short: "Create or replace an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := identity.ParseRole(accountRole)
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		accounts := identity.NewRepositoryAccounts(rt.repo)
		acct := identity.Account{ID: args[0], Email: accountEmail, Role: role, IsActive: !accountInactive}
		// Replacing an account keeps its MFA enrollment.
		if prev, err := accounts.GetAccount(cmd.Context(), acct.ID); err == nil {
			acct.MFAEnabled = prev.MFAEnabled
			if acct.Email == "" {
				acct.Email = prev.Email
			}
		} else if !errors.Is(err, identity.ErrAccountNotFound) {
			return err
		}
		if err := accounts.PutAccount(cmd.Context(), acct); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", acct.ID, acct.Role)
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		list, err := identity.NewRepositoryAccounts(rt.repo).ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(list))
		for _, a := range list {
			rows = append(rows, []string{
				a.ID, dash(a.Email), string(a.Role),
				fmt.Sprintf("%t", a.IsActive), fmt.Sprintf("%t", a.MFAEnabled),
			})
		}
		return newPrinter(cmd.OutOrStdout(), accountsJSON).
			render(list, []string{"ID", "EMAIL", "ROLE", "ACTIVE", "MFA"}, rows)
	},
}

var accountsEnrollCmd = &cobra.Command{
	Use:   "enroll-mfa <user-id>",
	Short: "Generate a TOTP secret and enable MFA for an account",
	Long: `Generate a fresh TOTP secret, replacing any existing one, and mark the
account MFA-enabled. Prints the otpauth:// URL to load into an authenticator.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		accounts := identity.NewRepositoryAccounts(rt.repo)
		acct, err := accounts.GetAccount(ctx, args[0])
		if err != nil {
			return err
		}
		key, err := mfa.NewRepositorySecrets(rt.repo).Enroll(ctx, acct.ID, acct.Email)
		if err != nil {
			return err
		}
		acct.MFAEnabled = true
		if err := accounts.PutAccount(ctx, acct); err != nil {
			return err
		}
		err = events.NewRepositoryStore(rt.repo).Append(ctx, events.SecurityEvent{
			ID:        uuid.New(),
			Type:      events.TypeMFAEnabled,
			UserID:    acct.ID,
			IP:        events.UnknownIP,
			Timestamp: time.Now(),
			Details:   map[string]any{"source": "cli"},
		})
		if err != nil {
			return fmt.Errorf("recording mfa_enabled: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.URL())
		return nil
	},
}

var accountsPasswordCmd = &cobra.Command{
	Use:   "set-password <user-id>",
	Short: "Set the login password for an account",
	Long: `Read a password from the first line of standard input and store its
argon2id hash. The account must exist and have an email, which is the login
name for POST /auth/login.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPasswordLine(cmd)
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		passwords := identity.NewPasswords(rt.repo, identity.NewRepositoryAccounts(rt.repo))
		if err := passwords.SetPassword(cmd.Context(), args[0], password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "password set for %s\n", args[0])
		return nil
	},
}

func readPasswordLine(cmd *cobra.Command) (string, error) {
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no password on standard input")
	}
	return strings.TrimRight(sc.Text(), "\r"), nil
}

func init() {
	accountsPutCmd.Flags().StringVar(&accountEmail, "email", "", "Account email")
	accountsPutCmd.Flags().StringVar(&accountRole, "role", string(identity.RoleCustomer), "CUSTOMER, STAFF or ADMIN")
	accountsPutCmd.Flags().BoolVar(&accountInactive, "inactive", false, "Store the account as inactive")
	accountsListCmd.Flags().BoolVar(&accountsJSON, "json", false, "Print accounts as JSON")

	accountsCmd.AddCommand(accountsPutCmd, accountsListCmd, accountsEnrollCmd, accountsPasswordCmd)
	rootCmd.AddCommand(accountsCmd)
}
