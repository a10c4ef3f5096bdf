package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/whitelist"
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the admin IP whitelist",
	Long: `Manage stored admin IP whitelist rules. Running servers pick up
changes once their whitelist cache expires.`,
}

var (
	whitelistDescription string
	whitelistJSON        bool
)

func openRules(cmd *cobra.Command) (*whitelist.Rules, func(), error) {
	rt, err := openRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	return whitelist.NewRules(rt.repo, whitelist.WithLogger(rt.logger)), rt.close, nil
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <name> <cidr>",
	Short: "Add an active whitelist rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, done, err := openRules(cmd)
		if err != nil {
			return err
		}
		defer done()
		rule, err := rules.Add(cmd.Context(), args[0], args[1], whitelistDescription)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", rule.ID, rule.CIDR)
		return nil
	},
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelist rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, done, err := openRules(cmd)
		if err != nil {
			return err
		}
		defer done()
		list, err := rules.List(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(list))
		for _, r := range list {
			rows = append(rows, []string{
				r.ID, r.Name, r.CIDR, fmt.Sprintf("%t", r.IsActive),
				r.UpdatedAt.Format(time.RFC3339), dash(r.Description),
			})
		}
		return newPrinter(cmd.OutOrStdout(), whitelistJSON).
			render(list, []string{"ID", "NAME", "CIDR", "ACTIVE", "UPDATED", "DESCRIPTION"}, rows)
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, done, err := openRules(cmd)
			if err != nil {
				return err
			}
			defer done()
			rule, err := rules.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", rule.ID, rule.IsActive)
			return nil
		},
	}
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Delete a whitelist rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, done, err := openRules(cmd)
		if err != nil {
			return err
		}
		defer done()
		if err := rules.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

func init() {
	whitelistAddCmd.Flags().StringVar(&whitelistDescription, "description", "", "Free-form note stored with the rule")
	whitelistListCmd.Flags().BoolVar(&whitelistJSON, "json", false, "Print rules as JSON")

	whitelistCmd.AddCommand(
		whitelistAddCmd,
		whitelistListCmd,
		setActiveCmd("enable", "Activate a whitelist rule", true),
		setActiveCmd("disable", "Deactivate a whitelist rule", false),
		whitelistRemoveCmd,
	)
	rootCmd.AddCommand(whitelistCmd)
}
