package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/routes"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect route policy tables",
}

var routesCheckJSON bool

var routesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a route policy file and print the resulting table",
	Long: `Validate a route policy YAML file. Without a file argument the
built-in table is checked. Exits non-zero when the table is invalid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			table *routes.Table
			err   error
		)
		if len(args) == 1 {
			table, err = routes.LoadFile(args[0])
		} else {
			table, err = routes.Default()
		}
		if err != nil {
			return err
		}
		return printRoutes(newPrinter(cmd.OutOrStdout(), routesCheckJSON), table)
	},
}

var routesDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in route policy YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := cmd.OutOrStdout().Write(routes.DefaultYAML())
		return err
	},
}

func printRoutes(p *printer, table *routes.Table) error {
	rs := table.Routes()
	rows := make([][]string, 0, len(rs))
	for _, rc := range rs {
		roles := make([]string, len(rc.RequiredRoles))
		for i, role := range rc.RequiredRoles {
			roles[i] = string(role)
		}
		admin := "-"
		if rc.AdminTier() {
			admin = fmt.Sprintf("%s/%d", rc.AdminSession.Timeout, rc.AdminSession.MaxConcurrent)
		}
		rows = append(rows, []string{
			rc.Name,
			strings.Join(rc.PathPrefixes, ","),
			dash(strings.Join(roles, ",")),
			string(rc.SecurityLevel),
			fmt.Sprintf("%t", rc.RequiresMFA),
			dash(strings.Join(rc.IPWhitelist, ",")),
			admin,
		})
	}
	return p.render(rs, []string{"NAME", "PREFIXES", "ROLES", "LEVEL", "MFA", "IP WHITELIST", "ADMIN SESSION"}, rows)
}

func init() {
	routesCheckCmd.Flags().BoolVar(&routesCheckJSON, "json", false, "Print the table as JSON")
	routesCmd.AddCommand(routesCheckCmd, routesDefaultCmd)
	rootCmd.AddCommand(routesCmd)
}
