package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper is the request gate in front of the storefront",
	Long: `Gatekeeper classifies every storefront request, enforces role and
admin-tier policy, throttles sensitive actions and records security events.
The same binary manages the IP whitelist, accounts, events and alerts.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Path to a YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (json, text)")
	pf.String("storage", "", "Storage backend (memory, bbolt, postgres)")
	pf.String("data", "", "Path to the bbolt database file")
	pf.String("postgres-dsn", "", "PostgreSQL connection string")
	pf.String("routes", "", "Path to the route policy YAML (built-in table when empty)")
}
