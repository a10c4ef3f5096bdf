package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/internal/uuid"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and resolve suspicious-activity alerts",
}

var (
	alertsAll  bool
	alertsUser string
	alertsIP   string
	alertsJSON bool
)

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts (unresolved only unless --all)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		alerts, err := detect.NewRepositoryAlertStore(rt.repo).List(cmd.Context(), detect.AlertFilter{
			UnresolvedOnly: !alertsAll,
			UserID:         alertsUser,
			IP:             alertsIP,
		})
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(alerts))
		for _, a := range alerts {
			resolved := "-"
			if a.ResolvedAt != nil {
				resolved = a.ResolvedAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{
				a.ID,
				a.Timestamp.Format(time.RFC3339),
				a.Severity.String(),
				string(a.Type),
				dash(a.UserID),
				a.IP,
				resolved,
			})
		}
		return newPrinter(cmd.OutOrStdout(), alertsJSON).
			render(alerts, []string{"ID", "TIME", "SEVERITY", "TYPE", "USER", "IP", "RESOLVED"}, rows)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !uuid.Valid(args[0]) {
			return fmt.Errorf("invalid alert id %q", args[0])
		}
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		a, err := detect.NewRepositoryAlertStore(rt.repo).Resolve(cmd.Context(), args[0], time.Now().UTC())
		if err != nil {
			return err
		}
		rt.logger.Info("alert resolved", "alert_id", a.ID, "severity", a.Severity.String())
		fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", a.ID)
		return nil
	},
}

func init() {
	f := alertsListCmd.Flags()
	f.BoolVar(&alertsAll, "all", false, "Include resolved alerts")
	f.StringVar(&alertsUser, "user", "", "Only alerts for this user ID")
	f.StringVar(&alertsIP, "ip", "", "Only alerts for this client IP")
	f.BoolVar(&alertsJSON, "json", false, "Print alerts as JSON")

	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)
	rootCmd.AddCommand(alertsCmd)
}
