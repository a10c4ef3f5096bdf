package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and prune the security event log",
}

var (
	eventsUser  string
	eventsIP    string
	eventsTypes []string
	eventsSince time.Duration
	eventsLimit int
	eventsJSON  bool
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded security events, newest last",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := events.Filter{IP: eventsIP, UserID: eventsUser, Limit: eventsLimit}
		for _, t := range eventsTypes {
			typ := events.Type(strings.TrimSpace(t))
			if !typ.Valid() {
				return fmt.Errorf("unknown event type %q", t)
			}
			f.Types = append(f.Types, typ)
		}
		if eventsSince > 0 {
			f.Since = time.Now().Add(-eventsSince)
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		evts, err := events.NewRepositoryStore(rt.repo).Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(evts))
		for _, e := range evts {
			rows = append(rows, []string{
				e.Timestamp.Format(time.RFC3339),
				string(e.Type),
				dash(e.UserID),
				e.IP,
				formatDetails(e.Details),
			})
		}
		return newPrinter(cmd.OutOrStdout(), eventsJSON).
			render(evts, []string{"TIME", "TYPE", "USER", "IP", "DETAILS"}, rows)
	},
}

var eventsPruneOlderThan time.Duration

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsPruneOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		n, err := events.NewRepositoryStore(rt.repo).Prune(cmd.Context(), time.Now().Add(-eventsPruneOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events\n", n)
		return nil
	},
}

func formatDetails(d map[string]any) string {
	if len(d) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, d[k])
	}
	return strings.Join(parts, " ")
}

func init() {
	f := eventsListCmd.Flags()
	f.StringVar(&eventsUser, "user", "", "Only events for this user ID")
	f.StringVar(&eventsIP, "ip", "", "Only events from this client IP")
	f.StringSliceVar(&eventsTypes, "type", nil, "Only events of these types (repeatable)")
	f.DurationVar(&eventsSince, "since", 0, "Only events newer than this age, e.g. 1h")
	f.IntVar(&eventsLimit, "limit", 100, "Keep only the most recent N events (0 for all)")
	f.BoolVar(&eventsJSON, "json", false, "Print events as JSON")

	eventsPruneCmd.Flags().DurationVar(&eventsPruneOlderThan, "older-than", 0, "Age cutoff, e.g. 2160h")

	eventsCmd.AddCommand(eventsListCmd, eventsPruneCmd)
	rootCmd.AddCommand(eventsCmd)
}
