package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"github.com/spf13/cobra"
)

var (
	runsLimit     int
	runsJSON      bool
	runLogLimit   int
	alertsJSON    bool
	snapshotSide  bool
	snapshotLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List worker loop runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		list := p.runs.ListRuns(runsLimit)
		for i := range list {
			list[i] = p.runs.Effective(list[i])
		}
		if runsJSON {
			return printJSON(cmd.OutOrStdout(), serve.RunsResponse{
				GeneratedAt: timeutil.FormatISO(time.Now()),
				Total:       p.runs.Count(),
				Runs:        list,
			})
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN ID\tSTATE\tPID\tCYCLE\tREPOS ENDED\tUPDATED")
		for _, r := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", r.RunID, r.State, r.PID, r.LatestCycle, r.ReposEnded, r.UpdatedAt)
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details: summary, alerts, commits and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		details, err := p.snap.RunDetails(cmd.Context(), args[0], serve.DefaultDetailOptions(p.settings.Thresholds))
		if err != nil {
			if serve.IsNotFound(err) {
				return fmt.Errorf("run %q not found", args[0])
			}
			return err
		}
		return printJSON(cmd.OutOrStdout(), details)
	},
}

var runsLogCmd = &cobra.Command{
	Use:   "log <run-id>",
	Short: "Print the tail of a run's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		tail, ok := p.runs.RunLogTail(args[0], runLogLimit)
		if !ok {
			return fmt.Errorf("run log for %q not found", args[0])
		}
		for _, line := range tail.Lines {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Derive alerts for the latest run",
	Long: `Derive alerts for the latest run from its logs and the loop process
topology. No notifications are sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		snap := p.snap.Build(cmd.Context(), p.snapshotOptions(), false)
		if alertsJSON {
			return printJSON(cmd.OutOrStdout(), snap.Alerts)
		}
		if len(snap.Alerts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No alerts")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tID\tDETAIL")
		for _, a := range snap.Alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", strings.ToUpper(string(a.Severity)), a.ID, a.Detail)
		}
		return tw.Flush()
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print a full control plane snapshot as JSON",
	Long: `Print the composed snapshot served by /api/snapshot.

With --side-effects the alerts are offered to the notification dispatcher and
the autopilot gets a tick, exactly as one server stream frame would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		opts := p.snapshotOptions()
		if snapshotLimit > 0 {
			opts.HistoryLimit = snapshotLimit
		}
		return printJSON(cmd.OutOrStdout(), p.snap.Build(cmd.Context(), opts, snapshotSide))
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 25, "Maximum runs to list")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Print JSON")
	runsLogCmd.Flags().IntVar(&runLogLimit, "lines", 100, "Number of lines")
	runsCmd.AddCommand(runsShowCmd, runsLogCmd)

	alertsCmd.Flags().BoolVar(&alertsJSON, "json", false, "Print JSON")

	snapshotCmd.Flags().BoolVar(&snapshotSide, "side-effects", false, "Deliver notifications and tick the autopilot")
	snapshotCmd.Flags().IntVar(&snapshotLimit, "history", 0, "Run history length (default 25)")

	rootCmd.AddCommand(runsCmd, alertsCmd, snapshotCmd)
}
