package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/spf13/cobra"
)

var (
	statusJSON bool

	startParallel int
	startCycles   int
	startTasks    int
	startModel    string
	startRepos    []string

	stopForce bool
	stopWait  int

	normalizeKeep  int
	normalizeSoft  bool
	normalizeWait  int
	restartWait    int
	actionJSONMode bool
)

func actionContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// finish prints an action result and returns the action error, if any.
// The JSON form is printed for failed outcomes too.
func finish(w io.Writer, asJSON bool, result interface{}, actionErr error, ok bool, errText, summary string) error {
	if asJSON {
		if err := printJSON(w, result); err != nil {
			return err
		}
	}
	if actionErr != nil {
		return actionErr
	}
	if !ok {
		return fmt.Errorf("%s", errText)
	}
	if !asJSON {
		fmt.Fprintln(w, summary)
	}
	return nil
}

func printStatus(w io.Writer, st procs.Status, latest *runs.Summary) {
	if latest != nil {
		fmt.Fprintf(w, "Run:       %s (%s, pid %d)\n", latest.RunID, latest.State, latest.PID)
	} else {
		fmt.Fprintln(w, "Run:       none")
	}
	switch {
	case st.MultipleLoopsDetected:
		fmt.Fprintf(w, "Loop:      %d groups %v (normalize recommended)\n", st.LoopGroupsCount, st.LoopGroupIDs)
	case st.Active:
		fmt.Fprintf(w, "Loop:      active, pids %v\n", st.LoopPIDs)
	default:
		fmt.Fprintln(w, "Loop:      inactive")
	}
	if st.ManagedLauncherPID > 0 {
		state := "exited"
		if st.ManagedLauncherAlive {
			state = "alive"
		}
		fmt.Fprintf(w, "Launcher:  pid %d (%s) log %s\n", st.ManagedLauncherPID, state, st.ManagedLauncherLog)
	}
	if !st.ScriptExists {
		fmt.Fprintln(w, "Script:    missing")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run and loop process topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		var latest *runs.Summary
		if run, ok := p.runs.LatestEffective(); ok {
			latest = &run
		}
		st := p.control.StatusFor(cmd.Context(), latest)
		if statusJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st, latest)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the worker loop",
	Long: `Launch the worker loop script detached from this process.

Start refuses while a run is active or loop processes exist. The --repo flag
selects catalog entries by name or path; without it the whole catalog runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		req, err := procs.ParseStartRequest(startRaw(cmd), p.catalog.Entries())
		if err != nil {
			return err
		}
		ctx, cancel := actionContext()
		defer cancel()
		res, err := p.control.Start(ctx, req)
		p.audit.Record("control", map[string]interface{}{"action": "start", "ok": res.OK, "error": res.Error, "source": "cli"})
		return finish(cmd.OutOrStdout(), actionJSONMode, res, err, res.OK, res.Error,
			fmt.Sprintf("Started launcher pid %d (log %s)", res.LauncherPID, res.LauncherLog))
	},
}

// startRaw builds a loosely typed start request from the flags that were
// set, leaving the rest to request defaults.
func startRaw(cmd *cobra.Command) map[string]interface{} {
	raw := map[string]interface{}{}
	flags := cmd.Flags()
	if flags.Changed("parallel") {
		raw["parallel_repos"] = startParallel
	}
	if flags.Changed("max-cycles") {
		raw["max_cycles"] = startCycles
	}
	if flags.Changed("tasks-per-repo") {
		raw["tasks_per_repo"] = startTasks
	}
	if startModel != "" {
		raw["model"] = startModel
	}
	if flags.Changed("repo") {
		var repos []string
		for _, r := range startRepos {
			if r = strings.TrimSpace(r); r != "" {
				repos = append(repos, r)
			}
		}
		raw["repos"] = repos
	}
	return raw
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		req := procs.ParseStopRequest(map[string]interface{}{"force": stopForce, "wait_seconds": stopWait})
		ctx, cancel := actionContext()
		defer cancel()
		res, err := p.control.Stop(ctx, req)
		p.audit.Record("control", map[string]interface{}{"action": "stop", "ok": res.OK, "error": res.Error, "source": "cli"})
		return finish(cmd.OutOrStdout(), actionJSONMode, res, err, res.OK, res.Error,
			fmt.Sprintf("Stopped: signaled pids %v groups %v", res.SignaledPIDs, res.SignaledGroups))
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Force-stop the worker loop and launch it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		raw := startRaw(cmd)
		raw["wait_seconds"] = restartWait
		req, err := procs.ParseRestartRequest(raw, p.catalog.Entries())
		if err != nil {
			return err
		}
		ctx, cancel := actionContext()
		defer cancel()
		res, err := p.control.Restart(ctx, req)
		p.audit.Record("control", map[string]interface{}{"action": "restart", "ok": res.OK, "error": res.Error, "source": "cli"})
		return finish(cmd.OutOrStdout(), actionJSONMode, res, err, res.OK, res.Error,
			fmt.Sprintf("Restarted: launcher pid %d", res.Start.LauncherPID))
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Collapse duplicate loop process groups to one",
	Long: `Normalize keeps one loop process group and stops the others.

The kept group is --keep-pgid when it is a live loop group, otherwise the
group of the latest run, otherwise the newest group.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		req := procs.ParseNormalizeRequest(map[string]interface{}{
			"force":        !normalizeSoft,
			"wait_seconds": normalizeWait,
			"keep_pgid":    normalizeKeep,
		})
		ctx, cancel := actionContext()
		defer cancel()
		res, err := p.control.Normalize(ctx, req)
		p.audit.Record("control", map[string]interface{}{"action": "normalize", "ok": res.OK, "error": res.Error, "source": "cli"})
		summary := fmt.Sprintf("Kept group %d, stopped %v", res.KeptGroup, res.StoppedGroups)
		if res.Message != "" {
			summary = res.Message
		}
		return finish(cmd.OutOrStdout(), actionJSONMode, res, err, res.OK, res.Error, summary)
	},
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&startParallel, "parallel", 5, "Repositories processed in parallel (1-64)")
	cmd.Flags().IntVar(&startCycles, "max-cycles", 30, "Maximum loop cycles (1-10000)")
	cmd.Flags().IntVar(&startTasks, "tasks-per-repo", 0, "Tasks per repository per cycle (0-1000)")
	cmd.Flags().StringVar(&startModel, "model", "", "Model passed to the workers")
	cmd.Flags().StringSliceVar(&startRepos, "repo", nil, "Catalog repository name or path (repeatable)")
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")

	addStartFlags(startCmd)
	addStartFlags(restartCmd)
	restartCmd.Flags().IntVar(&restartWait, "wait", 12, "Seconds to wait for the old loop to exit (2-30)")

	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Send SIGKILL to survivors after the wait")
	stopCmd.Flags().IntVar(&stopWait, "wait", 12, "Seconds to wait for exit (2-30)")

	normalizeCmd.Flags().IntVar(&normalizeKeep, "keep-pgid", 0, "Process group to keep")
	normalizeCmd.Flags().BoolVar(&normalizeSoft, "no-force", false, "Do not SIGKILL groups that survive SIGTERM")
	normalizeCmd.Flags().IntVar(&normalizeWait, "wait", 8, "Seconds to wait for extra groups to exit (2-30)")

	for _, c := range []*cobra.Command{startCmd, stopCmd, restartCmd, normalizeCmd} {
		c.Flags().BoolVar(&actionJSONMode, "json", false, "Print the full result as JSON")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(statusCmd)
}
