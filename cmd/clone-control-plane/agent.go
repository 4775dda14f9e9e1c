package main

import (
	"context"
	"fmt"

	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/spf13/cobra"
)

var (
	agentSet      []string
	agentMaxSteps int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and drive the autopilot",
}

var agentConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update the autopilot policy",
	Long: `Show the autopilot policy, or update it with --set.

Keys: enabled, mode (safe|assertive), interval_seconds, max_restarts_per_hour,
max_normalizes_per_hour, allowed_alert_ids (comma separated).`,
	Example: `  clone-control-plane agent config --set enabled=true --set mode=assertive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		if len(agentSet) > 0 {
			raw, err := parseAssignments(agentSet)
			if err != nil {
				return err
			}
			if _, err := p.agent.UpdateConfig(raw); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), serve.AgentConfigResponse{
			OK:     true,
			Config: p.agent.Config(),
			Status: p.agent.Status(nil),
		})
	},
}

// agentView builds a side-effect free snapshot for planning.
func agentView(cmd *cobra.Command, p *plane) (serve.Snapshot, autopilot.Snapshot) {
	snap := p.snap.Build(cmd.Context(), p.snapshotOptions(), false)
	return snap, snap.AutopilotView()
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the autopilot policy, history and current plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		snap, _ := agentView(cmd, p)
		return printJSON(cmd.OutOrStdout(), serve.AgentStatusResponse{
			StatusPayload: snap.AgentStatus,
			ControlStatus: snap.ControlStatus,
		})
	},
}

var agentRunNextCmd = &cobra.Command{
	Use:   "run-next",
	Short: "Execute the highest priority runnable step",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := actionContext()
		defer cancel()
		_, view := agentView(cmd, p)
		res := p.agent.RunNext(ctx, view, autopilot.SourceManual)
		if err := printJSON(cmd.OutOrStdout(), serve.AgentRunResponse{RunResult: res, AgentStatus: p.agent.Status(&view)}); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("autopilot step not executed: %s", res.Reason)
		}
		return nil
	},
}

var agentRunPlanCmd = &cobra.Command{
	Use:   "run-plan",
	Short: "Execute up to --max-steps plan steps",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := actionContext()
		defer cancel()
		refresh := func(ctx context.Context) autopilot.Snapshot {
			return p.snap.Build(ctx, p.snapshotOptions(), false).AutopilotView()
		}
		res := p.agent.RunPlan(ctx, refresh, autopilot.SourceManual, agentMaxSteps)
		view := refresh(ctx)
		if err := printJSON(cmd.OutOrStdout(), serve.AgentPlanResponse{PlanResult: res, AgentStatus: p.agent.Status(&view)}); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("autopilot plan stopped: %s", res.StoppedReason)
		}
		return nil
	},
}

var agentTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one interval-gated autopilot tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := actionContext()
		defer cancel()
		_, view := agentView(cmd, p)
		res := p.agent.Tick(ctx, view)
		return printJSON(cmd.OutOrStdout(), serve.AgentRunResponse{RunResult: res, AgentStatus: p.agent.Status(&view)})
	},
}

func init() {
	agentConfigCmd.Flags().StringArrayVar(&agentSet, "set", nil, "Policy update as key=value (repeatable)")
	agentRunPlanCmd.Flags().IntVar(&agentMaxSteps, "max-steps", 2, "Maximum steps to execute (1-8)")

	agentCmd.AddCommand(agentConfigCmd, agentStatusCmd, agentRunNextCmd, agentRunPlanCmd, agentTickCmd)
	rootCmd.AddCommand(agentCmd)
}
