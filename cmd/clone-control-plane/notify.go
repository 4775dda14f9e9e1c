package main

import (
	"fmt"
	"strings"

	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/spf13/cobra"
)

var (
	notifySet      []string
	notifyMessage  string
	notifySeverity string
	notifyLimit    int
)

// parseAssignments turns key=value pairs into a loosely typed update.
// Values stay strings; the stores coerce them.
func parseAssignments(pairs []string) (map[string]interface{}, error) {
	raw := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", pair)
		}
		raw[key] = strings.TrimSpace(value)
	}
	return raw, nil
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Manage webhook notifications",
}

var notifyConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update the notification config",
	Long: `Show the effective notification config, or update it with --set.

Keys: enabled, webhook_url, min_severity, cooldown_seconds, send_ok,
enabled_alert_ids (comma separated). Values are validated and clamped.`,
	Example: `  clone-control-plane notify config --set enabled=true --set min_severity=critical`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		if len(notifySet) > 0 {
			raw, err := parseAssignments(notifySet)
			if err != nil {
				return err
			}
			if _, err := p.notifier.UpdateConfig(raw); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), serve.NotifyConfigResponse{
			OK:     true,
			Config: p.notifier.Config(),
			Status: p.notifier.Status(),
		})
	},
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification to the configured webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		res := p.notifier.SendTest(cmd.Context(), notifyMessage, notifySeverity)
		if err := printJSON(cmd.OutOrStdout(), serve.NotifyTestResponse{TestResult: res, Status: p.notifier.Status()}); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("test notification failed: %s", firstNonEmpty(res.Error, res.Reason))
		}
		return nil
	},
}

var notifyEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent notification events",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		events := p.notifier.RecentEvents(notifyLimit)
		return printJSON(cmd.OutOrStdout(), serve.NotifyEventsResponse{Events: events, Status: p.notifier.Status()})
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	notifyConfigCmd.Flags().StringArrayVar(&notifySet, "set", nil, "Config update as key=value (repeatable)")
	notifyTestCmd.Flags().StringVar(&notifyMessage, "message", "", "Message text")
	notifyTestCmd.Flags().StringVar(&notifySeverity, "severity", "info", "Severity: info, warn, critical")
	notifyEventsCmd.Flags().IntVar(&notifyLimit, "limit", 40, "Maximum events")

	notifyCmd.AddCommand(notifyConfigCmd, notifyTestCmd, notifyEventsCmd)
	rootCmd.AddCommand(notifyCmd)
}
