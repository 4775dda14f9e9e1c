package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sarveshkapre/clone/pkg/tui"
	"github.com/spf13/cobra"
)

var tuiURL string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Terminal dashboard for a running control plane",
	Long: `TUI connects to a running "clone-control-plane serve" instance and shows the
latest run, alerts, loop processes, notification and autopilot status.

The dashboard reads snapshots without triggering notification delivery or
autopilot ticks; those remain owned by the server streams.`,
	Example: `  # Connect to the local server
  clone-control-plane tui

  # Connect to another address
  clone-control-plane tui --url http://127.0.0.1:9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := tuiURL
		if url == "" {
			s, err := resolveSettings(cmd, os.Getenv)
			if err != nil {
				return err
			}
			url = "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
		}

		client := tui.NewClient(url)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.Snapshot(ctx); err != nil {
			return fmt.Errorf("failed to connect to control plane at %s: %w", url, err)
		}

		p := tea.NewProgram(tui.NewApp(client), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("failed to run TUI: %w", err)
		}
		return nil
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiURL, "url", "", "Control plane base URL (default: from host and port settings)")
	tuiCmd.Flags().String("host", defaultHost, "Control plane host (env CLONE_CONTROL_PLANE_HOST)")
	tuiCmd.Flags().Int("port", defaultPort, "Control plane port (env CLONE_CONTROL_PLANE_PORT)")
	rootCmd.AddCommand(tuiCmd)
}
