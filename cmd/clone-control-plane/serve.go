package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP API",
	Long: `Serve the control plane API on a local address.

The server exposes run summaries, alerts, process control, notification and
autopilot endpoints under /api, plus snapshot streams over server-sent events
(/api/stream, /api/v1/stream) and WebSocket (/api/v1/ws). Only one server may
run per logs directory.`,
	Example: `  # Serve on the default address (127.0.0.1:8787)
  clone-control-plane serve

  # Serve for another checkout on a custom port
  clone-control-plane serve --clone-root /srv/clone --port 9090`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		srv, err := serve.New(serve.Config{
			Host:         p.settings.Host,
			Port:         p.settings.Port,
			Thresholds:   p.settings.Thresholds,
			PollInterval: p.settings.Poll,
			Audit:        p.audit,
		}, p.snap)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Control plane: http://%s\n", srv.Addr())
		if err := srv.Start(ctx); err != nil {
			if errors.Is(err, serve.ErrAlreadyRunning) {
				return fmt.Errorf("%w (%s)", err, p.settings.LogsDir)
			}
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", defaultHost, "Listen host (env CLONE_CONTROL_PLANE_HOST)")
	serveCmd.Flags().Int("port", defaultPort, "Listen port (env CLONE_CONTROL_PLANE_PORT)")
	rootCmd.AddCommand(serveCmd)
}
