package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cloneRoot  string
	reposFile  string
	logsDir    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "clone-control-plane",
	Short: "Local control plane for clone worker loops",
	Long: `clone-control-plane observes autonomous worker loop runs through their log
files, derives health alerts, delivers webhook notifications, and starts, stops
and normalizes the loop process groups.

Run "clone-control-plane serve" for the HTTP API and dashboard streams, or use
the subcommands to act on the local logs directory directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Config{
			Level:  log.ParseLevel(logLevel),
			Format: logFormat,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&cloneRoot, "clone-root", "", "Clone checkout root (env CLONE_ROOT, default: current directory)")
	pf.StringVar(&reposFile, "repos-file", "", "Repository catalog (env REPOS_FILE, default: <root>/repos.runtime.yaml)")
	pf.StringVar(&logsDir, "logs-dir", "", "Run logs directory (env CLONE_LOGS_DIR, default: <root>/logs)")
	pf.StringVar(&logLevel, "log-level", "progress", "Log level: debug, info, progress, minimal")
	pf.StringVar(&logFormat, "log-format", log.FormatConsole, "Log format: console, json")
}

// run executes the CLI and returns the process exit code.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
