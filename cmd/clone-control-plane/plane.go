package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/notify"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/sarveshkapre/clone/pkg/vcs"
	"github.com/spf13/cobra"
)

// plane holds the wired components for one command invocation.
type plane struct {
	settings settings

	audit    *audit.Log
	catalog  *catalog.Catalog
	runs     *runs.Aggregator
	control  *procs.Controller
	notifier *notify.Dispatcher
	agent    *autopilot.Manager
	snap     *serve.Snapshotter
}

func openPlane(s settings) (*plane, error) {
	if err := os.MkdirAll(s.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	trail, err := audit.Open(filepath.Join(s.LogsDir, audit.FileName))
	if err != nil {
		return nil, err
	}

	cat := catalog.New(s.ReposFile)
	agg := runs.NewAggregator(s.LogsDir)
	ctrl := procs.New(procs.Config{
		CloneRoot: s.CloneRoot,
		LogsDir:   s.LogsDir,
	}, agg, cat)
	notifier := notify.New(s.LogsDir, notify.Options{Audit: trail})
	agent := autopilot.New(s.LogsDir, ctrl, trail)

	log.Debug("control plane wired", "clone_root", s.CloneRoot, "repos_file", s.ReposFile, "logs_dir", s.LogsDir)
	return &plane{
		settings: s,
		audit:    trail,
		catalog:  cat,
		runs:     agg,
		control:  ctrl,
		notifier: notifier,
		agent:    agent,
		snap: &serve.Snapshotter{
			CloneRoot: s.CloneRoot,
			ReposFile: s.ReposFile,
			Runs:      agg,
			Catalog:   cat,
			Control:   ctrl,
			Notifier:  notifier,
			Agent:     agent,
			Commits:   vcs.NewQuerier(),
		},
	}, nil
}

// setupPlane resolves settings for cmd and wires the components.
func setupPlane(cmd *cobra.Command) (*plane, error) {
	s, err := resolveSettings(cmd, os.Getenv)
	if err != nil {
		return nil, err
	}
	return openPlane(s)
}

func (p *plane) Close() {
	if err := p.audit.Close(); err != nil {
		log.Debug("audit close failed", "error", err)
	}
}

func (p *plane) snapshotOptions() serve.SnapshotOptions {
	return serve.DefaultSnapshotOptions(p.settings.Thresholds)
}
