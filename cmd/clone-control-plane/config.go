package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost      = "127.0.0.1"
	defaultPort      = 8787
	defaultReposFile = "repos.runtime.yaml"
	defaultLogsDir   = "logs"
)

// fileConfig is the optional YAML config file:
//
//	host: 127.0.0.1
//	port: 8787
//	clone_root: /srv/clone
//	logs_dir: logs
//	poll_seconds: 5
//	alerts:
//	  stall_minutes: 20
type fileConfig struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	CloneRoot   string            `yaml:"clone_root"`
	ReposFile   string            `yaml:"repos_file"`
	LogsDir     string            `yaml:"logs_dir"`
	PollSeconds float64           `yaml:"poll_seconds"`
	Alerts      alerts.Thresholds `yaml:"alerts"`
}

// settings are the resolved paths and listener parameters.
type settings struct {
	Host       string
	Port       int
	CloneRoot  string
	ReposFile  string
	LogsDir    string
	Poll       time.Duration
	Thresholds alerts.Thresholds
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// resolveSettings layers defaults, environment, config file and flags, in
// increasing precedence. Relative repos and logs paths resolve against the
// clone root.
func resolveSettings(cmd *cobra.Command, getenv func(string) string) (settings, error) {
	s := settings{
		Host:       defaultHost,
		Port:       defaultPort,
		Thresholds: alerts.DefaultThresholds(),
	}

	if v := strings.TrimSpace(getenv("CLONE_CONTROL_PLANE_HOST")); v != "" {
		s.Host = v
	}
	if v := strings.TrimSpace(getenv("CLONE_CONTROL_PLANE_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("invalid CLONE_CONTROL_PLANE_PORT %q", v)
		}
		s.Port = port
	}
	s.CloneRoot = getenv("CLONE_ROOT")
	s.ReposFile = getenv("REPOS_FILE")
	s.LogsDir = getenv("CLONE_LOGS_DIR")

	if configPath != "" {
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return s, err
		}
		if fc.Host != "" {
			s.Host = fc.Host
		}
		if fc.Port != 0 {
			s.Port = fc.Port
		}
		if fc.CloneRoot != "" {
			s.CloneRoot = fc.CloneRoot
		}
		if fc.ReposFile != "" {
			s.ReposFile = fc.ReposFile
		}
		if fc.LogsDir != "" {
			s.LogsDir = fc.LogsDir
		}
		if fc.PollSeconds > 0 {
			s.Poll = time.Duration(fc.PollSeconds * float64(time.Second))
		}
		s.Thresholds = mergeThresholds(s.Thresholds, fc.Alerts)
	}

	flags := cmd.Flags()
	if flags.Changed("clone-root") {
		s.CloneRoot = cloneRoot
	}
	if flags.Changed("repos-file") {
		s.ReposFile = reposFile
	}
	if flags.Changed("logs-dir") {
		s.LogsDir = logsDir
	}
	if flags.Changed("host") {
		s.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		s.Port, _ = flags.GetInt("port")
	}

	if s.CloneRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return s, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		s.CloneRoot = wd
	}
	root, err := filepath.Abs(s.CloneRoot)
	if err != nil {
		return s, fmt.Errorf("failed to resolve clone root: %w", err)
	}
	s.CloneRoot = root
	s.ReposFile = underRoot(root, s.ReposFile, defaultReposFile)
	s.LogsDir = underRoot(root, s.LogsDir, defaultLogsDir)

	if s.Port < 0 || s.Port > 65535 {
		return s, fmt.Errorf("invalid port: %d", s.Port)
	}
	s.Thresholds = s.Thresholds.Normalize()
	return s, nil
}

func underRoot(root, path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// mergeThresholds overlays the non-zero fields of override onto base.
func mergeThresholds(base, override alerts.Thresholds) alerts.Thresholds {
	if override.StallMinutes != 0 {
		base.StallMinutes = override.StallMinutes
	}
	if override.NoCommitMinutes != 0 {
		base.NoCommitMinutes = override.NoCommitMinutes
	}
	if override.LockSkipThreshold != 0 {
		base.LockSkipThreshold = override.LockSkipThreshold
	}
	if override.LockRatio != 0 {
		base.LockRatio = override.LockRatio
	}
	if override.LockRatioMinDecisions != 0 {
		base.LockRatioMinDecisions = override.LockRatioMinDecisions
	}
	return base
}
