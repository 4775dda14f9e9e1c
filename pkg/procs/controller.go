// Package procs supervises worker loop processes: it reports the live loop
// topology and starts, stops, restarts and normalizes loop process groups.
package procs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/runs"
)

// DefaultSignature identifies worker loop processes by command line.
const DefaultSignature = "run_clone_loop.sh"

var (
	ErrRunActive       = errors.New("a run is already active")
	ErrNoLoopProcess   = errors.New("no active run loop process found")
	ErrLauncherMissing = errors.New("missing launcher script")
	ErrStartInProgress = errors.New("another start is in progress")
	ErrStillRunning    = errors.New("run still active after stop request")
	ErrGroupsRemain    = errors.New("some loop groups still alive")
)

// Config configures a Controller.
type Config struct {
	CloneRoot string
	LogsDir   string
	// Script defaults to <CloneRoot>/scripts/run_clone_loop.sh.
	Script    string
	Signature string

	// PollInterval is the liveness poll period while waiting for exits.
	PollInterval time.Duration
	// Settle is how long Start waits for the run to write its status file.
	Settle time.Duration

	Table    Table
	Launcher Launcher
}

// LaunchSettings records the parameters of the last managed launch.
type LaunchSettings struct {
	ParallelRepos      int    `json:"parallel_repos"`
	MaxCycles          int    `json:"max_cycles"`
	TasksPerRepo       int    `json:"tasks_per_repo"`
	SelectedReposCount int    `json:"selected_repos_count"`
	ReposFile          string `json:"repos_file"`
	Model              string `json:"model,omitempty"`
}

// ManagedState is the launcher metadata persisted by Start.
type ManagedState struct {
	StartedAt   string         `json:"started_at"`
	LauncherPID int            `json:"launcher_pid"`
	LauncherLog string         `json:"launcher_log"`
	Settings    LaunchSettings `json:"settings"`
}

// Status is the observed loop topology together with the latest run.
type Status struct {
	Active        bool   `json:"active"`
	ScriptExists  bool   `json:"script_exists"`
	RunID         string `json:"run_id"`
	RunState      string `json:"run_state"`
	RunStateRaw   string `json:"run_state_raw"`
	RunPID        int    `json:"run_pid"`
	RunPIDAlive   bool   `json:"run_pid_alive"`
	RunPIDCommand string `json:"run_pid_command"`

	ManagedLauncherPID     int            `json:"managed_launcher_pid"`
	ManagedLauncherAlive   bool           `json:"managed_launcher_alive"`
	ManagedLauncherCommand string         `json:"managed_launcher_command"`
	ManagedLauncherLog     string         `json:"managed_launcher_log"`
	ManagedStartedAt       string         `json:"managed_started_at"`
	ManagedSettings        LaunchSettings `json:"managed_settings"`

	LoopProcesses         []Process `json:"loop_processes"`
	LoopPIDs              []int     `json:"loop_pids"`
	LoopGroupIDs          []int     `json:"loop_group_ids"`
	LoopGroupsCount       int       `json:"loop_groups_count"`
	MultipleLoopsDetected bool      `json:"multiple_loops_detected"`
}

// Controller drives the loop launcher and signals loop process groups.
// Mutating operations are serialized.
type Controller struct {
	cfg     Config
	runs    *runs.Aggregator
	catalog *catalog.Catalog

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

// New creates a controller. Missing Table and Launcher default to the
// system implementations.
func New(cfg Config, agg *runs.Aggregator, cat *catalog.Catalog) *Controller {
	if cfg.Script == "" {
		cfg.Script = filepath.Join(cfg.CloneRoot, "scripts", "run_clone_loop.sh")
	}
	if cfg.Signature == "" {
		cfg.Signature = DefaultSignature
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.Table == nil {
		cfg.Table = SystemTable()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	return &Controller{
		cfg:     cfg,
		runs:    agg,
		catalog: cat,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Script returns the launcher script path.
func (c *Controller) Script() string {
	return c.cfg.Script
}

// ManagedStatePath is where Start records launcher metadata.
func (c *Controller) ManagedStatePath() string {
	return filepath.Join(c.cfg.LogsDir, "control-plane-managed.json")
}

func (c *Controller) loadManaged() ManagedState {
	var state ManagedState
	fsutil.ReadJSON(c.ManagedStatePath(), &state)
	return state
}

// LoopProcesses returns live worker loop processes, newest first.
func (c *Controller) LoopProcesses(ctx context.Context) []Process {
	return filterLoops(c.cfg.Table.List(ctx), c.cfg.Signature)
}

// Status reports the latest run and loop topology.
func (c *Controller) Status(ctx context.Context) Status {
	return c.StatusFor(ctx, nil)
}

// StatusFor is Status with a caller-supplied latest run, avoiding a second
// summary read when the caller already holds one.
func (c *Controller) StatusFor(ctx context.Context, latest *runs.Summary) Status {
	if latest == nil && c.runs != nil {
		if s, ok := c.runs.Latest(); ok {
			latest = &s
		}
	}

	st := Status{
		ScriptExists: fsutil.Exists(c.cfg.Script),
		RunState:     "unknown",
		RunStateRaw:  "unknown",
	}
	if latest != nil {
		eff := latest.Effective(c.cfg.Table.Alive)
		st.RunID = eff.RunID
		st.RunState = eff.State
		st.RunStateRaw = eff.StateRaw
		st.RunPID = eff.PID
		st.RunPIDAlive = eff.PIDAlive
		st.Active = eff.RunOnline
		if st.RunPIDAlive {
			st.RunPIDCommand = c.cfg.Table.Command(ctx, st.RunPID)
		}
	}

	managed := c.loadManaged()
	st.ManagedLauncherPID = managed.LauncherPID
	st.ManagedLauncherAlive = managed.LauncherPID > 0 && c.cfg.Table.Alive(managed.LauncherPID)
	if st.ManagedLauncherAlive {
		st.ManagedLauncherCommand = c.cfg.Table.Command(ctx, managed.LauncherPID)
	}
	st.ManagedLauncherLog = managed.LauncherLog
	st.ManagedStartedAt = managed.StartedAt
	st.ManagedSettings = managed.Settings

	st.LoopProcesses = c.LoopProcesses(ctx)
	if st.LoopProcesses == nil {
		st.LoopProcesses = []Process{}
	}
	st.LoopPIDs = make([]int, 0, len(st.LoopProcesses))
	groups := make(map[int]bool)
	for _, p := range st.LoopProcesses {
		st.LoopPIDs = append(st.LoopPIDs, p.PID)
		if p.PGID > 0 {
			groups[p.PGID] = true
		}
	}
	st.LoopGroupIDs = make([]int, 0, len(groups))
	for g := range groups {
		st.LoopGroupIDs = append(st.LoopGroupIDs, g)
	}
	sort.Ints(st.LoopGroupIDs)
	st.LoopGroupsCount = len(st.LoopGroupIDs)
	st.MultipleLoopsDetected = st.LoopGroupsCount > 1
	return st
}

// isLoop reports whether pid currently runs the loop signature.
func (c *Controller) isLoop(ctx context.Context, pid int) bool {
	return containsSignature(c.cfg.Table.Command(ctx, pid), c.cfg.Signature)
}

func containsSignature(command, signature string) bool {
	return command != "" && signature != "" && strings.Contains(command, signature)
}

// groupOf returns the process group of pid, or pid itself when the lookup
// fails.
func (c *Controller) groupOf(pid int) int {
	if pgid, err := c.cfg.Table.Getpgid(pid); err == nil && pgid > 0 {
		return pgid
	}
	return pid
}

func scriptExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
