package procs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"golang.org/x/sys/unix"
)

// StartResult reports a launch attempt.
type StartResult struct {
	OK                 bool   `json:"ok"`
	Message            string `json:"message,omitempty"`
	Error              string `json:"error,omitempty"`
	LauncherPID        int    `json:"launcher_pid,omitempty"`
	LauncherLog        string `json:"launcher_log,omitempty"`
	ReposFile          string `json:"repos_file,omitempty"`
	SelectedReposCount int    `json:"selected_repos_count,omitempty"`
	SelectedReposFile  string `json:"selected_repos_file,omitempty"`
	ControlStatus      Status `json:"control_status"`
}

// StopResult reports a stop attempt.
type StopResult struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	SignaledPIDs   []int  `json:"signaled_pids"`
	SignaledGroups []int  `json:"signaled_groups"`
	StillAlivePIDs []int  `json:"still_alive_pids"`
	ControlStatus  Status `json:"control_status"`
}

// RestartResult carries both halves of a restart.
type RestartResult struct {
	OK            bool        `json:"ok"`
	Error         string      `json:"error,omitempty"`
	Stop          StopResult  `json:"stop"`
	Start         StartResult `json:"start"`
	ControlStatus Status      `json:"control_status"`
}

// NormalizeResult reports a normalize attempt.
type NormalizeResult struct {
	OK               bool   `json:"ok"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	KeptGroup        int    `json:"kept_group"`
	StoppedGroups    []int  `json:"stopped_groups"`
	StillAliveGroups []int  `json:"still_alive_groups"`
	ControlStatus    Status `json:"control_status"`
}

type selectionFile struct {
	Repos []catalog.Entry `json:"repos"`
}

// Start launches the worker loop unless a run is already active. The
// launcher runs in its own session; its pid, log path and settings are
// recorded for Status.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx, req)
}

func (c *Controller) start(ctx context.Context, req StartRequest) (StartResult, error) {
	fail := func(err error) (StartResult, error) {
		return StartResult{Error: err.Error(), ControlStatus: c.Status(ctx)}, err
	}

	if err := os.MkdirAll(c.cfg.LogsDir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create logs directory: %w", err))
	}
	lock := flock.New(filepath.Join(c.cfg.LogsDir, "control-plane-start.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fail(fmt.Errorf("failed to acquire start lock: %w", err))
	}
	if !locked {
		return fail(ErrStartInProgress)
	}
	defer func() { _ = lock.Unlock() }()

	if !fsutil.Exists(c.cfg.Script) {
		return fail(fmt.Errorf("%w: %s", ErrLauncherMissing, c.cfg.Script))
	}
	if !scriptExecutable(c.cfg.Script) {
		return fail(fmt.Errorf("script is not executable: %s", c.cfg.Script))
	}

	current := c.Status(ctx)
	if current.Active {
		return StartResult{Error: ErrRunActive.Error(), ControlStatus: current}, ErrRunActive
	}

	req = req.Normalize()
	tag := c.now().UTC().Format(timeutil.RunIDLayout)

	reposFile := ""
	if c.catalog != nil {
		reposFile = c.catalog.Path()
	}
	env := append(os.Environ(),
		"PARALLEL_REPOS="+strconv.Itoa(req.ParallelRepos),
		"MAX_CYCLES="+strconv.Itoa(req.MaxCycles),
		"TASKS_PER_REPO="+strconv.Itoa(req.TasksPerRepo),
	)

	selectedFile := ""
	selectedCount := 0
	if len(req.Repos) > 0 {
		selectedFile = filepath.Join(c.cfg.LogsDir, fmt.Sprintf("run-%s-repos.json", tag))
		if err := fsutil.WriteJSONAtomic(selectedFile, selectionFile{Repos: req.Repos}); err != nil {
			return fail(fmt.Errorf("failed to write repo selection: %w", err))
		}
		reposFile = selectedFile
		selectedCount = len(req.Repos)
	} else if c.catalog != nil {
		selectedCount = len(c.catalog.Entries())
	}
	env = append(env, "REPOS_FILE="+reposFile)
	if req.Model != "" {
		env = append(env, "MODEL="+req.Model)
	}

	launcherLog := filepath.Join(c.cfg.LogsDir, fmt.Sprintf("control-plane-launcher-%s.log", tag))
	pid, err := c.cfg.Launcher.Launch(LaunchSpec{
		Script:  c.cfg.Script,
		Dir:     c.cfg.CloneRoot,
		Env:     env,
		LogPath: launcherLog,
	})
	if err != nil {
		return fail(err)
	}

	settings := LaunchSettings{
		ParallelRepos:      req.ParallelRepos,
		MaxCycles:          req.MaxCycles,
		TasksPerRepo:       req.TasksPerRepo,
		SelectedReposCount: selectedCount,
		ReposFile:          reposFile,
		Model:              req.Model,
	}
	managed := ManagedState{
		StartedAt:   timeutil.FormatISO(c.now()),
		LauncherPID: pid,
		LauncherLog: launcherLog,
		Settings:    settings,
	}
	if err := fsutil.WriteJSONAtomic(c.ManagedStatePath(), managed); err != nil {
		log.Warn("failed to persist managed launch state", "error", err)
	}
	log.Info("run started", "launcher_pid", pid, "launcher_log", launcherLog, "repos_file", reposFile)

	_ = c.sleep(ctx, c.cfg.Settle)
	return StartResult{
		OK:                 true,
		Message:            "run started",
		LauncherPID:        pid,
		LauncherLog:        launcherLog,
		ReposFile:          reposFile,
		SelectedReposCount: selectedCount,
		SelectedReposFile:  selectedFile,
		ControlStatus:      c.Status(ctx),
	}, nil
}

// Stop terminates every process that looks like a worker loop: the tracked
// run pid, the last launcher pid and any other live loop process. Groups
// get SIGTERM first; with Force, survivors get SIGKILL after the wait.
func (c *Controller) Stop(ctx context.Context, req StopRequest) (StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop(ctx, req)
}

func (c *Controller) stop(ctx context.Context, req StopRequest) (StopResult, error) {
	wait := waitSeconds(req.WaitSeconds, 12)
	status := c.Status(ctx)

	var pids []int
	groups := make(map[int]bool)
	add := func(pid int) {
		for _, p := range pids {
			if p == pid {
				return
			}
		}
		pids = append(pids, pid)
		groups[c.groupOf(pid)] = true
	}

	if status.RunPID > 0 && status.RunPIDAlive && c.isLoop(ctx, status.RunPID) {
		add(status.RunPID)
	}
	if status.ManagedLauncherPID > 0 && status.ManagedLauncherAlive && c.isLoop(ctx, status.ManagedLauncherPID) {
		add(status.ManagedLauncherPID)
	}
	for _, p := range status.LoopProcesses {
		if c.cfg.Table.Alive(p.PID) && c.isLoop(ctx, p.PID) {
			add(p.PID)
		}
	}

	if len(pids) == 0 {
		return StopResult{
			Error:          ErrNoLoopProcess.Error(),
			SignaledPIDs:   []int{},
			SignaledGroups: []int{},
			StillAlivePIDs: []int{},
			ControlStatus:  status,
		}, ErrNoLoopProcess
	}

	groupList := sortedKeys(groups)
	for _, pid := range pids {
		if err := signalPID(c.cfg.Table, pid, unix.SIGTERM); err != nil {
			log.Debug("terminate signal failed", "pid", pid, "error", err)
		}
	}
	for _, g := range groupList {
		_ = c.cfg.Table.SignalGroup(g, unix.SIGTERM)
	}

	alive := func() []int {
		out := []int{}
		for _, pid := range pids {
			if c.cfg.Table.Alive(pid) {
				out = append(out, pid)
			}
		}
		return out
	}

	deadline := c.now().Add(time.Duration(wait) * time.Second)
	for c.now().Before(deadline) && len(alive()) > 0 {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			break
		}
	}

	stillAlive := alive()
	if len(stillAlive) > 0 && req.Force {
		for _, g := range groupList {
			_ = c.cfg.Table.SignalGroup(g, unix.SIGKILL)
		}
		for _, pid := range stillAlive {
			_ = signalPID(c.cfg.Table, pid, unix.SIGKILL)
		}
		_ = c.sleep(ctx, 200*time.Millisecond)
		stillAlive = alive()
	}

	result := StopResult{
		OK:             len(stillAlive) == 0,
		SignaledPIDs:   pids,
		SignaledGroups: groupList,
		StillAlivePIDs: stillAlive,
		ControlStatus:  c.Status(ctx),
	}
	if !result.OK {
		result.Message = ErrStillRunning.Error()
		result.Error = ErrStillRunning.Error()
		log.Warn("stop left processes alive", "pids", stillAlive, "force", req.Force)
		return result, ErrStillRunning
	}
	result.Message = "run stopped"
	log.Info("run stopped", "pids", pids, "groups", groupList, "force", req.Force)
	return result, nil
}

// Restart is a forced Stop followed by Start. A failed stop (for example
// nothing was running) does not prevent the start.
func (c *Controller) Restart(ctx context.Context, req RestartRequest) (RestartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stopResult, stopErr := c.stop(ctx, StopRequest{Force: true, WaitSeconds: req.WaitSeconds})
	if stopErr != nil {
		log.Debug("restart stop phase", "error", stopErr)
	}
	startResult, err := c.start(ctx, req.Start)
	result := RestartResult{
		OK:            startResult.OK,
		Stop:          stopResult,
		Start:         startResult,
		ControlStatus: c.Status(ctx),
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// Normalize collapses concurrent loop process groups to one. The kept
// group is the one holding the tracked run pid, else req.KeepPGID when it
// names a live group, else the newest group. With zero or one group alive
// it returns success without signaling anything.
func (c *Controller) Normalize(ctx context.Context, req NormalizeRequest) (NormalizeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := waitSeconds(req.WaitSeconds, 8)
	status := c.Status(ctx)
	loops := status.LoopProcesses

	members := make(map[int][]int)
	for _, p := range loops {
		if p.PGID > 0 && p.PID > 0 {
			members[p.PGID] = append(members[p.PGID], p.PID)
		}
	}
	if len(members) <= 1 {
		kept := 0
		for g := range members {
			kept = g
		}
		return NormalizeResult{
			OK:               true,
			Message:          "already normalized",
			KeptGroup:        kept,
			StoppedGroups:    []int{},
			StillAliveGroups: []int{},
			ControlStatus:    status,
		}, nil
	}

	keep := 0
	if status.RunPID > 0 {
		for _, p := range loops {
			if p.PID == status.RunPID {
				keep = p.PGID
				break
			}
		}
	}
	if keep <= 0 && req.KeepPGID > 0 {
		if _, ok := members[req.KeepPGID]; ok {
			keep = req.KeepPGID
		}
	}
	if keep <= 0 {
		keep = loops[0].PGID
	}

	var toStop []int
	for g := range members {
		if g != keep {
			toStop = append(toStop, g)
		}
	}
	sort.Ints(toStop)

	signalGroups := func(list []int, sig unix.Signal) {
		for _, g := range list {
			if err := c.cfg.Table.SignalGroup(g, sig); err != nil {
				for _, pid := range members[g] {
					_ = signalPID(c.cfg.Table, pid, sig)
				}
			}
		}
	}
	remaining := func() []int {
		alive := make(map[int]bool)
		for _, p := range c.LoopProcesses(ctx) {
			if p.PGID > 0 {
				alive[p.PGID] = true
			}
		}
		out := []int{}
		for _, g := range toStop {
			if alive[g] {
				out = append(out, g)
			}
		}
		return out
	}

	signalGroups(toStop, unix.SIGTERM)
	deadline := c.now().Add(time.Duration(wait) * time.Second)
	for c.now().Before(deadline) && len(remaining()) > 0 {
		if err := c.sleep(ctx, 200*time.Millisecond); err != nil {
			break
		}
	}

	still := remaining()
	if len(still) > 0 && req.Force {
		signalGroups(still, unix.SIGKILL)
		_ = c.sleep(ctx, 250*time.Millisecond)
		still = remaining()
	}

	result := NormalizeResult{
		OK:               len(still) == 0,
		KeptGroup:        keep,
		StoppedGroups:    toStop,
		StillAliveGroups: still,
		ControlStatus:    c.Status(ctx),
	}
	if !result.OK {
		result.Message = ErrGroupsRemain.Error()
		result.Error = ErrGroupsRemain.Error()
		log.Warn("normalize left loop groups alive", "groups", still, "kept_group", keep)
		return result, ErrGroupsRemain
	}
	result.Message = "normalized"
	log.Info("loop groups normalized", "kept_group", keep, "stopped_groups", toStop)
	return result, nil
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
