package serve

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"time"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/coerce"
	"github.com/sarveshkapre/clone/pkg/notify"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"github.com/sarveshkapre/clone/pkg/vcs"
)

// SnapshotOptions bounds the lists a snapshot carries and tunes the alert
// rules.
type SnapshotOptions struct {
	HistoryLimit int
	CommitHours  int
	CommitLimit  int
	EventLimit   int
	Thresholds   alerts.Thresholds
}

// DefaultSnapshotOptions returns the limits used by the snapshot endpoint.
func DefaultSnapshotOptions(th alerts.Thresholds) SnapshotOptions {
	return SnapshotOptions{
		HistoryLimit: 25,
		CommitHours:  2,
		CommitLimit:  180,
		EventLimit:   250,
		Thresholds:   th,
	}
}

// WithQuery overrides options from query parameters. Values that do not
// parse keep their current setting.
func (o SnapshotOptions) WithQuery(q url.Values) SnapshotOptions {
	get := func(key string, cur int) int {
		if v := q.Get(key); v != "" {
			return coerce.Int(v, cur)
		}
		return cur
	}
	o.HistoryLimit = coerce.Clamp(get("history_limit", o.HistoryLimit), 1, 500)
	o.CommitHours = coerce.Clamp(get("commit_hours", o.CommitHours), 1, 168)
	o.CommitLimit = coerce.Clamp(get("commit_limit", o.CommitLimit), 1, 2000)
	o.EventLimit = coerce.Clamp(get("event_limit", o.EventLimit), 1, 5000)
	o.Thresholds.StallMinutes = get("alert_stall_minutes", o.Thresholds.StallMinutes)
	o.Thresholds.NoCommitMinutes = get("alert_no_commit_minutes", o.Thresholds.NoCommitMinutes)
	o.Thresholds.LockSkipThreshold = get("alert_lock_skip_threshold", o.Thresholds.LockSkipThreshold)
	o.Thresholds = o.Thresholds.Normalize()
	return o
}

// SnapshotConfig echoes the paths and thresholds a snapshot was built with.
type SnapshotConfig struct {
	CloneRoot string `json:"clone_root"`
	ReposFile string `json:"repos_file"`
	LogsDir   string `json:"logs_dir"`
	alerts.Thresholds
}

// Overview is the headline of a snapshot.
type Overview struct {
	ReactorOnline bool `json:"reactor_online"`
	RunsTotal     int  `json:"runs_total"`
	ReposTotal    int  `json:"repos_total"`
}

// Snapshot is the composed view of runs, alerts, process topology,
// notifications and autopilot.
type Snapshot struct {
	GeneratedAt   string            `json:"generated_at"`
	Config        SnapshotConfig    `json:"config"`
	Overview      Overview          `json:"overview"`
	Alerts        []alerts.Alert    `json:"alerts"`
	LatestRun     *runs.Summary     `json:"latest_run"`
	RunHistory    []runs.Summary    `json:"run_history"`
	RecentCommits []vcs.Commit      `json:"recent_commits"`
	RunCommits    []runs.CommitLine `json:"run_commits"`
	LatestEvents  []runs.Event      `json:"latest_events"`
	ControlStatus procs.Status      `json:"control_status"`

	NotificationDelivery *notify.DeliverySummary `json:"notification_delivery,omitempty"`
	NotificationStatus   notify.Status           `json:"notification_status"`
	AgentTick            *autopilot.RunResult    `json:"agent_tick,omitempty"`
	AgentStatus          autopilot.StatusPayload `json:"agent_status"`
}

// AutopilotView is the part of a snapshot the autopilot plans against.
func (s Snapshot) AutopilotView() autopilot.Snapshot {
	return autopilot.Snapshot{Alerts: s.Alerts, ControlStatus: s.ControlStatus}
}

// RunDetails is the drill-down view of a single run.
type RunDetails struct {
	GeneratedAt        string            `json:"generated_at"`
	Run                runs.Summary      `json:"run"`
	Alerts             []alerts.Alert    `json:"alerts"`
	RunCommits         []runs.CommitLine `json:"run_commits"`
	RunCommitsDetailed []vcs.Commit      `json:"run_commits_detailed"`
	LatestEvents       []runs.Event      `json:"latest_events"`
	RunLogTail         runs.LogTail      `json:"run_log_tail"`
	ControlStatus      procs.Status      `json:"control_status"`
	NotificationStatus notify.Status     `json:"notification_status"`
}

// DetailOptions bounds a RunDetails response.
type DetailOptions struct {
	CommitLimit int
	RunLogLimit int
	EventLimit  int
	Thresholds  alerts.Thresholds
}

// DefaultDetailOptions returns the limits used by the run details endpoint.
func DefaultDetailOptions(th alerts.Thresholds) DetailOptions {
	return DetailOptions{CommitLimit: 120, RunLogLimit: 220, EventLimit: 300, Thresholds: th}
}

// Snapshotter composes snapshots from the individual components.
type Snapshotter struct {
	CloneRoot string
	ReposFile string

	Runs     *runs.Aggregator
	Catalog  *catalog.Catalog
	Control  *procs.Controller
	Notifier *notify.Dispatcher
	Agent    *autopilot.Manager
	Commits  *vcs.Querier

	now func() time.Time
}

func (s *Snapshotter) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Repos returns the catalog repositories that hold a git checkout, sorted
// by name.
func (s *Snapshotter) Repos() []vcs.Repo {
	found := s.Catalog.Git()
	out := make([]vcs.Repo, 0, len(found))
	for name, path := range found {
		out = append(out, vcs.Repo{Name: name, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build composes a snapshot. With sideEffects the alerts are offered to
// the notification dispatcher and the autopilot gets a tick.
func (s *Snapshotter) Build(ctx context.Context, opts SnapshotOptions, sideEffects bool) Snapshot {
	opts.Thresholds = opts.Thresholds.Normalize()
	now := s.clock()

	history := s.Runs.ListRuns(opts.HistoryLimit)
	snap := Snapshot{
		GeneratedAt: timeutil.FormatISO(now),
		Config: SnapshotConfig{
			CloneRoot:  s.CloneRoot,
			ReposFile:  s.ReposFile,
			LogsDir:    s.Runs.LogsDir(),
			Thresholds: opts.Thresholds,
		},
		Overview: Overview{
			RunsTotal:  s.Runs.Count(),
			ReposTotal: len(s.Catalog.Entries()),
		},
		Alerts:       []alerts.Alert{},
		RunHistory:   make([]runs.Summary, 0, len(history)),
		RunCommits:   []runs.CommitLine{},
		LatestEvents: []runs.Event{},
	}
	for _, r := range history {
		snap.RunHistory = append(snap.RunHistory, s.Runs.Effective(r))
	}

	var raw *runs.Summary
	if len(history) > 0 {
		raw = &history[0]
		latest := snap.RunHistory[0]
		snap.LatestRun = &latest
		snap.Overview.ReactorOnline = latest.RunOnline
		if events := s.Runs.LatestEvents(latest.RunID, opts.EventLimit); events != nil {
			snap.LatestEvents = events
		}
		if lines := s.Runs.CommitLines(latest.RunID, 80); lines != nil {
			snap.RunCommits = lines
		}
		if derived := alerts.Derive(latest, len(snap.RunCommits), opts.Thresholds, now); derived != nil {
			snap.Alerts = derived
		}
	}

	snap.RecentCommits = s.Commits.RecentCommits(ctx, s.Repos(), opts.CommitHours, opts.CommitLimit)
	snap.ControlStatus = s.Control.StatusFor(ctx, raw)

	runID := ""
	if snap.LatestRun != nil {
		runID = snap.LatestRun.RunID
	}
	if snap.ControlStatus.MultipleLoopsDetected {
		if dup, ok := alerts.DuplicateGroups(runID, len(snap.ControlStatus.LoopPIDs), snap.ControlStatus.LoopGroupsCount); ok {
			snap.Alerts = alerts.Merge(snap.Alerts, dup)
		}
	}

	if sideEffects {
		status := snap.ControlStatus
		delivery := s.Notifier.Deliver(ctx, snap.Alerts, notify.Context{LatestRun: snap.LatestRun, ControlStatus: &status})
		snap.NotificationDelivery = &delivery
	}
	snap.NotificationStatus = s.Notifier.Status()

	view := snap.AutopilotView()
	if sideEffects {
		tickCtx, cancel := actionContext(ctx)
		tick := s.Agent.Tick(tickCtx, view)
		cancel()
		snap.AgentTick = &tick
	}
	snap.AgentStatus = s.Agent.Status(&view)
	return snap
}

// RunDetails builds the drill-down for runID. It returns
// runs.ErrRunNotFound for unknown runs.
func (s *Snapshotter) RunDetails(ctx context.Context, runID string, opts DetailOptions) (RunDetails, error) {
	summary, err := s.Runs.Lookup(runID)
	if err != nil {
		return RunDetails{}, err
	}
	opts.CommitLimit = coerce.Clamp(opts.CommitLimit, 1, 2000)
	opts.RunLogLimit = coerce.Clamp(opts.RunLogLimit, 1, 500)
	opts.EventLimit = coerce.Clamp(opts.EventLimit, 1, 5000)
	now := s.clock()
	run := s.Runs.Effective(summary)

	detailed := s.detailedCommits(ctx, runID)
	tail, ok := s.Runs.RunLogTail(runID, opts.RunLogLimit)
	if !ok {
		paths := s.Runs.Paths(runID)
		tail = runs.LogTail{RunID: runID, Lines: []string{}, EventsPath: paths.Events, RunLogPath: paths.RunLog}
	}
	lines := s.Runs.CommitLines(runID, opts.CommitLimit)
	if lines == nil {
		lines = []runs.CommitLine{}
	}
	if len(detailed) == 0 {
		detailed = vcs.FromLines(lines)
	}
	if len(detailed) > opts.CommitLimit {
		detailed = detailed[len(detailed)-opts.CommitLimit:]
	}

	list := alerts.Derive(run, len(detailed), opts.Thresholds, now)
	if list == nil {
		list = []alerts.Alert{}
	}
	events := s.Runs.LatestEvents(runID, opts.EventLimit)
	if events == nil {
		events = []runs.Event{}
	}

	return RunDetails{
		GeneratedAt:        timeutil.FormatISO(now),
		Run:                run,
		Alerts:             list,
		RunCommits:         lines,
		RunCommitsDetailed: detailed,
		LatestEvents:       events,
		RunLogTail:         tail,
		ControlStatus:      s.Control.Status(ctx),
		NotificationStatus: s.Notifier.Status(),
	}, nil
}

// detailedCommits resolves the run log's commit hashes against the repos
// the run touched, or every catalog repo when none of them is known.
func (s *Snapshotter) detailedCommits(ctx context.Context, runID string) []vcs.Commit {
	hashes := s.Runs.CommitHashes(runID)
	if len(hashes) == 0 {
		return nil
	}
	all := s.Repos()
	byName := make(map[string]vcs.Repo, len(all))
	for _, r := range all {
		byName[r.Name] = r
	}
	var candidates []vcs.Repo
	for _, name := range s.Runs.RepoCandidates(runID) {
		if r, ok := byName[name]; ok {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		candidates = all
	}
	return vcs.ResolveRunCommits(ctx, hashes, candidates)
}

// IsNotFound reports whether err means an unknown run.
func IsNotFound(err error) bool {
	return errors.Is(err, runs.ErrRunNotFound)
}
