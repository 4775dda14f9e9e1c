// Package alerts derives operator alerts from a run summary and the live
// loop process topology.
package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

// Severity orders alerts for display and notification gating.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Rank maps severities to ok=0 < info=1 < warn=2 < critical=3. Unknown
// values rank as ok.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(raw string) (Severity, bool) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeverityOK, SeverityInfo, SeverityWarn, SeverityCritical:
		return s, true
	}
	return "", false
}

// ID names an alert rule.
type ID string

const (
	RunStalled          ID = "run_stalled"
	LockContention      ID = "lock_contention"
	NoWorkersCycle      ID = "no_workers_cycle"
	NoCommitsLongRun    ID = "no_commits_long_run"
	DuplicateLoopGroups ID = "duplicate_loop_groups"
	Healthy             ID = "healthy"

	// NotificationTest is used only by test notifications.
	NotificationTest ID = "notification_test"
)

// NotifiableIDs lists the alert ids a notification config may enable, in
// canonical order.
var NotifiableIDs = []string{
	string(RunStalled),
	string(LockContention),
	string(NoWorkersCycle),
	string(NoCommitsLongRun),
	string(DuplicateLoopGroups),
	string(Healthy),
}

// DefaultEnabledIDs is NotifiableIDs without healthy.
var DefaultEnabledIDs = []string{
	string(RunStalled),
	string(LockContention),
	string(NoWorkersCycle),
	string(NoCommitsLongRun),
	string(DuplicateLoopGroups),
}

// AutopilotIDs lists the alert ids the autopilot may react to, in
// canonical order.
var AutopilotIDs = []string{
	string(RunStalled),
	string(LockContention),
	string(DuplicateLoopGroups),
	string(NoWorkersCycle),
	string(NoCommitsLongRun),
}

// Alert is one derived condition.
type Alert struct {
	ID       ID       `json:"id"`
	Severity Severity `json:"severity"`
	RunID    string   `json:"run_id"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail"`
}

// Key identifies an alert occurrence for cooldown purposes. Alerts with the
// same id but different detail text are distinct occurrences.
func (a Alert) Key() string {
	return a.RunID + "|" + string(a.ID) + "|" + a.Detail
}

// Thresholds tune the rules in Derive. The lock ratio values are heuristic
// defaults and may be overridden from configuration.
type Thresholds struct {
	StallMinutes          int     `json:"alert_stall_minutes" yaml:"stall_minutes"`
	NoCommitMinutes       int     `json:"alert_no_commit_minutes" yaml:"no_commit_minutes"`
	LockSkipThreshold     int     `json:"alert_lock_skip_threshold" yaml:"lock_skip_threshold"`
	LockRatio             float64 `json:"alert_lock_ratio" yaml:"lock_ratio"`
	LockRatioMinDecisions int     `json:"alert_lock_ratio_min_decisions" yaml:"lock_ratio_min_decisions"`
}

// DefaultThresholds returns 15m stall, 60m no-commit, 25 lock skips and a
// 0.7 skip ratio over at least 5 decisions.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StallMinutes:          15,
		NoCommitMinutes:       60,
		LockSkipThreshold:     25,
		LockRatio:             0.7,
		LockRatioMinDecisions: 5,
	}
}

// Normalize clamps counts to at least one and fills a missing ratio.
func (t Thresholds) Normalize() Thresholds {
	t.StallMinutes = atLeastOne(t.StallMinutes)
	t.NoCommitMinutes = atLeastOne(t.NoCommitMinutes)
	t.LockSkipThreshold = atLeastOne(t.LockSkipThreshold)
	t.LockRatioMinDecisions = atLeastOne(t.LockRatioMinDecisions)
	if t.LockRatio <= 0 || t.LockRatio > 1 {
		t.LockRatio = DefaultThresholds().LockRatio
	}
	return t
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Derive evaluates the run rules against an effective summary (see
// runs.Summary.Effective). Runs that are not online yield no alerts; an
// online run with nothing to report yields exactly one healthy alert.
func Derive(run runs.Summary, commitCount int, th Thresholds, now time.Time) []Alert {
	if !run.RunOnline {
		return nil
	}
	th = th.Normalize()

	var out []Alert
	if idle, ok := idleSeconds(run, now); ok && idle >= th.StallMinutes*60 {
		out = append(out, Alert{
			ID:       RunStalled,
			Severity: SeverityCritical,
			RunID:    run.RunID,
			Title:    "Run appears stalled",
			Detail:   fmt.Sprintf("No structured events for %dm while state=%s.", idle/60, run.State),
		})
	}

	var cycleSpawned, cycleSkipped int
	if q := run.LatestCycleQueue; q != nil {
		cycleSpawned, cycleSkipped = q.Spawned, q.SkippedLock
	}
	decisions := cycleSpawned + cycleSkipped
	ratio := 0.0
	if decisions > 0 {
		ratio = float64(cycleSkipped) / float64(decisions)
	}
	if run.ReposSkippedLock >= th.LockSkipThreshold || (decisions >= th.LockRatioMinDecisions && ratio >= th.LockRatio) {
		out = append(out, Alert{
			ID:       LockContention,
			Severity: SeverityWarn,
			RunID:    run.RunID,
			Title:    "High lock contention",
			Detail:   fmt.Sprintf("skip_lock=%d total; latest cycle skip ratio=%.0f%%.", run.ReposSkippedLock, ratio*100),
		})
	}

	if run.NoWorkersEvents > 0 {
		out = append(out, Alert{
			ID:       NoWorkersCycle,
			Severity: SeverityWarn,
			RunID:    run.RunID,
			Title:    "Cycle had no runnable repos",
			Detail:   fmt.Sprintf("Detected %d NO_WORKERS events in this run.", run.NoWorkersEvents),
		})
	}

	if run.DurationSeconds >= th.NoCommitMinutes*60 && commitCount == 0 {
		out = append(out, Alert{
			ID:       NoCommitsLongRun,
			Severity: SeverityWarn,
			RunID:    run.RunID,
			Title:    "No commits in long-running run",
			Detail:   fmt.Sprintf("Run duration is %dm with no commit lines detected.", run.DurationSeconds/60),
		})
	}

	if len(out) == 0 {
		out = append(out, HealthyAlert(run.RunID))
	}
	return out
}

// HealthyAlert is the synthetic ok alert.
func HealthyAlert(runID string) Alert {
	return Alert{
		ID:       Healthy,
		Severity: SeverityOK,
		RunID:    runID,
		Title:    "No active alerts",
		Detail:   "Reactor telemetry looks healthy for the selected thresholds.",
	}
}

// idleSeconds measures time since the most recent of the last event and
// the status file update. It reports false when neither timestamp parses.
func idleSeconds(run runs.Summary, now time.Time) (int, bool) {
	var latest time.Time
	found := false
	for _, raw := range []string{run.LastTS, run.UpdatedAt} {
		if t, ok := timeutil.ParseISO(raw); ok && (!found || t.After(latest)) {
			latest, found = t, true
		}
	}
	if !found {
		return 0, false
	}
	idle := int(now.Sub(latest) / time.Second)
	if idle < 0 {
		idle = 0
	}
	return idle, true
}

// DuplicateGroups returns the split-brain alert when more than one loop
// process group is alive. It does not depend on the run being online.
func DuplicateGroups(runID string, loopProcesses, loopGroups int) (Alert, bool) {
	if loopGroups <= 1 {
		return Alert{}, false
	}
	return Alert{
		ID:       DuplicateLoopGroups,
		Severity: SeverityCritical,
		RunID:    runID,
		Title:    "Multiple loop groups active",
		Detail:   fmt.Sprintf("%d run_clone_loop.sh processes across %d process groups.", loopProcesses, loopGroups),
	}, true
}

// Merge adds the duplicate-group alert to the list, dropping healthy and
// avoiding a second duplicate entry.
func Merge(list []Alert, dup Alert) []Alert {
	out := make([]Alert, 0, len(list)+1)
	present := false
	for _, a := range list {
		if a.ID == Healthy {
			continue
		}
		if a.ID == DuplicateLoopGroups {
			present = true
		}
		out = append(out, a)
	}
	if !present {
		out = append(out, dup)
	}
	return out
}

// Has reports whether id is present in list.
func Has(list []Alert, id ID) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}
