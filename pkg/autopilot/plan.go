package autopilot

import (
	"sort"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/procs"
)

// Action is the kind of remediation a step performs.
type Action string

const (
	ActionNormalize Action = "normalize_loops"
	ActionRestart   Action = "restart_run"
	ActionObserve   Action = "observe"
)

// Step is one candidate remediation.
type Step struct {
	Key      string `json:"key"`
	Action   Action `json:"action"`
	Label    string `json:"label"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
	SafeAuto bool   `json:"safe_auto_allowed"`
}

// Snapshot is the observed state a plan is built from.
type Snapshot struct {
	Alerts        []alerts.Alert `json:"alerts"`
	ControlStatus procs.Status   `json:"control_status"`
}

func (s Snapshot) multipleGroups() bool {
	return s.ControlStatus.MultipleLoopsDetected || s.ControlStatus.LoopGroupsCount > 1
}

var (
	stepNormalize = Step{
		Key:      "normalize_loops",
		Action:   ActionNormalize,
		Label:    "Normalize duplicate loop groups",
		Reason:   "Multiple loop process groups are active.",
		Priority: 100,
		SafeAuto: true,
	}
	stepRestart = Step{
		Key:      "restart_run",
		Action:   ActionRestart,
		Label:    "Restart stalled run",
		Reason:   "Latest run appears stalled with no fresh events.",
		Priority: 95,
		SafeAuto: true,
	}
	stepNormalizeLocks = Step{
		Key:      "normalize_for_lock_contention",
		Action:   ActionNormalize,
		Label:    "Normalize loops to reduce lock contention",
		Reason:   "High lock contention with multiple loop groups.",
		Priority: 90,
		SafeAuto: true,
	}
	stepObserveNoCommits = Step{
		Key:      "observe_no_commits",
		Action:   ActionObserve,
		Label:    "Inspect long run without commits",
		Reason:   "No commits in long run usually needs manual inspection.",
		Priority: 55,
	}
	stepObserveNoWorkers = Step{
		Key:      "observe_no_workers",
		Action:   ActionObserve,
		Label:    "Observe no-worker cycles",
		Reason:   "No-worker cycles typically need repo/runtime investigation.",
		Priority: 50,
	}
	stepMonitorOnly = Step{
		Key:      "monitor_only",
		Action:   ActionObserve,
		Label:    "No immediate action",
		Reason:   "No executable high-priority agent actions detected.",
		Priority: 10,
	}
)

// BuildPlan returns the candidate steps for snap, highest priority first
// and unique by key. It always returns at least the monitor_only step.
func BuildPlan(snap Snapshot, cfg Config) []Step {
	fired := func(id alerts.ID) bool { return alerts.Has(snap.Alerts, id) && cfg.allows(id) }
	multiple := snap.multipleGroups()

	var steps []Step
	if multiple && cfg.allows(alerts.DuplicateLoopGroups) {
		steps = append(steps, stepNormalize)
	}
	if fired(alerts.RunStalled) {
		steps = append(steps, stepRestart)
	}
	if fired(alerts.LockContention) && multiple {
		steps = append(steps, stepNormalizeLocks)
	}
	if fired(alerts.NoWorkersCycle) {
		steps = append(steps, stepObserveNoWorkers)
	}
	if fired(alerts.NoCommitsLongRun) {
		steps = append(steps, stepObserveNoCommits)
	}
	if len(steps) == 0 {
		steps = append(steps, stepMonitorOnly)
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Priority > steps[j].Priority })
	seen := make(map[string]bool, len(steps))
	out := steps[:0]
	for _, s := range steps {
		if seen[s.Key] {
			continue
		}
		seen[s.Key] = true
		out = append(out, s)
	}
	return out
}
