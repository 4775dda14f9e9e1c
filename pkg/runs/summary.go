// Package runs reconstructs per-run summaries from the status and event
// files that worker loops write under the logs directory.
package runs

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sarveshkapre/clone/pkg/timeutil"
)

var (
	runStatusPattern  = regexp.MustCompile(`run-(\d{8}-\d{6})-status\.txt$`)
	cyclePattern      = regexp.MustCompile(`^--- Cycle (\d+) ---$`)
	repoFieldPattern  = regexp.MustCompile(`\brepo=([^ ]+)`)
	reasonPattern     = regexp.MustCompile(`\breason=([^ ]+)`)
	cycleQueuePattern = regexp.MustCompile(`^CYCLE_QUEUE cycle=(\d+) repos_seen=(\d+) spawned=(\d+) skipped_lock=(\d+)$`)
	lockSweepPattern  = regexp.MustCompile(`^LOCK_SWEEP cycle=(\d+) cleared=(\d+)$`)
	noWorkersPattern  = regexp.MustCompile(`^NO_WORKERS cycle=(\d+)$`)
)

// Repository lifecycle labels recorded in Summary.RepoStates.
const (
	RepoStarting = "starting"
	RepoRunning  = "running"
	RepoEnded    = "ended"
	RepoNoChange = "no_change"

	// SkipReasonLock is the SKIP reason counted as lock contention.
	SkipReasonLock = "repo_lock_active"
)

// Event is one structured record from a run's event log.
type Event struct {
	TS      string `json:"ts"`
	Message string `json:"message"`
}

// CycleQueue is the most recent CYCLE_QUEUE marker of a run.
type CycleQueue struct {
	Cycle       int `json:"cycle"`
	ReposSeen   int `json:"repos_seen"`
	Spawned     int `json:"spawned"`
	SkippedLock int `json:"skipped_lock"`
}

// LockSweep is the most recent LOCK_SWEEP marker of a run.
type LockSweep struct {
	Cycle   int `json:"cycle"`
	Cleared int `json:"cleared"`
}

// Summary aggregates a run's status file and event log.
//
// State holds the worker-written state until Effective reconciles it with
// process liveness; StateRaw always keeps the written value.
type Summary struct {
	RunID           string `json:"run_id"`
	PID             int    `json:"pid"`
	RunStartedAt    string `json:"run_started_at,omitempty"`
	State           string `json:"state"`
	StateRaw        string `json:"state_raw"`
	PIDAlive        bool   `json:"pid_alive"`
	RunOnline       bool   `json:"run_online"`
	UpdatedAt       string `json:"updated_at"`
	StatusRunLog    string `json:"status_run_log"`
	StatusEventsLog string `json:"status_events_log"`
	FirstTS         string `json:"first_ts,omitempty"`
	LastTS          string `json:"last_ts,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`

	CyclesSeen           int               `json:"cycles_seen"`
	LatestCycle          int               `json:"latest_cycle"`
	ReposStarted         int               `json:"repos_started"`
	ReposRunning         int               `json:"repos_running"`
	ReposEnded           int               `json:"repos_ended"`
	ReposNoChange        int               `json:"repos_no_change"`
	ReposChangedEst      int               `json:"repos_changed_est"`
	ReposSkippedLock     int               `json:"repos_skipped_lock"`
	SpawnedWorkers       int               `json:"spawned_workers"`
	LatestCycleQueue     *CycleQueue       `json:"latest_cycle_queue"`
	LatestLockSweep      *LockSweep        `json:"latest_lock_sweep"`
	NoWorkersEvents      int               `json:"no_workers_events"`
	LatestNoWorkersCycle int               `json:"latest_no_workers_cycle"`
	RepoStates           map[string]string `json:"repo_states"`
}

// Tally folds events, in log order, into the counters of s. Messages that
// match no known marker are ignored.
func (s *Summary) Tally(events []Event) {
	if s.RepoStates == nil {
		s.RepoStates = make(map[string]string)
	}
	for _, ev := range events {
		s.apply(ev.Message)
	}
	s.ReposChangedEst = s.ReposEnded - s.ReposNoChange
	if s.ReposChangedEst < 0 {
		s.ReposChangedEst = 0
	}

	if len(events) == 0 {
		return
	}
	s.FirstTS = events[0].TS
	s.LastTS = events[len(events)-1].TS
	first, okFirst := timeutil.ParseISO(s.FirstTS)
	last, okLast := timeutil.ParseISO(s.LastTS)
	if okFirst && okLast {
		if d := int(last.Sub(first).Seconds()); d > 0 {
			s.DurationSeconds = d
		}
	}
}

func (s *Summary) apply(message string) {
	if m := cyclePattern.FindStringSubmatch(message); m != nil {
		s.CyclesSeen++
		if n := atoi(m[1]); n > s.LatestCycle {
			s.LatestCycle = n
		}
		return
	}

	switch {
	case strings.HasPrefix(message, "START repo="):
		s.ReposStarted++
		s.setRepoState(message, RepoStarting)
		return
	case strings.HasPrefix(message, "RUN repo="):
		s.ReposRunning++
		s.setRepoState(message, RepoRunning)
		return
	case strings.HasPrefix(message, "END repo="):
		s.ReposEnded++
		if repo := repoField(message); repo != "" && s.RepoStates[repo] != RepoNoChange {
			s.RepoStates[repo] = RepoEnded
		}
		return
	case strings.HasPrefix(message, "NO_CHANGE repo="):
		s.ReposNoChange++
		s.setRepoState(message, RepoNoChange)
		return
	case strings.HasPrefix(message, "SPAWN cycle="):
		s.SpawnedWorkers++
		return
	case strings.HasPrefix(message, "SKIP repo="):
		reason := "unknown"
		if m := reasonPattern.FindStringSubmatch(message); m != nil {
			reason = m[1]
		}
		if reason == SkipReasonLock {
			s.ReposSkippedLock++
		}
		s.setRepoState(message, "skipped:"+reason)
		return
	}

	if m := cycleQueuePattern.FindStringSubmatch(message); m != nil {
		s.LatestCycleQueue = &CycleQueue{
			Cycle:       atoi(m[1]),
			ReposSeen:   atoi(m[2]),
			Spawned:     atoi(m[3]),
			SkippedLock: atoi(m[4]),
		}
		return
	}
	if m := lockSweepPattern.FindStringSubmatch(message); m != nil {
		s.LatestLockSweep = &LockSweep{Cycle: atoi(m[1]), Cleared: atoi(m[2])}
		return
	}
	if m := noWorkersPattern.FindStringSubmatch(message); m != nil {
		s.NoWorkersEvents++
		if n := atoi(m[1]); n > s.LatestNoWorkersCycle {
			s.LatestNoWorkersCycle = n
		}
	}
}

func (s *Summary) setRepoState(message, state string) {
	if repo := repoField(message); repo != "" {
		s.RepoStates[repo] = state
	}
}

func repoField(message string) string {
	if m := repoFieldPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// EffectiveState reconciles a worker-written state with process liveness.
// A dead pid turns a running or starting claim into "stopped".
func EffectiveState(state string, pidAlive bool) string {
	raw := strings.TrimSpace(state)
	if raw == "" {
		raw = "unknown"
	}
	if !pidAlive && (strings.HasPrefix(raw, "running") || raw == "starting") {
		return "stopped"
	}
	return raw
}

// IsOnline reports whether an effective state counts as an active run.
func IsOnline(effective string) bool {
	return strings.HasPrefix(effective, "running") || effective == "starting"
}

// Effective returns a copy of s with State, PIDAlive and RunOnline
// reconciled against alive.
func (s Summary) Effective(alive func(pid int) bool) Summary {
	out := s
	if out.StateRaw == "" {
		out.StateRaw = s.State
	}
	out.PIDAlive = s.PID > 0 && alive != nil && alive(s.PID)
	out.State = EffectiveState(out.StateRaw, out.PIDAlive)
	out.RunOnline = IsOnline(out.State)
	return out
}

// RunIDFromStatusFile extracts the run id from a status file name.
func RunIDFromStatusFile(name string) (string, bool) {
	m := runStatusPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
