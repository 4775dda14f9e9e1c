package runs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sarveshkapre/clone/pkg/coerce"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/redact"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"golang.org/x/sys/unix"
)

// ErrRunNotFound is returned when a run id has no status file.
var ErrRunNotFound = errors.New("run not found")

// Paths are the files belonging to one run.
type Paths struct {
	Status string
	Events string
	RunLog string
}

type cacheKey struct {
	statusMtime int64
	eventsMtime int64
}

type cacheEntry struct {
	key     cacheKey
	summary Summary
}

// Aggregator builds run summaries from the logs directory. Summaries are
// cached per run and invalidated when either file's mtime changes.
type Aggregator struct {
	logsDir string

	// PIDAlive reports OS process liveness; tests replace it.
	PIDAlive func(pid int) bool
	// Redactor masks secrets in served run log tails.
	Redactor *redact.Redactor

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewAggregator creates an aggregator over logsDir.
func NewAggregator(logsDir string) *Aggregator {
	return &Aggregator{
		logsDir:  logsDir,
		PIDAlive: ProcessAlive,
		Redactor: redact.FromEnv(),
		cache:    make(map[string]cacheEntry),
	}
}

// LogsDir returns the directory the aggregator reads.
func (a *Aggregator) LogsDir() string {
	return a.logsDir
}

// Paths returns the status, event and run log paths for runID.
func (a *Aggregator) Paths(runID string) Paths {
	return Paths{
		Status: filepath.Join(a.logsDir, fmt.Sprintf("run-%s-status.txt", runID)),
		Events: filepath.Join(a.logsDir, fmt.Sprintf("run-%s-events.log", runID)),
		RunLog: filepath.Join(a.logsDir, fmt.Sprintf("run-%s.log", runID)),
	}
}

// Summarize returns the summary of runID. Missing or partially written
// files produce zero aggregates rather than an error.
func (a *Aggregator) Summarize(runID string) Summary {
	paths := a.Paths(runID)
	key := cacheKey{
		statusMtime: fsutil.ModTimeNano(paths.Status),
		eventsMtime: fsutil.ModTimeNano(paths.Events),
	}

	a.mu.Lock()
	if entry, ok := a.cache[runID]; ok && entry.key == key {
		a.mu.Unlock()
		return entry.summary
	}
	a.mu.Unlock()

	status := fsutil.ReadKeyValueFile(paths.Status)
	state := status["state"]
	if state == "" {
		state = "unknown"
	}
	summary := Summary{
		RunID:           runID,
		PID:             coerce.Int(status["pid"], 0),
		State:           state,
		StateRaw:        state,
		UpdatedAt:       status["updated_at"],
		StatusRunLog:    status["run_log"],
		StatusEventsLog: status["events_log"],
	}
	if started, ok := timeutil.ParseRunID(runID); ok {
		summary.RunStartedAt = timeutil.FormatISO(started)
	}
	summary.Tally(LoadEvents(paths.Events))

	a.mu.Lock()
	a.cache[runID] = cacheEntry{key: key, summary: summary}
	a.mu.Unlock()

	return summary
}

// Lookup is Summarize for caller-supplied ids: it fails with
// ErrRunNotFound when the run has no status file.
func (a *Aggregator) Lookup(runID string) (Summary, error) {
	if _, ok := timeutil.ParseRunID(runID); !ok || !fsutil.Exists(a.Paths(runID).Status) {
		return Summary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return a.Summarize(runID), nil
}

// ListRuns summarizes up to limit runs, most recently modified status
// file first.
func (a *Aggregator) ListRuns(limit int) []Summary {
	if limit < 1 {
		limit = 1
	}
	ids := a.runIDs()
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.Summarize(id))
	}
	return out
}

// Count returns the number of runs with a status file.
func (a *Aggregator) Count() int {
	return len(a.runIDs())
}

// Latest returns the most recently modified run.
func (a *Aggregator) Latest() (Summary, bool) {
	list := a.ListRuns(1)
	if len(list) == 0 {
		return Summary{}, false
	}
	return list[0], true
}

// LatestEffective returns the latest run reconciled with process liveness.
func (a *Aggregator) LatestEffective() (Summary, bool) {
	s, ok := a.Latest()
	if !ok {
		return Summary{}, false
	}
	return s.Effective(a.PIDAlive), true
}

// Effective reconciles s with the aggregator's liveness check.
func (a *Aggregator) Effective(s Summary) Summary {
	return s.Effective(a.PIDAlive)
}

func (a *Aggregator) runIDs() []string {
	matches, err := filepath.Glob(filepath.Join(a.logsDir, "run-*-status.txt"))
	if err != nil {
		return nil
	}
	type entry struct {
		id    string
		mtime int64
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		id, ok := RunIDFromStatusFile(filepath.Base(path))
		if !ok {
			continue
		}
		entries = append(entries, entry{id: id, mtime: fsutil.ModTimeNano(path)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mtime != entries[j].mtime {
			return entries[i].mtime > entries[j].mtime
		}
		return entries[i].id > entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// LatestEvents returns the decodable events among the last limit lines of
// the run's event log.
func (a *Aggregator) LatestEvents(runID string, limit int) []Event {
	if limit < 1 {
		limit = 1
	}
	var events []Event
	for _, line := range fsutil.TailLines(a.Paths(runID).Events, limit) {
		if ev, ok := decodeEvent(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// RepoCandidates returns the sorted set of repo= names seen in the run.
func (a *Aggregator) RepoCandidates(runID string) []string {
	seen := make(map[string]bool)
	for _, ev := range LoadEvents(a.Paths(runID).Events) {
		if repo := repoField(ev.Message); repo != "" {
			seen[repo] = true
		}
	}
	out := make([]string, 0, len(seen))
	for repo := range seen {
		out = append(out, repo)
	}
	sort.Strings(out)
	return out
}

// RunStarted prefers the status file's run_started_at and falls back to
// the timestamp encoded in the run id.
func (a *Aggregator) RunStarted(runID string) (time.Time, bool) {
	paths := a.Paths(runID)
	if !fsutil.Exists(paths.Status) {
		return time.Time{}, false
	}
	if t, ok := timeutil.ParseISO(fsutil.ReadKeyValueFile(paths.Status)["run_started_at"]); ok {
		return t, true
	}
	return timeutil.ParseRunID(runID)
}

// LoadEvents reads every decodable event from path in log order. Blank,
// partial and malformed lines are skipped.
func LoadEvents(path string) []Event {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	skipped := 0
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if ev, ok := decodeEvent(line); ok {
				events = append(events, ev)
			} else {
				skipped++
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("event log read stopped early", "path", path, "error", err)
			}
			break
		}
	}
	if skipped > 0 {
		log.Debug("skipped undecodable event lines", "path", path, "count", skipped)
	}
	return events
}

func decodeEvent(line string) (Event, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return Event{}, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Event{}, false
	}
	return Event{
		TS:      coerce.String(payload["ts"]),
		Message: coerce.String(payload["message"]),
	}, true
}

// ProcessAlive reports whether pid names a live process. EPERM means the
// process exists but belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
