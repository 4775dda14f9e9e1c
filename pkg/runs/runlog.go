package runs

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/sarveshkapre/clone/pkg/fsutil"
)

// runLogScanLines bounds how far back CommitLines looks in a run log.
const runLogScanLines = 12000

var commitLinePattern = regexp.MustCompile(`^\[[^\]]+ ([0-9a-f]{7,40})\] (.+)$`)

// CommitLine is a commit recovered from "[branch abc1234] subject" output
// in a run log.
type CommitLine struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
}

// ParseCommitLine matches a single run log line.
func ParseCommitLine(line string) (CommitLine, bool) {
	m := commitLinePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return CommitLine{}, false
	}
	return CommitLine{Hash: m[1], Subject: strings.TrimSpace(m[2])}, true
}

// CommitLines returns up to limit distinct commits from the tail of the
// run log, oldest first. When a hash repeats, the latest line wins.
func (a *Aggregator) CommitLines(runID string, limit int) []CommitLine {
	lines := fsutil.TailLines(a.Paths(runID).RunLog, runLogScanLines)
	seen := make(map[string]bool)
	var commits []CommitLine
	for i := len(lines) - 1; i >= 0 && len(commits) < limit; i-- {
		c, ok := ParseCommitLine(lines[i])
		if !ok || seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		commits = append(commits, c)
	}
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits
}

// CommitHashes scans the whole run log and returns each distinct commit in
// order of first appearance.
func (a *Aggregator) CommitHashes(runID string) []CommitLine {
	f, err := os.Open(a.Paths(runID).RunLog)
	if err != nil {
		return nil
	}
	defer f.Close()

	seen := make(map[string]bool)
	var commits []CommitLine
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if c, ok := ParseCommitLine(line); ok && !seen[c.Hash] {
			seen[c.Hash] = true
			commits = append(commits, c)
		}
		if err != nil {
			break
		}
	}
	return commits
}

// CommitCount is the number of distinct commits in the run log.
func (a *Aggregator) CommitCount(runID string) int {
	return len(a.CommitHashes(runID))
}

// LogTail is the tail of a run's free-text log plus the paths recorded in
// its status file.
type LogTail struct {
	RunID           string   `json:"run_id"`
	Lines           []string `json:"run_log_lines"`
	LineCount       int      `json:"run_log_line_count"`
	StatusRunLog    string   `json:"status_run_log"`
	StatusEventsLog string   `json:"status_events_log"`
	RunStartedAt    string   `json:"run_started_at"`
	EventsPath      string   `json:"events_path"`
	RunLogPath      string   `json:"run_log_path"`
}

// RunLogTail returns the last limit run log lines. It reports false when
// either the status file or the run log is missing.
func (a *Aggregator) RunLogTail(runID string, limit int) (LogTail, bool) {
	paths := a.Paths(runID)
	if !fsutil.Exists(paths.Status) || !fsutil.Exists(paths.RunLog) {
		return LogTail{}, false
	}
	if limit < 1 {
		limit = 1
	}
	status := fsutil.ReadKeyValueFile(paths.Status)
	lines := a.Redactor.Lines(fsutil.TailLines(paths.RunLog, limit))
	return LogTail{
		RunID:           runID,
		Lines:           lines,
		LineCount:       len(lines),
		StatusRunLog:    status["run_log"],
		StatusEventsLog: status["events_log"],
		RunStartedAt:    status["run_started_at"],
		EventsPath:      paths.Events,
		RunLogPath:      paths.RunLog,
	}, true
}
