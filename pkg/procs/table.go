package procs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"golang.org/x/sys/unix"
)

// psTimeout bounds each ps invocation.
const psTimeout = 5 * time.Second

// Process is one row of the OS process table.
type Process struct {
	PID     int    `json:"pid"`
	PGID    int    `json:"pgid"`
	Etimes  int    `json:"etimes"`
	Command string `json:"command"`
}

// Table is the OS process and signal interface used by the controller.
type Table interface {
	// List returns every process. Failures degrade to an empty list.
	List(ctx context.Context) []Process
	Alive(pid int) bool
	// Command returns the command line of pid, or "" when unknown.
	Command(ctx context.Context, pid int) string
	Getpgid(pid int) (int, error)
	SignalGroup(pgid int, sig unix.Signal) error
	Signal(pid int, sig unix.Signal) error
}

// SystemTable returns the Table backed by ps and kill(2).
func SystemTable() Table {
	return unixTable{}
}

type unixTable struct{}

func (unixTable) List(ctx context.Context) []Process {
	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,pgid=,etime=,command=").Output()
	if err != nil {
		return nil
	}
	return ParsePS(string(out))
}

func (unixTable) Alive(pid int) bool {
	return runs.ProcessAlive(pid)
}

func (unixTable) Command(ctx context.Context, pid int) string {
	if pid <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (unixTable) Getpgid(pid int) (int, error) {
	return unix.Getpgid(pid)
}

func (unixTable) SignalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}
	return unix.Kill(-pgid, sig)
}

func (unixTable) Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return unix.Kill(pid, sig)
}

// ParsePS parses "pid pgid etime command..." rows. Malformed rows are
// skipped.
func ParsePS(output string) []Process {
	var out []Process
	for _, line := range strings.Split(output, "\n") {
		fields, rest := leadingFields(strings.TrimSpace(line), 3)
		if len(fields) < 3 || rest == "" {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		pgid, _ := strconv.Atoi(fields[1])
		out = append(out, Process{
			PID:     pid,
			PGID:    pgid,
			Etimes:  timeutil.ParseEtime(fields[2]),
			Command: rest,
		})
	}
	return out
}

// leadingFields splits off n whitespace separated fields and returns the
// remainder with its internal spacing intact.
func leadingFields(s string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	for len(fields) < n {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			return fields, ""
		}
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			fields = append(fields, s)
			return fields, ""
		}
		fields = append(fields, s[:end])
		s = s[end:]
	}
	return fields, strings.TrimSpace(s)
}

// filterLoops keeps processes whose command contains signature, sorted
// newest first (smallest elapsed time, then pid).
func filterLoops(all []Process, signature string) []Process {
	var loops []Process
	for _, p := range all {
		if p.PID > 0 && strings.Contains(p.Command, signature) {
			loops = append(loops, p)
		}
	}
	sort.SliceStable(loops, func(i, j int) bool {
		if loops[i].Etimes != loops[j].Etimes {
			return loops[i].Etimes < loops[j].Etimes
		}
		return loops[i].PID < loops[j].PID
	})
	return loops
}

// signalPID signals the group led by pid, falling back to pid alone for
// processes that do not lead a group.
func signalPID(t Table, pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	groupErr := t.SignalGroup(pid, sig)
	if groupErr == nil {
		return nil
	}
	pidErr := t.Signal(pid, sig)
	if pidErr == nil || errors.Is(pidErr, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("group signal failed: %v; pid signal failed: %w", groupErr, pidErr)
}
