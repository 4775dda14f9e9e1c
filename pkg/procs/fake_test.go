package procs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fakeTable is an in-memory process table. Processes listed in stubborn
// ignore SIGTERM.
type fakeTable struct {
	mu       sync.Mutex
	procs    map[int]Process
	stubborn map[int]bool
	signals  []string
}

func newFakeTable(procs ...Process) *fakeTable {
	t := &fakeTable{procs: make(map[int]Process), stubborn: make(map[int]bool)}
	for _, p := range procs {
		t.procs[p.PID] = p
	}
	return t
}

func (t *fakeTable) List(context.Context) []Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

func (t *fakeTable) Alive(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

func (t *fakeTable) Command(_ context.Context, pid int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid].Command
}

func (t *fakeTable) Getpgid(pid int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return 0, unix.ESRCH
	}
	return p.PGID, nil
}

func (t *fakeTable) SignalGroup(pgid int, sig unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	for pid, p := range t.procs {
		if p.PGID != pgid {
			continue
		}
		found = true
		t.deliver(pid, sig)
	}
	t.signals = append(t.signals, "group:"+strconv.Itoa(pgid)+":"+sig.String())
	if !found {
		return unix.ESRCH
	}
	return nil
}

func (t *fakeTable) Signal(pid int, sig unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, "pid:"+strconv.Itoa(pid)+":"+sig.String())
	if _, ok := t.procs[pid]; !ok {
		return unix.ESRCH
	}
	t.deliver(pid, sig)
	return nil
}

func (t *fakeTable) deliver(pid int, sig unix.Signal) {
	if sig == unix.SIGTERM && t.stubborn[pid] {
		return
	}
	delete(t.procs, pid)
}

func (t *fakeTable) signalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.signals)
}

// fakeClock advances only when the controller sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type fakeLauncher struct {
	pid   int
	err   error
	specs []LaunchSpec
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (int, error) {
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return 0, l.err
	}
	return l.pid, nil
}

var errLaunch = errors.New("exec format error")
