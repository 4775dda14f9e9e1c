package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/gorilla/websocket"
	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/notify"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/vcs"
	"golang.org/x/sys/unix"
)

const (
	testRunID = "20260102-030405"
	loopCmd   = "/bin/bash /clone/scripts/run_clone_loop.sh"
)

// stubTable is an in-memory process table; signals remove processes.
type stubTable struct {
	mu    sync.Mutex
	procs map[int]procs.Process
}

func newStubTable(list ...procs.Process) *stubTable {
	t := &stubTable{procs: make(map[int]procs.Process)}
	for _, p := range list {
		t.procs[p.PID] = p
	}
	return t
}

// List mirrors the system table: a cancelled context lists nothing.
func (t *stubTable) List(ctx context.Context) []procs.Process {
	if ctx.Err() != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]procs.Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

func (t *stubTable) Alive(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

func (t *stubTable) Command(_ context.Context, pid int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid].Command
}

func (t *stubTable) Getpgid(pid int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return 0, unix.ESRCH
	}
	return p.PGID, nil
}

func (t *stubTable) SignalGroup(pgid int, _ unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	for pid, p := range t.procs {
		if p.PGID == pgid {
			delete(t.procs, pid)
			found = true
		}
	}
	if !found {
		return unix.ESRCH
	}
	return nil
}

func (t *stubTable) Signal(pid int, _ unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return unix.ESRCH
	}
	delete(t.procs, pid)
	return nil
}

type stubLauncher struct{ calls int }

func (l *stubLauncher) Launch(procs.LaunchSpec) (int, error) {
	l.calls++
	return 5151, nil
}

type webhookSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p notify.Payload
	_ = json.NewDecoder(r.Body).Decode(&p)
	s.mu.Lock()
	s.kinds = append(s.kinds, string(p.Alert.ID))
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kinds)
}

type fixture struct {
	srv      *Server
	table    *stubTable
	launcher *stubLauncher
	sink     *webhookSink
	audit    *audit.Memory
	logs     string
}

func newFixture(t *testing.T, list ...procs.Process) *fixture {
	t.Helper()
	root := t.TempDir()
	logs := filepath.Join(root, "logs")
	if err := os.MkdirAll(filepath.Join(root, "scripts"), 0755); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(logs, 0755)
	os.WriteFile(filepath.Join(root, "scripts", "run_clone_loop.sh"), []byte("#!/bin/sh\nexit 0\n"), 0755)
	reposFile := filepath.Join(root, "repos.runtime.yaml")
	os.WriteFile(reposFile, []byte("repos:\n  - name: api\n    path: /code/api\n"), 0644)

	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	t.Cleanup(hook.Close)

	table := newStubTable(list...)
	launcher := &stubLauncher{}
	rec := &audit.Memory{}
	agg := runs.NewAggregator(logs)
	agg.PIDAlive = table.Alive
	cat := catalog.New(reposFile)
	ctrl := procs.New(procs.Config{
		CloneRoot:    root,
		LogsDir:      logs,
		Table:        table,
		Launcher:     launcher,
		PollInterval: 10 * time.Millisecond,
	}, agg, cat)
	env := map[string]string{
		"CLONE_NOTIFY_ENABLED":     "true",
		"CLONE_NOTIFY_WEBHOOK_URL": hook.URL,
	}
	snap := &Snapshotter{
		CloneRoot: root,
		ReposFile: reposFile,
		Runs:      agg,
		Catalog:   cat,
		Control:   ctrl,
		Notifier:  notify.New(logs, notify.Options{Getenv: func(k string) string { return env[k] }, Audit: rec}),
		Agent:     autopilot.New(logs, ctrl, rec),
		Commits:   vcs.NewQuerier(),
	}
	srv, err := New(Config{Port: 18787, Audit: rec}, snap)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{srv: srv, table: table, launcher: launcher, sink: sink, audit: rec, logs: logs}
}

// writeStalledRun writes an online run whose last activity was two hours
// ago.
func (f *fixture) writeStalledRun(t *testing.T, pid int) {
	t.Helper()
	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	status := "pid: " + strconv.Itoa(pid) + "\nstate: running\nupdated_at: " + old + "\n"
	if err := os.WriteFile(filepath.Join(f.logs, "run-"+testRunID+"-status.txt"), []byte(status), 0644); err != nil {
		t.Fatal(err)
	}
	line, _ := json.Marshal(runs.Event{TS: old, Message: "--- Cycle 1 ---"})
	os.WriteFile(filepath.Join(f.logs, "run-"+testRunID+"-events.log"), append(line, '\n'), 0644)
	os.WriteFile(filepath.Join(f.logs, "run-"+testRunID+".log"), []byte("[main abc1234] fix flaky test\nother output\n"), 0644)
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func alertIDs(list []alerts.Alert) map[alerts.ID]bool {
	out := make(map[alerts.ID]bool)
	for _, a := range list {
		out[a.ID] = true
	}
	return out
}

func splitLoops() []procs.Process {
	return []procs.Process{
		{PID: 100, PGID: 100, Etimes: 600, Command: loopCmd},
		{PID: 200, PGID: 200, Etimes: 30, Command: loopCmd},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", nil)
	var resp HealthResponse
	decode(t, w, &resp)
	if w.Code != http.StatusOK || !resp.OK || resp.Time == "" {
		t.Fatalf("unexpected health response %d %+v", w.Code, resp)
	}
	if w := f.do(t, http.MethodGet, "/api/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d, want 404", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/control/start", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on a POST route = %d, want 405", w.Code)
	}
}

func TestSnapshotComposesAlertsAndDelivers(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	f.writeStalledRun(t, 100)

	w := f.do(t, http.MethodGet, "/api/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status %d", w.Code)
	}
	var snap Snapshot
	decode(t, w, &snap)

	if snap.LatestRun == nil || snap.LatestRun.RunID != testRunID || !snap.LatestRun.RunOnline {
		t.Fatalf("unexpected latest run %+v", snap.LatestRun)
	}
	if !snap.Overview.ReactorOnline || snap.Overview.RunsTotal != 1 || snap.Overview.ReposTotal != 1 {
		t.Fatalf("unexpected overview %+v", snap.Overview)
	}
	ids := alertIDs(snap.Alerts)
	if !ids[alerts.RunStalled] || !ids[alerts.DuplicateLoopGroups] || ids[alerts.Healthy] {
		t.Fatalf("unexpected alerts %+v", snap.Alerts)
	}
	if snap.ControlStatus.LoopGroupsCount != 2 || !snap.ControlStatus.MultipleLoopsDetected {
		t.Fatalf("unexpected control status %+v", snap.ControlStatus)
	}
	if len(snap.RunCommits) != 1 || snap.RunCommits[0].Hash != "abc1234" {
		t.Fatalf("unexpected run commits %+v", snap.RunCommits)
	}
	if snap.NotificationDelivery == nil || snap.NotificationDelivery.Sent != 2 {
		t.Fatalf("expected two deliveries, got %+v", snap.NotificationDelivery)
	}
	if f.sink.count() != 2 {
		t.Fatalf("webhook received %d posts, want 2", f.sink.count())
	}
	if snap.AgentTick == nil || snap.AgentTick.Reason != autopilot.ReasonDisabled {
		t.Fatalf("expected a disabled autopilot tick, got %+v", snap.AgentTick)
	}
	if len(snap.AgentStatus.Plan) == 0 || snap.AgentStatus.Plan[0].Action != autopilot.ActionNormalize {
		t.Fatalf("expected normalize at the head of the plan, got %+v", snap.AgentStatus.Plan)
	}

	// Cooldown suppresses the second delivery; side_effects=0 skips it.
	w = f.do(t, http.MethodGet, "/api/snapshot", nil)
	decode(t, w, &snap)
	if snap.NotificationDelivery.Sent != 0 || f.sink.count() != 2 {
		t.Fatalf("cooldown should suppress repeats, got %+v", snap.NotificationDelivery)
	}
	w = f.do(t, http.MethodGet, "/api/snapshot?side_effects=0", nil)
	var quiet Snapshot
	decode(t, w, &quiet)
	if quiet.NotificationDelivery != nil || quiet.AgentTick != nil {
		t.Fatal("side effects must be skipped when disabled")
	}
}

func TestSnapshotWithoutRuns(t *testing.T) {
	f := newFixture(t)
	var snap Snapshot
	decode(t, f.do(t, http.MethodGet, "/api/snapshot?side_effects=0", nil), &snap)
	if snap.LatestRun != nil || len(snap.Alerts) != 0 || snap.Overview.ReactorOnline {
		t.Fatalf("expected an empty snapshot, got %+v", snap)
	}
	if snap.Alerts == nil || snap.RunHistory == nil {
		t.Fatal("lists should encode as empty arrays")
	}
}

func TestRunDetails(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	f.writeStalledRun(t, 100)

	w := f.do(t, http.MethodGet, "/api/runs/"+testRunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run details status %d: %s", w.Code, w.Body.String())
	}
	var details RunDetails
	decode(t, w, &details)
	if details.Run.RunID != testRunID || len(details.RunLogTail.Lines) != 2 {
		t.Fatalf("unexpected details %+v", details)
	}
	if len(details.RunCommitsDetailed) != 1 || details.RunCommitsDetailed[0].Repo != vcs.UnknownRepo {
		t.Fatalf("expected an unresolved commit, got %+v", details.RunCommitsDetailed)
	}
	if !alertIDs(details.Alerts)[alerts.RunStalled] {
		t.Fatalf("expected a stall alert, got %+v", details.Alerts)
	}

	for _, id := range []string{"20990101-000000", "bogus"} {
		if w := f.do(t, http.MethodGet, "/api/runs/"+id, nil); w.Code != http.StatusNotFound {
			t.Fatalf("run %s = %d, want 404", id, w.Code)
		}
	}
	if w := f.do(t, http.MethodGet, "/api/runs/"+testRunID+"/log?run_log_limit=1", nil); w.Code != http.StatusOK {
		t.Fatalf("run log status %d", w.Code)
	} else {
		var tail runs.LogTail
		decode(t, w, &tail)
		if len(tail.Lines) != 1 || tail.Lines[0] != "other output" {
			t.Fatalf("unexpected tail %+v", tail)
		}
	}

	var list RunsResponse
	decode(t, f.do(t, http.MethodGet, "/api/runs", nil), &list)
	if list.Total != 1 || len(list.Runs) != 1 || !list.Runs[0].PIDAlive {
		t.Fatalf("unexpected run list %+v", list)
	}
}

func TestControlEndpoints(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	f.writeStalledRun(t, 100)

	w := f.do(t, http.MethodPost, "/api/control/start", map[string]interface{}{})
	var start procs.StartResult
	decode(t, w, &start)
	if w.Code != http.StatusConflict || start.OK || !start.ControlStatus.Active {
		t.Fatalf("start over an active run should conflict, got %d %+v", w.Code, start)
	}

	w = f.do(t, http.MethodPost, "/api/control/start", map[string]interface{}{"repos": []string{"missing"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown repo selection = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/control/normalize", nil)
	var norm procs.NormalizeResult
	decode(t, w, &norm)
	if w.Code != http.StatusOK || !norm.OK || norm.KeptGroup != 100 || norm.ControlStatus.LoopGroupsCount != 1 {
		t.Fatalf("unexpected normalize %d %+v", w.Code, norm)
	}

	var status ControlStatusResponse
	decode(t, f.do(t, http.MethodGet, "/api/control/status", nil), &status)
	if status.ControlStatus.MultipleLoopsDetected {
		t.Fatal("groups should be collapsed")
	}

	kinds := strings.Join(f.audit.Kinds(), ",")
	if !strings.Contains(kinds, "control") {
		t.Fatalf("control actions should be audited, got %s", kinds)
	}
}

func TestControlStopNothingRunning(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/control/stop", map[string]interface{}{"force": true})
	var stop procs.StopResult
	decode(t, w, &stop)
	if w.Code != http.StatusConflict || stop.OK || stop.Error == "" {
		t.Fatalf("unexpected stop %d %+v", w.Code, stop)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/notifications/config", map[string]interface{}{
		"cooldown_seconds": "5",
		"min_severity":     "critical",
	})
	var cfg NotifyConfigResponse
	decode(t, w, &cfg)
	if !cfg.OK || cfg.Config.CooldownSeconds != 30 || cfg.Config.MinSeverity != alerts.SeverityCritical {
		t.Fatalf("unexpected config %+v", cfg)
	}

	w = f.do(t, http.MethodPost, "/api/notifications/test", map[string]interface{}{"message": "hello"})
	var test NotifyTestResponse
	decode(t, w, &test)
	if w.Code != http.StatusOK || !test.OK || f.sink.count() != 1 {
		t.Fatalf("unexpected test send %d %+v", w.Code, test)
	}

	var events NotifyEventsResponse
	decode(t, f.do(t, http.MethodGet, "/api/notifications/events?limit=5", nil), &events)
	if len(events.Events) != 1 || events.Status.EventsCount != 1 {
		t.Fatalf("unexpected events %+v", events)
	}

	f.do(t, http.MethodPost, "/api/notifications/config", map[string]interface{}{"webhook_url": ""})
	if w := f.do(t, http.MethodPost, "/api/notifications/test", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("test without webhook = %d, want 400", w.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	f.writeStalledRun(t, 100)

	var cfg AgentConfigResponse
	decode(t, f.do(t, http.MethodPost, "/api/agent/config", map[string]interface{}{"enabled": "yes", "interval_seconds": 5}), &cfg)
	if !cfg.Config.Enabled || cfg.Config.IntervalSeconds != 30 {
		t.Fatalf("unexpected agent config %+v", cfg.Config)
	}

	w := f.do(t, http.MethodPost, "/api/agent/run-next", nil)
	var next AgentRunResponse
	decode(t, w, &next)
	if w.Code != http.StatusOK || !next.Executed || next.Step == nil || next.Step.Key != "normalize_loops" {
		t.Fatalf("unexpected run-next %d %+v", w.Code, next)
	}
	if f.table.Alive(200) || !f.table.Alive(100) {
		t.Fatal("normalize should stop only the newer group")
	}
	if len(next.AgentStatus.State.RecentActions) != 1 {
		t.Fatalf("expected one recorded action, got %+v", next.AgentStatus.State)
	}

	var status AgentStatusResponse
	decode(t, f.do(t, http.MethodGet, "/api/agent/status", nil), &status)
	if status.ControlStatus.LoopGroupsCount != 1 || len(status.Plan) == 0 {
		t.Fatalf("unexpected agent status %+v", status)
	}

	w = f.do(t, http.MethodPost, "/api/agent/tick", nil)
	var tick AgentRunResponse
	decode(t, w, &tick)
	if tick.Reason != autopilot.ReasonIntervalNotReached {
		t.Fatalf("tick right after an action should wait for the interval, got %+v", tick.RunResult)
	}
}

func TestAgentRunPlanStops(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/agent/run-plan", map[string]interface{}{"max_steps": 3})
	var plan AgentPlanResponse
	decode(t, w, &plan)
	if w.Code != http.StatusConflict || plan.OK || len(plan.ExecutedSteps) != 0 || plan.StoppedReason == "" {
		t.Fatalf("an idle fleet has nothing to execute, got %d %+v", w.Code, plan)
	}
}

func TestAgentRunPlanReplansBetweenSteps(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	w := f.do(t, http.MethodPost, "/api/agent/run-plan", map[string]interface{}{"max_steps": 8})
	var plan AgentPlanResponse
	decode(t, w, &plan)
	normalizes := 0
	for _, e := range plan.ExecutedSteps {
		if e.Step != nil && e.Step.Key == "normalize_loops" {
			normalizes++
		}
	}
	if normalizes != 1 || len(plan.ExecutedSteps) == 0 || !plan.ExecutedSteps[0].OK {
		t.Fatalf("one split-brain needs exactly one normalize, got %d %+v", w.Code, plan)
	}
	if f.table.Alive(100) == f.table.Alive(200) {
		t.Fatal("exactly one loop group should survive")
	}
}

func TestControlActionsOutliveClientDisconnect(t *testing.T) {
	f := newFixture(t, splitLoops()...)
	f.writeStalledRun(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/control/normalize", strings.NewReader(`{}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var norm procs.NormalizeResult
	decode(t, w, &norm)
	if !norm.OK || norm.KeptGroup != 100 || len(norm.StoppedGroups) != 1 || norm.StoppedGroups[0] != 200 {
		t.Fatalf("normalize should run to completion, got %d %+v", w.Code, norm)
	}
	if f.table.Alive(200) {
		t.Fatal("group 200 should have been stopped")
	}
}

func TestReposAndDiagnostics(t *testing.T) {
	f := newFixture(t)
	var repos ReposResponse
	decode(t, f.do(t, http.MethodGet, "/api/repos", nil), &repos)
	if len(repos.Repos) != 1 || repos.Repos[0].Name != "api" || repos.Repos[0].HasGit {
		t.Fatalf("unexpected repos %+v", repos)
	}

	var diag DiagnosticsResponse
	decode(t, f.do(t, http.MethodGet, "/api/diagnostics", nil), &diag)
	if diag.Server.PID != os.Getpid() || !diag.ScriptFound || !diag.ReposFileFound {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}
	if filepath.Base(diag.Paths.AuditLog) != audit.FileName {
		t.Fatalf("unexpected audit path %s", diag.Paths.AuditLog)
	}
}

func TestPollInterval(t *testing.T) {
	f := newFixture(t)
	cases := map[string]time.Duration{
		"":    5 * time.Second,
		"0.2": time.Second,
		"2":   2 * time.Second,
		"600": 60 * time.Second,
		"abc": 5 * time.Second,
		"1.5": 1500 * time.Millisecond,
	}
	for raw, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/stream?poll="+raw, nil)
		if got := f.srv.pollInterval(req); got != want {
			t.Errorf("poll=%q: got %v, want %v", raw, got, want)
		}
	}
}

func TestEnvelopeStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream?poll=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var cursors []string
	for len(cursors) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env struct {
			Topic   string   `json:"topic"`
			Type    string   `json:"type"`
			Cursor  string   `json:"cursor"`
			Payload Snapshot `json:"payload"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if env.Topic != "system" || env.Type != "snapshot" || env.Payload.GeneratedAt == "" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		cursors = append(cursors, env.Cursor)
	}
	if cursors[0] != "1" || cursors[1] != "2" {
		t.Fatalf("cursors should increase, got %v", cursors)
	}
	cancel()
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if env.Topic != "system" || env.Cursor != "1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestStartRejectsSecondServer(t *testing.T) {
	f := newFixture(t)
	held := flock.New(filepath.Join(f.logs, LockFile))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("failed to take the lock: %v", err)
	}
	defer held.Unlock()

	err := f.srv.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestNewRejectsBadPort(t *testing.T) {
	if _, err := New(Config{Port: 70000}, &Snapshotter{}); err == nil {
		t.Fatal("expected an error for an out of range port")
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected an error without a snapshotter")
	}
}
