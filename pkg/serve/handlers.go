package serve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/autopilot"
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/coerce"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/notify"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

// actionTimeout bounds a detached control or autopilot action.
const actionTimeout = 3 * time.Minute

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	OK   bool   `json:"ok"`
	Time string `json:"time"`
}

// ErrorResponse is the body of every non-2xx reply that has no richer
// payload.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// RunsResponse is returned by /api/runs.
type RunsResponse struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	Runs        []runs.Summary `json:"runs"`
}

// RepoInfo is one catalog entry annotated with checkout presence.
type RepoInfo struct {
	catalog.Entry
	HasGit bool `json:"has_git"`
}

// ReposResponse is returned by /api/repos.
type ReposResponse struct {
	GeneratedAt string     `json:"generated_at"`
	ReposFile   string     `json:"repos_file"`
	Repos       []RepoInfo `json:"repos"`
}

// ControlStatusResponse is returned by /api/control/status.
type ControlStatusResponse struct {
	ControlStatus procs.Status `json:"control_status"`
}

// NotifyConfigResponse is returned by the notification config endpoints.
type NotifyConfigResponse struct {
	OK     bool          `json:"ok"`
	Config notify.Config `json:"config"`
	Status notify.Status `json:"status"`
}

// NotifyEventsResponse is returned by /api/notifications/events.
type NotifyEventsResponse struct {
	Events []notify.Event `json:"events"`
	Status notify.Status  `json:"status"`
}

// NotifyTestResponse is returned by /api/notifications/test.
type NotifyTestResponse struct {
	notify.TestResult
	Status notify.Status `json:"status"`
}

// AgentConfigResponse is returned by the autopilot config endpoints.
type AgentConfigResponse struct {
	OK     bool                    `json:"ok"`
	Config autopilot.Config        `json:"config"`
	Status autopilot.StatusPayload `json:"status"`
}

// AgentStatusResponse is returned by /api/agent/status.
type AgentStatusResponse struct {
	autopilot.StatusPayload
	ControlStatus procs.Status `json:"control_status"`
}

// AgentRunResponse is returned by run-next and tick.
type AgentRunResponse struct {
	autopilot.RunResult
	AgentStatus autopilot.StatusPayload `json:"agent_status"`
}

// AgentPlanResponse is returned by run-plan.
type AgentPlanResponse struct {
	autopilot.PlanResult
	AgentStatus autopilot.StatusPayload `json:"agent_status"`
}

// ServerInfo describes the running server process.
type ServerInfo struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
	Addr      string `json:"addr"`
	GoVersion string `json:"go_version"`
}

// DiagnosticPaths lists the files the control plane reads and writes.
type DiagnosticPaths struct {
	CloneRoot    string `json:"clone_root"`
	LogsDir      string `json:"logs_dir"`
	ReposFile    string `json:"repos_file"`
	Script       string `json:"script"`
	AuditLog     string `json:"audit_log"`
	ManagedState string `json:"managed_state"`
}

// DiagnosticsResponse is returned by /api/diagnostics.
type DiagnosticsResponse struct {
	GeneratedAt    string          `json:"generated_at"`
	Server         ServerInfo      `json:"server"`
	Paths          DiagnosticPaths `json:"paths"`
	ReposFileFound bool            `json:"repos_file_exists"`
	ScriptFound    bool            `json:"script_exists"`
	ControlStatus  procs.Status    `json:"control_status"`
	LatestRun      *runs.Summary   `json:"latest_run"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// readBody decodes a JSON object body. Missing, oversized or malformed
// bodies read as an empty object.
func readBody(r *http.Request) map[string]interface{} {
	out := map[string]interface{}{}
	if r.Body == nil {
		return out
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func statusFor(ok bool, failure int) int {
	if ok {
		return http.StatusOK
	}
	return failure
}

func (s *Server) snapshotOptions(r *http.Request) SnapshotOptions {
	return DefaultSnapshotOptions(s.cfg.Thresholds).WithQuery(r.URL.Query())
}

// bodySnapshotOptions reads threshold overrides from a POST body.
func (s *Server) bodySnapshotOptions(body map[string]interface{}) SnapshotOptions {
	opts := DefaultSnapshotOptions(s.cfg.Thresholds)
	opts.EventLimit = 240
	opts.Thresholds.StallMinutes = coerce.Int(body["alert_stall_minutes"], opts.Thresholds.StallMinutes)
	opts.Thresholds.NoCommitMinutes = coerce.Int(body["alert_no_commit_minutes"], opts.Thresholds.NoCommitMinutes)
	opts.Thresholds.LockSkipThreshold = coerce.Int(body["alert_lock_skip_threshold"], opts.Thresholds.LockSkipThreshold)
	opts.Thresholds = opts.Thresholds.Normalize()
	return opts
}

func (s *Server) recordControl(action string, ok bool, errText string) {
	s.audit.Record("control", map[string]interface{}{"action": action, "ok": ok, "error": errText})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Time: timeutil.FormatISO(s.now())})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sideEffects := r.URL.Query().Get("side_effects") != "0"
	writeJSON(w, http.StatusOK, s.snap.Build(r.Context(), s.snapshotOptions(r), sideEffects))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := coerce.Clamp(coerce.Int(r.URL.Query().Get("limit"), 50), 1, 500)
	list := s.snap.Runs.ListRuns(limit)
	out := make([]runs.Summary, 0, len(list))
	for _, run := range list {
		out = append(out, s.snap.Runs.Effective(run))
	}
	writeJSON(w, http.StatusOK, RunsResponse{
		GeneratedAt: timeutil.FormatISO(s.now()),
		Total:       s.snap.Runs.Count(),
		Runs:        out,
	})
}

func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	q := r.URL.Query()
	opts := DefaultDetailOptions(s.snapshotOptions(r).Thresholds)
	opts.CommitLimit = coerce.Int(q.Get("commit_limit"), opts.CommitLimit)
	opts.RunLogLimit = coerce.Int(q.Get("run_log_limit"), opts.RunLogLimit)
	opts.EventLimit = coerce.Int(q.Get("event_limit"), opts.EventLimit)

	details, err := s.snap.RunDetails(r.Context(), runID, opts)
	if IsNotFound(err) {
		writeError(w, http.StatusNotFound, "run not found: "+runID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	limit := coerce.Clamp(coerce.Int(r.URL.Query().Get("run_log_limit"), 220), 1, 500)
	tail, ok := s.snap.Runs.RunLogTail(runID, limit)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found: "+runID)
		return
	}
	writeJSON(w, http.StatusOK, tail)
}

func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	withGit := s.snap.Catalog.Git()
	entries := s.snap.Catalog.Entries()
	out := make([]RepoInfo, 0, len(entries))
	for _, e := range entries {
		_, has := withGit[e.Name]
		out = append(out, RepoInfo{Entry: e, HasGit: has})
	}
	writeJSON(w, http.StatusOK, ReposResponse{
		GeneratedAt: timeutil.FormatISO(s.now()),
		ReposFile:   s.snap.Catalog.Path(),
		Repos:       out,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var latest *runs.Summary
	if run, ok := s.snap.Runs.LatestEffective(); ok {
		latest = &run
	}
	logsDir := s.snap.Runs.LogsDir()
	control := s.snap.Control
	writeJSON(w, http.StatusOK, DiagnosticsResponse{
		GeneratedAt: timeutil.FormatISO(s.now()),
		Server: ServerInfo{
			PID:       os.Getpid(),
			StartedAt: timeutil.FormatISO(s.startedAt),
			Addr:      s.server.Addr,
			GoVersion: runtime.Version(),
		},
		Paths: DiagnosticPaths{
			CloneRoot:    s.snap.CloneRoot,
			LogsDir:      logsDir,
			ReposFile:    s.snap.Catalog.Path(),
			Script:       control.Script(),
			AuditLog:     filepath.Join(logsDir, audit.FileName),
			ManagedState: control.ManagedStatePath(),
		},
		ReposFileFound: fsutil.Exists(s.snap.Catalog.Path()),
		ScriptFound:    fsutil.Exists(control.Script()),
		ControlStatus:  control.Status(r.Context()),
		LatestRun:      latest,
	})
}

// actionContext detaches a control action from its request so a client
// disconnect cannot cut a stop wait short or hide the loop processes.
func actionContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), actionTimeout)
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ControlStatusResponse{ControlStatus: s.snap.Control.Status(r.Context())})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := procs.ParseStartRequest(readBody(r), s.snap.Catalog.Entries())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, procs.StartResult{Error: err.Error(), ControlStatus: s.snap.Control.Status(r.Context())})
		return
	}
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result, err := s.snap.Control.Start(ctx, req)
	if err != nil {
		log.Warn("start failed", "error", err)
	}
	s.recordControl("start", result.OK, result.Error)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result, err := s.snap.Control.Stop(ctx, procs.ParseStopRequest(readBody(r)))
	if err != nil {
		log.Warn("stop failed", "error", err)
	}
	s.recordControl("stop", result.OK, result.Error)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), result)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	req, err := procs.ParseRestartRequest(readBody(r), s.snap.Catalog.Entries())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, procs.RestartResult{Error: err.Error(), ControlStatus: s.snap.Control.Status(r.Context())})
		return
	}
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result, err := s.snap.Control.Restart(ctx, req)
	if err != nil {
		log.Warn("restart failed", "error", err)
	}
	s.recordControl("restart", result.OK, result.Error)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), result)
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result, err := s.snap.Control.Normalize(ctx, procs.ParseNormalizeRequest(readBody(r)))
	if err != nil {
		log.Warn("normalize failed", "error", err)
	}
	s.recordControl("normalize", result.OK, result.Error)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), result)
}

func (s *Server) handleNotifyConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NotifyConfigResponse{
		OK:     true,
		Config: s.snap.Notifier.Config(),
		Status: s.snap.Notifier.Status(),
	})
}

func (s *Server) handleNotifyConfigUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.snap.Notifier.UpdateConfig(readBody(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NotifyConfigResponse{OK: true, Config: cfg, Status: s.snap.Notifier.Status()})
}

func (s *Server) handleNotifyEvents(w http.ResponseWriter, r *http.Request) {
	limit := coerce.Int(r.URL.Query().Get("limit"), 50)
	writeJSON(w, http.StatusOK, NotifyEventsResponse{
		Events: s.snap.Notifier.RecentEvents(limit),
		Status: s.snap.Notifier.Status(),
	})
}

func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	result := s.snap.Notifier.SendTest(r.Context(), coerce.String(body["message"]), coerce.String(body["severity"]))
	writeJSON(w, statusFor(result.OK, http.StatusBadRequest), NotifyTestResponse{
		TestResult: result,
		Status:     s.snap.Notifier.Status(),
	})
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AgentConfigResponse{
		OK:     true,
		Config: s.snap.Agent.Config(),
		Status: s.snap.Agent.Status(nil),
	})
}

func (s *Server) handleAgentConfigUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.snap.Agent.UpdateConfig(readBody(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, AgentConfigResponse{OK: true, Config: cfg, Status: s.snap.Agent.Status(nil)})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snap.Build(r.Context(), s.snapshotOptions(r), false)
	writeJSON(w, http.StatusOK, AgentStatusResponse{
		StatusPayload: snap.AgentStatus,
		ControlStatus: snap.ControlStatus,
	})
}

func (s *Server) handleAgentRunNext(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	snap := s.snap.Build(r.Context(), s.bodySnapshotOptions(body), false)
	view := snap.AutopilotView()
	source := coerce.String(body["source"])
	if source == "" {
		source = autopilot.SourceManual
	}
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result := s.snap.Agent.RunNext(ctx, view, source)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), AgentRunResponse{
		RunResult:   result,
		AgentStatus: s.snap.Agent.Status(&view),
	})
}

func (s *Server) handleAgentRunPlan(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	opts := s.bodySnapshotOptions(body)
	source := coerce.String(body["source"])
	if source == "" {
		source = autopilot.SourceManual
	}
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	refresh := func(ctx context.Context) autopilot.Snapshot {
		return s.snap.Build(ctx, opts, false).AutopilotView()
	}
	result := s.snap.Agent.RunPlan(ctx, refresh, source, coerce.Int(body["max_steps"], 2))
	view := refresh(ctx)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), AgentPlanResponse{
		PlanResult:  result,
		AgentStatus: s.snap.Agent.Status(&view),
	})
}

func (s *Server) handleAgentTick(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	snap := s.snap.Build(r.Context(), s.bodySnapshotOptions(body), false)
	view := snap.AutopilotView()
	ctx, cancel := actionContext(r.Context())
	defer cancel()
	result := s.snap.Agent.Tick(ctx, view)
	writeJSON(w, statusFor(result.OK, http.StatusConflict), AgentRunResponse{
		RunResult:   result,
		AgentStatus: s.snap.Agent.Status(&view),
	})
}
