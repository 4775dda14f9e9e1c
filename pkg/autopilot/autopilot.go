// Package autopilot plans and executes bounded corrective actions against
// the worker loop under a persisted policy.
package autopilot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

const (
	configFile = "control-plane-agent-config.json"
	stateFile  = "control-plane-agent-state.json"

	maxActions  = 500
	maxPlanSize = 40
	maxRunSteps = 8

	normalizeWait = 8
	restartWait   = 12
)

// Sources of a RunNext call.
const (
	SourceManual    = "manual"
	SourceAutopilot = "autopilot"
)

// Skip and outcome reasons.
const (
	ReasonDisabled           = "disabled"
	ReasonIntervalNotReached = "interval_not_reached"
	ReasonSingleLoopGroup    = "single_loop_group"
	ReasonNormalizeLimited   = "normalize_rate_limited"
	ReasonRunNotActive       = "run_not_active"
	ReasonRestartLimited     = "restart_rate_limited"
	ReasonNonExecutable      = "non_executable_action"
	ReasonNoRunnableStep     = "no_runnable_step"
	ReasonExecuted           = "executed"
	ReasonActionFailed       = "action_failed"
	ReasonActionInProgress   = "action_in_progress"
)

// Event statuses.
const (
	StatusSent    = "sent"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// ActionEvent is one recorded outcome.
type ActionEvent struct {
	ID     string `json:"id"`
	TS     string `json:"ts"`
	Source string `json:"source"`
	Status string `json:"status"`
	Action Action `json:"action"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
	OK     bool   `json:"ok"`
}

// State is the persisted autopilot history.
type State struct {
	LastTickAt    string        `json:"last_tick_at"`
	LastActionAt  string        `json:"last_action_at"`
	LastActionKey string        `json:"last_action_key"`
	RecentActions []ActionEvent `json:"recent_actions"`
	LastPlan      []Step        `json:"last_plan"`
}

// Actuator performs the executable actions.
type Actuator interface {
	Normalize(ctx context.Context, req procs.NormalizeRequest) (procs.NormalizeResult, error)
	Restart(ctx context.Context, req procs.RestartRequest) (procs.RestartResult, error)
}

// RunResult is the outcome of RunNext or Tick.
type RunResult struct {
	OK       bool         `json:"ok"`
	Executed bool         `json:"executed"`
	Reason   string       `json:"reason,omitempty"`
	Step     *Step        `json:"step,omitempty"`
	Event    *ActionEvent `json:"event,omitempty"`
	Result   interface{}  `json:"result,omitempty"`
	Plan     []Step       `json:"plan,omitempty"`
	Config   *Config      `json:"config,omitempty"`
	State    *State       `json:"state,omitempty"`
}

// ExecutedStep is one entry of a plan run.
type ExecutedStep struct {
	OK    bool         `json:"ok"`
	Step  *Step        `json:"step"`
	Event *ActionEvent `json:"event"`
}

// PlanResult is the outcome of RunPlan.
type PlanResult struct {
	OK            bool           `json:"ok"`
	ExecutedSteps []ExecutedStep `json:"executed_steps"`
	StoppedReason string         `json:"stopped_reason"`
	Last          interface{}    `json:"last"`
}

// StatusPayload reports policy, history and the current plan.
type StatusPayload struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
	Plan   []Step `json:"plan"`
}

// Manager owns the autopilot config and state files. Each public call
// holds the lock for its own duration only.
type Manager struct {
	configPath string
	statePath  string

	actuator Actuator
	audit    audit.Recorder
	now      func() time.Time

	mu       sync.Mutex
	inFlight bool
}

// New creates a manager storing its files in logsDir.
func New(logsDir string, act Actuator, rec audit.Recorder) *Manager {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Manager{
		configPath: filepath.Join(logsDir, configFile),
		statePath:  filepath.Join(logsDir, stateFile),
		actuator:   act,
		audit:      rec,
		now:        time.Now,
	}
}

// Config returns the effective policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadConfig()
}

// UpdateConfig applies a partial update and persists the result.
func (m *Manager) UpdateConfig(raw map[string]interface{}) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := Sanitize(raw, m.loadConfig())
	if err := fsutil.WriteJSONAtomic(m.configPath, updated); err != nil {
		return updated, fmt.Errorf("failed to save autopilot config: %w", err)
	}
	log.Info("autopilot config updated", "enabled", updated.Enabled, "mode", updated.Mode)
	return updated, nil
}

func (m *Manager) loadConfig() Config {
	var raw map[string]interface{}
	fsutil.ReadJSON(m.configPath, &raw)
	return Sanitize(raw, DefaultConfig())
}

func (m *Manager) loadState() State {
	var st State
	if !fsutil.ReadJSON(m.statePath, &st) {
		st = State{}
	}
	if st.RecentActions == nil {
		st.RecentActions = []ActionEvent{}
	}
	if len(st.RecentActions) > maxActions {
		st.RecentActions = st.RecentActions[len(st.RecentActions)-maxActions:]
	}
	if st.LastPlan == nil {
		st.LastPlan = []Step{}
	}
	if len(st.LastPlan) > maxPlanSize {
		st.LastPlan = st.LastPlan[:maxPlanSize]
	}
	return st
}

func (m *Manager) saveState(st State) {
	if err := fsutil.WriteJSONAtomic(m.statePath, st); err != nil {
		log.Warn("failed to save autopilot state", "error", err)
	}
}

func (m *Manager) record(st *State, e ActionEvent) ActionEvent {
	e.ID = uuid.NewString()
	st.RecentActions = append(st.RecentActions, e)
	if len(st.RecentActions) > maxActions {
		st.RecentActions = st.RecentActions[len(st.RecentActions)-maxActions:]
	}
	m.audit.Record("autopilot", e)
	return e
}

func setPlan(st *State, plan []Step) {
	if len(plan) > maxPlanSize {
		plan = plan[:maxPlanSize]
	}
	st.LastPlan = plan
}

// actionsInLastHour counts recorded events for action in the trailing
// hour, whatever their outcome.
func (m *Manager) actionsInLastHour(st State, action Action) int {
	now := m.now()
	count := 0
	for _, e := range st.RecentActions {
		if e.Action != action {
			continue
		}
		ts, ok := timeutil.ParseISO(e.TS)
		if !ok {
			continue
		}
		if now.Sub(ts) <= time.Hour {
			count++
		}
	}
	return count
}

// canExecute checks the preconditions and rate limit of step.
func (m *Manager) canExecute(step Step, snap Snapshot, cfg Config, st State) (bool, string) {
	switch step.Action {
	case ActionNormalize:
		if snap.ControlStatus.LoopGroupsCount <= 1 {
			return false, ReasonSingleLoopGroup
		}
		if m.actionsInLastHour(st, ActionNormalize) >= cfg.MaxNormalizesPerHour {
			return false, ReasonNormalizeLimited
		}
		return true, ""
	case ActionRestart:
		if !snap.ControlStatus.Active {
			return false, ReasonRunNotActive
		}
		if m.actionsInLastHour(st, ActionRestart) >= cfg.MaxRestartsPerHour {
			return false, ReasonRestartLimited
		}
		return true, ""
	default:
		return false, ReasonNonExecutable
	}
}

// chooseStep returns the first runnable step. Under autopilot in safe mode
// steps not marked safe are passed over. A rate limit stops the search.
func (m *Manager) chooseStep(plan []Step, snap Snapshot, cfg Config, st State, source string) (*Step, string) {
	for i := range plan {
		step := plan[i]
		if source == SourceAutopilot && cfg.Mode != ModeAssertive && !step.SafeAuto {
			continue
		}
		ok, reason := m.canExecute(step, snap, cfg, st)
		if ok {
			return &step, ""
		}
		if reason == ReasonNormalizeLimited || reason == ReasonRestartLimited {
			return nil, reason
		}
	}
	return nil, ReasonNoRunnableStep
}

func (m *Manager) execute(ctx context.Context, step Step) (bool, string, interface{}) {
	switch step.Action {
	case ActionNormalize:
		res, err := m.actuator.Normalize(ctx, procs.NormalizeRequest{Force: true, WaitSeconds: normalizeWait})
		return res.OK && err == nil, errorText(res.Error, err), res
	case ActionRestart:
		res, err := m.actuator.Restart(ctx, procs.RestartRequest{WaitSeconds: restartWait})
		return res.OK && err == nil, errorText(res.Error, err), res
	default:
		return false, "unsupported_action", nil
	}
}

func errorText(text string, err error) string {
	if text != "" {
		return text
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// RunNext plans against snap and attempts the single highest-priority
// eligible step, recording one outcome event either way. The lock is
// released while the actuator runs; only one step may be in flight.
func (m *Manager) RunNext(ctx context.Context, snap Snapshot, source string) RunResult {
	if source == "" {
		source = SourceManual
	}
	logger := log.With("component", "autopilot", "source", source)

	m.mu.Lock()
	cfg := m.loadConfig()
	st := m.loadState()
	plan := BuildPlan(snap, cfg)
	setPlan(&st, plan)
	st.LastTickAt = timeutil.FormatISO(m.now())

	var step *Step
	reason := ReasonActionInProgress
	if !m.inFlight {
		step, reason = m.chooseStep(plan, snap, cfg, st, source)
	}
	if step == nil {
		event := m.record(&st, ActionEvent{
			TS:     st.LastTickAt,
			Source: source,
			Status: StatusSkipped,
			Reason: reason,
			Detail: "No runnable step selected.",
		})
		m.saveState(st)
		m.mu.Unlock()
		logger.Debugw("autopilot skipped", "reason", reason)
		return RunResult{Reason: reason, Event: &event, Plan: plan, Config: &cfg, State: &st}
	}
	m.inFlight = true
	m.saveState(st)
	m.mu.Unlock()

	ok, failure, result := m.execute(ctx, *step)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	st = m.loadState()
	nowISO := timeutil.FormatISO(m.now())
	st.LastTickAt = nowISO
	st.LastActionAt = nowISO
	st.LastActionKey = step.Key

	event := ActionEvent{
		TS:     nowISO,
		Source: source,
		Status: StatusSent,
		Action: step.Action,
		Label:  step.Label,
		Reason: ReasonExecuted,
		Detail: step.Reason,
		OK:     ok,
	}
	if !ok {
		event.Status = StatusError
		event.Reason = failure
		if event.Reason == "" {
			event.Reason = ReasonActionFailed
		}
		logger.Warnw("autopilot action failed", "action", step.Action, "reason", event.Reason)
	} else {
		logger.Infow("autopilot action executed", "action", step.Action)
	}
	event = m.record(&st, event)
	m.saveState(st)
	return RunResult{
		OK:       ok,
		Executed: true,
		Step:     step,
		Event:    &event,
		Result:   result,
		Plan:     plan,
		Config:   &cfg,
		State:    &st,
	}
}

// RunPlan chains up to maxSteps RunNext calls, clamped to [1,8], stopping
// at the first step that was not executed or failed. Each step plans
// against a fresh snapshot from refresh.
func (m *Manager) RunPlan(ctx context.Context, refresh func(context.Context) Snapshot, source string, maxSteps int) PlanResult {
	if maxSteps < 1 {
		maxSteps = 1
	}
	if maxSteps > maxRunSteps {
		maxSteps = maxRunSteps
	}
	executed := []ExecutedStep{}
	allOK := func() bool {
		if len(executed) == 0 {
			return false
		}
		for _, e := range executed {
			if !e.OK {
				return false
			}
		}
		return true
	}

	for i := 0; i < maxSteps; i++ {
		if ctx.Err() != nil {
			return PlanResult{OK: allOK(), ExecutedSteps: executed, StoppedReason: ctx.Err().Error()}
		}
		res := m.RunNext(ctx, refresh(ctx), source)
		if !res.Executed {
			return PlanResult{OK: allOK(), ExecutedSteps: executed, StoppedReason: res.Reason, Last: res}
		}
		executed = append(executed, ExecutedStep{OK: res.OK, Step: res.Step, Event: res.Event})
		if !res.OK {
			break
		}
	}
	var last interface{}
	if len(executed) > 0 {
		last = executed[len(executed)-1]
	}
	return PlanResult{OK: allOK(), ExecutedSteps: executed, Last: last}
}

// Tick runs one autopilot evaluation when enabled and the interval since
// the last tick has elapsed.
func (m *Manager) Tick(ctx context.Context, snap Snapshot) RunResult {
	m.mu.Lock()
	cfg := m.loadConfig()
	st := m.loadState()
	m.mu.Unlock()

	if !cfg.Enabled {
		return RunResult{OK: true, Reason: ReasonDisabled}
	}
	if last, ok := timeutil.ParseISO(st.LastTickAt); ok {
		if m.now().Sub(last) < time.Duration(cfg.IntervalSeconds)*time.Second {
			return RunResult{OK: true, Reason: ReasonIntervalNotReached}
		}
	}
	return m.RunNext(ctx, snap, SourceAutopilot)
}

// Status returns policy and history. With a snapshot the plan is rebuilt
// and stored; otherwise the last stored plan is returned.
func (m *Manager) Status(snap *Snapshot) StatusPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.loadConfig()
	st := m.loadState()
	plan := st.LastPlan
	if snap != nil {
		plan = BuildPlan(*snap, cfg)
		setPlan(&st, plan)
		m.saveState(st)
	}
	return StatusPayload{Config: cfg, State: st, Plan: plan}
}
