// Package notify delivers alerts to an operator webhook with per-alert
// cooldowns and keeps a bounded delivery history.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/procs"
	"github.com/sarveshkapre/clone/pkg/redact"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

const (
	webhookTimeout = 8 * time.Second
	userAgent      = "clone-control-plane/1.0"
	maxEvents      = 500

	// missingWebhookMinInterval is the floor for repeating the missing
	// webhook diagnostic.
	missingWebhookMinInterval = 300

	configFile = "control-plane-notifications-config.json"
	stateFile  = "control-plane-notifications-state.json"
)

// Reasons recorded for suppressed or failed deliveries.
const (
	ReasonDisabled       = "disabled"
	ReasonMissingWebhook = "missing_webhook_url"
	ReasonAlertDisabled  = "alert_disabled"
	ReasonOKSuppressed   = "ok_suppressed"
	ReasonBelowThreshold = "below_threshold"
	ReasonCooldown       = "cooldown"
	ReasonEligible       = "eligible"
)

// Event records one delivery attempt or diagnostic.
type Event struct {
	ID       string `json:"id"`
	TS       string `json:"ts"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	AlertID  string `json:"alert_id"`
	Severity string `json:"severity"`
	RunID    string `json:"run_id"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// State is the persisted delivery state.
type State struct {
	LastSentByKey             map[string]string `json:"last_sent_by_key"`
	Events                    []Event           `json:"events"`
	LastMissingWebhookEventAt string            `json:"last_missing_webhook_event_at"`
}

// Context is attached to every delivered alert.
type Context struct {
	LatestRun     *runs.Summary `json:"latest_run"`
	ControlStatus *procs.Status `json:"control_status"`
}

// Payload is the webhook body.
type Payload struct {
	Kind    string       `json:"kind"`
	SentAt  string       `json:"sent_at"`
	Alert   alerts.Alert `json:"alert"`
	Context interface{}  `json:"context"`
}

// DeliverySummary counts the outcome of one Deliver call.
type DeliverySummary struct {
	Checked    int `json:"checked"`
	Eligible   int `json:"eligible"`
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
	Errors     int `json:"errors"`
}

// TestResult reports a test notification.
type TestResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status summarizes configuration and history for display.
type Status struct {
	Enabled           bool            `json:"enabled"`
	WebhookConfigured bool            `json:"webhook_configured"`
	MinSeverity       alerts.Severity `json:"min_severity"`
	CooldownSeconds   int             `json:"cooldown_seconds"`
	SendOK            bool            `json:"send_ok"`
	EnabledAlertIDs   []string        `json:"enabled_alert_ids"`
	KnownAlertIDs     []string        `json:"known_alert_ids"`
	EventsCount       int             `json:"events_count"`
	LastEvent         *Event          `json:"last_event"`
}

// Options customizes a Dispatcher.
type Options struct {
	Client *http.Client
	Getenv func(string) string
	Audit  audit.Recorder
}

// Dispatcher owns the notification config and state files. All public
// methods serialize on one lock.
type Dispatcher struct {
	configPath string
	statePath  string

	client   *http.Client
	getenv   func(string) string
	audit    audit.Recorder
	redactor *redact.Redactor
	now      func() time.Time

	mu sync.Mutex
}

// New creates a dispatcher storing its files in logsDir.
func New(logsDir string, opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: webhookTimeout}
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	return &Dispatcher{
		configPath: filepath.Join(logsDir, configFile),
		statePath:  filepath.Join(logsDir, stateFile),
		client:     opts.Client,
		getenv:     opts.Getenv,
		audit:      opts.Audit,
		redactor:   redact.New(redact.ModeBasic),
		now:        time.Now,
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadConfig()
}

// UpdateConfig applies a partial update and persists the result.
func (d *Dispatcher) UpdateConfig(raw map[string]interface{}) (Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	updated := Sanitize(raw, d.loadConfig())
	if err := fsutil.WriteJSONAtomic(d.configPath, updated); err != nil {
		return updated, fmt.Errorf("failed to save notification config: %w", err)
	}
	log.Info("notification config updated", "enabled", updated.Enabled, "min_severity", updated.MinSeverity)
	return updated, nil
}

func (d *Dispatcher) loadConfig() Config {
	defaults := DefaultConfig(d.getenv)
	var raw map[string]interface{}
	if !fsutil.ReadJSON(d.configPath, &raw) {
		return Sanitize(nil, defaults)
	}
	return Sanitize(raw, defaults)
}

func (d *Dispatcher) loadState() State {
	var st State
	if !fsutil.ReadJSON(d.statePath, &st) {
		st = State{}
	}
	if st.LastSentByKey == nil {
		st.LastSentByKey = make(map[string]string)
	}
	if st.Events == nil {
		st.Events = []Event{}
	}
	return st
}

func (d *Dispatcher) saveState(st State) {
	if err := fsutil.WriteJSONAtomic(d.statePath, st); err != nil {
		log.Warn("failed to save notification state", "error", err)
	}
}

func (d *Dispatcher) appendEvent(st *State, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	st.Events = append(st.Events, e)
	if len(st.Events) > maxEvents {
		st.Events = st.Events[len(st.Events)-maxEvents:]
	}
	d.audit.Record("notification", e)
}

// Deliver evaluates each alert against the eligibility checks and posts
// the eligible ones. Failed posts are not retried here; the next call
// retries them since no cooldown was stamped.
func (d *Dispatcher) Deliver(ctx context.Context, list []alerts.Alert, dctx Context) DeliverySummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	summary := DeliverySummary{Checked: len(list)}
	if len(list) == 0 {
		return summary
	}
	cfg := d.loadConfig()
	if !cfg.Enabled {
		summary.Suppressed = len(list)
		return summary
	}

	st := d.loadState()
	if cfg.WebhookURL == "" {
		summary.Errors = len(list)
		d.noteMissingWebhook(&st, cfg, dctx)
		return summary
	}

	for _, a := range list {
		if ok, reason := d.eligible(cfg, st, a); !ok {
			log.Debug("notification suppressed", "alert_id", a.ID, "reason", reason)
			summary.Suppressed++
			continue
		}
		summary.Eligible++

		ok, transport := d.post(ctx, cfg.WebhookURL, Payload{
			Kind:    "clone_alert",
			SentAt:  timeutil.FormatISO(d.now()),
			Alert:   a,
			Context: dctx,
		})
		status := "sent"
		if !ok {
			status = "error"
		}
		d.appendEvent(&st, Event{
			TS:       timeutil.FormatISO(d.now()),
			Status:   status,
			Reason:   transport,
			AlertID:  string(a.ID),
			Severity: string(a.Severity),
			RunID:    a.RunID,
			Title:    a.Title,
			Detail:   a.Detail,
		})
		if ok {
			summary.Sent++
			st.LastSentByKey[a.Key()] = timeutil.FormatISO(d.now())
			log.Info("notification sent", "alert_id", a.ID, "run_id", a.RunID)
		} else {
			summary.Errors++
			log.Warn("notification failed", "alert_id", a.ID, "reason", transport)
		}
	}
	d.saveState(st)
	return summary
}

// noteMissingWebhook records the diagnostic at most once per
// max(300s, cooldown).
func (d *Dispatcher) noteMissingWebhook(st *State, cfg Config, dctx Context) {
	now := d.now()
	interval := cfg.CooldownSeconds
	if interval < missingWebhookMinInterval {
		interval = missingWebhookMinInterval
	}
	if last, ok := timeutil.ParseISO(st.LastMissingWebhookEventAt); ok {
		if now.Sub(last) < time.Duration(interval)*time.Second {
			return
		}
	}
	runID := ""
	if dctx.LatestRun != nil {
		runID = dctx.LatestRun.RunID
	}
	d.appendEvent(st, Event{
		TS:       timeutil.FormatISO(now),
		Status:   "error",
		Reason:   ReasonMissingWebhook,
		Severity: string(alerts.SeverityWarn),
		RunID:    runID,
	})
	st.LastMissingWebhookEventAt = timeutil.FormatISO(now)
	log.Warn("notifications enabled without a webhook url")
	d.saveState(*st)
}

func (d *Dispatcher) eligible(cfg Config, st State, a alerts.Alert) (bool, string) {
	if a.ID != "" && !cfg.alertEnabled(a.ID) {
		return false, ReasonAlertDisabled
	}
	severity := a.Severity
	if severity == "" {
		severity = alerts.SeverityInfo
	}
	if severity == alerts.SeverityOK && !cfg.SendOK {
		return false, ReasonOKSuppressed
	}
	if severity.Rank() < cfg.MinSeverity.Rank() {
		return false, ReasonBelowThreshold
	}
	if last, ok := timeutil.ParseISO(st.LastSentByKey[a.Key()]); ok {
		elapsed := d.now().Sub(last)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < time.Duration(cfg.CooldownSeconds)*time.Second {
			return false, ReasonCooldown
		}
	}
	return true, ReasonEligible
}

// post sends one payload and returns ok with an "http_<code>" reason, or a
// transport error reason.
func (d *Dispatcher) post(ctx context.Context, url string, payload Payload) (bool, string) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Sprintf("encode_error:%v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("url_error:%v", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		// The error text embeds the webhook URL, which may carry a token.
		return false, fmt.Sprintf("url_error:%s", d.redactor.String(err.Error()))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	reason := fmt.Sprintf("http_%d", resp.StatusCode)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, reason
}

// SendTest posts a clone_alert_test payload regardless of the enabled
// flag and the alert filters.
func (d *Dispatcher) SendTest(ctx context.Context, message, severity string) TestResult {
	sev, ok := alerts.ParseSeverity(severity)
	if !ok {
		sev = alerts.SeverityWarn
	}
	if message == "" {
		message = "Clone control plane notification test."
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := d.loadConfig()
	if cfg.WebhookURL == "" {
		return TestResult{Error: "webhook_url is not configured"}
	}

	alert := alerts.Alert{
		ID:       alerts.NotificationTest,
		Severity: sev,
		Title:    "Test notification",
		Detail:   message,
	}
	sent, transport := d.post(ctx, cfg.WebhookURL, Payload{
		Kind:    "clone_alert_test",
		SentAt:  timeutil.FormatISO(d.now()),
		Alert:   alert,
		Context: map[string]string{"source": "control_plane_test"},
	})
	status := "sent"
	if !sent {
		status = "error"
	}
	st := d.loadState()
	d.appendEvent(&st, Event{
		TS:       timeutil.FormatISO(d.now()),
		Status:   status,
		Reason:   transport,
		AlertID:  string(alert.ID),
		Severity: string(sev),
		Title:    alert.Title,
		Detail:   alert.Detail,
	})
	d.saveState(st)
	return TestResult{OK: sent, Reason: transport}
}

// RecentEvents returns up to limit newest events, oldest first. limit is
// clamped to [1,500].
func (d *Dispatcher) RecentEvents(limit int) []Event {
	if limit < 1 {
		limit = 1
	}
	if limit > maxEvents {
		limit = maxEvents
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	events := d.loadState().Events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// Status reports configuration and the latest event.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := d.loadConfig()
	st := d.loadState()
	out := Status{
		Enabled:           cfg.Enabled,
		WebhookConfigured: cfg.WebhookURL != "",
		MinSeverity:       cfg.MinSeverity,
		CooldownSeconds:   cfg.CooldownSeconds,
		SendOK:            cfg.SendOK,
		EnabledAlertIDs:   cfg.EnabledAlertIDs,
		KnownAlertIDs:     alerts.NotifiableIDs,
		EventsCount:       len(st.Events),
	}
	if n := len(st.Events); n > 0 {
		last := st.Events[n-1]
		out.LastEvent = &last
	}
	return out
}
