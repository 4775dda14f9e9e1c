package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/runs"
)

type sink struct {
	mu       sync.Mutex
	status   int
	payloads []Payload
	agents   []string
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p Payload
	_ = json.NewDecoder(r.Body).Decode(&p)
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.agents = append(s.agents, r.Header.Get("User-Agent"))
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newDispatcher(t *testing.T, vars map[string]string) (*Dispatcher, *clock, *audit.Memory) {
	t.Helper()
	rec := &audit.Memory{}
	d := New(t.TempDir(), Options{Getenv: env(vars), Audit: rec})
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	d.now = clk.Now
	return d, clk, rec
}

var stalled = alerts.Alert{
	ID:       alerts.RunStalled,
	Severity: alerts.SeverityCritical,
	RunID:    "20260501-110000",
	Title:    "Run appears stalled",
	Detail:   "No new events for 30m.",
}

func TestDefaultConfigFromEnv(t *testing.T) {
	cfg := DefaultConfig(env(map[string]string{
		"CLONE_NOTIFY_ENABLED":          "yes",
		"CLONE_NOTIFY_WEBHOOK_URL":      " https://hooks.example/x ",
		"CLONE_NOTIFY_MIN_SEVERITY":     "CRITICAL",
		"CLONE_NOTIFY_COOLDOWN_SECONDS": "5",
		"CLONE_NOTIFY_ALERT_IDS":        "healthy,run_stalled,bogus",
	}))
	if !cfg.Enabled || cfg.WebhookURL != "https://hooks.example/x" || cfg.MinSeverity != alerts.SeverityCritical {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.CooldownSeconds != 30 {
		t.Fatalf("cooldown should clamp to 30, got %d", cfg.CooldownSeconds)
	}
	if len(cfg.EnabledAlertIDs) != 2 || cfg.EnabledAlertIDs[0] != "run_stalled" || cfg.EnabledAlertIDs[1] != "healthy" {
		t.Fatalf("ids should be canonical order, got %v", cfg.EnabledAlertIDs)
	}

	cfg = DefaultConfig(env(nil))
	if cfg.Enabled || cfg.MinSeverity != alerts.SeverityWarn || cfg.CooldownSeconds != 600 || len(cfg.EnabledAlertIDs) != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestSanitize(t *testing.T) {
	base := DefaultConfig(env(nil))
	cfg := Sanitize(map[string]interface{}{
		"enabled":           "on",
		"min_severity":      "loud",
		"cooldown_seconds":  "999999",
		"enabled_alert_ids": "all",
	}, base)
	if !cfg.Enabled || cfg.MinSeverity != alerts.SeverityWarn || cfg.CooldownSeconds != 86400 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.EnabledAlertIDs) != len(alerts.NotifiableIDs) {
		t.Fatalf("all should enable every id, got %v", cfg.EnabledAlertIDs)
	}

	cfg = Sanitize(map[string]interface{}{"enabled_alert_ids": []interface{}{"nope"}}, cfg)
	if len(cfg.EnabledAlertIDs) != len(alerts.NotifiableIDs) {
		t.Fatalf("unknown ids should fall back to current, got %v", cfg.EnabledAlertIDs)
	}
}

func TestDeliverCooldown(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	d, clk, rec := newDispatcher(t, nil)
	if _, err := d.UpdateConfig(map[string]interface{}{"enabled": true, "webhook_url": srv.URL}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	run := &runs.Summary{RunID: stalled.RunID}

	first := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{LatestRun: run})
	if first.Sent != 1 || first.Eligible != 1 || first.Checked != 1 {
		t.Fatalf("first delivery should send, got %+v", first)
	}
	clk.t = clk.t.Add(5 * time.Minute)
	second := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{LatestRun: run})
	if second.Sent != 0 || second.Suppressed != 1 {
		t.Fatalf("second delivery inside cooldown should be suppressed, got %+v", second)
	}
	if s.count() != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", s.count())
	}

	changed := stalled
	changed.Detail = "No new events for 35m."
	if got := d.Deliver(context.Background(), []alerts.Alert{changed}, Context{}); got.Sent != 1 {
		t.Fatalf("a different detail is a different key, got %+v", got)
	}

	clk.t = clk.t.Add(11 * time.Minute)
	if got := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{}); got.Sent != 1 {
		t.Fatalf("delivery after cooldown should send, got %+v", got)
	}

	p := s.payloads[0]
	if p.Kind != "clone_alert" || p.Alert.ID != alerts.RunStalled || s.agents[0] != userAgent {
		t.Fatalf("unexpected payload %+v ua=%q", p, s.agents[0])
	}
	if len(rec.Kinds()) != 3 {
		t.Fatalf("expected three audit entries, got %v", rec.Kinds())
	}
}

func TestDeliverSeverityGating(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	d, _, _ := newDispatcher(t, map[string]string{
		"CLONE_NOTIFY_ENABLED":     "1",
		"CLONE_NOTIFY_WEBHOOK_URL": srv.URL,
		"CLONE_NOTIFY_ALERT_IDS":   "all",
	})
	info := alerts.Alert{ID: alerts.NoWorkersCycle, Severity: alerts.SeverityInfo, RunID: "r"}
	ok := alerts.HealthyAlert("r")
	for i := 0; i < 2; i++ {
		got := d.Deliver(context.Background(), []alerts.Alert{info, ok}, Context{})
		if got.Sent != 0 || got.Suppressed != 2 {
			t.Fatalf("info and ok alerts must be suppressed, got %+v", got)
		}
	}
	if s.count() != 0 {
		t.Fatal("no webhook calls expected")
	}

	if _, err := d.UpdateConfig(map[string]interface{}{"send_ok": true, "min_severity": "ok"}); err != nil {
		t.Fatal(err)
	}
	if got := d.Deliver(context.Background(), []alerts.Alert{ok}, Context{}); got.Sent != 1 {
		t.Fatalf("ok alert should send once enabled, got %+v", got)
	}
}

func TestDeliverAlertDisabled(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	d, _, _ := newDispatcher(t, map[string]string{
		"CLONE_NOTIFY_ENABLED":     "true",
		"CLONE_NOTIFY_WEBHOOK_URL": srv.URL,
		"CLONE_NOTIFY_ALERT_IDS":   "lock_contention",
	})
	if got := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{}); got.Suppressed != 1 || s.count() != 0 {
		t.Fatalf("disabled alert id must not be sent, got %+v", got)
	}
}

func TestDeliverDisabled(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)
	got := d.Deliver(context.Background(), []alerts.Alert{stalled, stalled}, Context{})
	if got.Suppressed != 2 || got.Checked != 2 {
		t.Fatalf("disabled dispatcher suppresses everything, got %+v", got)
	}
	if len(d.RecentEvents(10)) != 0 {
		t.Fatal("disabled dispatcher records nothing")
	}
}

func TestDeliverMissingWebhookThrottled(t *testing.T) {
	d, clk, _ := newDispatcher(t, map[string]string{"CLONE_NOTIFY_ENABLED": "1"})
	run := &runs.Summary{RunID: "20260501-110000"}

	for i := 0; i < 3; i++ {
		got := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{LatestRun: run})
		if got.Errors != 1 {
			t.Fatalf("missing webhook counts as an error, got %+v", got)
		}
		clk.t = clk.t.Add(time.Minute)
	}
	events := d.RecentEvents(50)
	if len(events) != 1 || events[0].Reason != ReasonMissingWebhook || events[0].RunID != run.RunID {
		t.Fatalf("expected one diagnostic event, got %+v", events)
	}

	clk.t = clk.t.Add(10 * time.Minute)
	d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{})
	if n := len(d.RecentEvents(50)); n != 2 {
		t.Fatalf("diagnostic should repeat after the window, got %d events", n)
	}
}

func TestDeliverHTTPErrorDoesNotStartCooldown(t *testing.T) {
	s := &sink{status: http.StatusBadGateway}
	srv := httptest.NewServer(s)
	defer srv.Close()
	d, _, _ := newDispatcher(t, map[string]string{"CLONE_NOTIFY_ENABLED": "1", "CLONE_NOTIFY_WEBHOOK_URL": srv.URL})

	got := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{})
	if got.Errors != 1 || got.Sent != 0 {
		t.Fatalf("expected an error outcome, got %+v", got)
	}
	if ev := d.RecentEvents(1); ev[0].Reason != "http_502" || ev[0].Status != "error" {
		t.Fatalf("unexpected event %+v", ev[0])
	}

	s.mu.Lock()
	s.status = http.StatusOK
	s.mu.Unlock()
	if got := d.Deliver(context.Background(), []alerts.Alert{stalled}, Context{}); got.Sent != 1 {
		t.Fatalf("failed delivery must not stamp a cooldown, got %+v", got)
	}
}

func TestSendTest(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)
	if res := d.SendTest(context.Background(), "", "warn"); res.OK || res.Error == "" {
		t.Fatalf("test without webhook must fail, got %+v", res)
	}

	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	if _, err := d.UpdateConfig(map[string]interface{}{"webhook_url": srv.URL}); err != nil {
		t.Fatal(err)
	}
	res := d.SendTest(context.Background(), "hello", "bogus")
	if !res.OK || res.Reason != "http_204" {
		t.Fatalf("unexpected result %+v", res)
	}
	p := s.payloads[0]
	if p.Kind != "clone_alert_test" || p.Alert.ID != alerts.NotificationTest || p.Alert.Severity != alerts.SeverityWarn || p.Alert.Detail != "hello" {
		t.Fatalf("unexpected payload %+v", p)
	}

	st := d.Status()
	if st.Enabled || !st.WebhookConfigured || st.EventsCount != 1 || st.LastEvent == nil || st.LastEvent.AlertID != "notification_test" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestEventsAreBounded(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)
	st := d.loadState()
	for i := 0; i < maxEvents+20; i++ {
		d.appendEvent(&st, Event{Status: "sent"})
	}
	d.saveState(st)
	if got := len(d.RecentEvents(1000)); got != maxEvents {
		t.Fatalf("expected %d events, got %d", maxEvents, got)
	}
	if got := len(d.RecentEvents(0)); got != 1 {
		t.Fatalf("limit should clamp to 1, got %d", got)
	}
}

func TestTransportErrorMasksWebhookSecret(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)
	srv := httptest.NewServer(&sink{})
	url := srv.URL + "/hook?token=hunter2"
	srv.Close()
	if _, err := d.UpdateConfig(map[string]interface{}{"webhook_url": url}); err != nil {
		t.Fatal(err)
	}
	res := d.SendTest(context.Background(), "hello", "warn")
	if res.OK || !strings.HasPrefix(res.Reason, "url_error:") {
		t.Fatalf("expected a transport error, got %+v", res)
	}
	if strings.Contains(res.Reason, "hunter2") {
		t.Fatalf("webhook token leaked into reason %q", res.Reason)
	}
}
