package notify

import (
	"os"
	"strings"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/coerce"
)

const (
	defaultCooldown = 600
	minCooldown     = 30
	maxCooldown     = 86400
)

// Config controls webhook delivery.
type Config struct {
	Enabled         bool            `json:"enabled"`
	WebhookURL      string          `json:"webhook_url"`
	MinSeverity     alerts.Severity `json:"min_severity"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	SendOK          bool            `json:"send_ok"`
	EnabledAlertIDs []string        `json:"enabled_alert_ids"`
}

// DefaultConfig reads the CLONE_NOTIFY_* environment. getenv may be nil.
func DefaultConfig(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	minSeverity, ok := alerts.ParseSeverity(getenv("CLONE_NOTIFY_MIN_SEVERITY"))
	if !ok {
		minSeverity = alerts.SeverityWarn
	}
	return Config{
		Enabled:         coerce.Bool(getenv("CLONE_NOTIFY_ENABLED")),
		WebhookURL:      strings.TrimSpace(getenv("CLONE_NOTIFY_WEBHOOK_URL")),
		MinSeverity:     minSeverity,
		CooldownSeconds: cooldown(getenv("CLONE_NOTIFY_COOLDOWN_SECONDS"), defaultCooldown),
		SendOK:          coerce.Bool(getenv("CLONE_NOTIFY_SEND_OK")),
		EnabledAlertIDs: alertIDs(getenv("CLONE_NOTIFY_ALERT_IDS"), alerts.DefaultEnabledIDs),
	}
}

// Sanitize overlays a loosely typed update onto current. Keys absent from
// raw keep their current value; invalid values fall back to current.
func Sanitize(raw map[string]interface{}, current Config) Config {
	out := current
	if v, ok := raw["enabled"]; ok {
		out.Enabled = coerce.Bool(v)
	}
	if v, ok := raw["webhook_url"]; ok {
		out.WebhookURL = coerce.String(v)
	}
	if v, ok := raw["min_severity"]; ok {
		if sev, valid := alerts.ParseSeverity(coerce.String(v)); valid {
			out.MinSeverity = sev
		}
	}
	if _, valid := alerts.ParseSeverity(string(out.MinSeverity)); !valid {
		out.MinSeverity = alerts.SeverityWarn
	}
	if v, ok := raw["cooldown_seconds"]; ok {
		out.CooldownSeconds = cooldown(v, current.CooldownSeconds)
	}
	out.CooldownSeconds = coerce.Clamp(out.CooldownSeconds, minCooldown, maxCooldown)
	if v, ok := raw["send_ok"]; ok {
		out.SendOK = coerce.Bool(v)
	}
	fallback := current.EnabledAlertIDs
	if len(fallback) == 0 {
		fallback = alerts.DefaultEnabledIDs
	}
	if v, ok := raw["enabled_alert_ids"]; ok {
		out.EnabledAlertIDs = alertIDs(v, fallback)
	} else {
		out.EnabledAlertIDs = alertIDs(fallback, alerts.DefaultEnabledIDs)
	}
	return out
}

func cooldown(v interface{}, def int) int {
	if def == 0 {
		def = defaultCooldown
	}
	return coerce.Clamp(coerce.Int(v, def), minCooldown, maxCooldown)
}

// alertIDs keeps known notifiable ids in canonical order. "all" or "*"
// selects every id; an empty or fully unknown list falls back.
func alertIDs(v interface{}, fallback []string) []string {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "all", "*":
			return append([]string(nil), alerts.NotifiableIDs...)
		}
	}
	ids := coerce.Canonical(coerce.List(v), alerts.NotifiableIDs)
	if len(ids) == 0 {
		ids = coerce.Canonical(fallback, alerts.NotifiableIDs)
	}
	if len(ids) == 0 {
		ids = append([]string(nil), alerts.DefaultEnabledIDs...)
	}
	return ids
}

func (c Config) alertEnabled(id alerts.ID) bool {
	for _, enabled := range c.EnabledAlertIDs {
		if enabled == string(id) {
			return true
		}
	}
	return false
}
