package autopilot

import (
	"strings"

	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/coerce"
)

// Mode selects which steps may run unattended.
type Mode string

const (
	// ModeSafe runs only steps marked safe for autopilot.
	ModeSafe Mode = "safe"
	// ModeAssertive runs any executable step.
	ModeAssertive Mode = "assertive"
)

// Config is the persisted autopilot policy.
type Config struct {
	Enabled              bool     `json:"enabled"`
	Mode                 Mode     `json:"mode"`
	IntervalSeconds      int      `json:"interval_seconds"`
	MaxRestartsPerHour   int      `json:"max_restarts_per_hour"`
	MaxNormalizesPerHour int      `json:"max_normalizes_per_hour"`
	AllowedAlertIDs      []string `json:"allowed_alert_ids"`
}

// DefaultConfig is disabled, safe, 60s interval, 2 restarts and 4
// normalizes per hour.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeSafe,
		IntervalSeconds:      60,
		MaxRestartsPerHour:   2,
		MaxNormalizesPerHour: 4,
		AllowedAlertIDs:      append([]string(nil), alerts.AutopilotIDs...),
	}
}

// Sanitize overlays a loosely typed update onto current and clamps:
// interval [30,1800], restarts [0,20], normalizes [0,40].
func Sanitize(raw map[string]interface{}, current Config) Config {
	out := current
	if v, ok := raw["enabled"]; ok {
		out.Enabled = coerce.Bool(v)
	}
	if v, ok := raw["mode"]; ok {
		out.Mode = Mode(strings.ToLower(coerce.String(v)))
	}
	if out.Mode != ModeSafe && out.Mode != ModeAssertive {
		out.Mode = ModeSafe
	}
	out.IntervalSeconds = coerce.Clamp(pick(raw, "interval_seconds", current.IntervalSeconds, 60), 30, 1800)
	out.MaxRestartsPerHour = coerce.Clamp(pick(raw, "max_restarts_per_hour", current.MaxRestartsPerHour, 2), 0, 20)
	out.MaxNormalizesPerHour = coerce.Clamp(pick(raw, "max_normalizes_per_hour", current.MaxNormalizesPerHour, 4), 0, 40)

	ids := current.AllowedAlertIDs
	if v, ok := raw["allowed_alert_ids"]; ok {
		ids = coerce.List(v)
	}
	out.AllowedAlertIDs = coerce.Canonical(ids, alerts.AutopilotIDs)
	if len(out.AllowedAlertIDs) == 0 {
		out.AllowedAlertIDs = append([]string(nil), alerts.AutopilotIDs...)
	}
	return out
}

// pick reads key from raw when present. Unparsable values fall back to
// def rather than the current value.
func pick(raw map[string]interface{}, key string, current, def int) int {
	v, ok := raw[key]
	if !ok {
		return current
	}
	return coerce.Int(v, def)
}

func (c Config) allows(id alerts.ID) bool {
	for _, allowed := range c.AllowedAlertIDs {
		if allowed == string(id) {
			return true
		}
	}
	return false
}
