// Package timeutil parses and formats the timestamp shapes that appear in
// worker telemetry: ISO-8601 strings, run ids and ps elapsed times.
package timeutil

import (
	"strconv"
	"strings"
	"time"
)

// RunIDLayout is the layout of run ids, e.g. 20260102-030405.
const RunIDLayout = "20060102-150405"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// FormatISO formats t in UTC with second precision and a Z suffix.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ParseISO parses an ISO-8601 timestamp. Values without a zone are taken
// as UTC. The second return is false for empty or unparsable input.
func ParseISO(value string) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseRunID returns the UTC start time encoded in a run id.
func ParseRunID(runID string) (time.Time, bool) {
	t, err := time.ParseInLocation(RunIDLayout, runID, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseEtime converts ps etime output ([[dd-]hh:]mm:ss) into seconds.
func ParseEtime(text string) int {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return 0
	}

	days := 0
	clock := raw
	if dayPart, rest, ok := strings.Cut(raw, "-"); ok {
		days = atoi(dayPart)
		clock = rest
	}

	parts := strings.Split(clock, ":")
	var hours, minutes, seconds int
	switch len(parts) {
	case 3:
		hours, minutes, seconds = atoi(parts[0]), atoi(parts[1]), atoi(parts[2])
	case 2:
		minutes, seconds = atoi(parts[0]), atoi(parts[1])
	case 1:
		seconds = atoi(parts[0])
	default:
		return 0
	}

	total := days*86400 + hours*3600 + minutes*60 + seconds
	if total < 0 {
		return 0
	}
	return total
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
