// Package coerce converts loosely typed JSON values (as produced by
// hand-edited config files and form posts) into Go scalars. Store sanitize
// functions are the only callers; typed records never carry raw values.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var listSplit = regexp.MustCompile(`[, ]+`)

// Bool accepts bools, numbers and the strings 1/true/yes/y/on.
func Bool(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case json.Number:
		f, err := b.Float64()
		return err == nil && f != 0
	default:
		switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
		case "1", "true", "yes", "y", "on":
			return true
		}
		return false
	}
}

// Int converts numbers and numeric strings, returning def otherwise.
func Int(v interface{}, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return def
		}
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		return def
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return def
		}
		return i
	case bool:
		return def
	default:
		return def
	}
}

// String renders scalars as trimmed strings; nil becomes "".
func String(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// List accepts a JSON array or a comma/space separated string and returns
// the non-empty trimmed items in input order.
func List(v interface{}) []string {
	var out []string
	switch items := v.(type) {
	case string:
		for _, part := range listSplit.Split(strings.TrimSpace(items), -1) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	case []interface{}:
		for _, item := range items {
			if s := String(item); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, item := range items {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Canonical filters items to those present in known and returns them in
// known's order without duplicates.
func Canonical(items []string, known []string) []string {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	out := make([]string, 0, len(known))
	for _, k := range known {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}
