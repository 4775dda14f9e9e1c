// Package redact masks secrets in log text before it leaves the control
// plane, either as a run log tail or inside a delivery error.
package redact

import (
	"math"
	"os"
	"regexp"
	"strings"
)

// Mode selects how much is masked.
type Mode string

const (
	// ModeOff returns text unchanged.
	ModeOff Mode = "off"
	// ModeBasic masks env assignments, auth headers and URL query secrets.
	ModeBasic Mode = "basic"
	// ModeAggressive also masks known token prefixes and high-entropy words.
	ModeAggressive Mode = "aggressive"

	// Replacement is substituted for every masked value.
	Replacement = "***REDACTED***"

	envMode = "CLONE_LOG_REDACT"

	minEntropyLen = 20
)

var (
	envAssignRe = regexp.MustCompile(`(?i)\b(\w*(?:TOKEN|SECRET|PASSWORD|PASSWD|API_?KEY|PRIVATE_KEY|AUTHORIZATION))\s*=\s*['"]?[^'"\s&]+['"]?`)
	headerRe    = regexp.MustCompile(`(?i)\b(Authorization|Proxy-Authorization|X-Api-Key|X-Auth-Token|X-GitHub-Token|Cookie|Set-Cookie)\s*:\s*.+$`)
	queryRe     = regexp.MustCompile(`(?i)([?&])(token|key|secret|password|api_key|apikey|access_token|refresh_token|auth_token|authorization|sig|signature)=[^&\s#'"]+`)
	userinfoRe  = regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`)

	prefixRes = []struct {
		prefix string
		re     *regexp.Regexp
	}{
		{"ghp_", regexp.MustCompile(`ghp_[A-Za-z0-9_]{32,36}`)},
		{"gho_", regexp.MustCompile(`gho_[A-Za-z0-9_]{32,36}`)},
		{"ghs_", regexp.MustCompile(`ghs_[A-Za-z0-9_]{32,36}`)},
		{"github_pat_", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,90}`)},
		{"sk-", regexp.MustCompile(`sk-[A-Za-z0-9_\-]{26,100}`)},
		{"xoxb-", regexp.MustCompile(`xoxb-[A-Za-z0-9\-]{26,60}`)},
		{"xoxp-", regexp.MustCompile(`xoxp-[A-Za-z0-9\-]{26,60}`)},
		{"AKIA", regexp.MustCompile(`AKIA[A-Z0-9]{16}`)},
	}

	wordRe = regexp.MustCompile(`[A-Za-z0-9_\-\.+=]{20,}`)
)

// Redactor masks secrets according to its mode. The zero value is off.
type Redactor struct {
	mode Mode
}

// New returns a redactor for mode; unknown modes fall back to basic.
func New(mode Mode) *Redactor {
	switch mode {
	case ModeOff, ModeBasic, ModeAggressive:
	default:
		mode = ModeBasic
	}
	return &Redactor{mode: mode}
}

// FromEnv reads CLONE_LOG_REDACT (off, basic, aggressive). Empty means basic.
func FromEnv() *Redactor {
	return New(Mode(strings.ToLower(strings.TrimSpace(os.Getenv(envMode)))))
}

// Mode reports the active mode.
func (r *Redactor) Mode() Mode {
	if r == nil || r.mode == "" {
		return ModeOff
	}
	return r.mode
}

// String masks a single line of text.
func (r *Redactor) String(s string) string {
	mode := r.Mode()
	if mode == ModeOff || s == "" {
		return s
	}
	s = envAssignRe.ReplaceAllString(s, "${1}="+Replacement)
	s = headerRe.ReplaceAllString(s, "${1}: "+Replacement)
	s = queryRe.ReplaceAllString(s, "${1}${2}="+Replacement)
	s = userinfoRe.ReplaceAllString(s, "${1}"+Replacement+"@")
	if mode == ModeAggressive {
		for _, p := range prefixRes {
			s = p.re.ReplaceAllString(s, p.prefix+Replacement)
		}
		s = wordRe.ReplaceAllStringFunc(s, func(w string) string {
			if strings.Contains(w, Replacement) || likelyPlain(w) || !highEntropy(w) {
				return w
			}
			return Replacement
		})
	}
	return s
}

// Lines masks each line and returns a new slice.
func (r *Redactor) Lines(lines []string) []string {
	if r.Mode() == ModeOff {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = r.String(line)
	}
	return out
}

// highEntropy reports Shannon entropy above 4 bits per character.
func highEntropy(s string) bool {
	if len(s) < minEntropyLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, c := range freq {
		p := c / n
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func likelyPlain(s string) bool {
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	lower := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}
