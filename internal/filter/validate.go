// Package filter screens inbound text before it reaches the AI layer:
// injection detection with sanitization, and sensitive-data masking for the
// copy that gets persisted.
package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength caps inbound text, counted in runes so multibyte scripts
// are not cut mid-character; anything longer is truncated and tagged
// message_too_long.
const MaxMessageLength = 10000

// Threat kinds reported by ValidateInput.
const (
	ThreatSQLInjection     = "sql_injection"
	ThreatNoSQLInjection   = "nosql_injection"
	ThreatCommandInjection = "command_injection"
	ThreatPathTraversal    = "path_traversal"
	ThreatXSS              = "xss"
	ThreatMessageTooLong   = "message_too_long"
)

// Result is the outcome of ValidateInput. Sanitized is always populated,
// safe or not.
type Result struct {
	Safe      bool     `json:"safe"`
	Threats   []string `json:"threats,omitempty"`
	Sanitized string   `json:"sanitized"`
}

type threatRule struct {
	kind    string
	pattern *regexp.Regexp
}

// Ordered. First match per rule wins; all rules are probed so the threat
// list is complete.
var threatRules = []threatRule{
	{ThreatSQLInjection, regexp.MustCompile(`(?i)(\b(union\s+select|select\s+[\w*,\s]+\s+from|insert\s+into|drop\s+(table|database)|delete\s+from|truncate\s+table|update\s+\w+\s+set)\b|;\s*--|--\s*$|\b(or|and)\s+\d+\s*=\s*\d+|'\s*(or|and)\s+'[^']*'\s*=\s*')`)},
	{ThreatNoSQLInjection, regexp.MustCompile(`(?i)(\$where\b|\$ne\b|\$gt\b|\$lt\b|\$gte\b|\$lte\b|\$regex\b|\$nin\b|\$exists\b|{\s*"?\$)`)},
	{ThreatCommandInjection, regexp.MustCompile("(?i)([;&|]\\s*(rm|cat|wget|curl|bash|sh|nc|chmod|chown|kill|python|perl)\\b|\\$\\([^)]*\\)|`[^`]+`|\\|\\s*(sh|bash)\\b|\\bsudo\\s+rm\\b)")},
	{ThreatPathTraversal, regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|/etc/passwd|/etc/shadow|c:\\windows\\)`)},
	{ThreatXSS, regexp.MustCompile(`(?i)(<script[\s>/]|</script|javascript\s*:|on(load|error|click|focus|mouseover)\s*=|<iframe[\s>/]|data:text/html)`)},
}

// ValidateInput screens one message. Sanitization always runs: NUL bytes are
// stripped, the text is truncated to MaxMessageLength and trimmed. Safe is
// true only when no threat matched. Idempotent: validating the sanitized
// output again yields the same text.
func ValidateInput(text string) Result {
	threats := make([]string, 0, 2)

	if utf8.RuneCountInString(text) > MaxMessageLength {
		threats = append(threats, ThreatMessageTooLong)
	}

	for _, rule := range threatRules {
		if rule.pattern.MatchString(text) {
			threats = append(threats, rule.kind)
		}
	}

	sanitized := strings.ReplaceAll(text, "\x00", "")
	if utf8.RuneCountInString(sanitized) > MaxMessageLength {
		sanitized = string([]rune(sanitized)[:MaxMessageLength])
	}
	sanitized = strings.TrimSpace(sanitized)

	return Result{
		Safe:      len(threats) == 0,
		Threats:   threats,
		Sanitized: sanitized,
	}
}

// HasBlockingThreat reports whether any detected threat warrants dropping
// the message outright. Length overruns alone are not blocking: the
// truncated text continues through the pipeline.
func HasBlockingThreat(threats []string) bool {
	for _, th := range threats {
		if th != ThreatMessageTooLong {
			return true
		}
	}
	return false
}
