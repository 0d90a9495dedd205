package heartbeat

import (
	"regexp"
	"strings"
	"unicode"
)

// Sentinel is the token the model emits when a proactive message would add
// nothing. The prompt asks for it; the engine strips it and suppresses
// near-empty remainders.
const Sentinel = "HEARTBEAT_OK"

// sentinelPattern matches the sentinel with or without the markup the
// models like to wrap it in (*, **, <b>).
var sentinelPattern = regexp.MustCompile(`(?i)(?:\*{1,2}|<b>)?\s*HEARTBEAT_OK\s*(?:\*{1,2}|</b>)?`)

// StripSentinel removes every sentinel occurrence and trims the remainder.
func StripSentinel(reply string) string {
	return strings.TrimSpace(sentinelPattern.ReplaceAllString(reply, " "))
}

// meaningfulLength counts letters and digits only, so padding like "... !!"
// cannot sneak a suppressed reply past the length gate.
func meaningfulLength(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// pendingWorkPatterns is the phrase disjunction that marks an assistant
// message as "I owe the user a result". English and Korean, matching the
// languages the gateway serves.
var pendingWorkPatterns = []*regexp.Regexp{
	// English
	regexp.MustCompile(`(?i)\bplease wait\b`),
	regexp.MustCompile(`(?i)\b(?:i'?ll|i will|let me|going to)\s+(?:check|look into|get back|find out|investigate|verify)\b`),
	regexp.MustCompile(`(?i)\bworking on\s+(?:it|that|this)\b`),
	regexp.MustCompile(`(?i)\b(?:one|just a)\s+(?:moment|minute|second|sec)\b`),
	regexp.MustCompile(`(?i)\bhold on\b`),
	regexp.MustCompile(`(?i)\bin progress\b`),
	regexp.MustCompile(`(?i)\bget back to you\b`),
	regexp.MustCompile(`(?i)\bstill (?:processing|running|checking)\b`),

	// Korean
	regexp.MustCompile(`잠시만\s*기다려`),
	regexp.MustCompile(`기다려\s*주세요`),
	regexp.MustCompile(`확인\s*(?:해\s*볼게|하고\s*알려|후\s*알려|해\s*보겠)`),
	regexp.MustCompile(`알아\s*(?:볼게|보고\s*알려|보겠)`),
	regexp.MustCompile(`진행\s*중`),
	regexp.MustCompile(`처리\s*중`),
	regexp.MustCompile(`곧\s*알려\s*드리`),
	regexp.MustCompile(`조금만\s*기다리`),
}

// MatchesPendingWork reports whether text reads like an unfinished promise.
func MatchesPendingWork(text string) bool {
	for _, p := range pendingWorkPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
