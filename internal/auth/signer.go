// Package auth holds the gateway's HMAC primitives: the timestamped
// signed-request envelope used on backend calls, the per-platform webhook
// signature checks, and the one-way audit tag that keeps raw user ids out
// of log lines.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is the freshness window for signed-request verification.
const DefaultMaxAge = 5 * time.Minute

// auditKey is fixed per process. The tag only makes log lines opaque; it is
// not a security boundary.
var auditKey = []byte("gw-audit-tag-v1")

func hmacSHA256(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignRequest produces the signed-request envelope sent to the backend:
// "<unix_seconds>:<hex hmac_sha256(secret, "<unix_seconds>:" + payload)>".
func SignRequest(payload, secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := hex.EncodeToString(hmacSHA256([]byte(ts+":"+payload), secret))
	return ts + ":" + sig
}

// VerifySignedRequest checks a SignRequest envelope against the payload.
// maxAge <= 0 selects DefaultMaxAge. Returns false on malformed shape,
// unparseable or future timestamp, stale timestamp, or HMAC mismatch.
// It never panics; callers branch on the boolean alone.
func VerifySignedRequest(token, payload, secret string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	ts, rest, ok := strings.Cut(token, ":")
	if !ok || ts == "" || rest == "" {
		return false
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}

	age := time.Since(time.Unix(issued, 0))
	if age < 0 || age > maxAge {
		return false
	}

	want := hex.EncodeToString(hmacSHA256([]byte(ts+":"+payload), secret))
	return TimingSafeEqual([]byte(rest), []byte(want))
}

// VerifyHMACSHA256 checks a hex-encoded platform signature over body.
// prefix is the platform's header convention ("sha256=", "mac=", or empty).
func VerifyHMACSHA256(body []byte, signature, secret, prefix string) bool {
	want := prefix + hex.EncodeToString(hmacSHA256(body, secret))
	return TimingSafeEqual([]byte(signature), []byte(want))
}

// VerifyHMACSHA256Base64 is the base64 variant used by platforms that send
// the raw digest instead of hex (LINE).
func VerifyHMACSHA256Base64(body []byte, signature, secret, prefix string) bool {
	want := prefix + base64.StdEncoding.EncodeToString(hmacSHA256(body, secret))
	return TimingSafeEqual([]byte(signature), []byte(want))
}

// TimingSafeEqual compares byte slices in constant time. Unequal lengths
// short-circuit false; lengths are not secret here.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal(a, b)
}

// AuditTag derives a stable 12-hex tag from a user id for log lines.
func AuditTag(userID string) string {
	mac := hmac.New(sha256.New, auditKey)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))[:12]
}

// SignedAt extracts the issue time from a signed-request envelope, for
// diagnostics. Second return is false when the shape is not an envelope.
func SignedAt(token string) (time.Time, bool) {
	ts, _, ok := strings.Cut(token, ":")
	if !ok {
		return time.Time{}, false
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(issued, 0), true
}

// signEnvelopeAt is the test seam for freshness checks.
func signEnvelopeAt(payload, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := hex.EncodeToString(hmacSHA256([]byte(ts+":"+payload), secret))
	return fmt.Sprintf("%s:%s", ts, sig)
}
