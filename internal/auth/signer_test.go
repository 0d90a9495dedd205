package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SIGNED-REQUEST ENVELOPE TESTS
// ============================================================================

func TestSignRequest_RoundTrip(t *testing.T) {
	token := SignRequest(`{"user_id":"u1"}`, "secret")

	parts := strings.SplitN(token, ":", 2)
	require.Len(t, parts, 2, "envelope is <unix_seconds>:<hex>")
	assert.Len(t, parts[1], 64, "hex HMAC-SHA256 is 64 chars")

	assert.True(t, VerifySignedRequest(token, `{"user_id":"u1"}`, "secret", 0),
		"freshly signed payload must verify")
}

func TestVerifySignedRequest_WrongInputs(t *testing.T) {
	token := SignRequest("payload", "secret")

	assert.False(t, VerifySignedRequest(token, "other payload", "secret", 0))
	assert.False(t, VerifySignedRequest(token, "payload", "wrong secret", 0))
	assert.False(t, VerifySignedRequest("not-a-token", "payload", "secret", 0))
	assert.False(t, VerifySignedRequest("", "payload", "secret", 0))
	assert.False(t, VerifySignedRequest("abc:def", "payload", "secret", 0),
		"non-numeric timestamp must fail")
	assert.False(t, VerifySignedRequest(":", "payload", "secret", 0))
}

func TestVerifySignedRequest_Freshness(t *testing.T) {
	// 310 s old: past the 300 s window.
	stale := signEnvelopeAt("payload", "secret", time.Now().Add(-310*time.Second))
	assert.False(t, VerifySignedRequest(stale, "payload", "secret", 0),
		"signature older than the freshness window must fail")

	// 290 s old: still inside the window.
	aging := signEnvelopeAt("payload", "secret", time.Now().Add(-290*time.Second))
	assert.True(t, VerifySignedRequest(aging, "payload", "secret", 0))

	// Future timestamps are rejected outright.
	future := signEnvelopeAt("payload", "secret", time.Now().Add(2*time.Minute))
	assert.False(t, VerifySignedRequest(future, "payload", "secret", 0),
		"negative age must fail")
}

func TestVerifySignedRequest_CustomWindow(t *testing.T) {
	old := signEnvelopeAt("payload", "secret", time.Now().Add(-30*time.Second))
	assert.False(t, VerifySignedRequest(old, "payload", "secret", 10*time.Second))
	assert.True(t, VerifySignedRequest(old, "payload", "secret", time.Minute))
}

// ============================================================================
// WEBHOOK SIGNATURE TESTS
// ============================================================================

func TestVerifyHMACSHA256_Prefixed(t *testing.T) {
	body := []byte(`{"event":"message"}`)
	mac := hmac.New(sha256.New, []byte("webhook-secret"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyHMACSHA256(body, sig, "webhook-secret", "sha256="))
	assert.False(t, VerifyHMACSHA256(body, sig, "other-secret", "sha256="))
	assert.False(t, VerifyHMACSHA256([]byte("tampered"), sig, "webhook-secret", "sha256="))
	assert.False(t, VerifyHMACSHA256(body, sig, "webhook-secret", ""),
		"prefix mismatch changes length and must fail")
}

func TestVerifyHMACSHA256Base64(t *testing.T) {
	body := []byte(`{"events":[]}`)
	mac := hmac.New(sha256.New, []byte("line-secret"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyHMACSHA256Base64(body, sig, "line-secret", ""))
	assert.False(t, VerifyHMACSHA256Base64(body, sig, "wrong", ""))
	assert.False(t, VerifyHMACSHA256Base64(body, "AAAA", "line-secret", ""))
}

func TestTimingSafeEqual(t *testing.T) {
	assert.True(t, TimingSafeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, TimingSafeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, TimingSafeEqual([]byte("abc"), []byte("abcd")),
		"length mismatch short-circuits false")
	assert.True(t, TimingSafeEqual(nil, []byte{}))
}

// ============================================================================
// AUDIT TAG TESTS
// ============================================================================

func TestAuditTag_StableAndOpaque(t *testing.T) {
	tag := AuditTag("user-12345")

	assert.Len(t, tag, 12)
	assert.Equal(t, tag, AuditTag("user-12345"), "tag must be stable per user")
	assert.NotEqual(t, tag, AuditTag("user-12346"))
	assert.NotContains(t, tag, "user", "raw id must not leak into the tag")

	_, err := hex.DecodeString(tag)
	assert.NoError(t, err, "tag is hex")
}

func TestSignedAt(t *testing.T) {
	at := time.Now().Add(-42 * time.Second).Truncate(time.Second)
	token := signEnvelopeAt("p", "s", at)

	got, ok := SignedAt(token)
	require.True(t, ok)
	assert.Equal(t, at.Unix(), got.Unix())

	_, ok = SignedAt("garbage")
	assert.False(t, ok)
}

func BenchmarkSignRequest(b *testing.B) {
	for i := 0; i < b.N; i++ {
		SignRequest(`{"user_id":"u1","content":"hello"}`, "benchmark-secret")
	}
}

func BenchmarkVerifySignedRequest(b *testing.B) {
	token := SignRequest("payload", "secret")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifySignedRequest(token, "payload", "secret", 0)
	}
}
