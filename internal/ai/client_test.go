package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/auth"
)

const testSecret = "backend-secret"

func TestChat_SignsAndSendsRequest(t *testing.T) {
	var gotAuth, gotChannel string
	var gotBody chatRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotAuth = r.Header.Get("X-Gateway-Auth")
		gotChannel = r.Header.Get("X-Gateway-Channel")

		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		require.True(t, auth.VerifySignedRequest(gotAuth, string(raw), testSecret, auth.DefaultMaxAge),
			"auth header must verify against the raw body")

		json.NewEncoder(w).Encode(Result{
			Reply: "hello there", Model: "moa-large", Category: "chat",
			CreditsUsed: 2, KeySource: "byok", Timestamp: "2026-01-01T00:00:00Z",
		})
	}))
	defer ts.Close()

	c := NewMoaClient(ts.URL, testSecret, 0)
	result, err := c.Chat(context.Background(), &Request{
		UserID:            "gateway_slack_U123",
		SessionID:         "gw_slack_U123",
		Channel:           "slack",
		Content:           "hi",
		ContentForStorage: "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "slack", gotChannel)
	assert.Equal(t, "gateway_slack_U123", gotBody.UserID)
	assert.Equal(t, "gw_slack_U123", gotBody.SessionID)
	assert.Equal(t, "hi", gotBody.Content)

	assert.Equal(t, "hello there", result.Reply)
	assert.Equal(t, "moa-large", result.Model)
	assert.Equal(t, 2, result.CreditsUsed)
	assert.Equal(t, TierRest, result.Tier)
}

func TestChat_AppliesDefaultsForMissingFields(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer ts.Close()

	c := NewMoaClient(ts.URL, testSecret, 0)
	result, err := c.Chat(context.Background(), &Request{Channel: "line", Content: "x"})
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Reply)
	assert.Equal(t, "unknown", result.Model)
	assert.Equal(t, "general", result.Category)
	assert.Equal(t, "platform", result.KeySource)
	assert.NotEmpty(t, result.Timestamp)
}

func TestChat_NonSuccessStatusIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusPaymentRequired)
	}))
	defer ts.Close()

	c := NewMoaClient(ts.URL, testSecret, 0)
	_, err := c.Chat(context.Background(), &Request{Channel: "zalo", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestChat_ContextCancelStopsCall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewMoaClient(ts.URL, testSecret, 0)
	_, err := c.Chat(ctx, &Request{Channel: "kakao", Content: "x"})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewMoaClient(ts.URL, testSecret, 0)
	assert.NoError(t, c.HealthCheck(context.Background()))

	down := NewMoaClient("http://127.0.0.1:1", testSecret, 0)
	assert.Error(t, down.HealthCheck(context.Background()))
}

func TestIdentityHelpers(t *testing.T) {
	assert.Equal(t, "gateway_telegram_42", UserID("telegram", "42"))
	assert.Equal(t, "gw_telegram_42", SessionKey("telegram", "42"))
}
