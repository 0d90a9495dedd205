package kakao

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/pkg/channel"
)

func skillBody(userID, utterance string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"userRequest": map[string]interface{}{
			"timezone":  "Asia/Seoul",
			"utterance": utterance,
			"user":      map[string]string{"id": userID, "type": "botUserKey"},
		},
	})
	return raw
}

func decodeTemplate(t *testing.T, body string) []interface{} {
	t.Helper()
	var resp struct {
		Version  string `json:"version"`
		Template struct {
			Outputs []interface{} `json:"outputs"`
		} `json:"template"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Equal(t, "2.0", resp.Version)
	return resp.Template.Outputs
}

func TestHandleWebhook_SynchronousReply(t *testing.T) {
	var got channel.IncomingMessage
	a := New(func(ctx context.Context, msg channel.IncomingMessage) string {
		got = msg
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "inline processing must be bounded by the skill window")
		require.WithinDuration(t, time.Now().Add(skillWindow), deadline, time.Second)
		return "안녕하세요!"
	})

	resp := a.HandleWebhook(channel.WebhookRequest{Body: skillBody("K1", " 날씨 알려줘 ")})

	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Messages, "kakao messages are consumed inline, never enqueued")

	assert.Equal(t, "kakao", got.Channel)
	assert.Equal(t, "K1", got.SenderID)
	assert.Equal(t, "날씨 알려줘", got.Text)

	outputs := decodeTemplate(t, resp.Body)
	require.Len(t, outputs, 1)
	simple := outputs[0].(map[string]interface{})["simpleText"].(map[string]interface{})
	assert.Equal(t, "안녕하세요!", simple["text"])
}

func TestHandleWebhook_GatedReplyRendersNothing(t *testing.T) {
	a := New(func(ctx context.Context, msg channel.IncomingMessage) string { return "" })

	resp := a.HandleWebhook(channel.WebhookRequest{Body: skillBody("K1", "blocked text")})

	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, decodeTemplate(t, resp.Body), "silent drop must yield an empty outputs list")
}

func TestHandleWebhook_EmptyUtteranceSkipsPipeline(t *testing.T) {
	called := false
	a := New(func(ctx context.Context, msg channel.IncomingMessage) string {
		called = true
		return "should not happen"
	})

	resp := a.HandleWebhook(channel.WebhookRequest{Body: skillBody("K1", "   ")})

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, called)
	assert.Empty(t, decodeTemplate(t, resp.Body))
}

func TestHandleWebhook_MalformedIs400(t *testing.T) {
	a := New(func(ctx context.Context, msg channel.IncomingMessage) string { return "x" })

	resp := a.HandleWebhook(channel.WebhookRequest{Body: []byte(`no json`)})

	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestDeliver_PushUnsupported(t *testing.T) {
	a := New(func(ctx context.Context, msg channel.IncomingMessage) string { return "" })
	assert.False(t, a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "K1", Text: "hi"}))
}

func TestIsConfigured(t *testing.T) {
	a := New(nil)
	assert.False(t, a.IsConfigured(map[string]string{}))
	assert.False(t, a.IsConfigured(map[string]string{KeyEnabled: "false"}))
	assert.True(t, a.IsConfigured(map[string]string{KeyEnabled: "true"}))
	assert.True(t, a.IsConfigured(map[string]string{KeyEnabled: "TRUE"}))
}
