// Package kakao bridges a KakaoTalk i Open Builder skill server to the
// gateway. Kakao gives a skill five seconds to answer inside the webhook
// response, so this adapter is the one ingress path that runs the pipeline
// synchronously instead of enqueueing.
package kakao

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/gateway/pkg/channel"
)

// KeyEnabled switches the adapter on; the skill server needs no credentials
// beyond the webhook URL registered in Open Builder.
const KeyEnabled = "KAKAO_SKILL_ENABLED"

const channelTag = "kakao"

// skillWindow is the synchronous budget. Kakao aborts the request at 5 s;
// answering inside 4.5 s leaves room for the response to travel.
const skillWindow = 4500 * time.Millisecond

// ReplyFunc produces the reply for one message inline. An empty string means
// nothing should be shown (the message was gated).
type ReplyFunc func(ctx context.Context, msg channel.IncomingMessage) string

// Adapter is the KakaoTalk skill-server channel plugin.
type Adapter struct {
	reply  ReplyFunc
	logger *log.Logger
}

// skillRequest is the Open Builder payload; only the user utterance matters.
type skillRequest struct {
	UserRequest struct {
		Utterance string `json:"utterance"`
		User      struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"user"`
	} `json:"userRequest"`
}

// New creates a Kakao adapter that answers through reply.
func New(reply ReplyFunc) *Adapter {
	return &Adapter{
		reply:  reply,
		logger: log.New(log.Writer(), "[KAKAO] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "KakaoTalk" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return strings.EqualFold(cfg[KeyEnabled], "true")
}

func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.logger.Printf("✅ Skill server ready")
	return nil
}

// HandleWebhook answers one skill call. The reply is produced inside the
// skill window and wrapped in the version-2.0 template; a gated (empty)
// reply answers with no outputs so Kakao renders nothing.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	var skill skillRequest
	if err := json.Unmarshal(req.Body, &skill); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	utterance := strings.TrimSpace(skill.UserRequest.Utterance)
	if skill.UserRequest.User.ID == "" || utterance == "" {
		return channel.WebhookResponse{Status: http.StatusOK, Body: skillResponse("")}
	}

	msg := channel.IncomingMessage{
		Channel:   channelTag,
		SenderID:  skill.UserRequest.User.ID,
		Text:      utterance,
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), skillWindow)
	defer cancel()

	return channel.WebhookResponse{Status: http.StatusOK, Body: skillResponse(a.reply(ctx, msg))}
}

// Deliver always fails: a skill server has no push path, replies only exist
// inside the webhook response.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	a.logger.Printf("⚠️ Kakao skill server cannot push messages; reply dropped")
	return false
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// skillResponse wraps text in the Open Builder response template. Empty text
// yields an empty outputs list.
func skillResponse(text string) string {
	outputs := []map[string]interface{}{}
	if text != "" {
		outputs = append(outputs, map[string]interface{}{
			"simpleText": map[string]string{"text": text},
		})
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"version":  "2.0",
		"template": map[string]interface{}{"outputs": outputs},
	})
	return string(raw)
}
