// Package slack bridges the Slack Events API to the gateway. Ingress is the
// events webhook (v0 request signing, url_verification handshake); egress
// goes through chat.postMessage via the slack-go client.
package slack

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	KeyBotToken      = "SLACK_BOT_TOKEN"
	KeySigningSecret = "SLACK_SIGNING_SECRET"
)

const channelTag = "slack"

// Adapter is the Slack channel plugin.
type Adapter struct {
	signingSecret string
	botUserID     string
	botID         string

	api    *slackapi.Client
	logger *log.Logger

	// apiURL overrides the Slack API base for tests. Must end with "/".
	apiURL string
}

// New creates an unconfigured Slack adapter.
func New() *Adapter {
	return &Adapter{
		logger: log.New(log.Writer(), "[SLACK] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Slack" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyBotToken] != "" && cfg[KeySigningSecret] != ""
}

// Initialize runs auth.test and caches the bot's own user id so its echoes
// can be dropped from the event stream.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.signingSecret = cfg[KeySigningSecret]

	opts := []slackapi.Option{}
	if a.apiURL != "" {
		opts = append(opts, slackapi.OptionAPIURL(a.apiURL))
	}
	a.api = slackapi.New(cfg[KeyBotToken], opts...)

	identity, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return err
	}
	a.botUserID = identity.UserID
	a.botID = identity.BotID

	a.logger.Printf("✅ Connected as %s (team %s)", identity.User, identity.Team)
	return nil
}

// HandleWebhook verifies the v0 signature (including timestamp freshness),
// answers url_verification handshakes, and turns message events into
// canonical messages. Bot-authored events are dropped to break reply loops.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	verifier, err := slackapi.NewSecretsVerifier(req.Headers, a.signingSecret)
	if err != nil {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid signature"}
	}
	if _, err := verifier.Write(req.Body); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "unreadable body"}
	}
	if err := verifier.Ensure(); err != nil {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid signature"}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(req.Body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(req.Body, &challenge); err != nil {
			return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed challenge"}
		}
		return channel.WebhookResponse{Status: http.StatusOK, Body: challenge.Challenge}

	case slackevents.CallbackEvent:
		if msg, ok := a.messageFrom(event.InnerEvent); ok {
			return channel.WebhookResponse{Status: http.StatusOK, Messages: []channel.IncomingMessage{msg}}
		}
		return channel.WebhookResponse{Status: http.StatusOK}

	default:
		return channel.WebhookResponse{Status: http.StatusOK}
	}
}

// messageFrom extracts a canonical message from a callback event. Edits,
// bot posts, and empty bodies produce nothing.
func (a *Adapter) messageFrom(inner slackevents.EventsAPIInnerEvent) (channel.IncomingMessage, bool) {
	ev, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return channel.IncomingMessage{}, false
	}

	if ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == a.botUserID {
		return channel.IncomingMessage{}, false
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return channel.IncomingMessage{}, false
	}

	meta := map[string]string{"channel": ev.Channel}
	if ev.ThreadTimeStamp != "" {
		meta["thread_ts"] = ev.ThreadTimeStamp
	}

	groupID := ""
	if ev.ChannelType != "im" {
		groupID = ev.Channel
	}

	return channel.IncomingMessage{
		Channel:   channelTag,
		SenderID:  ev.User,
		Text:      text,
		MessageID: ev.TimeStamp,
		GroupID:   groupID,
		Timestamp: slackTime(ev.TimeStamp),
		Meta:      meta,
	}, true
}

// Deliver posts the reply into the originating conversation, staying in the
// thread when the inbound message was threaded. Posting to a bare user id
// opens the DM.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	target := p.Meta["channel"]
	if target == "" {
		target = p.ThreadID
	}
	if target == "" {
		target = p.RecipientID
	}

	opts := []slackapi.MsgOption{slackapi.MsgOptionText(p.Text, false)}
	if ts := p.Meta["thread_ts"]; ts != "" {
		opts = append(opts, slackapi.MsgOptionTS(ts))
	}

	if _, _, err := a.api.PostMessageContext(ctx, target, opts...); err != nil {
		a.logger.Printf("❌ Post to %s failed: %v", target, err)
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// slackTime converts a "1629735468.000400" event timestamp, zero on parse
// failure.
func slackTime(ts string) time.Time {
	seconds, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
