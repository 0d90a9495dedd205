// Package telegram bridges the Telegram Bot API to the gateway over
// getUpdates long-polling. tgbotapi owns the poll loop and retries transport
// failures internally; the adapter filters bot echoes and fans valid text
// messages into the registered handler.
package telegram

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ocx/gateway/pkg/channel"
)

// KeyBotToken is the only config key this adapter consumes.
const KeyBotToken = "TELEGRAM_BOT_TOKEN"

const channelTag = "telegram"

// defaultPollTimeout is the getUpdates long-poll window in seconds. The HTTP
// client timeout must exceed it or every idle poll would error out.
const defaultPollTimeout = 60

// Adapter is the Telegram channel plugin.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	handler channel.MessageHandler
	logger  *log.Logger

	// apiEndpoint overrides the Bot API base in tests; pollTimeout shrinks
	// the long-poll window so tests finish quickly.
	apiEndpoint string
	pollTimeout int

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an unconfigured Telegram adapter.
func New() *Adapter {
	return &Adapter{
		logger:      log.New(log.Writer(), "[TELEGRAM] ", log.LstdFlags),
		pollTimeout: defaultPollTimeout,
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Telegram" }

// OnMessage registers the handler the update loop feeds. Must be called
// before Initialize.
func (a *Adapter) OnMessage(h channel.MessageHandler) { a.handler = h }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyBotToken] != ""
}

// Initialize performs the getMe handshake (rejecting bad tokens at boot) and
// starts the update loop.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	endpoint := a.apiEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpClient := &http.Client{Timeout: time.Duration(a.pollTimeout)*time.Second + 15*time.Second}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg[KeyBotToken], endpoint, httpClient)
	if err != nil {
		return fmt.Errorf("telegram handshake failed: %w", err)
	}
	a.bot = bot

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.updateLoop(loopCtx)

	a.logger.Printf("✅ Connected as @%s", bot.Self.UserName)
	return nil
}

// updateLoop drains GetUpdatesChan until shutdown. tgbotapi retries failed
// polls on its own, so a single channel lives for the adapter's lifetime.
func (a *Adapter) updateLoop(ctx context.Context) {
	defer close(a.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.pollTimeout
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			a.dispatch(update.Message)
		}
	}
}

// dispatch converts one Telegram message into the canonical form. Messages
// authored by bots (this one included) and non-text payloads are dropped.
func (a *Adapter) dispatch(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || a.handler == nil {
		return
	}

	groupID := ""
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		groupID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	name := msg.From.UserName
	if name == "" {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	a.handler(channel.IncomingMessage{
		Channel:    channelTag,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: name,
		Text:       text,
		MessageID:  strconv.Itoa(msg.MessageID),
		GroupID:    groupID,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		Meta:       map[string]string{"chat_id": strconv.FormatInt(msg.Chat.ID, 10)},
	})
}

// HandleWebhook exists to satisfy the contract; Telegram ingress rides the
// long-poll loop, so pushes to this endpoint carry nothing actionable.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, Body: "telegram ingress uses getUpdates long-polling; nothing to deliver here"}
}

// Deliver sends one message. The chat id comes from delivery meta when the
// reply targets the originating chat, falling back to the thread and finally
// to the recipient id (private chats share the user's id).
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	if a.bot == nil {
		a.logger.Printf("❌ Deliver called before Initialize")
		return false
	}

	chatID, err := a.targetChat(p)
	if err != nil {
		a.logger.Printf("❌ No deliverable chat: %v", err)
		return false
	}

	out := tgbotapi.NewMessage(chatID, p.Text)
	if replyTo, err := strconv.Atoi(p.ReplyToID); err == nil {
		out.ReplyToMessageID = replyTo
	}

	if _, err := a.bot.Send(out); err != nil {
		a.logger.Printf("❌ Send to chat %d failed: %v", chatID, err)
		return false
	}
	return true
}

func (a *Adapter) targetChat(p channel.DeliveryParams) (int64, error) {
	for _, candidate := range []string{p.Meta["chat_id"], p.ThreadID, p.RecipientID} {
		if candidate == "" {
			continue
		}
		id, err := strconv.ParseInt(candidate, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chat id %q is not numeric", candidate)
		}
		return id, nil
	}
	return 0, fmt.Errorf("no chat id in delivery params")
}

// Shutdown stops the poll loop and waits for it to drain.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.stopOnce.Do(a.bot.StopReceivingUpdates)
	a.cancel()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
