// Package discord bridges Discord to the gateway over a persistent gateway
// socket. discordgo owns the connection, heartbeats and reconnects; the
// adapter converts MessageCreate events into canonical messages and sends
// replies through the REST API, creating DM channels on demand.
package discord

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// KeyBotToken is the only config key this adapter consumes.
const KeyBotToken = "DISCORD_BOT_TOKEN"

const channelTag = "discord"

// session is the slice of *discordgo.Session the adapter uses, narrowed so
// tests can drive the adapter without a live gateway connection.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// newSession builds the production discordgo session with the intents the
// adapter needs. Message content is a privileged intent and must also be
// enabled in the Discord developer portal.
func newSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return s, nil
}

// Adapter is the Discord channel plugin.
type Adapter struct {
	sess      session
	botUserID string

	handler channel.MessageHandler
	logger  *log.Logger

	// dial is the session factory, replaced by tests.
	dial func(token string) (session, error)

	removeHandler func()

	mu         sync.Mutex
	dmChannels map[string]string // user id -> DM channel id
}

// New creates an unconfigured Discord adapter.
func New() *Adapter {
	return &Adapter{
		logger:     log.New(log.Writer(), "[DISCORD] ", log.LstdFlags),
		dial:       newSession,
		dmChannels: make(map[string]string),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Discord" }

// OnMessage registers the sink for messages produced by the gateway socket.
// Must be called before Initialize.
func (a *Adapter) OnMessage(h channel.MessageHandler) { a.handler = h }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyBotToken] != ""
}

// Initialize checks the token against /users/@me, caches the bot's own id so
// its echoes can be dropped, and opens the gateway socket.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	sess, err := a.dial(cfg[KeyBotToken])
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	me, err := sess.User("@me")
	if err != nil {
		return fmt.Errorf("discord token rejected: %w", err)
	}
	a.botUserID = me.ID

	a.removeHandler = sess.AddHandler(a.onMessageCreate)
	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	a.sess = sess

	a.logger.Printf("✅ Connected as %s#%s", me.Username, me.Discriminator)
	return nil
}

// onMessageCreate converts one gateway event into the canonical form. Bot
// authors (this bot included) and empty bodies are dropped; guild messages
// carry the text channel as the group id, DMs carry none.
func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" || a.handler == nil {
		return
	}

	groupID := ""
	if m.GuildID != "" {
		groupID = m.ChannelID
	}

	a.handler(channel.IncomingMessage{
		Channel:    channelTag,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       text,
		MessageID:  m.ID,
		GroupID:    groupID,
		Timestamp:  m.Timestamp,
		Meta:       map[string]string{"channel_id": m.ChannelID},
	})
}

// HandleWebhook exists to satisfy the contract; Discord ingress rides the
// gateway socket.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, Body: "discord ingress uses the gateway socket; nothing to deliver here"}
}

// Deliver sends one message. The originating channel travels in Meta; when
// absent the reply goes to a DM channel with the recipient, created on first
// use and cached.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	if a.sess == nil {
		a.logger.Printf("❌ Deliver called before Initialize")
		return false
	}

	channelID := p.Meta["channel_id"]
	if channelID == "" {
		channelID = p.ThreadID
	}
	if channelID == "" {
		var err error
		channelID, err = a.dmChannel(p.RecipientID)
		if err != nil {
			a.logger.Printf("❌ DM channel for %s: %v", auth.AuditTag(p.RecipientID), err)
			return false
		}
	}

	send := &discordgo.MessageSend{Content: p.Text}
	if p.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: p.ReplyToID, ChannelID: channelID}
	}

	if _, err := a.sess.ChannelMessageSendComplex(channelID, send); err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", channelID, err)
		return false
	}
	return true
}

// Shutdown closes the gateway socket.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.sess == nil {
		return nil
	}
	if a.removeHandler != nil {
		a.removeHandler()
	}
	return a.sess.Close()
}

// dmChannel returns the DM channel shared with userID, creating it once.
func (a *Adapter) dmChannel(userID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.dmChannels[userID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	ch, err := a.sess.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.dmChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}
