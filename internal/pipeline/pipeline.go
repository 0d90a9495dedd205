// Package pipeline runs every inbound message through the gateway's gate
// sequence: allowlist, rate limit, input validation, sensitive-data masking,
// AI dispatch, delivery. Step order is load-bearing; a message stopped at a
// gate never reaches the next one.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ocx/gateway/internal/ai"
	"github.com/ocx/gateway/internal/allowlist"
	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/filter"
	"github.com/ocx/gateway/internal/monitoring"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/pkg/channel"
)

// User-facing texts. Provider errors are never surfaced verbatim.
const (
	// PolicyMessage replaces replies to messages with blocking threats.
	PolicyMessage = "Your message was blocked by our security policy. Please rephrase and try again."

	// ApologyMessage is delivered when every AI tier failed.
	ApologyMessage = "Sorry, something went wrong while processing your message. Please try again in a moment."
)

// Responder produces an AI reply for a sanitized request.
type Responder interface {
	Dispatch(ctx context.Context, req *ai.Request) (*ai.Result, error)
}

// Pipeline holds the gate dependencies. Events and metrics are optional.
type Pipeline struct {
	limiter   *ratelimit.Limiter
	allow     *allowlist.Allowlist
	registry  *channel.Registry
	responder Responder
	events    events.EventEmitter
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

// New wires the pipeline.
func New(limiter *ratelimit.Limiter, allow *allowlist.Allowlist, registry *channel.Registry,
	responder Responder, emitter events.EventEmitter, metrics *monitoring.Metrics) *Pipeline {
	return &Pipeline{
		limiter:   limiter,
		allow:     allow,
		registry:  registry,
		responder: responder,
		events:    emitter,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// ProcessMessage runs the full gate sequence and delivers the reply through
// the message's channel adapter. Never panics across the adapter boundary.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg channel.IncomingMessage) {
	reply, gated := p.produceReply(ctx, msg)
	if reply == "" {
		if gated != "" {
			p.record(msg.Channel, gated)
		}
		return
	}

	delivered := p.deliverReply(ctx, msg, reply)
	switch {
	case gated != "":
		p.record(msg.Channel, gated)
	case delivered:
		p.record(msg.Channel, monitoring.OutcomeDelivered)
		p.emit(events.TypeMessageDelivered, msg.Channel, auth.AuditTag(msg.SenderID), nil)
	default:
		p.record(msg.Channel, monitoring.OutcomeDeliveryError)
	}
}

// ProcessSync runs the gate sequence and returns the reply text instead of
// delivering it. Used by adapters whose platform demands the reply inside
// the webhook response. Empty string means silent drop.
func (p *Pipeline) ProcessSync(ctx context.Context, msg channel.IncomingMessage) string {
	reply, gated := p.produceReply(ctx, msg)
	if gated != "" {
		p.record(msg.Channel, gated)
	} else if reply != "" {
		p.record(msg.Channel, monitoring.OutcomeDelivered)
		p.emit(events.TypeMessageDelivered, msg.Channel, auth.AuditTag(msg.SenderID), nil)
	}
	return reply
}

// produceReply walks gates 1-5. The returned gate outcome is empty when the
// message reached the AI and got a reply; an empty reply means nothing
// should be sent.
func (p *Pipeline) produceReply(ctx context.Context, msg channel.IncomingMessage) (string, string) {
	tag := auth.AuditTag(msg.SenderID)
	p.emit(events.TypeMessageReceived, msg.Channel, tag, nil)

	// 1. Allowlist: denial is silent.
	if !p.allow.IsAllowed(msg.Channel, msg.SenderID, msg.GroupID) {
		p.logger.Printf("🚫 Dropped %s message from %s (not allowlisted)", msg.Channel, tag)
		p.emit(events.TypeAllowlistDenied, msg.Channel, tag, nil)
		return "", monitoring.OutcomeDenied
	}

	// 2. Rate limit: denial reason goes back to the sender.
	if rl := p.limiter.Check(msg.Channel, msg.SenderID); !rl.Allowed {
		p.logger.Printf("⏳ Rate limited %s on %s: %s", tag, msg.Channel, rl.Reason)
		p.emit(events.TypeRateLimitHit, msg.Channel, tag, map[string]interface{}{
			"strikes": rl.Strikes,
			"banned":  rl.Banned,
		})
		if p.metrics != nil {
			reason := "window"
			if rl.Banned {
				reason = "banned"
			} else if rl.Strikes > 0 {
				reason = "cooldown"
			}
			p.metrics.RecordRateLimitDenial(msg.Channel, reason)
		}
		return rl.Reason, monitoring.OutcomeRateLimited
	}

	// 3. Validate. Only blocking threats stop the message; over-length text
	// continues sanitized.
	v := filter.ValidateInput(msg.Text)
	if !v.Safe {
		p.emit(events.TypeInputSuspicious, msg.Channel, tag, map[string]interface{}{
			"threats": v.Threats,
		})
		if p.metrics != nil {
			for _, threat := range v.Threats {
				p.metrics.RecordThreat(msg.Channel, threat)
			}
		}
		if filter.HasBlockingThreat(v.Threats) {
			p.logger.Printf("🛡️ Blocked %s message from %s: %s", msg.Channel, tag, strings.Join(v.Threats, ","))
			return PolicyMessage, monitoring.OutcomeBlocked
		}
	}
	text := v.Sanitized

	// 4. Mask for the storage copy. The AI sees the unmasked sanitized text.
	storageCopy := text
	if m := filter.DetectAndMaskSensitiveData(text); m.Detected {
		p.logger.Printf("🔒 Masked %s data in %s message from %s", strings.Join(m.Types, ","), msg.Channel, tag)
		p.emit(events.TypeSensitiveMasked, msg.Channel, tag, map[string]interface{}{
			"types": m.Types,
		})
		if p.metrics != nil {
			for _, kind := range m.Types {
				p.metrics.RecordMasked(msg.Channel, kind)
			}
		}
		storageCopy = m.Masked
	}

	// 5. Dispatch. Any failure becomes the apology.
	result, err := p.dispatch(ctx, &ai.Request{
		UserID:            ai.UserID(msg.Channel, msg.SenderID),
		SessionID:         ai.SessionKey(msg.Channel, msg.SenderID),
		Channel:           msg.Channel,
		Content:           text,
		ContentForStorage: storageCopy,
	})
	if err != nil {
		p.logger.Printf("❌ AI dispatch failed for %s %s: %v", msg.Channel, tag, err)
		p.emit(events.TypeAIFallback, msg.Channel, tag, map[string]interface{}{
			"error": err.Error(),
		})
		return ApologyMessage, monitoring.OutcomeApology
	}
	if result.Reply == "" {
		p.logger.Printf("⚠️ Empty AI reply for %s %s, nothing to deliver", msg.Channel, tag)
		return "", ""
	}
	return result.Reply, ""
}

// dispatch shields the pipeline from a panicking responder.
func (p *Pipeline) dispatch(ctx context.Context, req *ai.Request) (result *ai.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	return p.responder.Dispatch(ctx, req)
}

// deliverReply hands the reply to the channel adapter. Failures are logged,
// never retried.
func (p *Pipeline) deliverReply(ctx context.Context, msg channel.IncomingMessage, reply string) bool {
	adapter, ok := p.registry.Get(msg.Channel)
	if !ok || !p.registry.IsInitialized(msg.Channel) {
		p.logger.Printf("❌ No active adapter for channel %s", msg.Channel)
		return false
	}

	delivered := adapter.Deliver(ctx, channel.DeliveryParams{
		RecipientID: msg.SenderID,
		Text:        reply,
		ReplyToID:   msg.MessageID,
		ThreadID:    msg.GroupID,
		Meta:        msg.Meta,
	})
	if p.metrics != nil {
		p.metrics.RecordDelivery(msg.Channel, delivered)
	}
	if !delivered {
		p.logger.Printf("❌ Delivery failed on %s for %s", msg.Channel, auth.AuditTag(msg.SenderID))
	}
	return delivered
}

func (p *Pipeline) emit(eventType, channelTag, subject string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["channel"] = channelTag
	p.events.Emit(eventType, "/webhook/"+channelTag, subject, data)
}

func (p *Pipeline) record(channelTag, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordMessage(channelTag, outcome)
	}
}
