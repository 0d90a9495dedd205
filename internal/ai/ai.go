// Package ai dispatches sanitized messages to the AI provider. Two tiers:
// a duplex agent endpoint tried first when configured, then the signed REST
// backend. The pipeline owns the apology when both fail.
package ai

import "fmt"

// Request carries one sanitized message into a dispatch attempt.
type Request struct {
	UserID            string
	SessionID         string
	Channel           string
	Content           string
	ContentForStorage string // masked copy, persisted by the backend
}

// Result is the provider's reply with its accounting fields.
type Result struct {
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	Category         string `json:"category"`
	CreditsUsed      int    `json:"credits_used"`
	CreditsRemaining *int   `json:"credits_remaining,omitempty"`
	KeySource        string `json:"key_source"`
	Timestamp        string `json:"timestamp"`
	Tier             string `json:"-"`
}

// Dispatch tiers recorded in metrics and logs.
const (
	TierOpenclaw = "openclaw"
	TierRest     = "rest"
)

// UserID derives the stable provider-side user identity for a sender.
func UserID(channel, senderID string) string {
	return fmt.Sprintf("gateway_%s_%s", channel, senderID)
}

// SessionKey derives the conversation session id for a sender.
func SessionKey(channel, senderID string) string {
	return fmt.Sprintf("gw_%s_%s", channel, senderID)
}
