package ai

import "encoding/json"

// Frame is the duplex wire envelope spoken with the agent endpoint. Requests
// carry method+params, responses echo the request id with ok/payload, events
// arrive unsolicited with an event tag.
type Frame struct {
	Type    string          `json:"type"` // req | res | event
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the failure detail of a res frame.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame type tags.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Chat event states.
const (
	stateStreaming = "streaming"
	stateFinal     = "final"
	stateError     = "error"
)

// connectParams identifies the gateway to the agent endpoint.
type connectParams struct {
	Client connectClient `json:"client"`
	Auth   *connectAuth  `json:"auth,omitempty"`
	Scopes []string      `json:"scopes"`
}

type connectClient struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// chatSendParams starts one chat turn.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`
}

// chatEventPayload is the body of a chat event frame.
type chatEventPayload struct {
	State   string       `json:"state"`
	Delta   string       `json:"delta,omitempty"`
	Message *chatMessage `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type chatMessage struct {
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text concatenates the text parts of a final message.
func (m *chatMessage) text() string {
	if m == nil {
		return ""
	}
	out := ""
	for _, part := range m.Content {
		if part.Type == "" || part.Type == "text" {
			out += part.Text
		}
	}
	return out
}
