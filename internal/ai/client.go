package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/auth"
)

// DefaultRestTimeout bounds one backend chat call.
const DefaultRestTimeout = 60 * time.Second

// MoaClient is the signed REST client for the AI backend.
type MoaClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// chatRequest is the backend wire format.
type chatRequest struct {
	UserID            string `json:"user_id"`
	SessionID         string `json:"session_id"`
	Content           string `json:"content"`
	Channel           string `json:"channel"`
	ContentForStorage string `json:"content_for_storage,omitempty"`
}

// NewMoaClient creates a backend client. Every request body is HMAC-signed
// so the backend can verify the gateway originated it.
func NewMoaClient(baseURL, secret string, timeout time.Duration) *MoaClient {
	if timeout <= 0 {
		timeout = DefaultRestTimeout
	}
	return &MoaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Chat posts one message and returns the backend reply. Missing response
// fields get defaults so callers never see half-empty results.
func (c *MoaClient) Chat(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		Content:           req.Content,
		Channel:           req.Channel,
		ContentForStorage: req.ContentForStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Gateway-Auth", auth.SignRequest(string(body), c.secret))
	httpReq.Header.Set("X-Gateway-Channel", req.Channel)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode backend reply: %w", err)
	}

	applyDefaults(&result)
	result.Tier = TierRest
	return &result, nil
}

// HealthCheck verifies the backend is reachable.
func (c *MoaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}

func applyDefaults(r *Result) {
	if r.Model == "" {
		r.Model = "unknown"
	}
	if r.Category == "" {
		r.Category = "general"
	}
	if r.KeySource == "" {
		r.KeySource = "platform"
	}
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}
