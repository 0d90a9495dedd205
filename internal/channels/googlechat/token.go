package googlechat

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSlack is subtracted from the platform expiry; a token inside the
// slack window is re-minted instead of served.
const tokenSlack = 60 * time.Second

const chatScope = "https://www.googleapis.com/auth/chat.bot"

// serviceAccount is the subset of a Google service-account JSON key the
// adapter needs.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// tokenSource mints OAuth2 access tokens from a service-account key via the
// JWT-bearer grant and caches them until expiry minus tokenSlack. The mutex
// is held across a refresh, so at most one refresh is in flight per source.
type tokenSource struct {
	email      string
	key        *rsa.PrivateKey
	tokenURL   string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	// now is a test seam.
	now func() time.Time
}

func newTokenSource(sa serviceAccount, client *http.Client) (*tokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service-account key: %w", err)
	}
	if sa.ClientEmail == "" {
		return nil, fmt.Errorf("service account missing client_email")
	}
	tokenURL := sa.TokenURI
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	return &tokenSource{
		email:      sa.ClientEmail,
		key:        key,
		tokenURL:   tokenURL,
		httpClient: client,
		now:        time.Now,
	}, nil
}

// Token returns a valid access token, re-minting when the cached one is
// expired or inside the slack window.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenSlack)) {
		return ts.token, nil
	}

	token, expiresIn, err := ts.mint(ctx)
	if err != nil {
		return "", err
	}

	ts.token = token
	ts.expiresAt = ts.now().Add(time.Duration(expiresIn) * time.Second)
	return token, nil
}

func (ts *tokenSource) mint(ctx context.Context) (string, int, error) {
	now := ts.now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   ts.email,
		"scope": chatScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	signed, err := assertion.SignedString(ts.key)
	if err != nil {
		return "", 0, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {signed},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", 0, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("token exchange returned empty access_token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.ExpiresIn, nil
}
