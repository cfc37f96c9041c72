// Package auth implements identity linking against the community API and the
// authorization gate that decides whether a Telegram user may use the bot.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/parsascontentcorner/towerbot/internal/config"
)

const (
	authorizePath = "/o/authorize/"
	tokenPath     = "/o/token/" //nolint:gosec // Not a hardcoded credential, just an API endpoint path
	profilePath   = "/auth/users/me/"
)

// Profile is the community account behind an access token
type Profile struct {
	ID       string
	Username string
	Email    string
}

// ProviderError carries a non-2xx answer from the community API. Its body is
// for logs only.
type ProviderError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("community API %s returned status %d", e.Endpoint, e.Status)
}

// CommunityClient talks to the community API's OAuth and profile endpoints
type CommunityClient struct {
	config     *oauth2.Config
	baseURL    string // configurable for testing
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCommunityClient creates a client for the configured provider
func NewCommunityClient(cfg *config.OAuthConfig, redirectURI string, logger *zap.Logger) *CommunityClient {
	cc := &CommunityClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURI,
			Scopes:       cfg.Scopes,
		},
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	cc.SetBaseURL(cfg.BaseURL)
	return cc
}

// SetBaseURL points the client at another provider (used for testing)
func (cc *CommunityClient) SetBaseURL(base string) {
	base = strings.TrimRight(base, "/")
	cc.baseURL = base
	cc.config.Endpoint = oauth2.Endpoint{
		AuthURL:   base + authorizePath,
		TokenURL:  base + tokenPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// AuthURL builds the authorization URL for one attempt. state carries the
// Telegram identity so the callback can recover it.
func (cc *CommunityClient) AuthURL(state, verifier string) string {
	return cc.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// tokenResponse accepts both snake_case and camelCase field names
type tokenResponse struct {
	AccessToken       string          `json:"access_token"`
	AccessTokenCamel  string          `json:"accessToken"`
	TokenType         string          `json:"token_type"`
	TokenTypeCamel    string          `json:"tokenType"`
	RefreshToken      string          `json:"refresh_token"`
	RefreshTokenCamel string          `json:"refreshToken"`
	ExpiresIn         json.RawMessage `json:"expires_in"`
	ExpiresInCamel    json.RawMessage `json:"expiresIn"`
}

func (tr *tokenResponse) token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  firstNonEmpty(tr.AccessToken, tr.AccessTokenCamel),
		TokenType:    firstNonEmpty(tr.TokenType, tr.TokenTypeCamel, "Bearer"),
		RefreshToken: firstNonEmpty(tr.RefreshToken, tr.RefreshTokenCamel),
	}
	raw := tr.ExpiresIn
	if len(raw) == 0 {
		raw = tr.ExpiresInCamel
	}
	if secs := parseFlexibleInt(raw); secs > 0 {
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return tok
}

// ExchangeCode trades an authorization code and its PKCE verifier for a token
func (cc *CommunityClient) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cc.config.RedirectURL},
		"client_id":     {cc.config.ClientID},
		"client_secret": {cc.config.ClientSecret},
		"code_verifier": {verifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := cc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			cc.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Endpoint: tokenPath, Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	tok := tr.token()
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}

	cc.logger.Debug("successfully exchanged code for token",
		zap.String("token_type", tok.TokenType),
		zap.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// FetchProfile resolves the account behind token. The id may be a JSON
// string or number.
func (cc *CommunityClient) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cc.httpClient)
	client := cc.config.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cc.baseURL+profilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			cc.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Endpoint: profilePath, Status: resp.StatusCode, Body: string(body)}
	}

	var raw struct {
		ID       json.RawMessage `json:"id"`
		Username string          `json:"username"`
		Email    string          `json:"email"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	return &Profile{
		ID:       flexibleID(raw.ID),
		Username: raw.Username,
		Email:    raw.Email,
	}, nil
}

// flexibleID renders a JSON string or number id as text. null and empty give "".
func flexibleID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseFlexibleInt(raw json.RawMessage) int64 {
	id := flexibleID(raw)
	if id == "" {
		return 0
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(id, 64); err == nil {
		return int64(f)
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
