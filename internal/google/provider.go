package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// requestTimeout bounds every upstream call so a slow identity provider
// cannot hold a gateway handler open indefinitely.
const requestTimeout = 10 * time.Second

const defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// UserInfo is the subset of Google's userinfo response the gateway uses.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HostedDomain  string `json:"hd,omitempty"`
}

// Provider is the upstream identity provider contract. The HTTP layer
// depends on this interface so tests can substitute a fake.
type Provider interface {
	// AuthURL builds the consent screen URL. State round-trips through
	// Google and is verified at the callback.
	AuthURL(state string) string

	// Exchange redeems an authorization code for Google tokens.
	Exchange(ctx context.Context, code string) (*oauth.OAuthTokens, error)

	// Refresh obtains a fresh access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*oauth.OAuthTokens, error)

	// UserInfo fetches the identity claims for an access token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// Config carries the OAuth client credentials issued by the Google Cloud
// console plus the gateway's registered callback URL.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to DefaultScopes when empty.
	Scopes []string

	// Endpoint and UserInfoURL default to Google's production endpoints;
	// tests point them at a local fake.
	Endpoint    oauth2.Endpoint
	UserInfoURL string
}

// OAuth2Provider implements Provider against the real Google endpoints.
type OAuth2Provider struct {
	conf        *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewProvider creates a provider from client credentials.
func NewProvider(cfg Config) *OAuth2Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = googleoauth.Endpoint
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultUserInfoURL
	}

	return &OAuth2Provider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		userInfoURL: userInfoURL,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// AuthURL requests offline access and forces the consent screen so Google
// issues a refresh token on every login, not only the first.
func (p *OAuth2Provider) AuthURL(state string) string {
	return p.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange redeems an authorization code at the token endpoint.
func (p *OAuth2Provider) Exchange(ctx context.Context, code string) (*oauth.OAuthTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google code exchange failed: %w", err)
	}
	return fromOAuth2Token(token), nil
}

// Refresh trades a refresh token for a new access token. Google may rotate
// the refresh token; the caller must persist whatever comes back.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*oauth.OAuthTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	source := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("google token refresh failed: %w", err)
	}

	refreshed := fromOAuth2Token(token)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}

// UserInfo fetches identity claims with the given access token.
func (p *OAuth2Provider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, body)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("userinfo response missing email claim")
	}
	return &info, nil
}

// fromOAuth2Token converts the library token into the gateway's stored
// form. Expiry is carried as unix milliseconds.
func fromOAuth2Token(token *oauth2.Token) *oauth.OAuthTokens {
	tokens := &oauth.OAuthTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	if !token.Expiry.IsZero() {
		tokens.ExpiryDate = token.Expiry.UnixMilli()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens
}
