// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/networking"
)

const (
	// DefaultDiscordAPIBaseURL is the versioned Discord REST API root.
	DefaultDiscordAPIBaseURL = "https://discord.com/api/v10"

	// DefaultRequestsPerSecond is the local ceiling on outbound calls.
	DefaultRequestsPerSecond = 50

	// ProviderDiscord is the provider name recorded on sessions.
	ProviderDiscord = "discord"

	headerRateLimitResetAfter = "X-RateLimit-Reset-After"
	headerRetryAfter          = "Retry-After"
)

// DefaultDiscordScopes are the scopes needed to read identity and guild membership.
var DefaultDiscordScopes = []string{"identify", "guilds"}

// Compile-time interface compliance check.
var _ Provider = (*DiscordProvider)(nil)

// DiscordConfig configures the Discord provider.
type DiscordConfig struct {
	ClientID     string
	ClientSecret string
	// BotToken authenticates guild member lookups.
	BotToken string
	// RedirectURL is the absolute callback URL registered with the application.
	RedirectURL string
	// APIBaseURL defaults to DefaultDiscordAPIBaseURL.
	APIBaseURL string
	// Scopes defaults to DefaultDiscordScopes.
	Scopes []string
	// RequestsPerSecond defaults to DefaultRequestsPerSecond.
	RequestsPerSecond float64
}

// Validate checks that the required fields are set.
func (c *DiscordConfig) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("client ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client secret is required"))
	}
	if c.RedirectURL == "" {
		errs = append(errs, errors.New("redirect URL is required"))
	}
	if c.APIBaseURL != "" {
		if _, err := url.Parse(c.APIBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid API base URL: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DiscordProvider implements Provider against the Discord API.
type DiscordProvider struct {
	oauth      *oauth2.Config
	botToken   string
	baseURL    string
	revokeURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// DiscordOption configures a DiscordProvider.
type DiscordOption func(*DiscordProvider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DiscordOption {
	return func(p *DiscordProvider) {
		p.httpClient = client
	}
}

// WithRateLimiter replaces the local rate limiter.
func WithRateLimiter(limiter *rate.Limiter) DiscordOption {
	return func(p *DiscordProvider) {
		p.limiter = limiter
	}
}

// NewDiscordProvider creates a Discord provider.
func NewDiscordProvider(config *DiscordConfig, opts ...DiscordOption) (*DiscordProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	baseURL := strings.TrimRight(config.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultDiscordAPIBaseURL
	}
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultDiscordScopes
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}

	p := &DiscordProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL + "/oauth2/authorize",
				TokenURL:  baseURL + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		botToken:   config.BotToken,
		baseURL:    baseURL,
		revokeURL:  baseURL + "/oauth2/token/revoke",
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	logger.Infow("discord provider created",
		"api_base_url", baseURL,
		"client_id", config.ClientID,
		"scopes", strings.Join(scopes, " "),
		"has_bot_token", config.BotToken != "",
	)
	return p, nil
}

// Name returns the provider name.
func (*DiscordProvider) Name() string {
	return ProviderDiscord
}

// AuthorizationURL builds the consent URL carrying the state nonce.
func (p *DiscordProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *DiscordProvider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	if err := p.wait(ctx, p.oauth.Endpoint.TokenURL); err != nil {
		return nil, err
	}

	tok, err := p.oauth.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return nil, p.tokenError(err)
	}

	logger.Debugw("authorization code exchanged", "has_refresh_token", tok.RefreshToken != "")
	return p.tokensFrom(tok), nil
}

// RefreshTokens obtains new tokens with a refresh token.
func (p *DiscordProvider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	if err := p.wait(ctx, p.oauth.Endpoint.TokenURL); err != nil {
		return nil, err
	}

	// An empty access token forces the token source to hit the token endpoint.
	tok, err := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, p.tokenError(err)
	}

	logger.Debugw("tokens refreshed", "rotated_refresh_token", tok.RefreshToken != refreshToken)
	return p.tokensFrom(tok), nil
}

// RevokeToken revokes an access token.
func (p *DiscordProvider) RevokeToken(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return errors.New("access token is required")
	}
	if err := p.wait(ctx, p.revokeURL); err != nil {
		return err
	}

	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
	}
	return networking.SendForm(ctx, p.httpClient, p.revokeURL, form,
		networking.WithBasicAuth(p.oauth.ClientID, p.oauth.ClientSecret),
		networking.WithRetryAfter(p.retryAfter),
	)
}

// CurrentUser returns the identity behind the access token.
func (p *DiscordProvider) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	result, err := fetch[User](ctx, p, p.baseURL+"/users/@me", "Bearer", accessToken)
	if err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, errors.New("user response is missing an id")
	}
	return &result, nil
}

type discordGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserGroups returns the IDs of the guilds the user belongs to.
func (p *DiscordProvider) UserGroups(ctx context.Context, accessToken string) ([]string, error) {
	guilds, err := fetch[[]discordGuild](ctx, p, p.baseURL+"/users/@me/guilds", "Bearer", accessToken)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(guilds))
	for _, g := range guilds {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

type discordMember struct {
	Roles []string `json:"roles"`
}

// GroupRoles returns the roles userID holds in the guild, using the bot token.
func (p *DiscordProvider) GroupRoles(ctx context.Context, groupID, userID string) ([]string, error) {
	if p.botToken == "" {
		return nil, errors.New("bot token is required to read guild roles")
	}
	endpoint := fmt.Sprintf("%s/guilds/%s/members/%s", p.baseURL, url.PathEscape(groupID), url.PathEscape(userID))
	member, err := fetch[discordMember](ctx, p, endpoint, "Bot", p.botToken)
	if err != nil {
		return nil, err
	}
	return member.Roles, nil
}

func fetch[T any](ctx context.Context, p *DiscordProvider, endpoint, scheme, token string) (T, error) {
	var zero T
	if err := p.wait(ctx, endpoint); err != nil {
		return zero, err
	}
	result, err := networking.FetchJSON[T](ctx, p.httpClient, endpoint,
		networking.WithBearerToken(scheme, token),
		networking.WithRetryAfter(p.retryAfter),
	)
	if err != nil {
		return zero, err
	}
	return result.Data, nil
}

// wait blocks on the local limiter. A cancelled wait is reported as a
// transport failure so callers classify it like any other lost request.
func (p *DiscordProvider) wait(ctx context.Context, endpoint string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return &networking.HTTPError{URL: endpoint, Err: fmt.Errorf("rate limit wait failed: %w", err)}
	}
	return nil
}

func (p *DiscordProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *DiscordProvider) tokensFrom(tok *oauth2.Token) *Tokens {
	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = tok.Expiry.Sub(p.now())
	}
	scope, _ := tok.Extra("scope").(string)
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresIn:    expiresIn,
	}
}

// tokenError converts an oauth2 grant failure into *networking.HTTPError.
func (p *DiscordProvider) tokenError(err error) error {
	tokenURL := p.oauth.Endpoint.TokenURL
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		body := string(retrieveErr.Body)
		if len(body) > networking.DefaultErrorPreviewSize {
			body = body[:networking.DefaultErrorPreviewSize]
		}
		return &networking.HTTPError{
			StatusCode: retrieveErr.Response.StatusCode,
			Body:       body,
			URL:        tokenURL,
			RetryAfter: p.retryAfter(retrieveErr.Response, retrieveErr.Body),
		}
	}
	return &networking.HTTPError{URL: tokenURL, Err: err}
}

// retryAfter reads Discord's rate-limit hints: the reset-after header, then
// the standard Retry-After header, then the retry_after field of the body.
func (p *DiscordProvider) retryAfter(resp *http.Response, body []byte) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	now := p.now()
	for _, h := range []string{headerRateLimitResetAfter, headerRetryAfter} {
		if d := networking.ParseRetryAfter(resp.Header.Get(h), now); d > 0 {
			return d
		}
	}
	if v := gjson.GetBytes(body, "retry_after"); v.Exists() && v.Float() > 0 {
		return time.Duration(v.Float() * float64(time.Second))
	}
	return 0
}
