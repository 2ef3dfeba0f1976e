// Package provider talks to the upstream OAuth2 identity and resource
// provider. The key manager only depends on the Adapter interface.
package provider

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/docbridge/internal/errors"
	"github.com/alexjbarnes/docbridge/internal/models"
)

const (
	defaultRefreshTries   = 3
	defaultRetryInterval  = 500 * time.Millisecond
	userInfoResponseLimit = 1 << 20

	// maxRetryAfter caps how long a throttled refresh waits between tries.
	maxRetryAfter = 30 * time.Second
)

// Adapter is the provider capability the rest of the service needs.
type Adapter interface {
	// AuthCodeURL returns the consent URL carrying the given state value.
	AuthCodeURL(state string) string
	// ExchangeIdentity trades an authorization code for tokens and the
	// identity of the consenting subject.
	ExchangeIdentity(ctx context.Context, code string) (models.Identity, models.ProviderTokens, error)
	// RefreshAccessToken mints a new access token from a refresh token.
	RefreshAccessToken(ctx context.Context, refreshToken string) (models.RefreshedToken, error)
	// BuildAuthorizedClient returns an HTTP client that sends the access
	// token on every request.
	BuildAuthorizedClient(ctx context.Context, accessToken, refreshToken string) *http.Client
}

// Config holds the OAuth2 client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string

	// RefreshTries bounds refresh attempts on transient failures.
	RefreshTries uint
	// RetryInterval is the initial backoff between refresh attempts.
	RetryInterval time.Duration
	// HTTPClient is used for token and userinfo calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// OAuth2 implements Adapter on top of golang.org/x/oauth2.
type OAuth2 struct {
	oauth         *oauth2.Config
	userInfoURL   string
	httpClient    *http.Client
	refreshTries  uint
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewOAuth2 builds an Adapter for a standard OAuth2 provider.
func NewOAuth2(cfg Config, logger *slog.Logger) *OAuth2 {
	tries := cfg.RefreshTries
	if tries == 0 {
		tries = defaultRefreshTries
	}

	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &OAuth2{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL:   cfg.UserInfoURL,
		httpClient:    client,
		refreshTries:  tries,
		retryInterval: interval,
		logger:        logger,
	}
}

// AuthCodeURL requests offline access so the provider returns a refresh
// token, and forces the consent prompt so it does so on repeat logins.
func (p *OAuth2) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeIdentity exchanges the code and fetches the userinfo document.
func (p *OAuth2) ExchangeIdentity(ctx context.Context, code string) (models.Identity, models.ProviderTokens, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return models.Identity{}, models.ProviderTokens{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	ident, err := p.fetchIdentity(ctx, tok.AccessToken)
	if err != nil {
		return models.Identity{}, models.ProviderTokens{}, err
	}

	tokens := models.ProviderTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiryOf(tok),
		Scopes:       p.grantedScopes(tok),
	}

	return ident, tokens, nil
}

// RefreshAccessToken retries network errors, 5xx, 408 and 429 responses with
// exponential backoff, waiting as long as a Retry-After header asks (capped
// at maxRetryAfter). Any other failure is wrapped in ErrProviderRejected.
func (p *OAuth2) RefreshAccessToken(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	operation := func() (*oauth2.Token, error) {
		src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

		tok, err := src.Token()
		if err != nil {
			if isPermanent(ctx, err) {
				return nil, backoff.Permanent(err)
			}

			if wait, ok := retryAfter(err, time.Now()); ok {
				p.logger.Warn("token endpoint throttled refresh",
					slog.String("error", err.Error()),
					slog.Duration("retry_after", wait),
				)

				return nil, fmt.Errorf("%w: %w", backoff.RetryAfter(int(wait/time.Second)), err)
			}

			return nil, err
		}

		return tok, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.retryInterval

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(p.refreshTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Warn("token refresh failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", d),
			)
		}),
	)
	if err != nil {
		return models.RefreshedToken{}, fmt.Errorf("%w: %v", apperrors.ErrProviderRejected, err)
	}

	if tok.AccessToken == "" {
		return models.RefreshedToken{}, fmt.Errorf("%w: empty access token in refresh response", apperrors.ErrProviderRejected)
	}

	return models.RefreshedToken{
		AccessToken: tok.AccessToken,
		Expiry:      expiryOf(tok),
	}, nil
}

// BuildAuthorizedClient wraps the stored token pair. The token carries no
// expiry because the key manager refreshes it before handing it out.
func (p *OAuth2) BuildAuthorizedClient(ctx context.Context, accessToken, refreshToken string) *http.Client {
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}

	return oauth2.NewClient(p.clientContext(ctx), oauth2.StaticTokenSource(tok))
}

func (p *OAuth2) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// fetchIdentity reads sub, email, name and picture from the userinfo
// endpoint. GitHub-style id and avatar_url fields are accepted as well.
func (p *OAuth2) fetchIdentity(ctx context.Context, accessToken string) (models.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return models.Identity{}, fmt.Errorf("building userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.Identity{}, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, userInfoResponseLimit))
	if err != nil {
		return models.Identity{}, fmt.Errorf("reading userinfo: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return models.Identity{}, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return models.Identity{}, fmt.Errorf("userinfo returned invalid JSON")
	}

	doc := gjson.ParseBytes(body)

	ident := models.Identity{
		SubjectID:   firstString(doc, "sub", "id"),
		Email:       firstString(doc, "email"),
		DisplayName: firstString(doc, "name", "login"),
		AvatarURL:   firstString(doc, "picture", "avatar_url"),
	}

	if ident.SubjectID == "" {
		return models.Identity{}, fmt.Errorf("userinfo has no subject identifier")
	}

	return ident, nil
}

// grantedScopes prefers the scope list the token endpoint reports and
// falls back to the requested scopes.
func (p *OAuth2) grantedScopes(tok *oauth2.Token) []string {
	if raw, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		return strings.Fields(raw)
	}

	return append([]string(nil), p.oauth.Scopes...)
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := doc.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

func expiryOf(tok *oauth2.Token) *time.Time {
	if tok.Expiry.IsZero() {
		return nil
	}

	exp := tok.Expiry.UTC()

	return &exp
}

// isPermanent reports whether a refresh failure will not go away on retry:
// cancelled contexts, invalid_grant and any 4xx other than 408 and 429.
func isPermanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return true
		}

		if re.Response == nil {
			return false
		}

		switch re.Response.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}

		return re.Response.StatusCode < http.StatusInternalServerError
	}

	return false
}

// retryAfter reads the Retry-After header of a token endpoint error, as
// either delay seconds or an HTTP date.
func retryAfter(err error, now time.Time) (time.Duration, bool) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return 0, false
	}

	v := strings.TrimSpace(re.Response.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}

	var wait time.Duration

	if secs, convErr := strconv.Atoi(v); convErr == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, parseErr := http.ParseTime(v); parseErr == nil {
		wait = at.Sub(now)
	} else {
		return 0, false
	}

	return min(max(wait, 0), maxRetryAfter), true
}
