package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultDiscordAuthURL    = "https://discord.com/oauth2/authorize"
	defaultDiscordTokenURL   = "https://discord.com/api/oauth2/token"
	defaultDiscordAPIBaseURL = "https://discord.com/api/v10"

	// Discordのアクセストークンの既定有効期間（expires_inが返らない場合に使用）
	defaultDiscordTokenLifetime = 7 * 24 * time.Hour
)

// DiscordScopes はメンバー移行に必要なOAuth2スコープ。
var DiscordScopes = []string{"identify", "guilds", "guilds.join"}

// DiscordOAuthConfig はDiscord OAuth2プロバイダーの設定。
type DiscordOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient はトークン交換とAPI呼び出しに使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

// DiscordOAuthProvider はDiscord OAuth2による認可と利用者情報の取得を提供する。
type DiscordOAuthProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewDiscordOAuthProvider はDiscordOAuthProviderを生成する。
func NewDiscordOAuthProvider(config DiscordOAuthConfig) *DiscordOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultDiscordAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultDiscordTokenURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultDiscordAPIBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &DiscordOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       DiscordScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: strings.TrimRight(config.APIBaseURL, "/"),
		httpClient: config.HTTPClient,
		now:        time.Now,
	}
}

// GetLoginURL はDiscordの認可URLを生成する。
// 再認可時にもグラントを更新できるようprompt=consentを付与する。
func (p *DiscordOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// DiscordUser は/users/@meのレスポンス。
type DiscordUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot"`
}

// DiscordUserGuild は/users/@me/guildsの要素。
type DiscordUserGuild struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	Icon                   *string `json:"icon"`
	Owner                  bool    `json:"owner"`
	ApproximateMemberCount int     `json:"approximate_member_count"`
}

// ExchangeCode は認可コードをトークンに交換し、利用者のプロフィールを取得する。
func (p *DiscordOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	var user DiscordUser
	if err := p.getJSON(ctx, tok.AccessToken, "/users/@me", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = p.now().Add(defaultDiscordTokenLifetime)
	}

	scopes, _ := tok.Extra("scope").(string)

	grant := &OAuthGrant{
		User:         user,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopes,
		ExpiresAt:    expiresAt,
	}
	return grant, nil
}

// FetchUserGuilds は利用者のアクセストークンで所属ギルド一覧を取得する。
func (p *DiscordOAuthProvider) FetchUserGuilds(ctx context.Context, accessToken string) ([]DiscordUserGuild, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	var guilds []DiscordUserGuild
	if err := p.getJSON(ctx, accessToken, "/users/@me/guilds?with_counts=true", &guilds); err != nil {
		return nil, fmt.Errorf("failed to fetch user guilds: %w", err)
	}
	return guilds, nil
}

// getJSON はBearerトークン付きでDiscord APIを呼び出し、JSONをデコードする。
func (p *DiscordOAuthProvider) getJSON(ctx context.Context, accessToken, path string, dst any) error {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthProvider = (*DiscordOAuthProvider)(nil)
