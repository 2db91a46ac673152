// Package auth はDiscord OAuth2による認可フロー、グラントの保存、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/repository"
	"github.com/hitoshi/guildtransfer/internal/security"
)

// OAuthGrant は認可コード交換で得たグラントと利用者のプロフィール。
type OAuthGrant struct {
	User         DiscordUser
	AccessToken  string
	RefreshToken string
	Scopes       string
	ExpiresAt    time.Time
}

// OAuthProvider はOAuth認可プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認可URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、利用者のプロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthGrant, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認可とセッションに関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	credRepo    repository.CredentialRepository
	sessionRepo repository.SessionRepository
	sanitizer   security.TextSanitizer
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	credRepo repository.CredentialRepository,
	sessionRepo repository.SessionRepository,
	sanitizer security.TextSanitizer,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		credRepo:    credRepo,
		sessionRepo: sessionRepo,
		sanitizer:   sanitizer,
		config:      config,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認可URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、グラントを保存してセッションを発行する。
// 同じユーザーが再認可した場合はプロフィールとグラントを上書きする。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	grant, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("oauth code exchange failed", slog.String("error", err.Error()))
		return nil, model.NewAuthorizationFailedError()
	}

	cred := s.credentialFromGrant(grant)
	if err := s.credRepo.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	slog.Info("user authorized",
		slog.String("user_id", cred.UserID),
		slog.String("scopes", cred.Scopes),
		slog.Bool("bot", cred.Bot),
	)

	session, err := s.createSession(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Logout はセッションを破棄する。グラントは保持する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーのグラントを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.Credential, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	return s.GetCredential(ctx, session.UserID)
}

// GetCredential は指定ユーザーのグラントを取得する。
// 存在しない場合はUNAUTHORIZEDのAPIErrorを返す。
func (s *Service) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		return nil, model.NewUnauthorizedError()
	}
	return cred, nil
}

// Revoke はユーザーのグラントを削除する。関連するセッションもCASCADE削除される。
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.credRepo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	slog.Info("credential revoked", slog.String("user_id", userID))
	return nil
}

// credentialFromGrant はグラントから保存用のCredentialを組み立てる。
// 表示名はHTMLを除去して保存する。
func (s *Service) credentialFromGrant(g *OAuthGrant) *model.Credential {
	avatar := ""
	if g.User.Avatar != nil {
		avatar = *g.User.Avatar
	}

	username := g.User.Username
	if s.sanitizer != nil {
		username = s.sanitizer.SanitizeText(username)
	}

	cred := &model.Credential{
		UserID:        g.User.ID,
		Username:      username,
		Discriminator: g.User.Discriminator,
		Avatar:        avatar,
		Bot:           g.User.Bot,
		AccessToken:   g.AccessToken,
		RefreshToken:  g.RefreshToken,
		Scopes:        g.Scopes,
		ExpiresAt:     g.ExpiresAt,
	}
	cred.Discriminator = cred.DiscriminatorOrDefault()
	return cred
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
