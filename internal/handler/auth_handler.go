// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/guildtransfer/internal/middleware"
	"github.com/hitoshi/guildtransfer/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	DashboardPath string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// dashboardURL は認可完了後のリダイレクト先を返す。
func (c AuthHandlerConfig) dashboardURL(query url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + c.DashboardPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// cookie はHttpOnlyのCookieを組み立てる。maxAgeが負の場合は削除用。
// oauth_stateは認可サーバーからのリダイレクトで送られる必要があるためDomainを付けない。
func (c AuthHandlerConfig) cookie(name, value string, maxAge int) *http.Cookie {
	domain := c.CookieDomain
	if name == oauthStateCookie {
		domain = ""
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// AuthHandler はDiscordの認可フローとセッションCookieを扱う。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{service: service, config: config}
}

// Login はstateを発行してDiscordの認可画面にリダイレクトする。
// GET /auth/discord/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, h.config.cookie(oauthStateCookie, state, oauthStateMaxAge))
	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback は認可コードを交換し、セッションCookieを発行してダッシュボードに戻す。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if !h.validState(r, q.Get("state")) {
		slog.Warn("oauth state mismatch", slog.String("request_id", middleware.RequestIDFromContext(r.Context())))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid state parameter"))
		return
	}
	http.SetCookie(w, h.config.cookie(oauthStateCookie, "", -1))

	// 認可画面で拒否された
	if denied := q.Get("error"); denied != "" {
		slog.Info("oauth authorization denied", slog.String("error", denied))
		http.Redirect(w, r, h.config.dashboardURL(url.Values{"error": {denied}}), http.StatusTemporaryRedirect)
		return
	}

	code := q.Get("code")
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("missing authorization code"))
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("oauth callback rejected", slog.String("code", apiErr.Code))
			writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
			return
		}
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.config.cookie(middleware.SessionCookieName, session.ID, h.config.SessionMaxAge))
	http.Redirect(w, r, h.config.dashboardURL(url.Values{"authorized": {"true"}}), http.StatusTemporaryRedirect)
}

func (h *AuthHandler) validState(r *http.Request, state string) bool {
	if state == "" {
		return false
	}
	c, err := r.Cookie(oauthStateCookie)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) == 1
}

// Logout はセッションを破棄してトップに戻す。グラントは保持する。
// セッションの削除に失敗してもCookieは削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(middleware.SessionCookieName); err == nil && c.Value != "" {
		if err := h.service.Logout(r.Context(), c.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	clearSessionCookie(w, h.config)
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

func clearSessionCookie(w http.ResponseWriter, config AuthHandlerConfig) {
	http.SetCookie(w, config.cookie(middleware.SessionCookieName, "", -1))
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
