package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/guildtransfer/internal/middleware"
	"github.com/hitoshi/guildtransfer/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// GetCredential はユーザーのグラントを取得する。存在しない場合はUNAUTHORIZEDを返す。
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
	// Revoke はユーザーのグラントを削除する。関連するセッションも削除される。
	Revoke(ctx context.Context, userID string) error
}

// userResponse はログイン中ユーザーのAPIレスポンス。
// アクセストークンなどの秘匿情報は含めない。
type userResponse struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
	Avatar        string    `json:"avatar"`
	Scopes        string    `json:"scopes"`
	ExpiresAt     time.Time `json:"expiresAt"`
	TokenExpired  bool      `json:"tokenExpired"`
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service      UserServiceInterface
	cookieConfig AuthHandlerConfig
	now          func() time.Time
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookieConfig AuthHandlerConfig) *UserHandler {
	return &UserHandler{
		service:      service,
		cookieConfig: cookieConfig,
		now:          time.Now,
	}
}

// Me はログイン中ユーザーのプロフィールを返す。
// GET /api/user
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	cred, err := h.service.GetCredential(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:            cred.UserID,
		Username:      cred.Username,
		Discriminator: cred.DiscriminatorOrDefault(),
		Avatar:        cred.Avatar,
		Scopes:        cred.Scopes,
		ExpiresAt:     cred.ExpiresAt,
		TokenExpired:  cred.IsExpiredAt(h.now()),
	})
}

// Revoke はユーザーのグラントを削除し、セッションCookieをクリアする。
// DELETE /api/user
func (h *UserHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Revoke(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	clearSessionCookie(w, h.cookieConfig)
	w.WriteHeader(http.StatusNoContent)
}
