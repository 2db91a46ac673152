package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/guildtransfer/internal/middleware"
	"github.com/hitoshi/guildtransfer/internal/model"
)

// GuildServiceInterface はギルドハンドラーが必要とするサービスインターフェース。
type GuildServiceInterface interface {
	// ListUserGuilds はユーザーが所属するギルドとボットの参加状況を返す。
	ListUserGuilds(ctx context.Context, userID string) ([]model.UserGuild, error)
}

// GuildHandler はギルド一覧のHTTPハンドラー。
type GuildHandler struct {
	service GuildServiceInterface
}

// NewGuildHandler はGuildHandlerを生成する。
func NewGuildHandler(service GuildServiceInterface) *GuildHandler {
	return &GuildHandler{service: service}
}

// ListGuilds はユーザーの所属ギルド一覧を返す。
// GET /api/guilds
func (h *GuildHandler) ListGuilds(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	guilds, err := h.service.ListUserGuilds(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if guilds == nil {
		guilds = []model.UserGuild{}
	}

	writeJSON(w, http.StatusOK, guilds)
}
