package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/guildtransfer/internal/auth"
	"github.com/hitoshi/guildtransfer/internal/model"
)

// CredentialGetter はユーザーのグラントを取得するインターフェース。
// auth.Serviceが満たす。
type CredentialGetter interface {
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
}

// UserGuildFetcher は利用者のアクセストークンで所属ギルド一覧を取得するインターフェース。
// auth.DiscordOAuthProviderが満たす。
type UserGuildFetcher interface {
	FetchUserGuilds(ctx context.Context, accessToken string) ([]auth.DiscordUserGuild, error)
}

// BotGuildLookup はボットの参加ギルドを参照するインターフェース。
// discord.Gatewayが満たす。
type BotGuildLookup interface {
	GuildInfo(guildID string) (*model.GuildInfo, bool)
}

// GuildServiceAdapter は利用者の所属ギルドとボットのステートキャッシュを結合し、
// GuildServiceInterfaceに適合させるアダプタ。
type GuildServiceAdapter struct {
	credentials CredentialGetter
	fetcher     UserGuildFetcher
	bot         BotGuildLookup
	now         func() time.Time
}

// NewGuildServiceAdapter はGuildServiceAdapterを生成する。
func NewGuildServiceAdapter(credentials CredentialGetter, fetcher UserGuildFetcher, bot BotGuildLookup) *GuildServiceAdapter {
	return &GuildServiceAdapter{
		credentials: credentials,
		fetcher:     fetcher,
		bot:         bot,
		now:         time.Now,
	}
}

// ListUserGuilds はユーザーの所属ギルド一覧をボットの参加状況付きで返す。
// メンバー数はボットのキャッシュ、Discordの概算値、0の順に採用する。
func (a *GuildServiceAdapter) ListUserGuilds(ctx context.Context, userID string) ([]model.UserGuild, error) {
	cred, err := a.credentials.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.IsExpiredAt(a.now()) {
		return nil, model.NewTokenExpiredError()
	}

	guilds, err := a.fetcher.FetchUserGuilds(ctx, cred.AccessToken)
	if err != nil {
		slog.Warn("failed to fetch user guilds",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewGuildFetchFailedError()
	}

	results := make([]model.UserGuild, 0, len(guilds))
	for _, g := range guilds {
		ug := model.UserGuild{
			ID:          g.ID,
			Name:        g.Name,
			MemberCount: g.ApproximateMemberCount,
		}
		if g.Icon != nil {
			ug.Icon = *g.Icon
		}
		if info, ok := a.bot.GuildInfo(g.ID); ok {
			ug.BotPresent = true
			if info.ApproxMemberCount > 0 {
				ug.MemberCount = info.ApproxMemberCount
			}
		}
		results = append(results, ug)
	}
	return results, nil
}

// compile-time interface check
var (
	_ GuildServiceInterface = (*GuildServiceAdapter)(nil)
	_ UserGuildFetcher      = (*auth.DiscordOAuthProvider)(nil)
	_ CredentialGetter      = (*auth.Service)(nil)
	_ UserServiceInterface  = (*auth.Service)(nil)
	_ AuthServiceInterface  = (*auth.Service)(nil)
)
