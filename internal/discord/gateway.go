// Package discord はDiscordのボットセッションを介したギルドメンバー操作を提供する。
//
// ボットの参加状況はゲートウェイのステートキャッシュを正とし、
// メンバー追加はREST APIのPUT /guilds/{guild.id}/members/{user.id}で行う。
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// Discord APIのJSONエラーコード
const (
	apiErrCannotSendMessages = 50007
	apiErrMissingPermissions = 50013
	apiErrDMsDisabled        = 40007
)

// 失敗理由の文言
const (
	ReasonBotNotInTarget     = "Bot not in target server"
	ReasonAlreadyInServer    = "Already in server"
	ReasonCannotSendMessages = "Cannot send messages to this user"
	ReasonMissingPermissions = "Missing permissions"
	ReasonDMsDisabled        = "User has DMs disabled"
	ReasonUnknown            = "Unknown error"
)

// stateReader はゲートウェイのステートキャッシュの参照インターフェース。
// *discordgo.Stateが満たす。
type stateReader interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
}

// restRequester はDiscord RESTの呼び出しインターフェース。
// *discordgo.Sessionが満たす。
type restRequester interface {
	RequestWithBucketID(method, urlStr string, data interface{}, bucketID string, options ...discordgo.RequestOption) ([]byte, error)
}

// LatencyObserver はメンバー追加APIのレイテンシを記録するインターフェース。
type LatencyObserver interface {
	ObserveAddMemberLatency(d time.Duration)
}

// Gateway はギルドメンバー操作のゲートウェイ。
// 複数の移行ジョブから同時に呼び出される。
type Gateway struct {
	session *discordgo.Session
	state   stateReader
	rest    restRequester
	limiter *rate.Limiter // nilの場合は共有レート制限なし
	latency LatencyObserver
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// GatewayConfig はGatewayの設定。
type GatewayConfig struct {
	// AddMemberRatePerMinute は全ジョブ共通のメンバー追加上限（回/分）。0以下で無効。
	AddMemberRatePerMinute int
	Latency                LatencyObserver
}

// NewSession はボットトークンでdiscordgoのセッションを生成する。
// 特権インテントは要求せず、ギルドのステートキャッシュのみを維持する。
func NewSession(botToken string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	s.StateEnabled = true
	return s, nil
}

// NewGateway はボットセッションからGatewayを生成する。
func NewGateway(session *discordgo.Session, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	g := newGateway(session.State, session, NewAddMemberLimiter(cfg.AddMemberRatePerMinute), logger)
	g.session = session
	g.latency = cfg.Latency
	return g
}

func newGateway(state stateReader, rest restRequester, limiter *rate.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		state:   state,
		rest:    rest,
		limiter: limiter,
		logger:  logger,
	}
}

// NewAddMemberLimiter は1分あたりperMinute回のトークンバケットを生成する。
// perMinuteが0以下の場合はnilを返す。
func NewAddMemberLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Open はゲートウェイ接続を開始する。
func (g *Gateway) Open() error {
	if g.session == nil {
		return errors.New("discord session is not configured")
	}
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close はゲートウェイ接続を終了する。2回目以降の呼び出しは最初の結果を返す。
func (g *Gateway) Close() error {
	if g.session == nil {
		return nil
	}
	g.closeOnce.Do(func() {
		g.closeErr = g.session.Close()
	})
	return g.closeErr
}

// BotUserID はREADY受信後のボット自身のユーザーIDを返す。未接続の場合は空文字列。
func (g *Gateway) BotUserID() string {
	if g.session == nil || g.session.State == nil || g.session.State.User == nil {
		return ""
	}
	return g.session.State.User.ID
}

// IsBotMember はボットが指定ギルドに参加しているかをステートキャッシュから判定する。
func (g *Gateway) IsBotMember(guildID string) bool {
	if guildID == "" {
		return false
	}
	_, err := g.state.Guild(guildID)
	return err == nil
}

// GuildInfo はボットが参加しているギルドの情報を返す。
// ボットが参加していない場合は第2戻り値がfalseになる。
func (g *Gateway) GuildInfo(guildID string) (*model.GuildInfo, bool) {
	if guildID == "" {
		return nil, false
	}
	guild, err := g.state.Guild(guildID)
	if err != nil {
		return nil, false
	}

	count := guild.ApproximateMemberCount
	if count == 0 {
		count = guild.MemberCount
	}
	return &model.GuildInfo{
		ID:                guild.ID,
		Name:              guild.Name,
		Icon:              guild.Icon,
		ApproxMemberCount: count,
	}, true
}

// AddMember は利用者のアクセストークンで指定ギルドにメンバーを追加する。
// メンバーごとの失敗はAddMemberFailureとして返し、errorはコンテキストの取り消しや
// レートリミッターの失敗などジョブ全体を中断すべき場合にのみ返す。
func (g *Gateway) AddMember(ctx context.Context, guildID, userID, accessToken string) (model.AddMemberResult, error) {
	if !g.IsBotMember(guildID) {
		return failure(ReasonBotNotInTarget), nil
	}

	if _, err := g.state.Member(guildID, userID); err == nil {
		return model.AddMemberResult{Outcome: model.AddMemberAlreadyMember, Reason: ReasonAlreadyInServer}, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return model.AddMemberResult{}, fmt.Errorf("add member rate limiter: %w", err)
		}
	}

	start := time.Now()
	body, err := g.rest.RequestWithBucketID(
		http.MethodPut,
		discordgo.EndpointGuildMember(guildID, userID),
		&discordgo.GuildMemberAddParams{AccessToken: accessToken},
		discordgo.EndpointGuildMember(guildID, ""),
		discordgo.WithContext(ctx),
	)
	if g.latency != nil {
		g.latency.ObserveAddMemberLatency(time.Since(start))
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.AddMemberResult{}, fmt.Errorf("add member request canceled: %w", ctxErr)
		}
		result := classifyError(err)
		g.logger.Debug("add member rejected",
			slog.String("guild_id", guildID),
			slog.String("user_id", userID),
			slog.String("reason", result.Reason),
		)
		return result, nil
	}

	// 201は新規追加（メンバーオブジェクトを返す）、204は既にメンバー（本文なし）
	if len(body) == 0 {
		return model.AddMemberResult{Outcome: model.AddMemberAlreadyMember, Reason: ReasonAlreadyInServer}, nil
	}
	return model.AddMemberResult{Outcome: model.AddMemberSuccess}, nil
}

// classifyError はDiscord APIのエラーを失敗理由に変換する。
func classifyError(err error) model.AddMemberResult {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return failure(err.Error())
	}
	if restErr.Message == nil {
		return failure(ReasonUnknown)
	}

	switch restErr.Message.Code {
	case apiErrCannotSendMessages:
		return failure(ReasonCannotSendMessages)
	case apiErrMissingPermissions:
		return failure(ReasonMissingPermissions)
	case apiErrDMsDisabled:
		return failure(ReasonDMsDisabled)
	}
	if restErr.Message.Message != "" {
		return failure(restErr.Message.Message)
	}
	return failure(ReasonUnknown)
}

func failure(reason string) model.AddMemberResult {
	return model.AddMemberResult{Outcome: model.AddMemberFailure, Reason: reason}
}
