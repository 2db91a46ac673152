// Package command はDiscordのスラッシュコマンド（/authorize, /server）を処理する。
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/transfer"
)

const (
	CommandAuthorize = "authorize"
	CommandServer    = "server"

	optionTargetID = "target_id"

	// maxFailureLines は完了メッセージに列挙する失敗理由の上限。
	maxFailureLines = 10

	// validateTimeout は前提条件の検証とレコード作成のタイムアウト。
	validateTimeout = 10 * time.Second
)

// ユーザー向けメッセージ
const (
	msgGuildOnly      = "❌ This command must be used in a server."
	msgSameGuild      = "❌ Source and target servers cannot be the same."
	msgBotNotInTarget = "❌ The bot must be added to the target server first. Please invite the bot to both servers."
	msgNotAuthorized  = "❌ You need to authorize the bot first. Use /authorize or visit the web dashboard."
	msgTokenExpired   = "❌ Your authorization has expired. Please run /authorize again."
	msgMissingTarget  = "❌ Please provide the target server ID."
	msgInternalError  = "❌ Something went wrong while starting the transfer. Please try again later."
)

// Definitions はグローバル登録するスラッシュコマンドの定義を返す。
func Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        CommandAuthorize,
			Description: "Get the authorization link to authorize this bot for member transfers",
		},
		{
			Name:        CommandServer,
			Description: "Transfer members from current server to target server",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionTargetID,
					Description: "Target server ID (enable Developer Mode in Discord to copy)",
					Required:    true,
				},
			},
		},
	}
}

// Responder はインタラクションへの応答インターフェース。*discordgo.Sessionが満たす。
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// TransferStarter は移行ジョブの開始インターフェース。
type TransferStarter interface {
	Start(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error)
}

// Handler はスラッシュコマンドのハンドラー。
type Handler struct {
	transfers TransferStarter
	loginURL  string
	botUserID func() string
	logger    *slog.Logger
}

// NewHandler はHandlerを生成する。
// loginURLは/authorizeで案内するログインエンドポイント、botUserIDは自身のユーザーIDを返す関数。
func NewHandler(transfers TransferStarter, loginURL string, botUserID func() string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if botUserID == nil {
		botUserID = func() string { return "" }
	}
	return &Handler{
		transfers: transfers,
		loginURL:  loginURL,
		botUserID: botUserID,
		logger:    logger,
	}
}

// HandleInteraction はdiscordgoのイベントハンドラーとして登録する。
func (h *Handler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.Handle(s, i.Interaction)
}

// Handle はアプリケーションコマンドのインタラクションを処理する。
func (h *Handler) Handle(r Responder, i *discordgo.Interaction) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case CommandAuthorize:
		h.handleAuthorize(r, i)
	case CommandServer:
		h.handleServer(r, i, data)
	default:
		h.logger.Warn("unknown command", slog.String("name", data.Name))
	}
}

func (h *Handler) handleAuthorize(r Responder, i *discordgo.Interaction) {
	content := "✅ **Authorize the bot to transfer members**\n\n" +
		"This grants the bot permission to add you to other servers you authorize.\n\n" +
		fmt.Sprintf("[🔗 Authorize with Discord](%s)", h.loginURL)
	h.reply(r, i, content)
}

func (h *Handler) handleServer(r Responder, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) {
	userID := interactionUserID(i)
	sourceGuildID := i.GuildID
	targetGuildID := ""
	for _, opt := range data.Options {
		if opt.Name == optionTargetID {
			targetGuildID = strings.TrimSpace(opt.StringValue())
		}
	}

	if sourceGuildID == "" {
		h.reply(r, i, msgGuildOnly)
		return
	}
	if targetGuildID == "" {
		h.reply(r, i, msgMissingTarget)
		return
	}

	// 遅延応答を送る前に完了通知が走らないよう、応答後にreadyを閉じる
	ready := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()

	_, err := h.transfers.Start(ctx, transfer.StartRequest{
		UserID:        userID,
		SourceGuildID: sourceGuildID,
		TargetGuildID: targetGuildID,
		Filter:        transfer.BotFilter(h.botUserID()),
		Mode:          transfer.CheckpointBuffered,
		OnFinish: func(summary *transfer.Summary, err error) {
			<-ready
			h.followUp(r, i, FormatSummary(summary, err))
		},
	})
	if err != nil {
		h.reply(r, i, startErrorMessage(err))
		if !isAPIError(err) {
			h.logger.Error("failed to start transfer from command",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		h.logger.Error("failed to defer interaction response", slog.String("error", err.Error()))
	}
	close(ready)

	h.logger.Info("transfer started from command",
		slog.String("user_id", userID),
		slog.String("source_guild_id", sourceGuildID),
		slog.String("target_guild_id", targetGuildID),
	)
}

// reply はエフェメラルメッセージで即時応答する。
func (h *Handler) reply(r Responder, i *discordgo.Interaction, content string) {
	err := r.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.logger.Error("failed to respond to interaction", slog.String("error", err.Error()))
	}
}

// followUp は遅延応答に対するフォローアップメッセージを送る。
// インタラクショントークンの有効期限（15分）を過ぎると送信に失敗する。
func (h *Handler) followUp(r Responder, i *discordgo.Interaction, content string) {
	if _, err := r.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		h.logger.Error("failed to send follow-up message", slog.String("error", err.Error()))
	}
}

// interactionUserID はギルド内ならMember、DMならUserからユーザーIDを取り出す。
func interactionUserID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func isAPIError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}

// startErrorMessage は開始時のエラーをユーザー向けメッセージに変換する。
func startErrorMessage(err error) string {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return msgInternalError
	}
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return msgNotAuthorized
	case model.ErrCodeTokenExpired:
		return msgTokenExpired
	case model.ErrCodeSameGuild:
		return msgSameGuild
	case model.ErrCodeBotNotInGuild:
		return msgBotNotInTarget
	}
	return "❌ " + apiErr.Message
}
