package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// InteractionHandler はスラッシュコマンドのインタラクションを受け取るハンドラー。
type InteractionHandler func(s *discordgo.Session, i *discordgo.InteractionCreate)

// AddInteractionHandler はインタラクション受信時のハンドラーを登録する。
// Openの前に呼び出すこと。
func (g *Gateway) AddInteractionHandler(h InteractionHandler) {
	if g.session == nil {
		return
	}
	g.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		h(s, i)
	})
}

// RegisterCommands はグローバルスラッシュコマンドを一括で上書き登録する。
// appIDが空の場合はREADYで受け取ったボット自身のIDを使用する。
func (g *Gateway) RegisterCommands(appID string, commands []*discordgo.ApplicationCommand) error {
	if g.session == nil {
		return fmt.Errorf("discord session is not configured")
	}
	if appID == "" {
		appID = g.BotUserID()
	}
	if appID == "" {
		return fmt.Errorf("application ID is unknown")
	}

	registered, err := g.session.ApplicationCommandBulkOverwrite(appID, "", commands)
	if err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	for _, c := range registered {
		g.logger.Info("slash command registered", "name", c.Name, "id", c.ID)
	}
	return nil
}
