package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/transfer"
)

// mockResponder はResponderのモック。
type mockResponder struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	followups []*discordgo.WebhookParams
	followed  chan struct{}
}

func newMockResponder() *mockResponder {
	return &mockResponder{followed: make(chan struct{}, 1)}
}

func (m *mockResponder) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockResponder) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	// 遅延応答より先にフォローアップが来てはならない
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, errors.New("follow-up before initial response")
	}
	m.followups = append(m.followups, data)
	m.mu.Unlock()
	m.followed <- struct{}{}
	return &discordgo.Message{}, nil
}

// mockStarter はTransferStarterのモック。
type mockStarter struct {
	startFn func(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error)
	got     transfer.StartRequest
}

func (m *mockStarter) Start(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error) {
	m.got = req
	return m.startFn(ctx, req)
}

func serverInteraction(guildID, target string) *discordgo.Interaction {
	opts := []*discordgo.ApplicationCommandInteractionDataOption{}
	if target != "" {
		opts = append(opts, &discordgo.ApplicationCommandInteractionDataOption{
			Name:  optionTargetID,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: target,
		})
	}
	return &discordgo.Interaction{
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: guildID,
		Member:  &discordgo.Member{User: &discordgo.User{ID: "caller"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    CommandServer,
			Options: opts,
		},
	}
}

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	if defs[0].Name != CommandAuthorize || defs[1].Name != CommandServer {
		t.Errorf("unexpected names: %s, %s", defs[0].Name, defs[1].Name)
	}
	opt := defs[1].Options[0]
	if opt.Name != "target_id" || !opt.Required || opt.Type != discordgo.ApplicationCommandOptionString {
		t.Errorf("unexpected option: %+v", opt)
	}
}

func TestHandle_Authorize(t *testing.T) {
	r := newMockResponder()
	h := NewHandler(&mockStarter{}, "https://example.com/auth/discord/login", nil, nil)

	h.Handle(r, &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		User: &discordgo.User{ID: "caller"},
		Data: discordgo.ApplicationCommandInteractionData{Name: CommandAuthorize},
	})

	if len(r.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(r.responses))
	}
	resp := r.responses[0]
	if resp.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("authorize reply should be ephemeral")
	}
	if !strings.Contains(resp.Data.Content, "https://example.com/auth/discord/login") {
		t.Errorf("content does not contain login URL: %q", resp.Data.Content)
	}
}

func TestHandle_ServerValidation(t *testing.T) {
	tests := []struct {
		name     string
		guildID  string
		target   string
		startErr error
		want     string
	}{
		{"outside guild", "", "dst", nil, msgGuildOnly},
		{"missing target", "src", "", nil, msgMissingTarget},
		{"same guild", "src", "src", model.NewSameGuildError(), msgSameGuild},
		{"bot not in target", "src", "dst", model.NewBotNotInGuildError(), msgBotNotInTarget},
		{"not authorized", "src", "dst", model.NewUnauthorizedError(), msgNotAuthorized},
		{"token expired", "src", "dst", model.NewTokenExpiredError(), msgTokenExpired},
		{"internal", "src", "dst", errors.New("db down"), msgInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newMockResponder()
			starter := &mockStarter{startFn: func(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error) {
				return nil, tt.startErr
			}}
			h := NewHandler(starter, "", nil, nil)

			h.Handle(r, serverInteraction(tt.guildID, tt.target))

			if len(r.responses) != 1 {
				t.Fatalf("responses = %d, want 1", len(r.responses))
			}
			resp := r.responses[0]
			if resp.Type != discordgo.InteractionResponseChannelMessageWithSource {
				t.Errorf("response type = %v, want immediate message", resp.Type)
			}
			if resp.Data.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Data.Content, tt.want)
			}
		})
	}
}

func TestHandle_ServerStartsBufferedTransferAndFollowsUpOnce(t *testing.T) {
	r := newMockResponder()
	starter := &mockStarter{}
	starter.startFn = func(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error) {
		// 非同期ジョブの完了を模擬する
		go req.OnFinish(&transfer.Summary{
			Status:       model.TransferStatusCompleted,
			Total:        2,
			SuccessCount: 1,
			FailedCount:  1,
			Results: []model.MemberOutcome{
				{UserID: "a", Username: "alice", Status: model.MemberStatusSuccess},
				{UserID: "b", Username: "bob", Status: model.MemberStatusFailed, Reason: "Missing permissions"},
			},
		}, nil)
		return &model.TransferProgress{TransferID: "t1", Status: model.TransferStatusInProgress}, nil
	}
	h := NewHandler(starter, "", func() string { return "bot-id" }, nil)

	h.Handle(r, serverInteraction("src", " dst "))

	select {
	case <-r.followed:
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up was not sent")
	}

	if starter.got.SourceGuildID != "src" || starter.got.TargetGuildID != "dst" || starter.got.UserID != "caller" {
		t.Errorf("unexpected start request: %+v", starter.got)
	}
	if starter.got.Mode != transfer.CheckpointBuffered {
		t.Error("command transfers should buffer checkpoints")
	}
	if starter.got.Filter == nil || starter.got.Filter(&model.Credential{UserID: "bot-id"}) {
		t.Error("command transfers should exclude the bot's own user")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) != 1 || r.responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("expected a single deferred response, got %+v", r.responses)
	}
	if len(r.followups) != 1 {
		t.Fatalf("followups = %d, want 1", len(r.followups))
	}
	content := r.followups[0].Content
	if !strings.Contains(content, "**Added:** 1") || !strings.Contains(content, "bob: Missing permissions") {
		t.Errorf("unexpected follow-up: %q", content)
	}
}

func TestHandle_IgnoresNonCommandInteractions(t *testing.T) {
	r := newMockResponder()
	h := NewHandler(&mockStarter{}, "", nil, nil)

	h.Handle(r, &discordgo.Interaction{Type: discordgo.InteractionPing})

	if len(r.responses) != 0 {
		t.Error("non-command interactions should be ignored")
	}
}
