package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/repository"
	"github.com/hitoshi/guildtransfer/internal/security"
)

// CredentialFinder は利用者のグラント取得インターフェース。
type CredentialFinder interface {
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)
}

// GuildDirectory はボットが参加しているギルドの参照インターフェース。
type GuildDirectory interface {
	GuildInfo(guildID string) (*model.GuildInfo, bool)
}

// Launcher は移行ジョブの非同期実行インターフェース。
type Launcher interface {
	Dispatch(job Job, onFinish FinishFunc) error
}

// StartRequest は移行ジョブの開始要求。
type StartRequest struct {
	UserID        string
	SourceGuildID string
	TargetGuildID string

	// Filter と Mode はジョブにそのまま渡す。ゼロ値は全件対象・1件ごとのチェックポイント。
	Filter Filter
	Mode   CheckpointMode
	// OnFinish はジョブ終了後に呼ばれる。
	OnFinish FinishFunc
}

// Service は移行ジョブの開始と進捗照会のビジネスロジックを提供する。
type Service struct {
	credentials CredentialFinder
	guilds      GuildDirectory
	records     repository.TransferRepository
	launcher    Launcher
	sanitizer   security.TextSanitizer
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	credentials CredentialFinder,
	guilds GuildDirectory,
	records repository.TransferRepository,
	launcher Launcher,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		credentials: credentials,
		guilds:      guilds,
		records:     records,
		launcher:    launcher,
		sanitizer:   sanitizer,
		now:         time.Now,
	}
}

// Start は前提条件を検証し、移行レコードを作成してジョブを非同期に開始する。
// 前提条件を満たさない場合はレコードを作成せずAPIErrorを返す。
func (s *Service) Start(ctx context.Context, req StartRequest) (*model.TransferProgress, error) {
	if req.SourceGuildID == "" || req.TargetGuildID == "" {
		return nil, model.NewInvalidRequestError("sourceGuildId and targetGuildId are required")
	}

	cred, err := s.credentials.FindByUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		return nil, model.NewUnauthorizedError()
	}
	if cred.IsExpiredAt(s.now()) {
		return nil, model.NewTokenExpiredError()
	}

	if req.SourceGuildID == req.TargetGuildID {
		return nil, model.NewSameGuildError()
	}

	source, ok := s.guilds.GuildInfo(req.SourceGuildID)
	if !ok {
		return nil, model.NewBotNotInGuildError()
	}
	target, ok := s.guilds.GuildInfo(req.TargetGuildID)
	if !ok {
		return nil, model.NewBotNotInGuildError()
	}

	transfer := &model.Transfer{
		UserID:          req.UserID,
		SourceGuildID:   source.ID,
		SourceGuildName: s.sanitize(source.Name),
		TargetGuildID:   target.ID,
		TargetGuildName: s.sanitize(target.Name),
	}
	if err := s.records.Create(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	slog.Info("transfer accepted",
		slog.String("transfer_id", transfer.ID),
		slog.String("user_id", req.UserID),
		slog.String("source_guild_id", source.ID),
		slog.String("target_guild_id", target.ID),
	)

	if err := s.launcher.Dispatch(Job{
		TransferID:    transfer.ID,
		TargetGuildID: target.ID,
		Filter:        req.Filter,
		Mode:          req.Mode,
	}, req.OnFinish); err != nil {
		return nil, fmt.Errorf("failed to dispatch transfer %s: %w", transfer.ID, err)
	}

	return &model.TransferProgress{
		TransferID: transfer.ID,
		Status:     model.TransferStatusInProgress,
		Results:    []model.MemberOutcome{},
	}, nil
}

// Status は移行レコードから進捗スナップショットを再構築する。
func (s *Service) Status(ctx context.Context, transferID string) (*model.TransferProgress, error) {
	t, err := s.records.FindByID(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	if t == nil {
		return nil, model.NewTransferNotFoundError(transferID)
	}
	p := ToProgress(t)
	return &p, nil
}

// History は利用者の移行レコードを開始日時の昇順で返す。
func (s *Service) History(ctx context.Context, userID string) ([]*model.Transfer, error) {
	transfers, err := s.records.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	if transfers == nil {
		transfers = []*model.Transfer{}
	}
	return transfers, nil
}

func (s *Service) sanitize(name string) string {
	if s.sanitizer == nil {
		return name
	}
	return s.sanitizer.SanitizeText(name)
}

// compile-time interface check
var _ Launcher = (*Dispatcher)(nil)
