// Package transfer はギルド間のメンバー移行ジョブの実行と進捗管理を提供する。
//
// 1回の移行ジョブは開始時点のグラント一覧のスナップショットを対象に、
// 1件ずつ移行先ギルドへ追加し、移行レコードへ進捗をチェックポイントとして書き込む。
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// ReasonTokenExpired はグラントの有効期限切れによる失敗理由。
const ReasonTokenExpired = "token expired"

// DefaultMemberDelay はメンバー追加間の既定の待機時間。
// Discordのメンバー追加上限（約50回/分）を下回るよう1秒とする。
const DefaultMemberDelay = time.Second

// finalizeTimeout は中断時に失敗状態を書き込む際のタイムアウト。
const finalizeTimeout = 10 * time.Second

// CredentialLister はグラント一覧のスナップショットを取得するインターフェース。
type CredentialLister interface {
	ListAll(ctx context.Context) ([]*model.Credential, error)
}

// MemberAdder はギルドへのメンバー追加インターフェース。
type MemberAdder interface {
	AddMember(ctx context.Context, guildID, userID, accessToken string) (model.AddMemberResult, error)
}

// RecordUpdater は移行レコードの部分更新インターフェース。
type RecordUpdater interface {
	Update(ctx context.Context, id string, update model.TransferUpdate) error
}

// Recorder は移行ジョブのメトリクス記録インターフェース。
type Recorder interface {
	RecordTransferStarted()
	RecordTransferFinished(status string)
	RecordMemberProcessed(outcome string)
}

// CheckpointMode は進捗の書き込み方式。
type CheckpointMode int

const (
	// CheckpointEachMember はメンバー1件ごとに進捗を書き込む（ダッシュボードのポーリング用）。
	CheckpointEachMember CheckpointMode = iota
	// CheckpointBuffered は結果をメモリに保持し、終了時にまとめて書き込む（コマンドの一括返信用）。
	CheckpointBuffered
)

// Filter はスナップショットから処理対象とするグラントを選ぶ関数。falseを返したグラントは除外する。
type Filter func(c *model.Credential) bool

// BotFilter はボットアカウントとボット自身のユーザーIDを除外するFilterを返す。
func BotFilter(botUserID string) Filter {
	return func(c *model.Credential) bool {
		if c.Bot {
			return false
		}
		return botUserID == "" || c.UserID != botUserID
	}
}

// Job は1回の移行ジョブの実行パラメータ。
type Job struct {
	TransferID    string
	TargetGuildID string
	Filter        Filter
	Mode          CheckpointMode
}

// Summary は移行ジョブの最終結果。
type Summary struct {
	TransferID   string
	Status       model.TransferStatus
	Total        int
	SuccessCount int
	SkippedCount int
	FailedCount  int
	Results      []model.MemberOutcome
	ErrorMessage string
}

// Failures は失敗したメンバーの結果のみを返す。
func (s *Summary) Failures() []model.MemberOutcome {
	var out []model.MemberOutcome
	for _, r := range s.Results {
		if r.Status == model.MemberStatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Config はOrchestratorの設定。
type Config struct {
	// MemberDelay はメンバー追加間の待機時間。最後のメンバーの後には待機しない。
	MemberDelay time.Duration
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// Orchestrator は移行ジョブを1件ずつ最後まで実行する。
// 1つの移行レコードに対する書き込みは常に1つのRunからのみ行われる。
type Orchestrator struct {
	credentials CredentialLister
	members     MemberAdder
	records     RecordUpdater
	recorder    Recorder
	logger      *slog.Logger
	config      Config
}

// NewOrchestrator はOrchestratorを生成する。recorderはnilでもよい。
func NewOrchestrator(
	credentials CredentialLister,
	members MemberAdder,
	records RecordUpdater,
	recorder Recorder,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		credentials: credentials,
		members:     members,
		records:     records,
		recorder:    recorder,
		logger:      logger,
		config:      config,
	}
}

// progress は実行中のジョブの集計状態。
type progress struct {
	total   int
	success int
	skipped int
	failed  int
	results []model.MemberOutcome
}

func (p *progress) append(outcome model.MemberOutcome) {
	p.results = append(p.results, outcome)
	switch outcome.Status {
	case model.MemberStatusSuccess:
		p.success++
	case model.MemberStatusSkipped:
		p.skipped++
	default:
		p.failed++
	}
}

// counters は集計状態を部分更新に反映する。ログはコピーを渡す。
func (p *progress) counters(u *model.TransferUpdate) {
	u.SuccessCount = intPtr(p.success)
	u.SkippedCount = intPtr(p.skipped)
	u.FailedCount = intPtr(p.failed)
	u.Results = slices.Clone(p.results)
	if u.Results == nil {
		u.Results = []model.MemberOutcome{}
	}
}

// Run は移行ジョブを実行する。
// メンバーごとの失敗ではジョブを中断せず、移行レコードやゲートウェイの障害時のみ
// レコードをfailedにしてエラーを返す。いずれの場合もその時点までのSummaryを返す。
// 処理中のpanicも同様に、それまでの集計を保存したfailedに変換する。
func (o *Orchestrator) Run(ctx context.Context, job Job) (summary *Summary, err error) {
	log := o.logger.With(
		slog.String("transfer_id", job.TransferID),
		slog.String("target_guild_id", job.TargetGuildID),
	)
	p := &progress{}

	defer func() {
		if r := recover(); r != nil {
			log.Error("transfer panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			summary, err = o.abort(ctx, log, job, p, fmt.Errorf("transfer panicked: %v", r))
		}
	}()

	if err := o.records.Update(ctx, job.TransferID, model.TransferUpdate{
		Status: model.StatusPtr(model.TransferStatusInProgress),
	}); err != nil {
		// pendingから終端状態へは遷移できないため失敗状態は書き込まない
		log.Error("failed to mark transfer in progress", slog.String("error", err.Error()))
		return o.summary(job, model.TransferStatusPending, p, err.Error()),
			fmt.Errorf("failed to start transfer: %w", err)
	}
	if o.recorder != nil {
		o.recorder.RecordTransferStarted()
	}

	snapshot, err := o.credentials.ListAll(ctx)
	if err != nil {
		return o.abort(ctx, log, job, p, fmt.Errorf("failed to list credentials: %w", err))
	}

	candidates := snapshot
	if job.Filter != nil {
		candidates = make([]*model.Credential, 0, len(snapshot))
		for _, c := range snapshot {
			if job.Filter(c) {
				candidates = append(candidates, c)
			}
		}
	}
	p.total = len(candidates)

	if err := o.records.Update(ctx, job.TransferID, model.TransferUpdate{
		TotalMembers: intPtr(p.total),
	}); err != nil {
		return o.abort(ctx, log, job, p, fmt.Errorf("failed to save total: %w", err))
	}

	log.Info("transfer started",
		slog.Int("snapshot", len(snapshot)),
		slog.Int("total", p.total),
	)

	for i, c := range candidates {
		outcome, err := o.processMember(ctx, job.TargetGuildID, c)
		if err != nil {
			return o.abort(ctx, log, job, p, err)
		}
		p.append(outcome)
		if o.recorder != nil {
			o.recorder.RecordMemberProcessed(string(outcome.Status))
		}

		if job.Mode == CheckpointEachMember {
			var u model.TransferUpdate
			p.counters(&u)
			if err := o.records.Update(ctx, job.TransferID, u); err != nil {
				return o.abort(ctx, log, job, p, fmt.Errorf("failed to save progress: %w", err))
			}
		}

		if i < len(candidates)-1 && o.config.MemberDelay > 0 {
			select {
			case <-ctx.Done():
				return o.abort(ctx, log, job, p, ctx.Err())
			case <-time.After(o.config.MemberDelay):
			}
		}
	}

	completedAt := o.config.Now()
	final := model.TransferUpdate{
		Status:      model.StatusPtr(model.TransferStatusCompleted),
		CompletedAt: &completedAt,
	}
	p.counters(&final)
	if err := o.records.Update(ctx, job.TransferID, final); err != nil {
		return o.abort(ctx, log, job, p, fmt.Errorf("failed to complete transfer: %w", err))
	}
	if o.recorder != nil {
		o.recorder.RecordTransferFinished(string(model.TransferStatusCompleted))
	}

	log.Info("transfer completed",
		slog.Int("total", p.total),
		slog.Int("success", p.success),
		slog.Int("skipped", p.skipped),
		slog.Int("failed", p.failed),
	)

	return o.summary(job, model.TransferStatusCompleted, p, ""), nil
}

// processMember はメンバー1件を処理し結果を返す。
// errorはジョブ全体を中断すべき障害の場合のみ返す。
func (o *Orchestrator) processMember(ctx context.Context, guildID string, c *model.Credential) (model.MemberOutcome, error) {
	outcome := model.MemberOutcome{
		UserID:        c.UserID,
		Username:      c.Username,
		Discriminator: c.DiscriminatorOrDefault(),
	}

	if c.IsExpiredAt(o.config.Now()) {
		outcome.Status = model.MemberStatusFailed
		outcome.Reason = ReasonTokenExpired
		return outcome, nil
	}

	result, err := o.members.AddMember(ctx, guildID, c.UserID, c.AccessToken)
	if err != nil {
		return outcome, fmt.Errorf("failed to add member %s: %w", c.UserID, err)
	}

	switch result.Outcome {
	case model.AddMemberSuccess:
		outcome.Status = model.MemberStatusSuccess
	case model.AddMemberAlreadyMember:
		outcome.Status = model.MemberStatusSkipped
		outcome.Reason = result.Reason
	default:
		outcome.Status = model.MemberStatusFailed
		outcome.Reason = result.Reason
	}
	return outcome, nil
}

// abort はジョブを失敗状態で終了させる。
// 実行コンテキストが取り消されていても書き込めるよう、取り消しを切り離したコンテキストを使う。
func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, job Job, p *progress, cause error) (*Summary, error) {
	log.Error("transfer failed",
		slog.String("error", cause.Error()),
		slog.Int("processed", len(p.results)),
		slog.Int("total", p.total),
	)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := o.markFailed(writeCtx, job.TransferID, p, cause.Error()); err != nil {
		log.Error("failed to mark transfer failed", slog.String("error", err.Error()))
	}
	return o.summary(job, model.TransferStatusFailed, p, cause.Error()), cause
}

// markFailed は移行レコードをfailedにする。pがnilの場合は最後のチェックポイントの集計を維持する。
func (o *Orchestrator) markFailed(ctx context.Context, transferID string, p *progress, message string) error {
	completedAt := o.config.Now()
	u := model.TransferUpdate{
		Status:       model.StatusPtr(model.TransferStatusFailed),
		ErrorMessage: &message,
		CompletedAt:  &completedAt,
	}
	if p != nil {
		p.counters(&u)
	}
	if err := o.records.Update(ctx, transferID, u); err != nil {
		if errors.Is(err, model.ErrTransferFinalized) {
			return nil
		}
		return err
	}
	if o.recorder != nil {
		o.recorder.RecordTransferFinished(string(model.TransferStatusFailed))
	}
	return nil
}

func (o *Orchestrator) summary(job Job, status model.TransferStatus, p *progress, message string) *Summary {
	return &Summary{
		TransferID:   job.TransferID,
		Status:       status,
		Total:        p.total,
		SuccessCount: p.success,
		SkippedCount: p.skipped,
		FailedCount:  p.failed,
		Results:      slices.Clone(p.results),
		ErrorMessage: message,
	}
}

func intPtr(i int) *int {
	return &i
}
