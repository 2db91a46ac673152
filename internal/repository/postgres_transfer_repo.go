package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/guildtransfer/internal/model"
)

// PostgresTransferRepo はPostgreSQLを使用した移行レコードリポジトリ。
type PostgresTransferRepo struct {
	db *sql.DB
}

// NewPostgresTransferRepo はPostgresTransferRepoを生成する。
func NewPostgresTransferRepo(db *sql.DB) *PostgresTransferRepo {
	return &PostgresTransferRepo{db: db}
}

const transferColumns = `id, discord_user_id, source_guild_id, source_guild_name,
	target_guild_id, target_guild_name, status, total_members,
	success_count, skipped_count, failed_count, results, error_message,
	started_at, completed_at`

// Create は移行レコードをpending状態で作成する。
// IDが空の場合はUUIDを、StartedAtがゼロ値の場合は現在時刻を設定する。
func (r *PostgresTransferRepo) Create(ctx context.Context, t *model.Transfer) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	t.Status = model.TransferStatusPending
	if t.Results == nil {
		t.Results = []model.MemberOutcome{}
	}

	results, err := json.Marshal(t.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer results: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO transfers (`+transferColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13, NULL)`,
		t.ID, t.UserID, t.SourceGuildID, t.SourceGuildName,
		t.TargetGuildID, t.TargetGuildName, string(t.Status), t.TotalMembers,
		t.SuccessCount, t.SkippedCount, t.FailedCount, string(results),
		t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// FindByID は指定IDの移行レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresTransferRepo) FindByID(ctx context.Context, id string) (*model.Transfer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`,
		id,
	)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	return t, nil
}

// Update は可変フィールドのみを部分更新する。
// 行ロックを取得した上で現在の状態を確認し、終端状態であればmodel.ErrTransferFinalizedを返す。
// 存在しないIDの場合はエラーを返す。
func (r *PostgresTransferRepo) Update(ctx context.Context, id string, u model.TransferUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM transfers WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transfer not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock transfer: %w", err)
	}

	status := model.TransferStatus(current)
	if status.IsTerminal() {
		return model.ErrTransferFinalized
	}
	if u.Status != nil && !status.CanTransitionTo(*u.Status) {
		return fmt.Errorf("invalid transfer status transition: %s -> %s", status, *u.Status)
	}

	var results []byte
	if u.Results != nil {
		results, err = json.Marshal(u.Results)
		if err != nil {
			return fmt.Errorf("failed to marshal transfer results: %w", err)
		}
	}

	var newStatus sql.NullString
	if u.Status != nil {
		newStatus = sql.NullString{String: string(*u.Status), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE transfers SET
			status = COALESCE($2, status),
			total_members = COALESCE($3, total_members),
			success_count = COALESCE($4, success_count),
			skipped_count = COALESCE($5, skipped_count),
			failed_count = COALESCE($6, failed_count),
			results = COALESCE($7::jsonb, results),
			error_message = COALESCE($8, error_message),
			completed_at = COALESCE($9, completed_at)
		 WHERE id = $1`,
		id, newStatus, nullInt(u.TotalMembers),
		nullInt(u.SuccessCount), nullInt(u.SkippedCount), nullInt(u.FailedCount),
		nullBytes(results), nullString(u.ErrorMessage), nullTime(u.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListByUserID は指定ユーザーの移行レコードを開始日時の昇順で返す。
func (r *PostgresTransferRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Transfer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE discord_user_id = $1
		 ORDER BY started_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return transfers, nil
}

func scanTransfer(s rowScanner) (*model.Transfer, error) {
	t := &model.Transfer{}
	var (
		status       string
		results      []byte
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.UserID, &t.SourceGuildID, &t.SourceGuildName,
		&t.TargetGuildID, &t.TargetGuildName, &status, &t.TotalMembers,
		&t.SuccessCount, &t.SkippedCount, &t.FailedCount, &results, &errorMessage,
		&t.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = model.TransferStatus(status)
	t.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	t.Results = []model.MemberOutcome{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &t.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transfer results: %w", err)
		}
	}
	return t, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullBytes(v []byte) any {
	if v == nil {
		return nil
	}
	return string(v)
}

// compile-time interface check
var _ TransferRepository = (*PostgresTransferRepo)(nil)
