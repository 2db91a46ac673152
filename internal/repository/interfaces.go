// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// CredentialRepository はOAuth2グラントの永続化インターフェース。
type CredentialRepository interface {
	// FindByUserID は指定ユーザーのグラントを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// ListAll は全グラントを作成日時の昇順で返す。
	// 同一作成日時の場合はユーザーIDの昇順で並べる。
	ListAll(ctx context.Context) ([]*model.Credential, error)

	// Upsert はユーザーIDをキーにグラントを作成または上書きする。
	// 既存レコードのcreated_atは維持する。
	Upsert(ctx context.Context, credential *model.Credential) error

	// Delete は指定ユーザーのグラントを削除する。関連するセッションはCASCADE削除される。
	Delete(ctx context.Context, userID string) error
}

// TransferRepository は移行レコードの永続化インターフェース。
type TransferRepository interface {
	// Create は移行レコードを作成する。
	// IDとStartedAtが未設定の場合は採番し、Statusは常にpendingで作成する。
	Create(ctx context.Context, transfer *model.Transfer) error

	// FindByID は指定IDの移行レコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Transfer, error)

	// Update は可変フィールドのみを部分更新する。
	// 終端状態のレコードに対してはmodel.ErrTransferFinalizedを返す。
	Update(ctx context.Context, id string, update model.TransferUpdate) error

	// ListByUserID は指定ユーザーの移行レコードを開始日時の昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Transfer, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}
