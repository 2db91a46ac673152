// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"time"
)

// TransferStatus は移行ジョブの状態を表す。
type TransferStatus string

const (
	// TransferStatusPending は作成直後の初期状態。
	TransferStatusPending TransferStatus = "pending"
	// TransferStatusInProgress はオーケストレーターが実行中の状態。
	TransferStatusInProgress TransferStatus = "in_progress"
	// TransferStatusCompleted は全メンバーの処理を終えた終端状態。
	TransferStatusCompleted TransferStatus = "completed"
	// TransferStatusFailed はインフラ障害で中断した終端状態。
	TransferStatusFailed TransferStatus = "failed"
)

// IsTerminal は終端状態（completed / failed）かを判定する。
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// CanTransitionTo は状態遷移 pending → in_progress → {completed, failed} を満たすかを判定する。
// 同一状態への遷移はチェックポイント書き込みとして許可する。
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	switch s {
	case TransferStatusPending:
		return next == TransferStatusPending || next == TransferStatusInProgress
	case TransferStatusInProgress:
		return next == TransferStatusInProgress || next.IsTerminal()
	default:
		return false
	}
}

// ErrTransferFinalized は終端状態の移行レコードを更新しようとした場合のエラー。
var ErrTransferFinalized = errors.New("transfer is already finalized")

// MemberStatus はメンバー1件ごとの処理結果の種別。
type MemberStatus string

const (
	MemberStatusSuccess MemberStatus = "success"
	MemberStatusSkipped MemberStatus = "skipped"
	MemberStatusFailed  MemberStatus = "failed"
)

// MemberOutcome は移行ジョブ内のメンバー1件の処理結果。
// 結果ログの要素としてのみ永続化される。
type MemberOutcome struct {
	UserID        string       `json:"userId"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	Status        MemberStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
}

// Transfer は1回の移行ジョブの進捗レコードを表す。
// ID、UserID、移行元/移行先ギルド、StartedAtは作成後に変更されない。
type Transfer struct {
	ID              string
	UserID          string
	SourceGuildID   string
	SourceGuildName string
	TargetGuildID   string
	TargetGuildName string

	Status       TransferStatus
	TotalMembers int
	SuccessCount int
	SkippedCount int
	FailedCount  int
	Results      []MemberOutcome
	ErrorMessage string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// Processed は処理済みメンバー数（success+skipped+failed）を返す。
func (t *Transfer) Processed() int {
	return t.SuccessCount + t.SkippedCount + t.FailedCount
}

// TransferUpdate は移行レコードの部分更新を表す。
// nilのフィールドは変更しない。不変フィールドは表現できないため上書きされることはない。
type TransferUpdate struct {
	Status       *TransferStatus
	TotalMembers *int
	SuccessCount *int
	SkippedCount *int
	FailedCount  *int
	Results      []MemberOutcome // nilの場合は変更しない
	ErrorMessage *string
	CompletedAt  *time.Time
}

// StatusPtr はTransferStatusのポインタを返すヘルパー。
func StatusPtr(s TransferStatus) *TransferStatus {
	return &s
}

// TransferProgress はクライアントへ返す進捗スナップショット。
type TransferProgress struct {
	TransferID   string          `json:"transferId"`
	Status       TransferStatus  `json:"status"`
	Current      int             `json:"current"`
	Total        int             `json:"total"`
	SuccessCount int             `json:"successCount"`
	SkippedCount int             `json:"skippedCount"`
	FailedCount  int             `json:"failedCount"`
	Results      []MemberOutcome `json:"results"`
}
