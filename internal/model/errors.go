// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, transfer, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeBotNotInGuild       = "BOT_NOT_IN_GUILD"
	ErrCodeSameGuild           = "SAME_GUILD"
	ErrCodeTransferNotFound    = "TRANSFER_NOT_FOUND"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeAuthorizationFailed = "AUTHORIZATION_FAILED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeGuildFetchFailed    = "GUILD_FETCH_FAILED"
	ErrCodeCSRFFailed          = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認可情報が存在しない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "アプリケーションが認可されていません。",
		Category: "auth",
		Action:   "Discordでログインし、アプリケーションを認可してください。",
	}
}

// NewTokenExpiredError はアクセストークンの有効期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "アクセストークンの有効期限が切れています。",
		Category: "auth",
		Action:   "Discordで再度ログインしてください。",
	}
}

// NewBotNotInGuildError はボットが移行元または移行先のギルドに参加していない場合のエラーを生成する。
func NewBotNotInGuildError() *APIError {
	return &APIError{
		Code:     ErrCodeBotNotInGuild,
		Message:  "ボットが移行元または移行先のサーバーに参加していません。",
		Category: "transfer",
		Action:   "両方のサーバーにボットを招待してから再度お試しください。",
	}
}

// NewSameGuildError は移行元と移行先が同じ場合のエラーを生成する。
func NewSameGuildError() *APIError {
	return &APIError{
		Code:     ErrCodeSameGuild,
		Message:  "移行元と移行先に同じサーバーが指定されています。",
		Category: "validation",
		Action:   "異なるサーバーを指定してください。",
	}
}

// NewTransferNotFoundError は移行レコードが見つからない場合のエラーを生成する。
func NewTransferNotFoundError(transferID string) *APIError {
	return &APIError{
		Code:     ErrCodeTransferNotFound,
		Message:  fmt.Sprintf("指定された移行ジョブが見つかりません: %s", transferID),
		Category: "transfer",
		Action:   "移行IDを確認してください。",
	}
}

// NewInvalidRequestError はリクエストの内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewAuthorizationFailedError はOAuth2の認可コード交換に失敗した場合のエラーを生成する。
func NewAuthorizationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationFailed,
		Message:  "Discordでの認可に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewGuildFetchFailedError はDiscordから所属ギルド一覧を取得できなかった場合のエラーを生成する。
func NewGuildFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGuildFetchFailed,
		Message:  "サーバー一覧の取得に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFValidationError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
