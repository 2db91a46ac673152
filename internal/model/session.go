package model

import "time"

// Session はユーザーのログインセッションを表す。
// UserIDはDiscordユーザーIDで、Credentialと対応する。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
