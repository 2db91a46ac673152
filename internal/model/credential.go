// Package model はドメインモデルを定義する。
package model

import "time"

// Credential はアプリケーションを認可したDiscordユーザーのOAuth2グラントを表す。
// ユーザーIDごとに1件のみ存在し、再認可時はプロフィールとグラントを上書きする。
type Credential struct {
	UserID        string // DiscordユーザーID（一意キー）
	Username      string
	Discriminator string
	Avatar        string
	Bot           bool // IdPが自動化アカウントとしてフラグ付けしたユーザー

	AccessToken  string
	RefreshToken string
	Scopes       string // スペース区切り
	ExpiresAt    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpiredAt は指定時刻の時点でアクセストークンが期限切れかを判定する。
// 有効期限ちょうどの時刻も期限切れとして扱う。
func (c *Credential) IsExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// DiscriminatorOrDefault は識別子が空の場合に"0"を返す。
func (c *Credential) DiscriminatorOrDefault() string {
	if c.Discriminator == "" {
		return "0"
	}
	return c.Discriminator
}
