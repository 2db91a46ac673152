// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はDiscordから受け取った表示名やサーバー名からHTMLを除去し、
// ダッシュボードやログに安全なプレーンテキストとして保存する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextLength は表示名・サーバー名として保存する最大文字数。
const DefaultMaxTextLength = 100

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを除去し、前後の空白を取り除いた文字列を返す。
	// 制御文字は除去し、最大文字数を超える場合はルーン単位で切り詰める。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(s string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyは全てのタグを除去する。
type textSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// maxLengthが0以下の場合はDefaultMaxTextLengthを使用する。
func NewTextSanitizer(maxLength int) *textSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	return &textSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// SanitizeText はHTMLを除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため、保存用に戻す
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	stripped = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, stripped)
	stripped = strings.TrimSpace(stripped)

	if utf8.RuneCountInString(stripped) > s.maxLength {
		stripped = strings.TrimSpace(string([]rune(stripped)[:s.maxLength]))
	}
	return stripped
}
