package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// EgressGuard は外部API呼び出し用のHTTPクライアントを生成するインターフェース。
// OAuth2トークン交換とユーザー情報取得で使用する。
type EgressGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlにより、プライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストがDNS解決後に遮断される。
	NewSafeClient(timeout time.Duration) *http.Client
}

// egressGuard はEgressGuardの実装。
type egressGuard struct{}

// NewEgressGuard はEgressGuardの新しいインスタンスを生成する。
func NewEgressGuard() *egressGuard {
	return &egressGuard{}
}

// NewSafeClient はHTTPSの443番ポートのみを許可したクライアントを返す。
func (g *egressGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// compile-time interface check
var _ EgressGuard = (*egressGuard)(nil)
