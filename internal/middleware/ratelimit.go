package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// RateLimiterConfig はユーザー単位のレート制限の設定。
type RateLimiterConfig struct {
	GeneralRate        rate.Limit // 保護API全般（req/sec）
	GeneralBurst       int
	TransferStartRate  rate.Limit // POST /api/transfer/start（req/sec）
	TransferStartBurst int
	// CleanupInterval ごとに、2倍の期間アクセスのないユーザーのリミッターを破棄する。
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig は既定の設定を返す。
// 保護API全般は120回/分、移行開始は5回/分。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:        rate.Limit(120.0 / 60.0),
		GeneralBurst:       120,
		TransferStartRate:  rate.Limit(5.0 / 60.0),
		TransferStartBurst: 5,
		CleanupInterval:    5 * time.Minute,
	}
}

// NewRateLimiterConfig は1分あたりの回数から設定を生成する。0以下は既定値を使う。
func NewRateLimiterConfig(generalPerMinute, transferStartPerMinute int) RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	if generalPerMinute > 0 {
		cfg.GeneralRate = rate.Limit(float64(generalPerMinute) / 60.0)
		cfg.GeneralBurst = generalPerMinute
	}
	if transferStartPerMinute > 0 {
		cfg.TransferStartRate = rate.Limit(float64(transferStartPerMinute) / 60.0)
		cfg.TransferStartBurst = transferStartPerMinute
	}
	return cfg
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool はユーザーIDごとのトークンバケットを保持する。
type limiterPool struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*userLimiter
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{limit: limit, burst: burst, entries: make(map[string]*userLimiter)}
}

func (p *limiterPool) allow(userID string, now time.Time) bool {
	p.mu.Lock()
	ul, ok := p.entries[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[userID] = ul
	}
	ul.lastAccess = now
	p.mu.Unlock()

	return ul.limiter.AllowN(now, 1)
}

// sweep はnowからttlより前に最後にアクセスされたエントリを削除する。
func (p *limiterPool) sweep(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, ul := range p.entries {
		if now.Sub(ul.lastAccess) > ttl {
			delete(p.entries, userID)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// RateLimiter は保護APIと移行開始の2系統のユーザー単位レート制限を提供する。
// 2系統は独立しており、移行開始は両方のトークンを消費する。
type RateLimiter struct {
	config        RateLimiterConfig
	general       *limiterPool
	transferStart *limiterPool
	now           func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、リミッターの定期破棄を開始する。
// 不要になったらStopを呼ぶこと。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:        config,
		general:       newLimiterPool(config.GeneralRate, config.GeneralBurst),
		transferStart: newLimiterPool(config.TransferStartRate, config.TransferStartBurst),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Stop は定期破棄を停止する。複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は保護API全般のレート制限ミドルウェアを返す。
// セッションミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, rl.config.GeneralRate, "general")
}

// TransferStartMiddleware は移行開始のレート制限ミドルウェアを返す。
func (rl *RateLimiter) TransferStartMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.transferStart, rl.config.TransferStartRate, "transfer_start")
}

func (rl *RateLimiter) middleware(pool *limiterPool, limit rate.Limit, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			if !pool.allow(userID, rl.now()) {
				slog.Warn("rate limit exceeded",
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("user_id", userID),
					slog.String("limit_type", limitType),
				)
				writeRateLimitResponse(w, limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は保持している保護API全般のリミッター数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// TransferStartLimiterCount は保持している移行開始のリミッター数を返す。
func (rl *RateLimiter) TransferStartLimiterCount() int {
	return rl.transferStart.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.sweep(now, ttl)
	rl.transferStart.sweep(now, ttl)
}

// writeRateLimitResponse は429を書き込む。
// Retry-Afterには1トークンが補充されるまでの秒数（切り上げ、最低1秒）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	retryAfter := 1
	if limit > 0 {
		retryAfter = int(math.Ceil(1.0 / float64(limit)))
		if retryAfter < 1 {
			retryAfter = 1
		}
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
