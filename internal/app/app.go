package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/guildtransfer/internal/auth"
	"github.com/hitoshi/guildtransfer/internal/command"
	"github.com/hitoshi/guildtransfer/internal/config"
	"github.com/hitoshi/guildtransfer/internal/database"
	"github.com/hitoshi/guildtransfer/internal/discord"
	"github.com/hitoshi/guildtransfer/internal/handler"
	"github.com/hitoshi/guildtransfer/internal/logger"
	"github.com/hitoshi/guildtransfer/internal/metrics"
	"github.com/hitoshi/guildtransfer/internal/middleware"
	"github.com/hitoshi/guildtransfer/internal/repository"
	"github.com/hitoshi/guildtransfer/internal/security"
	"github.com/hitoshi/guildtransfer/internal/transfer"
	"github.com/hitoshi/guildtransfer/internal/worker/cleanup"
)

const (
	// oauthHTTPTimeout はDiscord OAuth2/REST呼び出しのタイムアウト。
	oauthHTTPTimeout = 10 * time.Second
	// shutdownTimeout はHTTPサーバーと実行中ジョブの終了待ちの上限。
	shutdownTimeout = 30 * time.Second
	// loginPath はチャットコマンドから案内するログインエンドポイント。
	loginPath = "/auth/discord/login"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーとボットを起動する。
// DB接続を開き、全依存関係をワイヤリングし、Discordゲートウェイに接続してHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	credRepo := repository.NewPostgresCredentialRepo(db)
	transferRepo := repository.NewPostgresTransferRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. セキュリティとメトリクスの初期化
	egress := security.NewEgressGuard()
	sanitizer := security.NewTextSanitizer(security.DefaultMaxTextLength)

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 認可サービスの初期化
	oauthProvider := auth.NewDiscordOAuthProvider(auth.DiscordOAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.DiscordRedirectURL,
		HTTPClient:   egress.NewSafeClient(oauthHTTPTimeout),
	})
	authService := auth.NewService(
		oauthProvider, credRepo, sessionRepo, sanitizer,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 5. Discordゲートウェイの初期化
	session, err := discord.NewSession(cfg.DiscordBotToken)
	if err != nil {
		return err
	}
	gateway := discord.NewGateway(session, discord.GatewayConfig{
		AddMemberRatePerMinute: cfg.AddMemberRatePerMinute,
		Latency:                collector,
	}, logger.Component(nil, "discord"))

	// 6. 移行オーケストレーターの初期化
	// runCtxはシャットダウン時にキャンセルされ、実行中のジョブはfailedで終了する
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	orchestrator := transfer.NewOrchestrator(
		credRepo, gateway, transferRepo, collector,
		logger.Component(nil, "transfer"),
		transfer.Config{MemberDelay: cfg.TransferMemberDelay},
	)
	dispatcher := transfer.NewDispatcher(runCtx, orchestrator, logger.Component(nil, "dispatcher"))
	transferService := transfer.NewService(credRepo, gateway, transferRepo, dispatcher, sanitizer)

	// 7. チャットコマンドの登録とゲートウェイ接続
	commandHandler := command.NewHandler(
		transferService,
		strings.TrimRight(cfg.BaseURL, "/")+loginPath,
		gateway.BotUserID,
		logger.Component(nil, "command"),
	)
	gateway.AddInteractionHandler(commandHandler.HandleInteraction)

	if err := gateway.Open(); err != nil {
		return err
	}
	defer gateway.Close()

	if cfg.DiscordRegisterCommands {
		if err := gateway.RegisterCommands(cfg.DiscordClientID, command.Definitions()); err != nil {
			return fmt.Errorf("failed to register commands: %w", err)
		}
	}

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitTransferStart),
	)
	defer rateLimiter.Stop()

	authConfig := handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		DashboardPath: cfg.DashboardPath,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		Logger:         slog.Default(),
		StatusRecorder: collector,

		HealthChecker:  db,
		MetricsHandler: metrics.SetupMetricsRoute(registry),
		OAuthConfig:    handler.OAuthConfig{ClientID: cfg.DiscordClientID},

		AuthService: authService,
		AuthConfig:  authConfig,

		UserService:     authService,
		GuildService:    handler.NewGuildServiceAdapter(authService, oauthProvider, gateway),
		TransferService: transferService,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		slog.Error("server listen error", slog.String("error", err.Error()))
		stopRuns(gateway, cancelRuns)
		dispatcher.Wait()
		return fmt.Errorf("server listen failed: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)

	// 実行中の移行ジョブを打ち切り、failedの書き込みが終わるまで待つ
	stopRuns(gateway, cancelRuns)
	waitDispatcher(ctx, dispatcher)

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runCloser は移行ジョブの受け付け元となるゲートウェイ接続。
type runCloser interface {
	Close() error
}

// stopRuns はチャットコマンドの受信を止めてから実行中のジョブを取り消す。
// 以降のDispatchはErrDispatcherClosedで拒否される。
func stopRuns(gateway runCloser, cancelRuns context.CancelFunc) {
	if err := gateway.Close(); err != nil {
		slog.Warn("failed to close discord gateway", slog.String("error", err.Error()))
	}
	cancelRuns()
}

// waitDispatcher はディスパッチャーの全ジョブ終了をctxの期限まで待つ。
func waitDispatcher(ctx context.Context, d *transfer.Dispatcher) {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all transfer runs finished")
	case <-ctx.Done():
		slog.Warn("timed out waiting for transfer runs to finish")
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, logger.Component(nil, "cleanup"))

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

func poolConfig(cfg *config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
