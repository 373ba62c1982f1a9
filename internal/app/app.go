package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/publishgate/internal/asset"
	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/config"
	"github.com/hitoshi/publishgate/internal/content"
	"github.com/hitoshi/publishgate/internal/database"
	"github.com/hitoshi/publishgate/internal/gate"
	"github.com/hitoshi/publishgate/internal/handler"
	"github.com/hitoshi/publishgate/internal/logger"
	"github.com/hitoshi/publishgate/internal/metrics"
	"github.com/hitoshi/publishgate/internal/quota"
	"github.com/hitoshi/publishgate/internal/repository"
	"github.com/hitoshi/publishgate/internal/security"
	"github.com/hitoshi/publishgate/internal/worker/cleanup"
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

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("ignoring LOG_LEVEL", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck と token は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandToken:
		return runToken(w, args[1:], time.Now())
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
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

// GateDeps はNewGateに渡す外部依存。
type GateDeps struct {
	Revocations repository.RevocationRepository
	Counter     quota.CounterStore
	HTTPClient  asset.HTTPDoer
	URLGuard    asset.URLValidator
	Registerer  prometheus.Registerer
	Logger      *slog.Logger
}

// Components はNewGateが組み立てたコンポーネント。
type Components struct {
	Gate        *gate.Gate
	Verifier    *auth.Verifier
	AuthService *auth.Service
	Metrics     *metrics.Collector
}

// NewGate は設定と外部依存からGateとその周辺コンポーネントを組み立てる。
func NewGate(cfg *config.Config, deps GateDeps) (*Components, error) {
	failMode, err := gate.ParseFailMode(cfg.QuotaFailMode)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.AuthLeeway)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	authService := auth.NewService(deps.Revocations)

	collector := metrics.NewCollector(deps.Registerer)
	ledger := quota.NewLedger(deps.Counter, collector, deps.Logger, cfg.QuotaRetries)

	resolver, err := asset.NewResolver(asset.Config{
		ContentRoot:   cfg.ContentRoot,
		CheckTimeout:  cfg.AssetCheckTimeout,
		MaxConcurrent: cfg.AssetMaxConcurrent,
		Retries:       cfg.AssetRetries,
		HostRate:      cfg.AssetHostRate,
		HostBurst:     max(1, int(math.Ceil(cfg.AssetHostRate))),
	}, deps.HTTPClient, deps.URLGuard, collector, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset resolver: %w", err)
	}

	g := gate.New(gate.Config{
		RequiredScope: cfg.AuthRequiredScope,
		QuotaLimit:    cfg.RateLimitMax,
		QuotaWindow:   cfg.RateLimitWindow,
		FailMode:      failMode,
		Deadline:      cfg.GateDeadline,
		Limits: content.Limits{
			MaxTitleLength:     cfg.MaxTitleLength,
			MaxSubtitleLength:  cfg.MaxSubtitleLength,
			MaxTags:            cfg.MaxTags,
			MinBodyLength:      cfg.MinContentLength,
			SupportedLanguages: cfg.SupportedLanguages,
			DefaultLanguage:    cfg.DefaultLanguage,
			RequireHeading:     cfg.RequireHeading,
		},
	}, gate.Deps{
		Verifier:    verifier,
		Revocations: authService,
		Quota:       ledger,
		Assets:      resolver,
		Metrics:     collector,
		Logger:      deps.Logger,
	})

	return &Components{
		Gate:        g,
		Verifier:    verifier,
		AuthService: authService,
		Metrics:     collector,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続（失効トークンストア）
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. Redis接続（クォータカウンタ）
	rdb, err := quota.Connect(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to configure redis: %w", err)
	}
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		// クォータストアの障害時の扱いはQUOTA_FAIL_MODEに従うため、起動は継続する
		slog.Warn("redis is not reachable at startup", slog.String("error", err.Error()))
	} else {
		slog.Info("redis connection established")
	}

	// 3. メトリクスレジストリ
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 4. Gateの組み立て
	guard := security.NewURLGuard()
	components, err := NewGate(cfg, GateDeps{
		Revocations: repository.NewPostgresRevocationRepo(db),
		Counter:     quota.NewRedisStore(rdb),
		HTTPClient:  guard.NewClient(cfg.AssetCheckTimeout),
		URLGuard:    guard,
		Registerer:  registry,
		Logger:      slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to build gate: %w", err)
	}

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		StatusRecorder: components.Metrics,
		Verifier:       components.Verifier,
		Revocations:    components.AuthService,
		Revoker:        components.AuthService,
		Evaluator:      components.Gate,
		HealthChecks: map[string]handler.PingFunc{
			"database": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Gatherer: registry,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GateDeadline + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GateDeadline+10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れ失効レコードのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewRevocationCleanupJob(db, slog.Default(), cfg.TokenRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.TokenRetentionDays),
	)

	// 起動直後に1回実行し、以降は間隔ごとに実行する（ブロッキング）
	cleanupJob.Loop(ctx, cfg.CleanupInterval)

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

// runToken はアクセストークンを発行してwに書き出す。
// 引数は subject [scope1,scope2,...]。スコープ省略時はAUTH_REQUIRED_SCOPE（既定: publish）を付与する。
// 有効期間はAUTH_TOKEN_TTL（既定: 24h）。
func runToken(w io.Writer, args []string, now time.Time) error {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return errors.New("usage: publishgate token <subject> [scope,...]")
	}

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		return errors.New("required environment variables are not set: [AUTH_SECRET]")
	}

	scopes := []string{"publish"}
	if s := os.Getenv("AUTH_REQUIRED_SCOPE"); s != "" {
		scopes = []string{s}
	}
	if len(args) > 1 {
		scopes = scopes[:0]
		for _, s := range strings.Split(args[1], ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	}

	ttl := 24 * time.Hour
	if v := os.Getenv("AUTH_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid AUTH_TOKEN_TTL: %w", err)
		}
		ttl = d
	}

	issuer, err := auth.NewIssuer(secret)
	if err != nil {
		return err
	}
	token, _, err := issuer.Issue(strings.TrimSpace(args[0]), scopes, ttl, now)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	_, err = fmt.Fprintln(w, token)
	return err
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
