package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/publishgate/internal/metrics"
	"github.com/hitoshi/publishgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger         *slog.Logger
	StatusRecorder middleware.StatusRecorder

	// 認証（トークン失効エンドポイント用）
	Verifier    middleware.TokenVerifier
	Revocations middleware.RevocationChecker
	Revoker     Revoker

	// 投稿前チェック
	Evaluator Evaluator

	// 運用
	HealthChecks map[string]PingFunc
	Gatherer     prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders
//
// /api/publish/evaluate はGate自身が認証するため、Bearer認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	publishHandler := NewPublishHandler(deps.Evaluator)
	tokenHandler := NewTokenHandler(deps.Revoker)
	healthHandler := NewHealthHandler(deps.HealthChecks)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 投稿前チェック ---
	r.Post("/api/publish/evaluate", publishHandler.Evaluate)

	// --- 認証が必要なルート ---
	// 失効は提示されたトークン自身に対して行うため、スコープは問わない
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.Verifier, deps.Revocations, ""))
		r.Post("/api/tokens/revoke", tokenHandler.Revoke)
	})

	return r
}
