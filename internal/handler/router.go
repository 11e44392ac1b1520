package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/kbsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HealthChecker     HealthChecker

	// 同期
	Runner   SyncRunner
	Runs     SyncRunReader
	Settings SyncConfigStore
	Articles ArticleSyncer

	// ガバナンス
	Issues     IssueService
	Duplicates DuplicateService

	// Metrics が設定されている場合は/metricsで公開する
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → CORS → Actor → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewActorMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	syncHandler := NewSyncHandler(deps.Runner, deps.Runs, deps.Settings, deps.Articles, logger)
	govHandler := NewGovernanceHandler(deps.Issues, deps.Duplicates, logger)
	trigger := deps.RateLimiter.TriggerMiddleware()

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 同期
		r.Route("/api/sync", func(r chi.Router) {
			r.Route("/runs", func(r chi.Router) {
				r.With(trigger).Post("/", syncHandler.StartRun)
				r.Get("/", syncHandler.ListRuns)
				r.Get("/latest", syncHandler.LatestRun)
			})
			r.Post("/stop", syncHandler.StopRun)
			r.Get("/config", syncHandler.GetConfig)
			r.Put("/config", syncHandler.UpdateConfig)
		})

		// 記事単位の再同期
		r.With(trigger).Post("/api/articles/{id}/sync", syncHandler.SyncArticle)

		// ガバナンス
		r.Route("/api/governance", func(r chi.Router) {
			r.Route("/issues", func(r chi.Router) {
				r.Get("/", govHandler.ListIssues)
				r.Post("/bulk-status", govHandler.BulkUpdateStatus)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", govHandler.GetIssue)
					r.Get("/history", govHandler.IssueHistory)
					r.Post("/assign", govHandler.AssignIssue)
					r.Post("/status", govHandler.UpdateIssueStatus)
				})
			})

			r.Route("/duplicates", func(r chi.Router) {
				r.Get("/", govHandler.ListDuplicateGroups)
				r.With(trigger).Post("/analyze", govHandler.AnalyzeDuplicates)
				r.Post("/{hash}/resolve", govHandler.ResolveDuplicateGroup)
			})
		})
	})

	return r
}
