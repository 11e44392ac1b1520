package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kbsync/internal/classification"
	"github.com/hitoshi/kbsync/internal/config"
	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/events"
	"github.com/hitoshi/kbsync/internal/governance"
	"github.com/hitoshi/kbsync/internal/metrics"
	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/repository"
	"github.com/hitoshi/kbsync/internal/security"
	"github.com/hitoshi/kbsync/internal/source"
	"github.com/hitoshi/kbsync/internal/ticketing"
	"github.com/hitoshi/kbsync/internal/worker/cleanup"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
)

// components はserve/worker/syncの各モードで共有する組み立て済みの依存関係。
type components struct {
	registry *prometheus.Registry
	metrics  *metrics.Collector

	articles *repository.PostgresArticleRepo
	runs     *repository.PostgresSyncRunRepo
	settings *repository.PostgresSyncConfigRepo

	lifecycle    *governance.Lifecycle
	duplicates   *governance.DuplicateDetector
	outdated     *governance.OutdatedChecker
	mirror       *mirror.ArticleMirror
	orchestrator *orchestrator.Orchestrator

	publisher events.Publisher
	closers   []func() error
}

// Close は外部接続を解放する。
func (c *components) Close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close component", slog.String("error", err.Error()))
		}
	}
}

// buildComponents はリポジトリ・外部クライアント・ドメインサービス・同期オーケストレーターを組み立てる。
// 外向き通信先のURLはOutboundGuardで検証してから使用する。
func buildComponents(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.metrics = metrics.NewCollector(c.registry)

	// 1. リポジトリ
	c.articles = repository.NewPostgresArticleRepo(db)
	c.runs = repository.NewPostgresSyncRunRepo(db)
	c.settings = repository.NewPostgresSyncConfigRepo(db)
	syncIssueRepo := repository.NewPostgresSyncIssueRepo(db)
	issueRepo := repository.NewPostgresIssueRepo(db)
	historyRepo := repository.NewPostgresIssueHistoryRepo(db)
	menuRepo := repository.NewPostgresMenuMappingRepo(db)
	txManager := database.NewTxManager(db)

	// 2. 外部通信
	guard := security.NewOutboundGuard()
	if err := guard.ValidateEndpoint(cfg.SourceBaseURL); err != nil {
		return nil, fmt.Errorf("invalid SOURCE_BASE_URL: %w", err)
	}
	sourceClient := source.NewClient(guard.NewClient(cfg.SourceTimeout), source.Config{
		BaseURL:     cfg.SourceBaseURL,
		APIToken:    cfg.SourceAPIToken,
		PageSize:    cfg.SourcePageSize,
		MaxAttempts: cfg.SourceMaxAttempts,
		RateLimit:   cfg.SourceRateLimit,
		OnStatus:    c.metrics.RecordSourceStatus,
	}, logger)

	var feed orchestrator.SummaryFeed
	if cfg.SourceChangesFeedURL != "" {
		if err := guard.ValidateEndpoint(cfg.SourceChangesFeedURL); err != nil {
			return nil, fmt.Errorf("invalid SOURCE_CHANGES_FEED_URL: %w", err)
		}
		feed = source.NewChangesFeed(guard.NewClient(cfg.SourceTimeout), cfg.SourceChangesFeedURL, logger)
	}

	if cfg.TicketingBaseURL != "" {
		if err := guard.ValidateEndpoint(cfg.TicketingBaseURL); err != nil {
			return nil, fmt.Errorf("invalid TICKETING_BASE_URL: %w", err)
		}
	}
	tickets := ticketing.NewClient(guard.NewClient(cfg.SourceTimeout), cfg.TicketingBaseURL, cfg.TicketingAPIToken, logger)

	// 3. イベント配信（RABBITMQ_URL未設定時は配信しない）
	c.publisher = events.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		rmq, err := events.NewRabbitMQ(events.Config{URL: cfg.RabbitMQURL, Exchange: cfg.RabbitMQExchange}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		c.publisher = rmq
		c.closers = append(c.closers, rmq.Close)
	}

	// 4. 分類マッピングの投入
	classifier := classification.NewStore(menuRepo)
	if cfg.ClassificationFile != "" {
		mappings, err := classification.LoadFile(cfg.ClassificationFile)
		if err != nil {
			c.Close()
			return nil, err
		}
		n, err := classifier.Seed(ctx, mappings)
		if err != nil {
			c.Close()
			return nil, err
		}
		logger.Info("classification mappings seeded", slog.Int("count", n))
	}

	// 5. ガバナンス
	c.lifecycle = governance.NewLifecycle(
		txManager, issueRepo, historyRepo,
		governance.NewSLA(cfg.BusinessTimezone),
		tickets, c.publisher, c.metrics, logger,
	)
	c.duplicates = governance.NewDuplicateDetector(c.articles, c.lifecycle, tickets, logger)
	c.outdated = governance.NewOutdatedChecker(c.articles, c.lifecycle, cfg.GovernanceOutdatedAfter, logger)

	// 6. 記事ミラーと同期オーケストレーター
	c.mirror = mirror.NewArticleMirror(mirror.Deps{
		Fetcher:    sourceClient,
		Articles:   c.articles,
		SyncIssues: syncIssueRepo,
		Tx:         txManager,
		Classifier: classifier,
		Sanitizer:  security.NewArticleSanitizer(),
		Issues:     c.lifecycle,
		Duplicates: c.duplicates,
		Metrics:    c.metrics,
	}, logger)

	sweep := cleanup.NewMissingSweep(db, logger)
	sweep.Cutoff = cfg.SyncMissingCutoff

	c.orchestrator = orchestrator.New(orchestrator.Deps{
		Mirror:    c.mirror,
		Catalog:   sourceClient,
		Feed:      feed,
		Articles:  c.articles,
		Runs:      c.runs,
		Settings:  c.settings,
		Sweeper:   sweep,
		Publisher: c.publisher,
		Metrics:   c.metrics,
	}, orchestrator.Config{
		PageSize:           sourceClient.PageSize(),
		ChunkSize:          cfg.SyncChunkSize,
		FullParallel:       cfg.SyncFullParallel,
		FullWorkers:        cfg.SyncFullWorkers,
		ItemTimeout:        cfg.SyncItemTimeout,
		SurgicalPages:      cfg.SyncSurgicalPages,
		WindowFallbackDays: cfg.SyncWindowFallbackDays,
		WindowMaxDays:      cfg.SyncWindowMaxDays,
	}, logger)

	return c, nil
}
