package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kbsync/internal/config"
	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/handler"
	"github.com/hitoshi/kbsync/internal/logger"
	"github.com/hitoshi/kbsync/internal/metrics"
	"github.com/hitoshi/kbsync/internal/middleware"
	"github.com/hitoshi/kbsync/internal/model"
	govbatch "github.com/hitoshi/kbsync/internal/worker/governance"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
	"github.com/jmoiron/sqlx"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

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

	// sync の引数はDB接続前に検証する
	var syncReq orchestrator.RunRequest
	if cmd == CommandSync {
		req, err := ParseSyncArgs(args[1:])
		if err != nil {
			return fmt.Errorf("invalid sync arguments: %w", err)
		}
		syncReq = req
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("source", cfg.SourceBaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandSync:
		return runSync(cfg, syncReq)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるcontextを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// rateLimiterConfig はreq/min単位の設定値をRateLimiterConfigに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitTrigger > 0 {
		rlCfg.TriggerRate = rate.Limit(float64(cfg.RateLimitTrigger) / 60.0)
		rlCfg.TriggerBurst = cfg.RateLimitTrigger
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// 手動起動の同期はこのプロセス内のオーケストレーターで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	c, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,

		Runner:   c.orchestrator,
		Runs:     c.runs,
		Settings: c.settings,
		Articles: c.mirror,

		Issues:     c.lifecycle,
		Duplicates: c.duplicates,

		Metrics: metrics.Handler(c.registry),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	stopRunning(c.orchestrator)

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 起動時に中断されたRUNNINGの実行を回復し、同期スケジューラとガバナンスバッチを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	c, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.orchestrator.RecoverStale(ctx, cfg.SyncStaleRunAfter); err != nil {
		return err
	}

	batch := govbatch.NewBatchJob(c.duplicates, c.outdated, slog.Default(), govbatch.BatchConfig{
		BatchInterval: cfg.GovernanceBatchInterval,
	})
	scheduler := orchestrator.NewScheduler(c.orchestrator, c.settings, slog.Default())

	slog.Info("worker starting",
		slog.Duration("sync_tick_interval", cfg.SyncTickInterval),
		slog.Duration("governance_batch_interval", cfg.GovernanceBatchInterval),
	)

	// ガバナンスバッチをバックグラウンドで起動
	go batch.Start(ctx)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncTickInterval)
	stopRunning(c.orchestrator)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSync は同期を1回実行し、完了まで待って終了する。
// シグナル受信時は実行中の同期を中断し、FAILEDとして確定させる。
func runSync(cfg *config.Config, req orchestrator.RunRequest) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	c, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	run, err := c.orchestrator.RunNow(ctx, req)
	if err != nil {
		return fmt.Errorf("sync failed to start: %w", err)
	}

	slog.Info("sync finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Int("processed", run.Processed),
		slog.Int("synced", run.Synced),
		slog.Int("not_found", run.NotFound),
		slog.Int("errors", run.Errors),
	)
	if run.Status != model.RunStatusSuccess {
		return fmt.Errorf("sync run %s finished with status %s: %s", run.ID, run.Status, model.StringValue(run.Note))
	}
	return nil
}

// stopRunning は実行中の同期があれば中断を要求する。
func stopRunning(o *orchestrator.Orchestrator) {
	if err := o.Stop(); err != nil && !errors.Is(err, model.ErrSyncNotRunning) {
		slog.Warn("failed to stop running sync", slog.String("error", err.Error()))
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(result.Version)),
		slog.Bool("applied", result.Applied),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
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
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
