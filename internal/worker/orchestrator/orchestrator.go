// Package orchestrator は同期実行の排他制御、戦略の振り分け、実行記録の確定を行う。
// 定期実行と手動実行は同じロックを取り合い、待ち合わせは行わない。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kbsync/internal/events"
	"github.com/hitoshi/kbsync/internal/metrics"
	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/repository"
	"github.com/hitoshi/kbsync/internal/source"
)

const (
	// maxNoteLength は実行記録のnoteの最大文字数。
	maxNoteLength = 1000
	// finalizeTimeout はキャンセル後も実行記録を確定させるための猶予。
	finalizeTimeout = 30 * time.Second
	noteCancelled   = "cancelled"
)

// ArticleSyncer は記事1件をミラーに反映する。
type ArticleSyncer interface {
	Sync(ctx context.Context, id string) (*mirror.SyncResult, error)
}

// Catalog はソースの記事一覧をページ単位で返す。
type Catalog interface {
	SearchArticles(ctx context.Context, page, pageSize int) (*source.SearchResult, error)
}

// SummaryFeed は最近更新された記事のサマリーをページ単位で返す。
type SummaryFeed interface {
	ListSummaries(ctx context.Context, page int) ([]model.SourceSummary, error)
}

// MissingSweeper はFULL同期で確認されなかった記事をMISSINGにする。
type MissingSweeper interface {
	Run(ctx context.Context, runStartedAt time.Time) (int64, error)
}

// CandidateSource はDELTA_WINDOWの対象記事と変更判定用の既存記事を提供する。
type CandidateSource interface {
	FindByID(ctx context.Context, id string) (*model.Article, error)
	ListIDsUpdatedSince(ctx context.Context, since time.Time) ([]string, error)
}

// Config は同期実行のパラメータ。
type Config struct {
	PageSize           int
	ChunkSize          int
	FullParallel       bool
	FullWorkers        int
	ItemTimeout        time.Duration
	SurgicalPages      int
	WindowFallbackDays int
	WindowMaxDays      int
	// MaxPages はカタログが空ページを返さない場合の打ち切りページ数。
	MaxPages int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.FullWorkers <= 0 {
		c.FullWorkers = 4
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.SurgicalPages <= 0 {
		c.SurgicalPages = 3
	}
	if c.WindowFallbackDays <= 0 {
		c.WindowFallbackDays = 2
	}
	if c.WindowMaxDays <= 0 {
		c.WindowMaxDays = 7
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10000
	}
	return c
}

// Deps はOrchestratorの依存関係。
type Deps struct {
	Mirror    ArticleSyncer
	Catalog   Catalog
	Feed      SummaryFeed
	Articles  CandidateSource
	Runs      repository.SyncRunRepository
	Settings  repository.SyncConfigRepository
	Sweeper   MissingSweeper
	Publisher events.Publisher
	Metrics   metrics.MetricsCollector
}

// RunRequest は同期実行の要求。
type RunRequest struct {
	Mode     model.SyncMode
	DaysBack *int
	Trigger  model.SyncTrigger
}

// Orchestrator は同期実行を1件ずつ実行する。状態はIDLEとRUNNINGのみ。
type Orchestrator struct {
	mirror    ArticleSyncer
	catalog   Catalog
	feed      SummaryFeed
	articles  CandidateSource
	runs      repository.SyncRunRepository
	settings  repository.SyncConfigRepository
	sweeper   MissingSweeper
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	detector  mirror.ChangeDetector
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	current *model.SyncRun
}

// New はOrchestratorを生成する。Feedがnilの場合はCatalogのページングで代用する。
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		mirror:    deps.Mirror,
		catalog:   deps.Catalog,
		feed:      deps.Feed,
		articles:  deps.Articles,
		runs:      deps.Runs,
		settings:  deps.Settings,
		sweeper:   deps.Sweeper,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sync_orchestrator")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.feed == nil {
		o.feed = catalogFeed{catalog: deps.Catalog, pageSize: cfg.PageSize}
	}
	if o.publisher == nil {
		o.publisher = events.NopPublisher{}
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	return o
}

// catalogFeed はCatalogをSummaryFeedとして扱う。
type catalogFeed struct {
	catalog  Catalog
	pageSize int
}

func (f catalogFeed) ListSummaries(ctx context.Context, page int) ([]model.SourceSummary, error) {
	result, err := f.catalog.SearchArticles(ctx, page, f.pageSize)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// RunNow は同期を実行し、確定した実行記録を返す。実行が終わるまでブロックする。
// 既に実行中の場合はmodel.ErrSyncAlreadyRunningを返し、実行記録は作成しない。
func (o *Orchestrator) RunNow(ctx context.Context, req RunRequest) (*model.SyncRun, error) {
	run, runCtx, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	o.execute(runCtx, run)
	return o.snapshot(run), nil
}

// Start は同期をバックグラウンドで開始し、RUNNING状態の実行記録を返す。
// 実行は呼び出し元のcontextのキャンセルとは独立して継続し、Stopでのみ中断できる。
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*model.SyncRun, error) {
	run, runCtx, err := o.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	started := o.snapshot(run)
	go o.execute(runCtx, run)
	return started, nil
}

// Stop は実行中の同期に中断を要求する。実行中でない場合はmodel.ErrSyncNotRunningを返す。
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return model.ErrSyncNotRunning
	}
	o.logger.Info("同期の中断を要求しました", slog.String("run_id", o.current.ID))
	o.cancel()
	return nil
}

// Running は同期が実行中かどうかを返す。
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// RecoverStale は異常終了でRUNNINGのまま残った実行をFAILEDにする。
func (o *Orchestrator) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := o.runs.FailStaleRunning(ctx, o.now().Add(-olderThan), "プロセス停止により中断されました")
	if err != nil {
		return 0, fmt.Errorf("中断された同期実行の回復に失敗しました: %w", err)
	}
	if n > 0 {
		o.logger.Warn("中断された同期実行をFAILEDにしました", slog.Int64("count", n))
	}
	return n, nil
}

// begin はロックを取得して実行記録を作成する。
func (o *Orchestrator) begin(ctx context.Context, req RunRequest) (*model.SyncRun, context.Context, error) {
	mode, err := model.ParseSyncMode(string(req.Mode))
	if err != nil {
		return nil, nil, err
	}
	if req.DaysBack != nil && *req.DaysBack < 1 {
		return nil, nil, fmt.Errorf("%w: days_back must be >= 1", model.ErrInvalidSyncConfig)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = model.SyncTriggerManual
	}

	if !o.running.CompareAndSwap(false, true) {
		o.metrics.RecordLockConflict()
		o.logger.Info("同期が実行中のため要求を拒否しました", slog.String("mode", string(mode)))
		return nil, nil, model.ErrSyncAlreadyRunning
	}

	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Mode:      mode,
		Trigger:   trigger,
		Status:    model.RunStatusRunning,
		DaysBack:  req.DaysBack,
		StartedAt: o.now(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		o.running.Store(false)
		if errors.Is(err, model.ErrSyncAlreadyRunning) {
			o.metrics.RecordLockConflict()
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("同期実行の記録に失敗しました: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.current = run
	o.mu.Unlock()

	o.logger.Info("同期を開始します",
		slog.String("run_id", run.ID),
		slog.String("mode", string(run.Mode)),
		slog.String("trigger", string(run.Trigger)),
	)
	return run, runCtx, nil
}

// execute は戦略を実行し、どの経路で終わっても実行記録を確定してロックを解放する。
func (o *Orchestrator) execute(ctx context.Context, run *model.SyncRun) {
	t := &tally{}
	var note string
	var err error

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("同期中にpanicが発生しました",
				slog.String("run_id", run.ID),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("panic: %v", r)
		}
		o.finalize(ctx, run, t.snapshot(), note, err)
		o.release()
	}()

	switch run.Mode {
	case model.SyncModeFull:
		note, err = o.runFull(ctx, run, t)
	case model.SyncModeDeltaWindow:
		err = o.runWindow(ctx, run, t)
	case model.SyncModeDeltaSurgical:
		err = o.runSurgical(ctx, run, t)
	}
}

// finalize は実行記録を確定し、設定の最終実行日時とメトリクスを更新してイベントを配信する。
func (o *Orchestrator) finalize(ctx context.Context, run *model.SyncRun, counters model.SyncCounters, note string, runErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	finished := o.now()
	duration := finished.Sub(run.StartedAt)
	durationMs := duration.Milliseconds()

	o.mu.Lock()
	run.FinishedAt = &finished
	run.DurationMs = &durationMs
	run.SyncCounters = counters
	run.Status = model.RunStatusSuccess
	if runErr != nil {
		run.Status = model.RunStatusFailed
		note = runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			note = noteCancelled
		}
	}
	if note != "" {
		run.Note = model.StringPtr(model.Truncate(note, maxNoteLength))
	}
	o.mu.Unlock()

	if err := o.runs.Finish(fctx, run); err != nil {
		o.logger.Error("同期実行の確定に失敗しました",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := o.settings.RecordRun(fctx, run.Status, finished); err != nil {
		o.logger.Error("最終実行日時の記録に失敗しました",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
	o.metrics.RecordSyncRun(string(run.Mode), string(run.Status), duration)

	event := events.Event{
		Type:   events.TypeSyncRunFinished,
		Status: string(run.Status),
		Attributes: map[string]string{
			"run_id":    run.ID,
			"mode":      string(run.Mode),
			"trigger":   string(run.Trigger),
			"processed": strconv.Itoa(counters.Processed),
			"errors":    strconv.Itoa(counters.Errors),
		},
		Timestamp: finished,
	}
	if err := o.publisher.Publish(fctx, event); err != nil {
		o.logger.Warn("同期完了イベントの配信に失敗しました",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	level := slog.LevelInfo
	if run.Status == model.RunStatusFailed {
		level = slog.LevelError
	}
	o.logger.Log(fctx, level, "同期が終了しました",
		slog.String("run_id", run.ID),
		slog.String("mode", string(run.Mode)),
		slog.String("status", string(run.Status)),
		slog.Int("processed", counters.Processed),
		slog.Int("synced", counters.Synced),
		slog.Int("updated", counters.Updated),
		slog.Int("skipped", counters.Skipped),
		slog.Int("not_found", counters.NotFound),
		slog.Int("errors", counters.Errors),
		slog.String("note", model.StringValue(run.Note)),
		slog.Float64("duration_ms", float64(durationMs)),
	)
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = nil
	o.current = nil
	o.mu.Unlock()
	o.running.Store(false)
}

func (o *Orchestrator) snapshot(run *model.SyncRun) *model.SyncRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := *run
	return &c
}

// tally は記事単位の結果を集計する。並列実行から呼ばれる。
type tally struct {
	mu sync.Mutex
	c  model.SyncCounters
}

func (t *tally) record(result *mirror.SyncResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Processed++
	if err != nil {
		t.c.Errors++
		return
	}
	switch result.Outcome {
	case mirror.OutcomeNew, mirror.OutcomeUpdated:
		t.c.Synced++
		t.c.Updated++
	case mirror.OutcomeUnchanged:
		t.c.Synced++
	case mirror.OutcomeNotFound:
		t.c.NotFound++
	default:
		t.c.Errors++
	}
}

func (t *tally) skip() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Processed++
	t.c.Skipped++
}

func (t *tally) snapshot() model.SyncCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}
