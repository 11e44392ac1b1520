// Package governance はガバナンス課題の定期検出ジョブを提供する。
// 重複コンテンツの全件解析と、長期間更新されていない記事の検出を行う。
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DuplicateAnalyzer は全記事の重複グループを解析する。
type DuplicateAnalyzer interface {
	AnalyzeAll(ctx context.Context) (int, error)
}

// OutdatedCheck は長期間更新されていない記事を検出する。
type OutdatedCheck interface {
	Check(ctx context.Context, now time.Time) (int, error)
}

// BatchConfig はバッチジョブの設定パラメータ。
type BatchConfig struct {
	// BatchInterval はバッチジョブの実行間隔（デフォルト: 1時間）。
	BatchInterval time.Duration
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchInterval: time.Hour}
}

// BatchJob はガバナンス課題の検出バッチ。
// 連続して失敗した場合は一定時間サイクルをスキップする。
type BatchJob struct {
	duplicates        DuplicateAnalyzer
	outdated          OutdatedCheck
	logger            *slog.Logger
	config            BatchConfig
	now               func() time.Time
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。
func NewBatchJob(duplicates DuplicateAnalyzer, outdated OutdatedCheck, logger *slog.Logger, config BatchConfig) *BatchJob {
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultBatchConfig().BatchInterval
	}
	return &BatchJob{
		duplicates: duplicates,
		outdated:   outdated,
		logger:     logger.With(slog.String("component", "governance_batch")),
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.BatchInterval)
	defer ticker.Stop()

	b.logger.Info("ガバナンスバッチジョブを開始しました",
		slog.Duration("batch_interval", b.config.BatchInterval),
	)

	// 起動直後に1回実行
	b.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("ガバナンスバッチジョブを停止しました")
			return
		case <-ticker.C:
			b.runLogged(ctx)
		}
	}
}

func (b *BatchJob) runLogged(ctx context.Context) {
	if err := b.RunOnce(ctx); err != nil {
		b.logger.Error("ガバナンスバッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回のバッチサイクルを実行する。
// 片方の処理が失敗してももう片方は実行し、失敗はまとめて返す。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := b.now()

	if !b.backoffUntil.IsZero() && now.Before(b.backoffUntil) {
		b.logger.Info("ガバナンスバッチジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", b.backoffUntil),
		)
		return nil
	}

	duplicates, dupErr := b.duplicates.AnalyzeAll(ctx)
	if dupErr != nil {
		dupErr = fmt.Errorf("重複コンテンツの解析に失敗しました: %w", dupErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	outdated, oldErr := b.outdated.Check(ctx, now)
	if oldErr != nil {
		oldErr = fmt.Errorf("更新停滞記事の検出に失敗しました: %w", oldErr)
	}

	if err := errors.Join(dupErr, oldErr); err != nil {
		b.consecutiveErrors++
		if backoff := b.calculateErrorBackoff(b.consecutiveErrors); backoff > 0 {
			b.backoffUntil = now.Add(backoff)
			b.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", b.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
		return err
	}

	b.consecutiveErrors = 0
	b.backoffUntil = time.Time{}

	duration := time.Since(start)
	b.logger.Info("ガバナンスバッチサイクルが完了しました",
		slog.Int("duplicate_issues", duplicates),
		slog.Int("outdated_issues", outdated),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func (b *BatchJob) calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
