package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/repository"
)

// Runner は同期を1回実行する。
type Runner interface {
	RunNow(ctx context.Context, req RunRequest) (*model.SyncRun, error)
}

// Scheduler は永続化された同期設定に従って定期的に同期を起動する。
// 設定はティックごとに読み直すため、実行中の設定変更は次のティックから反映される。
type Scheduler struct {
	runner   Runner
	settings repository.SyncConfigRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner Runner, settings repository.SyncConfigRepository, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		settings: settings,
		logger:   logger.With(slog.String("component", "sync_scheduler")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start はtick間隔でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました", slog.Duration("tick", tick))

	// 起動直後に1回判定
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("定期同期の実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は同期設定を読み、実行間隔を過ぎていれば同期を1回実行する。
// 実行した場合はtrueを返す。他の同期が実行中の場合はエラーにしない。
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return false, err
	}
	if !cfg.Enabled {
		return false, nil
	}
	if cfg.LastRunAt != nil && s.now().Sub(*cfg.LastRunAt) < cfg.Interval() {
		return false, nil
	}

	run, err := s.runner.RunNow(ctx, RunRequest{
		Mode:     cfg.DefaultMode,
		DaysBack: cfg.DefaultDaysBack,
		Trigger:  model.SyncTriggerScheduled,
	})
	if errors.Is(err, model.ErrSyncAlreadyRunning) {
		s.logger.Info("同期が実行中のため定期実行をスキップしました")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("定期同期が完了しました",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
	return true, nil
}
