package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
)

// runFull はカタログ全体を空ページまで走査し、確認できなかった記事をMISSINGにする。
func (o *Orchestrator) runFull(ctx context.Context, run *model.SyncRun, t *tally) (string, error) {
	for page := 1; page <= o.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		result, err := o.catalog.SearchArticles(ctx, page, o.cfg.PageSize)
		if err != nil {
			return "", fmt.Errorf("カタログ %d ページ目の取得に失敗しました: %w", page, err)
		}
		if len(result.Items) == 0 {
			break
		}

		ids := make([]string, 0, len(result.Items))
		for _, item := range result.Items {
			ids = append(ids, item.ID)
		}
		if err := o.processChunks(ctx, run, ids, t, o.cfg.FullParallel); err != nil {
			return "", err
		}

		o.logger.Debug("カタログのページを処理しました",
			slog.String("run_id", run.ID),
			slog.Int("page", page),
			slog.Int("items", len(ids)),
		)

		// 末尾ページを繰り返し返すソースでも総件数か短いページで打ち切る
		if len(result.Items) < o.cfg.PageSize {
			break
		}
		if result.TotalSize > 0 && page*o.cfg.PageSize >= result.TotalSize {
			break
		}
	}

	if t.snapshot().Synced == 0 || o.sweeper == nil {
		return "", nil
	}
	missing, err := o.sweeper.Run(ctx, run.StartedAt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("missing=%d", missing), nil
}

// runWindow は期間内にソースで更新された既知の記事を再取得する。
func (o *Orchestrator) runWindow(ctx context.Context, run *model.SyncRun, t *tally) error {
	var lastSuccess *time.Time
	if run.DaysBack == nil {
		last, err := o.runs.FindLastSuccessful(ctx)
		if err != nil {
			return err
		}
		if last != nil {
			lastSuccess = last.FinishedAt
		}
	}

	since := WindowSince(o.now(), run.DaysBack, lastSuccess, o.cfg.WindowFallbackDays, o.cfg.WindowMaxDays)
	ids, err := o.articles.ListIDsUpdatedSince(ctx, since)
	if err != nil {
		return err
	}

	o.logger.Info("期間内の更新記事を同期します",
		slog.String("run_id", run.ID),
		slog.Time("since", since),
		slog.Int("candidates", len(ids)),
	)
	return o.processChunks(ctx, run, ids, t, false)
}

// runSurgical はサマリーフィードの先頭数ページを確認し、変更のあった記事のみ再取得する。
func (o *Orchestrator) runSurgical(ctx context.Context, run *model.SyncRun, t *tally) error {
	for page := 1; page <= o.cfg.SurgicalPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		summaries, err := o.feed.ListSummaries(ctx, page)
		if err != nil {
			return fmt.Errorf("サマリー %d ページ目の取得に失敗しました: %w", page, err)
		}
		if len(summaries) == 0 {
			break
		}

		var changed []string
		for _, s := range summaries {
			existing, err := o.articles.FindByID(ctx, s.ID)
			if err != nil {
				return err
			}
			if !o.detector.HasChanged(existing, s) {
				t.skip()
				continue
			}
			changed = append(changed, s.ID)
		}
		if err := o.processChunks(ctx, run, changed, t, false); err != nil {
			return err
		}
	}
	return o.checkpoint(ctx, run, t)
}

// WindowSince はDELTA_WINDOWの開始時刻を求める。
// daysBack、前回成功時刻、既定日数の順に採用し、maxDaysより前には遡らない。
func WindowSince(now time.Time, daysBack *int, lastSuccess *time.Time, fallbackDays, maxDays int) time.Time {
	var since time.Time
	switch {
	case daysBack != nil:
		since = now.AddDate(0, 0, -*daysBack)
	case lastSuccess != nil:
		since = *lastSuccess
	default:
		since = now.AddDate(0, 0, -fallbackDays)
	}

	floor := now.AddDate(0, 0, -maxDays)
	if since.Before(floor) {
		return floor
	}
	return since
}

// processChunks はIDをチャンク単位で処理し、チャンクごとに件数を途中保存する。
func (o *Orchestrator) processChunks(ctx context.Context, run *model.SyncRun, ids []string, t *tally, parallel bool) error {
	for start := 0; start < len(ids); start += o.cfg.ChunkSize {
		end := min(start+o.cfg.ChunkSize, len(ids))
		chunk := ids[start:end]

		var err error
		if parallel {
			err = o.processParallel(ctx, chunk, t)
		} else {
			err = o.processSequential(ctx, chunk, t)
		}
		if err != nil {
			return err
		}
		if err := o.checkpoint(ctx, run, t); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processSequential(ctx context.Context, ids []string, t *tally) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.syncOne(ctx, id, t)
	}
	return nil
}

// processParallel はFullWorkers件まで並列に同期する。
func (o *Orchestrator) processParallel(ctx context.Context, ids []string, t *tally) error {
	sem := semaphore.NewWeighted(int64(o.cfg.FullWorkers))
	var wg sync.WaitGroup

	var once sync.Once
	var panicked any

	var acquireErr error
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = err
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { panicked = r })
				}
			}()
			o.syncOne(ctx, id, t)
		}(id)
	}

	wg.Wait()
	// ワーカーのpanicは呼び出し元のrecoverで実行失敗として扱う
	if panicked != nil {
		panic(panicked)
	}
	return acquireErr
}

// itemOutcome は記事1件の同期結果。
type itemOutcome struct {
	result   *mirror.SyncResult
	err      error
	panicked any
}

// syncOne は記事1件を同期して集計する。
// ItemTimeout以内に結果が返らない記事はエラーとして数え、遅れて返った結果は破棄する。
func (o *Orchestrator) syncOne(ctx context.Context, id string, t *tally) {
	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	done := make(chan itemOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- itemOutcome{panicked: r}
			}
		}()
		result, err := o.mirror.Sync(itemCtx, id)
		done <- itemOutcome{result: result, err: err}
	}()

	var result *mirror.SyncResult
	var err error
	select {
	case out := <-done:
		// 呼び出し元のrecoverで実行失敗として扱う
		if out.panicked != nil {
			panic(out.panicked)
		}
		result, err = out.result, out.err
	case <-itemCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("記事の同期が %s 以内に完了しませんでした: %w", o.cfg.ItemTimeout, itemCtx.Err())
		}
	}
	if err != nil {
		o.logger.Warn("記事の同期に失敗しました",
			slog.String("article_id", id),
			slog.String("error", err.Error()),
		)
	}
	t.record(result, err)
}

func (o *Orchestrator) checkpoint(ctx context.Context, run *model.SyncRun, t *tally) error {
	counters := t.snapshot()
	o.mu.Lock()
	run.SyncCounters = counters
	o.mu.Unlock()
	if err := o.runs.Checkpoint(ctx, run.ID, counters); err != nil {
		return fmt.Errorf("途中経過の保存に失敗しました: %w", err)
	}
	return nil
}
