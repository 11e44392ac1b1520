package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

const syncRunColumns = `id, mode, trigger_type, status, days_back, started_at, finished_at, duration_ms, note,
	processed, synced, updated, skipped, not_found, errors`

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行履歴リポジトリ。
type PostgresSyncRunRepo struct {
	db *sqlx.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db *sqlx.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

var _ SyncRunRepository = (*PostgresSyncRunRepo)(nil)

// Create はRUNNING状態の実行を作成する。
// 部分ユニークインデックスにより、プロセスをまたいでもRUNNINGは1件に制限される。
func (r *PostgresSyncRunRepo) Create(ctx context.Context, run *model.SyncRun) error {
	_, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`INSERT INTO sync_runs (`+syncRunColumns+`)
		 VALUES (:id, :mode, :trigger_type, :status, :days_back, :started_at, :finished_at, :duration_ms, :note,
		         :processed, :synced, :updated, :skipped, :not_found, :errors)`,
		run,
	)
	if isUniqueViolation(err) {
		return model.ErrSyncAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("同期実行の作成に失敗しました: %w", err)
	}
	return nil
}

// Checkpoint は実行中の件数を途中保存する。
func (r *PostgresSyncRunRepo) Checkpoint(ctx context.Context, id string, c model.SyncCounters) error {
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE sync_runs SET processed = $2, synced = $3, updated = $4, skipped = $5, not_found = $6, errors = $7
		 WHERE id = $1 AND status = 'RUNNING'`,
		id, c.Processed, c.Synced, c.Updated, c.Skipped, c.NotFound, c.Errors,
	)
	if err != nil {
		return fmt.Errorf("同期実行の途中保存に失敗しました: %w", err)
	}
	return nil
}

// Finish は実行を確定する。確定済みの実行は更新しない。
func (r *PostgresSyncRunRepo) Finish(ctx context.Context, run *model.SyncRun) error {
	result, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`UPDATE sync_runs SET
		    status = :status, finished_at = :finished_at, duration_ms = :duration_ms, note = :note,
		    processed = :processed, synced = :synced, updated = :updated,
		    skipped = :skipped, not_found = :not_found, errors = :errors
		 WHERE id = :id AND status = 'RUNNING'`,
		run,
	)
	if err != nil {
		return fmt.Errorf("同期実行の確定に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("同期実行 %s は既に確定済みです", run.ID)
	}
	return nil
}

// FindLatest は最新の実行を返す。存在しない場合はnilを返す。
func (r *PostgresSyncRunRepo) FindLatest(ctx context.Context) (*model.SyncRun, error) {
	return r.findOne(ctx, `SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT 1`)
}

// FindLastSuccessful は最後に成功した実行を返す。存在しない場合はnilを返す。
func (r *PostgresSyncRunRepo) FindLastSuccessful(ctx context.Context) (*model.SyncRun, error) {
	return r.findOne(ctx, `SELECT `+syncRunColumns+` FROM sync_runs
		WHERE status = 'SUCCESS' ORDER BY finished_at DESC LIMIT 1`)
}

func (r *PostgresSyncRunRepo) findOne(ctx context.Context, query string) (*model.SyncRun, error) {
	run := &model.SyncRun{}
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), run, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期実行の取得に失敗しました: %w", err)
	}
	return run, nil
}

// List は実行履歴を新しい順に返す。
func (r *PostgresSyncRunRepo) List(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	var runs []*model.SyncRun
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &runs,
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("同期実行履歴の取得に失敗しました: %w", err)
	}
	return runs, nil
}

// FailStaleRunning は開始から長時間RUNNINGのままの実行をFAILEDにする。
// プロセス異常終了で残ったロックを解放するために起動時に呼び出す。
func (r *PostgresSyncRunRepo) FailStaleRunning(ctx context.Context, startedBefore time.Time, note string) (int64, error) {
	result, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE sync_runs SET status = 'FAILED', finished_at = now(),
		    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::BIGINT,
		    note = $2
		 WHERE status = 'RUNNING' AND started_at < $1`,
		startedBefore, note,
	)
	if err != nil {
		return 0, fmt.Errorf("放置された同期実行の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
