package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

// PostgresSyncConfigRepo はPostgreSQLを使用した同期設定リポジトリ。
type PostgresSyncConfigRepo struct {
	db *sqlx.DB
}

// NewPostgresSyncConfigRepo はPostgresSyncConfigRepoを生成する。
func NewPostgresSyncConfigRepo(db *sqlx.DB) *PostgresSyncConfigRepo {
	return &PostgresSyncConfigRepo{db: db}
}

var _ SyncConfigRepository = (*PostgresSyncConfigRepo)(nil)

// Get は同期設定を返す。行が存在しない場合は既定値を返す。
func (r *PostgresSyncConfigRepo) Get(ctx context.Context) (*model.SyncConfig, error) {
	cfg := &model.SyncConfig{}
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), cfg,
		`SELECT enabled, default_mode, interval_minutes, default_days_back,
		        last_run_at, last_run_status, last_success_at, updated_at
		 FROM sync_config WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		def := model.DefaultSyncConfig()
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期設定の取得に失敗しました: %w", err)
	}
	return cfg, nil
}

// Update は同期設定の利用者変更可能な項目を更新する。
func (r *PostgresSyncConfigRepo) Update(ctx context.Context, cfg *model.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO sync_config (id, enabled, default_mode, interval_minutes, default_days_back, updated_at)
		 VALUES (1, $1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET
		    enabled = EXCLUDED.enabled,
		    default_mode = EXCLUDED.default_mode,
		    interval_minutes = EXCLUDED.interval_minutes,
		    default_days_back = EXCLUDED.default_days_back,
		    updated_at = EXCLUDED.updated_at`,
		cfg.Enabled, cfg.DefaultMode, cfg.IntervalMinutes, cfg.DefaultDaysBack,
	)
	if err != nil {
		return fmt.Errorf("同期設定の更新に失敗しました: %w", err)
	}
	return nil
}

// RecordRun は最終実行日時と結果を記録する。
func (r *PostgresSyncConfigRepo) RecordRun(ctx context.Context, status model.RunStatus, at time.Time) error {
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE sync_config SET
		    last_run_at = $1,
		    last_run_status = $2,
		    last_success_at = CASE WHEN $2::VARCHAR = 'SUCCESS' THEN $1::TIMESTAMPTZ ELSE last_success_at END
		 WHERE id = 1`,
		at, status,
	)
	if err != nil {
		return fmt.Errorf("最終実行情報の記録に失敗しました: %w", err)
	}
	return nil
}
