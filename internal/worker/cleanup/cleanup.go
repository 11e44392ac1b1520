// Package cleanup はFULL同期の後始末として、ソースから消えた記事をMISSINGにするジョブを提供する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sqlx.DB や *sqlx.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// MissingSweep はlast_seen_atが鮮度の閾値より古い記事をMISSINGにする。
// 同期エラー中の記事は一時的な失敗の可能性があるため対象外とする。
type MissingSweep struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time
	Cutoff time.Duration // 鮮度の閾値（デフォルト: 2時間）
}

// NewMissingSweep は新しいMissingSweepを生成する。
func NewMissingSweep(db Executor, logger *slog.Logger) *MissingSweep {
	return &MissingSweep{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		Cutoff: 2 * time.Hour,
	}
}

// CutoffFor は実行開始時刻に対する判定基準時刻を返す。
// 長時間の実行中に確認済みの記事を消さないよう、実行開始時刻より後にはしない。
func (j *MissingSweep) CutoffFor(runStartedAt time.Time) time.Time {
	cutoff := j.now().Add(-j.Cutoff)
	if runStartedAt.Before(cutoff) {
		return runStartedAt
	}
	return cutoff
}

// Run はrunStartedAtに開始したFULL同期で確認されなかった記事をMISSINGにし、件数を返す。
// 冪等: 対象がない場合でもエラーにならない。
func (j *MissingSweep) Run(ctx context.Context, runStartedAt time.Time) (int64, error) {
	start := time.Now()
	cutoff := j.CutoffFor(runStartedAt)

	query := `UPDATE articles SET sync_state = 'MISSING', updated_at = now()
		WHERE (last_seen_at IS NULL OR last_seen_at < $1)
		  AND sync_status <> 'ERROR'
		  AND sync_state <> 'MISSING'`
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		j.logger.Error("未検出記事の更新に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return 0, fmt.Errorf("未検出記事の更新に失敗: %w", err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("更新件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("未検出記事の更新が完了しました",
		slog.Int64("missing_count", marked),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return marked, nil
}
