package model

import (
	"fmt"
	"strings"
	"time"
)

// SyncMode は同期戦略を表す。
type SyncMode string

const (
	// SyncModeFull はカタログ全体を走査する。
	SyncModeFull SyncMode = "FULL"
	// SyncModeDeltaWindow は指定期間内に更新された記事のみを再取得する。
	SyncModeDeltaWindow SyncMode = "DELTA_WINDOW"
	// SyncModeDeltaSurgical はサマリーフィードの先頭数ページのみを確認する。
	SyncModeDeltaSurgical SyncMode = "DELTA_SURGICAL"
)

// ParseSyncMode は文字列を同期モードに変換する。
// 大文字小文字とハイフン/アンダースコアの違いは許容する。
func ParseSyncMode(s string) (SyncMode, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch SyncMode(normalized) {
	case SyncModeFull, SyncModeDeltaWindow, SyncModeDeltaSurgical:
		return SyncMode(normalized), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncMode, s)
	}
}

// SyncTrigger は同期実行の起点を表す。
type SyncTrigger string

const (
	SyncTriggerManual    SyncTrigger = "MANUAL"
	SyncTriggerScheduled SyncTrigger = "SCHEDULED"
)

// RunStatus は同期実行の状態を表す。
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// SyncCounters は同期実行の結果別件数。
type SyncCounters struct {
	Processed int `db:"processed"`
	Synced    int `db:"synced"`
	Updated   int `db:"updated"`
	Skipped   int `db:"skipped"`
	NotFound  int `db:"not_found"`
	Errors    int `db:"errors"`
}

// Add は別の集計値を加算する。
func (c *SyncCounters) Add(o SyncCounters) {
	c.Processed += o.Processed
	c.Synced += o.Synced
	c.Updated += o.Updated
	c.Skipped += o.Skipped
	c.NotFound += o.NotFound
	c.Errors += o.Errors
}

// SyncRun は1回の同期実行の記録。確定後は変更しない。
type SyncRun struct {
	ID         string      `db:"id"`
	Mode       SyncMode    `db:"mode"`
	Trigger    SyncTrigger `db:"trigger_type"`
	Status     RunStatus   `db:"status"`
	DaysBack   *int        `db:"days_back"`
	StartedAt  time.Time   `db:"started_at"`
	FinishedAt *time.Time  `db:"finished_at"`
	DurationMs *int64      `db:"duration_ms"`
	Note       *string     `db:"note"`

	SyncCounters
}

// SyncConfig は同期の実行設定（シングルトン）。
type SyncConfig struct {
	Enabled         bool       `db:"enabled"`
	DefaultMode     SyncMode   `db:"default_mode"`
	IntervalMinutes int        `db:"interval_minutes"`
	DefaultDaysBack *int       `db:"default_days_back"`
	LastRunAt       *time.Time `db:"last_run_at"`
	LastRunStatus   *RunStatus `db:"last_run_status"`
	LastSuccessAt   *time.Time `db:"last_success_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Interval は実行間隔をtime.Durationで返す。
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Validate は設定値の整合性を検証する。
func (c *SyncConfig) Validate() error {
	if _, err := ParseSyncMode(string(c.DefaultMode)); err != nil {
		return err
	}
	if c.IntervalMinutes < 1 {
		return fmt.Errorf("%w: interval_minutes must be >= 1", ErrInvalidSyncConfig)
	}
	if c.DefaultDaysBack != nil && *c.DefaultDaysBack < 1 {
		return fmt.Errorf("%w: default_days_back must be >= 1", ErrInvalidSyncConfig)
	}
	return nil
}

// DefaultSyncConfig は設定行が存在しない場合の既定値を返す。
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:         false,
		DefaultMode:     SyncModeDeltaSurgical,
		IntervalMinutes: 30,
	}
}
