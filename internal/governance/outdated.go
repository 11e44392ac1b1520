package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kbsync/internal/model"
)

// StaleSource は長期間更新されていない記事の読み取りインターフェース。
type StaleSource interface {
	ListNotUpdatedSince(ctx context.Context, before time.Time, afterID string, limit int) ([]*model.Article, error)
}

// OutdatedChecker はソース側で長期間更新されていない記事にOUTDATED_CONTENT課題を付与する。
// 担当者が閉じた課題は再オープンしない。
type OutdatedChecker struct {
	articles  StaleSource
	lifecycle *Lifecycle
	maxAge    time.Duration
	limit     int
	logger    *slog.Logger
}

// NewOutdatedChecker はOutdatedCheckerを生成する。
func NewOutdatedChecker(articles StaleSource, lifecycle *Lifecycle, maxAge time.Duration, logger *slog.Logger) *OutdatedChecker {
	return &OutdatedChecker{
		articles:  articles,
		lifecycle: lifecycle,
		maxAge:    maxAge,
		limit:     500,
		logger:    logger,
	}
}

// Check は更新が途絶えた記事を検出し、作成・更新した課題の件数を返す。
// 対象記事はlimit件ずつID順にすべて走査する。
func (c *OutdatedChecker) Check(ctx context.Context, now time.Time) (int, error) {
	before := now.Add(-c.maxAge)

	count := 0
	var errs []error
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		stale, err := c.articles.ListNotUpdatedSince(ctx, before, afterID, c.limit)
		if err != nil {
			return count, fmt.Errorf("更新が途絶えた記事の取得に失敗しました: %w", err)
		}
		n, pageErrs := c.flag(ctx, stale)
		count += n
		errs = append(errs, pageErrs...)
		if len(stale) < c.limit {
			break
		}
		afterID = stale[len(stale)-1].ID
	}

	if count > 0 {
		c.logger.Info("古いコンテンツの課題を更新しました", slog.Int("issues", count))
	}
	return count, errors.Join(errs...)
}

func (c *OutdatedChecker) flag(ctx context.Context, stale []*model.Article) (int, []error) {
	count := 0
	var errs []error
	for _, a := range stale {
		if a.SourceUpdatedAt == nil {
			continue
		}
		_, err := c.lifecycle.OpenUnlessClosed(ctx, OpenRequest{
			ArticleID: a.ID,
			Type:      model.IssueTypeOutdatedContent,
			Severity:  model.SeverityInfo,
			Message:   fmt.Sprintf("記事が %s 以降更新されていません", a.SourceUpdatedAt.Format("2006-01-02")),
			Evidence: model.Evidence{
				"source_updated_at": a.SourceUpdatedAt.UTC().Format(time.RFC3339),
				"max_age_hours":     int(c.maxAge.Hours()),
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errs
}
