package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

// PostgresSyncIssueRepo はPostgreSQLを使用した同期失敗記録リポジトリ。
type PostgresSyncIssueRepo struct {
	db *sqlx.DB
}

// NewPostgresSyncIssueRepo はPostgresSyncIssueRepoを生成する。
func NewPostgresSyncIssueRepo(db *sqlx.DB) *PostgresSyncIssueRepo {
	return &PostgresSyncIssueRepo{db: db}
}

var _ SyncIssueRepository = (*PostgresSyncIssueRepo)(nil)

// Create は同期失敗を記録する。
func (r *PostgresSyncIssueRepo) Create(ctx context.Context, issue *model.SyncIssue) error {
	_, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`INSERT INTO sync_issues (id, article_id, kind, message, created_at)
		 VALUES (:id, :article_id, :kind, :message, :created_at)`,
		issue,
	)
	if err != nil {
		return fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// ListByArticle は記事の同期失敗記録を新しい順に返す。
func (r *PostgresSyncIssueRepo) ListByArticle(ctx context.Context, articleID string, limit int) ([]*model.SyncIssue, error) {
	var issues []*model.SyncIssue
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &issues,
		`SELECT id, article_id, kind, message, created_at FROM sync_issues
		 WHERE article_id = $1 ORDER BY created_at DESC LIMIT $2`,
		articleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期失敗記録の取得に失敗しました: %w", err)
	}
	return issues, nil
}
