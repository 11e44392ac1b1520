package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

// PostgresIssueHistoryRepo はPostgreSQLを使用した課題履歴リポジトリ。
type PostgresIssueHistoryRepo struct {
	db *sqlx.DB
}

// NewPostgresIssueHistoryRepo はPostgresIssueHistoryRepoを生成する。
func NewPostgresIssueHistoryRepo(db *sqlx.DB) *PostgresIssueHistoryRepo {
	return &PostgresIssueHistoryRepo{db: db}
}

var _ IssueHistoryRepository = (*PostgresIssueHistoryRepo)(nil)

// Append は履歴を1件追加する。
func (r *PostgresIssueHistoryRepo) Append(ctx context.Context, entry *model.IssueHistory) error {
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO governance_issue_history (id, issue_id, action, old_value, new_value, actor, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.IssueID, entry.Action,
		jsonOrNull(entry.OldValue), jsonOrNull(entry.NewValue),
		entry.Actor, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("課題履歴の追加に失敗しました: %w", err)
	}
	return nil
}

// ListByIssue は課題の履歴を古い順に返す。
func (r *PostgresIssueHistoryRepo) ListByIssue(ctx context.Context, issueID string) ([]*model.IssueHistory, error) {
	var entries []*model.IssueHistory
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &entries,
		`SELECT id, issue_id, action,
		        COALESCE(old_value, 'null'::jsonb) AS old_value,
		        COALESCE(new_value, 'null'::jsonb) AS new_value,
		        actor, note, created_at
		 FROM governance_issue_history
		 WHERE issue_id = $1
		 ORDER BY created_at ASC, id ASC`,
		issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("課題履歴の取得に失敗しました: %w", err)
	}
	return entries, nil
}

// jsonOrNull は空のJSONをSQLのNULLとして渡す。
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
