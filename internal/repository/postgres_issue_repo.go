package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

const issueColumns = `id, article_id, issue_type, severity, status, message, evidence, sla_due_at,
	responsible, assigned_at, assignment_due_at, ticket_id, ticket_protocol,
	resolved_at, resolved_by, ignored_reason, created_at, updated_at`

// PostgresIssueRepo はPostgreSQLを使用したガバナンス課題リポジトリ。
type PostgresIssueRepo struct {
	db *sqlx.DB
}

// NewPostgresIssueRepo はPostgresIssueRepoを生成する。
func NewPostgresIssueRepo(db *sqlx.DB) *PostgresIssueRepo {
	return &PostgresIssueRepo{db: db}
}

var _ IssueRepository = (*PostgresIssueRepo)(nil)

// LockKey は(articleID, issueType)単位のアドバイザリロックを取得する。
// ロックはトランザクション終了時に解放される。
func (r *PostgresIssueRepo) LockKey(ctx context.Context, articleID string, issueType model.IssueType) error {
	tx := database.TxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("課題ロックはトランザクション内で取得する必要があります")
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		articleID+"|"+string(issueType),
	); err != nil {
		return fmt.Errorf("課題ロックの取得に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの課題を取得する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByID(ctx context.Context, id string) (*model.GovernanceIssue, error) {
	return r.findOne(ctx, `SELECT `+issueColumns+` FROM governance_issues WHERE id = $1`, id)
}

// FindByIDForUpdate は行ロック付きで課題を取得する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.GovernanceIssue, error) {
	return r.findOne(ctx, `SELECT `+issueColumns+` FROM governance_issues WHERE id = $1 FOR UPDATE`, id)
}

// FindByArticleAndType は(articleID, issueType)の課題を取得する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByArticleAndType(ctx context.Context, articleID string, issueType model.IssueType) (*model.GovernanceIssue, error) {
	return r.findOne(ctx,
		`SELECT `+issueColumns+` FROM governance_issues WHERE article_id = $1 AND issue_type = $2`,
		articleID, issueType)
}

func (r *PostgresIssueRepo) findOne(ctx context.Context, query string, args ...any) (*model.GovernanceIssue, error) {
	issue := &model.GovernanceIssue{}
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), issue, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("課題の取得に失敗しました: %w", err)
	}
	return issue, nil
}

// Create は課題を作成する。
func (r *PostgresIssueRepo) Create(ctx context.Context, issue *model.GovernanceIssue) error {
	if err := issue.Validate(); err != nil {
		return err
	}
	_, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`INSERT INTO governance_issues (`+issueColumns+`)
		 VALUES (:id, :article_id, :issue_type, :severity, :status, :message, :evidence, :sla_due_at,
		         :responsible, :assigned_at, :assignment_due_at, :ticket_id, :ticket_protocol,
		         :resolved_at, :resolved_by, :ignored_reason, :created_at, :updated_at)`,
		issue,
	)
	if err != nil {
		return fmt.Errorf("課題の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は課題を更新する。
func (r *PostgresIssueRepo) Update(ctx context.Context, issue *model.GovernanceIssue) error {
	if err := issue.Validate(); err != nil {
		return err
	}
	_, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`UPDATE governance_issues SET
		    severity = :severity, status = :status, message = :message, evidence = :evidence,
		    sla_due_at = :sla_due_at, responsible = :responsible, assigned_at = :assigned_at,
		    assignment_due_at = :assignment_due_at, ticket_id = :ticket_id, ticket_protocol = :ticket_protocol,
		    resolved_at = :resolved_at, resolved_by = :resolved_by, ignored_reason = :ignored_reason,
		    updated_at = :updated_at
		 WHERE id = :id`,
		issue,
	)
	if err != nil {
		return fmt.Errorf("課題の更新に失敗しました: %w", err)
	}
	return nil
}

// List は条件に一致する課題をSLA期限の早い順に返す。
func (r *PostgresIssueRepo) List(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error) {
	var (
		where []string
		args  []any
	)
	if filter.ArticleID != "" {
		args = append(args, filter.ArticleID)
		where = append(where, fmt.Sprintf("article_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("issue_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + issueColumns + ` FROM governance_issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY sla_due_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var issues []*model.GovernanceIssue
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &issues, query, args...); err != nil {
		return nil, fmt.Errorf("課題一覧の取得に失敗しました: %w", err)
	}
	return issues, nil
}
