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

const articleColumns = `id, title, content_html, content_text, content_hash, menu_ref, system, module,
	sync_state, sync_status, sync_error, last_seen_at, revision, source_updated_at,
	created_at, updated_at`

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sqlx.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sqlx.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

var _ ArticleRepository = (*PostgresArticleRepo)(nil)

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	article := &model.Article{}
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), article,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return article, nil
}

// Save は記事をUPSERTする。created_atは初回作成時の値を保持する。
func (r *PostgresArticleRepo) Save(ctx context.Context, a *model.Article) error {
	_, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db),
		`INSERT INTO articles (`+articleColumns+`)
		 VALUES (:id, :title, :content_html, :content_text, :content_hash, :menu_ref, :system, :module,
		         :sync_state, :sync_status, :sync_error, :last_seen_at, :revision, :source_updated_at,
		         :created_at, :updated_at)
		 ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title,
		    content_html = EXCLUDED.content_html,
		    content_text = EXCLUDED.content_text,
		    content_hash = EXCLUDED.content_hash,
		    menu_ref = EXCLUDED.menu_ref,
		    system = EXCLUDED.system,
		    module = EXCLUDED.module,
		    sync_state = EXCLUDED.sync_state,
		    sync_status = EXCLUDED.sync_status,
		    sync_error = EXCLUDED.sync_error,
		    last_seen_at = EXCLUDED.last_seen_at,
		    revision = EXCLUDED.revision,
		    source_updated_at = EXCLUDED.source_updated_at,
		    updated_at = EXCLUDED.updated_at`,
		a,
	)
	if err != nil {
		return fmt.Errorf("記事の保存に失敗しました: %w", err)
	}
	return nil
}

// MarkSyncFailure は記事の同期状態と失敗内容を更新する。
func (r *PostgresArticleRepo) MarkSyncFailure(ctx context.Context, id string, status model.SyncStatus, state model.SyncState, message string) error {
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE articles SET sync_status = $2,
		        sync_state = COALESCE(NULLIF($3::VARCHAR, ''), sync_state),
		        sync_error = $4, updated_at = now()
		 WHERE id = $1`,
		id, status, state, model.StringPtr(message),
	)
	if err != nil {
		return fmt.Errorf("同期失敗状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ListIDsUpdatedSince はsource_updated_atがsince以降の記事IDを古い順に返す。
func (r *PostgresArticleRepo) ListIDsUpdatedSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &ids,
		`SELECT id FROM articles
		 WHERE source_updated_at >= $1
		 ORDER BY source_updated_at ASC, id ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("更新記事IDの取得に失敗しました: %w", err)
	}
	return ids, nil
}

// ListDuplicateGroups は2件以上の記事が共有するコンテンツハッシュの一覧を返す。
func (r *PostgresArticleRepo) ListDuplicateGroups(ctx context.Context) ([]model.DuplicateGroup, error) {
	rows, err := database.Executor(ctx, r.db).QueryxContext(ctx,
		`SELECT content_hash, array_agg(id ORDER BY id)
		 FROM articles
		 WHERE content_hash IS NOT NULL AND sync_state <> 'MISSING'
		 GROUP BY content_hash
		 HAVING count(*) > 1
		 ORDER BY content_hash`,
	)
	if err != nil {
		return nil, fmt.Errorf("重複グループの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var groups []model.DuplicateGroup
	for rows.Next() {
		var g model.DuplicateGroup
		if err := rows.Scan(&g.Hash, pq.Array(&g.ArticleIDs)); err != nil {
			return nil, fmt.Errorf("重複グループのスキャンに失敗しました: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("重複グループの走査に失敗しました: %w", err)
	}
	return groups, nil
}

// ListIDsByHash は指定ハッシュを持つ記事IDを昇順で返す。
func (r *PostgresArticleRepo) ListIDsByHash(ctx context.Context, hash string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &ids,
		`SELECT id FROM articles
		 WHERE content_hash = $1 AND sync_state <> 'MISSING'
		 ORDER BY id`,
		hash,
	)
	if err != nil {
		return nil, fmt.Errorf("ハッシュによる記事IDの取得に失敗しました: %w", err)
	}
	return ids, nil
}

// ListNotUpdatedSince はsource_updated_atがbeforeより古い記事をID順に返す。
// afterIDより後のIDのみを対象とし、呼び出し側はページ末尾のIDを次のafterIDに渡す。
func (r *PostgresArticleRepo) ListNotUpdatedSince(ctx context.Context, before time.Time, afterID string, limit int) ([]*model.Article, error) {
	var articles []*model.Article
	err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &articles,
		`SELECT `+articleColumns+` FROM articles
		 WHERE source_updated_at < $1 AND sync_state <> 'MISSING' AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		before, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("更新の古い記事の取得に失敗しました: %w", err)
	}
	return articles, nil
}
