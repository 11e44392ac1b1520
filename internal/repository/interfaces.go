// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
// 全ての実装はcontextに載ったトランザクションがあればそれを使用する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/kbsync/internal/model"
)

// ArticleRepository はミラー記事の永続化インターフェース。
type ArticleRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// Save は記事をUPSERTする。
	Save(ctx context.Context, article *model.Article) error

	// MarkSyncFailure は記事の同期状態と失敗内容を更新する。
	// stateが空の場合は同期状態を変更しない。ローカルに記事が存在しない場合は何もしない。
	MarkSyncFailure(ctx context.Context, id string, status model.SyncStatus, state model.SyncState, message string) error

	// ListIDsUpdatedSince はsource_updated_atがsince以降の記事IDを古い順に返す。
	ListIDsUpdatedSince(ctx context.Context, since time.Time) ([]string, error)

	// ListDuplicateGroups は2件以上の記事が共有するコンテンツハッシュの一覧を返す。
	// MISSINGの記事は含めない。
	ListDuplicateGroups(ctx context.Context) ([]model.DuplicateGroup, error)

	// ListIDsByHash は指定ハッシュを持つ記事IDを昇順で返す。MISSINGの記事は含めない。
	ListIDsByHash(ctx context.Context, hash string) ([]string, error)

	// ListNotUpdatedSince はsource_updated_atがbeforeより古い記事をID順にafterIDの次から返す。
	ListNotUpdatedSince(ctx context.Context, before time.Time, afterID string, limit int) ([]*model.Article, error)
}

// SyncIssueRepository は記事単位の同期失敗記録の永続化インターフェース。
type SyncIssueRepository interface {
	// Create は同期失敗を記録する。
	Create(ctx context.Context, issue *model.SyncIssue) error

	// ListByArticle は記事の同期失敗記録を新しい順に返す。
	ListByArticle(ctx context.Context, articleID string, limit int) ([]*model.SyncIssue, error)
}

// SyncRunRepository は同期実行履歴の永続化インターフェース。
type SyncRunRepository interface {
	// Create はRUNNING状態の実行を作成する。
	// 既にRUNNINGの実行が存在する場合はmodel.ErrSyncAlreadyRunningを返す。
	Create(ctx context.Context, run *model.SyncRun) error

	// Checkpoint は実行中の件数を途中保存する。
	Checkpoint(ctx context.Context, id string, counters model.SyncCounters) error

	// Finish は実行を確定する。状態がRUNNINGの行のみ更新する。
	Finish(ctx context.Context, run *model.SyncRun) error

	// FindLatest は最新の実行を返す。存在しない場合はnilを返す。
	FindLatest(ctx context.Context) (*model.SyncRun, error)

	// FindLastSuccessful は最後に成功した実行を返す。存在しない場合はnilを返す。
	FindLastSuccessful(ctx context.Context) (*model.SyncRun, error)

	// List は実行履歴を新しい順に返す。
	List(ctx context.Context, limit int) ([]*model.SyncRun, error)

	// FailStaleRunning はstartedBeforeより前に開始したままRUNNINGの実行をFAILEDにする。
	FailStaleRunning(ctx context.Context, startedBefore time.Time, note string) (int64, error)
}

// SyncConfigRepository は同期設定（シングルトン行）の永続化インターフェース。
type SyncConfigRepository interface {
	// Get は同期設定を返す。
	Get(ctx context.Context) (*model.SyncConfig, error)

	// Update は同期設定の利用者変更可能な項目を更新する。
	Update(ctx context.Context, cfg *model.SyncConfig) error

	// RecordRun は最終実行日時と結果を記録する。成功時はlast_success_atも更新する。
	RecordRun(ctx context.Context, status model.RunStatus, at time.Time) error
}

// IssueRepository はガバナンス課題の永続化インターフェース。
type IssueRepository interface {
	// LockKey は(articleID, issueType)単位のトランザクションロックを取得する。
	// トランザクション外で呼び出してはならない。
	LockKey(ctx context.Context, articleID string, issueType model.IssueType) error

	// FindByID は指定IDの課題を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.GovernanceIssue, error)

	// FindByIDForUpdate は行ロック付きで課題を取得する。見つからない場合はnilを返す。
	FindByIDForUpdate(ctx context.Context, id string) (*model.GovernanceIssue, error)

	// FindByArticleAndType は(articleID, issueType)の課題を取得する。見つからない場合はnilを返す。
	FindByArticleAndType(ctx context.Context, articleID string, issueType model.IssueType) (*model.GovernanceIssue, error)

	// Create は課題を作成する。保存前にValidateを実行する。
	Create(ctx context.Context, issue *model.GovernanceIssue) error

	// Update は課題を更新する。保存前にValidateを実行する。
	Update(ctx context.Context, issue *model.GovernanceIssue) error

	// List は条件に一致する課題をSLA期限の早い順に返す。
	List(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error)
}

// IssueHistoryRepository は課題履歴の永続化インターフェース。追記のみ提供する。
type IssueHistoryRepository interface {
	// Append は履歴を1件追加する。
	Append(ctx context.Context, entry *model.IssueHistory) error

	// ListByIssue は課題の履歴を古い順に返す。
	ListByIssue(ctx context.Context, issueID string) ([]*model.IssueHistory, error)
}

// MenuMappingRepository はメニュー分類マッピングの永続化インターフェース。
type MenuMappingRepository interface {
	// FindByMenuRef はメニュー参照に対応するマッピングを返す。未登録の場合はnilを返す。
	FindByMenuRef(ctx context.Context, menuRef string) (*model.MenuMapping, error)

	// Upsert はマッピングを登録・更新する。
	Upsert(ctx context.Context, mapping *model.MenuMapping) error
}
