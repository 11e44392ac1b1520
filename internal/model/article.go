// Package model はドメインモデルを定義する。
package model

import "time"

// Article はナレッジベースから同期したローカルミラー上の記事を表す。
// IDはソースシステム側の記事IDであり、ローカルでは採番しない。
type Article struct {
	ID          string  `db:"id"`
	Title       string  `db:"title"`
	ContentHTML string  `db:"content_html"` // サニタイズ済みHTML
	ContentText string  `db:"content_text"`
	ContentHash *string `db:"content_hash"` // 両方の本文が空の場合のみnil
	MenuRef     *string `db:"menu_ref"`
	System      *string `db:"system"` // 分類前はnil
	Module      *string `db:"module"`

	SyncState  SyncState  `db:"sync_state"`
	SyncStatus SyncStatus `db:"sync_status"`
	SyncError  *string    `db:"sync_error"`
	LastSeenAt *time.Time `db:"last_seen_at"`

	// Revision はソース側のリビジョン番号。取得できない記事ではnil。
	Revision *int64 `db:"revision"`
	// SourceUpdatedAt はソース側の最終更新日時。
	SourceUpdatedAt *time.Time `db:"source_updated_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SyncState は記事の同期状態を表す。
type SyncState string

const (
	SyncStateNew       SyncState = "NEW"
	SyncStateUpdated   SyncState = "UPDATED"
	SyncStateUnchanged SyncState = "UNCHANGED"
	SyncStateSynced    SyncState = "SYNCED"
	// SyncStateMissing は直近のフルスキャンで観測されなかったことを示す。
	SyncStateMissing SyncState = "MISSING"
)

// SyncStatus は最後の同期処理の結果を表す。
type SyncStatus string

const (
	SyncStatusOK       SyncStatus = "OK"
	SyncStatusNotFound SyncStatus = "NOT_FOUND"
	SyncStatusError    SyncStatus = "ERROR"
)

// DefaultSystem は分類できなかった記事に割り当てる既定のシステム。
const DefaultSystem = "general"

// SyncIssueKind は同期失敗の種別を表す。
type SyncIssueKind string

const (
	// SyncIssueNotFound はソース上に記事が存在しないことを示す。
	SyncIssueNotFound SyncIssueKind = "NOT_FOUND"
	// SyncIssueError は一時的な連携エラーを示す。
	SyncIssueError SyncIssueKind = "ERROR"
)

// SyncIssue は記事単位の同期失敗の記録。追記のみで更新はしない。
type SyncIssue struct {
	ID        string        `db:"id"`
	ArticleID string        `db:"article_id"`
	Kind      SyncIssueKind `db:"kind"`
	Message   string        `db:"message"`
	CreatedAt time.Time     `db:"created_at"`
}

// DuplicateGroup は同一コンテンツハッシュを持つ記事の集合。
type DuplicateGroup struct {
	Hash       string
	ArticleIDs []string
}

// StringPtr は文字列のポインタを返す。空文字列の場合はnilを返す。
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue はポインタから文字列を取得する。nilの場合は空文字列を返す。
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MenuMapping はソース側のメニュー参照と社内システム分類の対応。
type MenuMapping struct {
	MenuRef string  `db:"menu_ref"`
	System  string  `db:"system"`
	Module  *string `db:"module"`
}

// SourceSummary はソースの一覧・変更フィードから得られる軽量な記事情報。
// Revisionは数値または数値文字列、UpdatedAtはISO-8601（オフセット省略時はUTC）。
type SourceSummary struct {
	ID        string
	Title     string
	Revision  string
	UpdatedAt string
	MenuRef   string
}

// SourceArticle はソースから取得した記事の完全なレコード。
type SourceArticle struct {
	SourceSummary
	ContentHTML string
	ContentText string
	Module      string
}

// Truncate は文字列を最大maxRunes文字に切り詰める。
func Truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
