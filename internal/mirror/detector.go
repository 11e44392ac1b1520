// Package mirror はソースの記事をローカルミラーに取り込む。
package mirror

import (
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/source"
)

// ChangeDetector はサマリー情報から記事を再取得すべきかどうかを判定する。
type ChangeDetector struct{}

// HasChanged は記事が変更されたかどうかを返す。
//  1. 数値のリビジョンがあれば、保存済みの値と異なるときのみ変更とみなす（未保存は変更）
//  2. なければ解釈可能な更新日時が保存済みの値より厳密に新しいとき変更とみなす（未保存は変更）
//  3. どちらも無ければ変更なし
//
// ローカルに記事が無い場合は常に変更とみなす。
func (ChangeDetector) HasChanged(existing *model.Article, incoming model.SourceSummary) bool {
	if existing == nil {
		return true
	}

	if rev, ok := source.ParseRevision(incoming.Revision); ok {
		return existing.Revision == nil || *existing.Revision != rev
	}

	if updatedAt, ok := source.ParseTimestamp(incoming.UpdatedAt); ok {
		return existing.SourceUpdatedAt == nil || updatedAt.After(*existing.SourceUpdatedAt)
	}

	return false
}
