package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kbsync/internal/classification"
	"github.com/hitoshi/kbsync/internal/fingerprint"
	"github.com/hitoshi/kbsync/internal/governance"
	"github.com/hitoshi/kbsync/internal/metrics"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/repository"
	"github.com/hitoshi/kbsync/internal/security"
	"github.com/hitoshi/kbsync/internal/source"
)

// maxErrorLength は記事と同期失敗記録に保存するエラーメッセージの最大文字数。
const maxErrorLength = 500

// Outcome は記事1件の同期結果。
type Outcome string

const (
	OutcomeNew       Outcome = "NEW"
	OutcomeUpdated   Outcome = "UPDATED"
	OutcomeUnchanged Outcome = "UNCHANGED"
	OutcomeNotFound  Outcome = "NOT_FOUND"
	OutcomeError     Outcome = "ERROR"
)

// SyncResult は記事1件の同期結果。
type SyncResult struct {
	ArticleID string
	Outcome   Outcome
	Article   *model.Article
	// Err はOutcomeErrorの原因。取得失敗は戻り値のerrorではなくここに入る。
	Err error
}

// ArticleFetcher はソースから記事を取得する。
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, id string) (*model.SourceArticle, error)
}

// Classifier はメニュー参照を社内分類に対応付ける。
type Classifier interface {
	Classify(ctx context.Context, menuRef string) (classification.Result, error)
}

// IssueOpener はガバナンス課題をオープンする。
type IssueOpener interface {
	Open(ctx context.Context, req governance.OpenRequest) (*model.GovernanceIssue, error)
	OpenUnlessClosed(ctx context.Context, req governance.OpenRequest) (*model.GovernanceIssue, error)
}

// HashAnalyzer はコンテンツハッシュ単位で重複を解析する。
type HashAnalyzer interface {
	AnalyzeHash(ctx context.Context, hash string) (int, error)
}

// ArticleMirror はソースの記事を取得し、分類・サニタイズ・ハッシュ計算を行ってミラーに保存する。
type ArticleMirror struct {
	fetcher    ArticleFetcher
	articles   repository.ArticleRepository
	syncIssues repository.SyncIssueRepository
	tx         governance.Transactor
	classifier Classifier
	sanitizer  security.HTMLSanitizer
	issues     IssueOpener
	duplicates HashAnalyzer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

// Deps はArticleMirrorの依存関係。
type Deps struct {
	Fetcher    ArticleFetcher
	Articles   repository.ArticleRepository
	SyncIssues repository.SyncIssueRepository
	Tx         governance.Transactor
	Classifier Classifier
	Sanitizer  security.HTMLSanitizer
	Issues     IssueOpener
	Duplicates HashAnalyzer
	Metrics    metrics.MetricsCollector
}

// NewArticleMirror はArticleMirrorを生成する。
func NewArticleMirror(deps Deps, logger *slog.Logger) *ArticleMirror {
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &ArticleMirror{
		fetcher:    deps.Fetcher,
		articles:   deps.Articles,
		syncIssues: deps.SyncIssues,
		tx:         deps.Tx,
		classifier: deps.Classifier,
		sanitizer:  deps.Sanitizer,
		issues:     deps.Issues,
		duplicates: deps.Duplicates,
		metrics:    mc,
		logger:     logger.With(slog.String("component", "article_mirror")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sync は記事1件をソースから取得してミラーに反映する。
// ソースでの不存在や取得失敗は記事と同期失敗記録に反映し、errorではなくOutcomeで返す。
// errorを返すのはローカルの永続化に失敗した場合とcontextがキャンセルされた場合のみ。
func (m *ArticleMirror) Sync(ctx context.Context, id string) (*SyncResult, error) {
	src, err := m.fetcher.FetchArticle(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if source.IsNotFound(err) {
			return m.recordFailure(ctx, id, OutcomeNotFound, err)
		}
		return m.recordFailure(ctx, id, OutcomeError, err)
	}

	result, err := m.store(ctx, id, src)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordSyncItem(string(result.Outcome))
	return result, nil
}

// recordFailure は取得失敗を記事と同期失敗記録に反映する。
func (m *ArticleMirror) recordFailure(ctx context.Context, id string, outcome Outcome, cause error) (*SyncResult, error) {
	status := model.SyncStatusError
	state := model.SyncState("")
	kind := model.SyncIssueError
	message := model.Truncate(cause.Error(), maxErrorLength)

	if outcome == OutcomeNotFound {
		status = model.SyncStatusNotFound
		state = model.SyncStateMissing
		kind = model.SyncIssueNotFound
		message = "記事がソースに存在しません"
		m.logger.Info("記事がソースに存在しません", slog.String("article_id", id))
	} else {
		m.logger.Warn("記事の取得に失敗しました",
			slog.String("article_id", id),
			slog.String("error", cause.Error()),
		)
	}

	err := m.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := m.articles.MarkSyncFailure(ctx, id, status, state, message); err != nil {
			return err
		}
		return m.syncIssues.Create(ctx, &model.SyncIssue{
			ID:        uuid.New().String(),
			ArticleID: id,
			Kind:      kind,
			Message:   message,
			CreatedAt: m.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}

	m.metrics.RecordSyncItem(string(outcome))
	return &SyncResult{ArticleID: id, Outcome: outcome, Err: cause}, nil
}

// store は取得した記事をミラーに保存し、課題の検出と重複解析を行う。
func (m *ArticleMirror) store(ctx context.Context, id string, src *model.SourceArticle) (*SyncResult, error) {
	class, err := m.classifier.Classify(ctx, src.MenuRef)
	if err != nil {
		return nil, fmt.Errorf("記事の分類に失敗しました: %w", err)
	}

	now := m.now()
	contentHTML := m.sanitizer.Sanitize(src.ContentHTML)
	hash := fingerprint.HashText(fingerprint.ContentText(contentHTML, src.ContentText))
	empty := fingerprint.IsEmptyContent(contentHTML, src.ContentText)

	var existed bool
	var outcome Outcome
	var article *model.Article

	err = m.tx.WithTransaction(ctx, func(ctx context.Context) error {
		existing, err := m.articles.FindByID(ctx, id)
		if err != nil {
			return err
		}

		article = existing
		if article == nil {
			article = &model.Article{ID: id, CreatedAt: now}
		}
		existed = existing != nil
		previousHash := model.StringValue(article.ContentHash)

		article.Title = src.Title
		article.ContentHTML = contentHTML
		article.ContentText = src.ContentText
		article.ContentHash = hash
		article.MenuRef = model.StringPtr(class.MenuRef)
		article.System = model.StringPtr(class.System)
		article.Module = class.Module
		if article.Module == nil {
			article.Module = model.StringPtr(src.Module)
		}
		article.SyncStatus = model.SyncStatusOK
		article.SyncState = model.SyncStateSynced
		article.SyncError = nil
		article.LastSeenAt = &now
		article.UpdatedAt = now
		if rev, ok := source.ParseRevision(src.Revision); ok {
			article.Revision = &rev
		}
		if ts, ok := source.ParseTimestamp(src.UpdatedAt); ok {
			article.SourceUpdatedAt = &ts
		}

		switch {
		case !existed:
			outcome = OutcomeNew
		case previousHash != model.StringValue(hash):
			outcome = OutcomeUpdated
		default:
			outcome = OutcomeUnchanged
		}

		return m.articles.Save(ctx, article)
	})
	if err != nil {
		return nil, fmt.Errorf("記事の保存に失敗しました: %w", err)
	}

	m.evaluate(ctx, article, class, empty)

	m.logger.Debug("記事を同期しました",
		slog.String("article_id", id),
		slog.String("outcome", string(outcome)),
	)
	return &SyncResult{ArticleID: id, Outcome: outcome, Article: article}, nil
}

// evaluate は保存済みの記事に対してガバナンス課題の検出と重複解析を行う。
// 失敗しても記事の同期結果は変えない。
func (m *ArticleMirror) evaluate(ctx context.Context, article *model.Article, class classification.Result, empty bool) {
	var errs []error

	if class.Outcome != classification.Mapped {
		reason := "unmapped_menu"
		message := fmt.Sprintf("メニュー %q に対応する分類がありません", class.MenuRef)
		if class.Outcome == classification.MissingRef {
			reason = "missing_menu"
			message = "記事にメニューが設定されていません"
		}
		_, err := m.issues.Open(ctx, governance.OpenRequest{
			ArticleID: article.ID,
			Type:      model.IssueTypeInconsistentContent,
			Severity:  model.SeverityWarn,
			Message:   message,
			Evidence: model.Evidence{
				"reason":          reason,
				"menu_ref":        class.MenuRef,
				"fallback_system": class.System,
			},
		})
		errs = append(errs, err)
	}

	if empty {
		_, err := m.issues.Open(ctx, governance.OpenRequest{
			ArticleID: article.ID,
			Type:      model.IssueTypeIncompleteContent,
			Severity:  model.SeverityError,
			Message:   "記事の本文が空です",
			Evidence: model.Evidence{
				"html_length": fingerprint.CleanLength(fingerprint.ExtractText(article.ContentHTML)),
				"text_length": fingerprint.CleanLength(article.ContentText),
			},
		})
		errs = append(errs, err)
	}

	_, err := m.issues.OpenUnlessClosed(ctx, governance.OpenRequest{
		ArticleID: article.ID,
		Type:      model.IssueTypeReviewRequired,
		Severity:  model.SeverityInfo,
		Message:   "記事の内容をレビューしてください",
		Evidence:  model.Evidence{"title": article.Title},
	})
	errs = append(errs, err)

	if article.ContentHash != nil {
		_, err := m.duplicates.AnalyzeHash(ctx, *article.ContentHash)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("記事のガバナンス評価に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
	}
}
