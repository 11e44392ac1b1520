package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/ticketing"
)

// DuplicateSource は重複グループの算出に使う記事の読み取りインターフェース。
type DuplicateSource interface {
	ListDuplicateGroups(ctx context.Context) ([]model.DuplicateGroup, error)
	ListIDsByHash(ctx context.Context, hash string) ([]string, error)
}

// DuplicateDetector は同一コンテンツハッシュを共有する記事にDUPLICATE_CONTENT課題を付与する。
// グループが縮小しても課題は自動では解決しない。
type DuplicateDetector struct {
	articles  DuplicateSource
	lifecycle *Lifecycle
	issues    issueFinder
	tickets   TicketCreator
	logger    *slog.Logger
}

type issueFinder interface {
	FindByArticleAndType(ctx context.Context, articleID string, issueType model.IssueType) (*model.GovernanceIssue, error)
}

// NewDuplicateDetector はDuplicateDetectorを生成する。
func NewDuplicateDetector(articles DuplicateSource, lifecycle *Lifecycle, tickets TicketCreator, logger *slog.Logger) *DuplicateDetector {
	return &DuplicateDetector{
		articles:  articles,
		lifecycle: lifecycle,
		issues:    lifecycle.issues,
		tickets:   tickets,
		logger:    logger,
	}
}

// AnalyzeAll は全ての重複グループを解析し、作成・更新した課題の件数を返す。
// 1グループの失敗で中断せず、最後にまとめてエラーを返す。
func (d *DuplicateDetector) AnalyzeAll(ctx context.Context) (int, error) {
	groups, err := d.articles.ListDuplicateGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("重複グループの取得に失敗しました: %w", err)
	}

	total := 0
	var errs []error
	for _, g := range groups {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := d.analyzeGroup(ctx, g.Hash, g.ArticleIDs)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	d.logger.Info("重複コンテンツの解析が完了しました",
		slog.Int("groups", len(groups)),
		slog.Int("issues", total),
	)
	return total, errors.Join(errs...)
}

// AnalyzeHash は指定ハッシュのグループのみを解析する。記事が1件以下なら何もしない。
func (d *DuplicateDetector) AnalyzeHash(ctx context.Context, hash string) (int, error) {
	if hash == "" {
		return 0, nil
	}
	ids, err := d.articles.ListIDsByHash(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("ハッシュに属する記事の取得に失敗しました: %w", err)
	}
	return d.analyzeGroup(ctx, hash, ids)
}

// ListGroups は現在の重複グループ一覧を返す。
func (d *DuplicateDetector) ListGroups(ctx context.Context) ([]model.DuplicateGroup, error) {
	return d.articles.ListDuplicateGroups(ctx)
}

func (d *DuplicateDetector) analyzeGroup(ctx context.Context, hash string, ids []string) (int, error) {
	if len(ids) < 2 {
		return 0, nil
	}
	members := slices.Clone(ids)
	slices.Sort(members)
	members = slices.Compact(members)
	if len(members) < 2 {
		return 0, nil
	}

	count := 0
	var errs []error
	for _, id := range members {
		_, err := d.lifecycle.Open(ctx, OpenRequest{
			ArticleID: id,
			Type:      model.IssueTypeDuplicateContent,
			Severity:  model.SeverityWarn,
			Message:   fmt.Sprintf("%d件の記事が同一のコンテンツを持っています", len(members)),
			Evidence: model.Evidence{
				"content_hash": hash,
				"article_ids":  members,
				"group_size":   len(members),
			},
		})
		if err != nil {
			d.logger.Error("重複課題のオープンに失敗しました",
				slog.String("article_id", id),
				slog.String("content_hash", hash),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// ResolveAction は重複グループの解決方法。
type ResolveAction string

const (
	// ResolveMerge は正とする記事への統合をチケットで依頼し、課題を対応中にする。
	ResolveMerge ResolveAction = "MERGE"
	// ResolveIgnore はグループ全体の課題を理由付きで無視する。
	ResolveIgnore ResolveAction = "IGNORE"
)

// ResolveRequest は重複グループの解決要求。
type ResolveRequest struct {
	Action      ResolveAction
	CanonicalID string
	Actor       string
	Reason      string
}

// ResolveResult は重複グループの解決結果。
type ResolveResult struct {
	Hash    string            `json:"hash"`
	Action  ResolveAction     `json:"action"`
	Ticket  *ticketing.Ticket `json:"ticket,omitempty"`
	Results []BulkResult      `json:"results"`
}

// ResolveGroup は重複グループの全メンバーの課題をまとめて処理する。
// 課題ごとの更新は独立しており、一部の失敗はResultsに記録される。
func (d *DuplicateDetector) ResolveGroup(ctx context.Context, hash string, req ResolveRequest) (*ResolveResult, error) {
	ids, err := d.articles.ListIDsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("ハッシュに属する記事の取得に失敗しました: %w", err)
	}
	if len(ids) < 2 {
		return nil, model.ErrDuplicateGroupNotFound
	}

	var issueIDs []string
	for _, id := range ids {
		issue, err := d.issues.FindByArticleAndType(ctx, id, model.IssueTypeDuplicateContent)
		if err != nil {
			return nil, err
		}
		if issue != nil && !issue.Status.Terminal() {
			issueIDs = append(issueIDs, issue.ID)
		}
	}

	result := &ResolveResult{Hash: hash, Action: req.Action}

	switch req.Action {
	case ResolveIgnore:
		if strings.TrimSpace(req.Reason) == "" {
			return nil, model.ErrIgnoredReasonRequired
		}
		result.Results = d.lifecycle.BulkUpdateStatus(ctx, issueIDs, StatusRequest{
			Status: model.IssueStatusIgnored,
			Actor:  req.Actor,
			Reason: req.Reason,
		}, "DUPLICATE_IGNORE")

	case ResolveMerge:
		if !slices.Contains(ids, req.CanonicalID) {
			return nil, fmt.Errorf("%w: canonical article %q is not a member of the group", model.ErrInvalidResolution, req.CanonicalID)
		}
		if d.tickets == nil || !d.tickets.Enabled() {
			return nil, model.ErrTicketingDisabled
		}
		ticket, err := d.tickets.CreateTicket(ctx, ticketing.TicketRequest{
			Title:       fmt.Sprintf("重複記事の統合: %s", req.CanonicalID),
			Description: fmt.Sprintf("%d件の記事を %s に統合してください。%s", len(ids), req.CanonicalID, req.Reason),
			ArticleIDs:  ids,
			IssueIDs:    issueIDs,
			Metadata:    map[string]any{"content_hash": hash, "canonical_article_id": req.CanonicalID},
		})
		if err != nil {
			return nil, fmt.Errorf("統合チケットの起票に失敗しました: %w", err)
		}
		result.Ticket = ticket
		result.Results = d.lifecycle.BulkUpdateStatus(ctx, issueIDs, StatusRequest{
			Status: model.IssueStatusInProgress,
			Actor:  req.Actor,
			Note:   fmt.Sprintf("統合チケット %s", ticket.Protocol),
			Ticket: ticket,
		}, "DUPLICATE_MERGE")

	default:
		return nil, fmt.Errorf("%w: unknown action %q", model.ErrInvalidResolution, req.Action)
	}

	d.logger.Info("重複グループを処理しました",
		slog.String("content_hash", hash),
		slog.String("action", string(req.Action)),
		slog.Int("issues", len(issueIDs)),
	)
	return result, nil
}
