package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/kbsync/internal/governance"
	"github.com/hitoshi/kbsync/internal/middleware"
	"github.com/hitoshi/kbsync/internal/model"
)

const (
	defaultIssueListLimit = 50
	maxIssueListLimit     = 500
	maxBulkIssues         = 500
)

// IssueService はガバナンス課題の参照と状態遷移を行う。
type IssueService interface {
	Get(ctx context.Context, issueID string) (*model.GovernanceIssue, error)
	List(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error)
	History(ctx context.Context, issueID string) ([]*model.IssueHistory, error)
	Assign(ctx context.Context, issueID string, req governance.AssignRequest) (*model.GovernanceIssue, error)
	UpdateStatus(ctx context.Context, issueID string, req governance.StatusRequest) (*model.GovernanceIssue, error)
	BulkUpdateStatus(ctx context.Context, issueIDs []string, req governance.StatusRequest, actionLabel string) []governance.BulkResult
}

// DuplicateService は重複コンテンツのグループ参照・解析・解決を行う。
type DuplicateService interface {
	ListGroups(ctx context.Context) ([]model.DuplicateGroup, error)
	AnalyzeAll(ctx context.Context) (int, error)
	ResolveGroup(ctx context.Context, hash string, req governance.ResolveRequest) (*governance.ResolveResult, error)
}

// GovernanceHandler はガバナンス課題と重複グループのHTTPハンドラー。
type GovernanceHandler struct {
	issues     IssueService
	duplicates DuplicateService
	logger     *slog.Logger
	now        func() time.Time
}

// NewGovernanceHandler はGovernanceHandlerを生成する。
func NewGovernanceHandler(issues IssueService, duplicates DuplicateService, logger *slog.Logger) *GovernanceHandler {
	return &GovernanceHandler{
		issues:     issues,
		duplicates: duplicates,
		logger:     logger,
		now:        time.Now,
	}
}

// assignRequest は担当者割り当てリクエストのボディ。responsibleが空の場合は割り当てを解除する。
type assignRequest struct {
	Responsible  string     `json:"responsible"`
	DueDate      *time.Time `json:"due_date"`
	Note         string     `json:"note"`
	CreateTicket bool       `json:"create_ticket"`
}

// statusRequest はステータス変更リクエストのボディ。
type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// bulkStatusRequest は一括ステータス変更リクエストのボディ。
type bulkStatusRequest struct {
	IssueIDs []string `json:"issue_ids"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason"`
	Note     string   `json:"note"`
	Label    string   `json:"label"`
}

// resolveRequest は重複グループ解決リクエストのボディ。
type resolveRequest struct {
	Action      string `json:"action"`
	CanonicalID string `json:"canonical_id"`
	Reason      string `json:"reason"`
}

// ListIssues は条件に一致する課題をSLA期限の早い順に返す。
// GET /api/governance/issues?status=&type=&article_id=&limit=&offset=
func (h *GovernanceHandler) ListIssues(w http.ResponseWriter, r *http.Request) {
	filter, err := parseIssueFilter(r)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	issues, err := h.issues.List(r.Context(), filter)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	now := h.now()
	out := make([]issueResponse, 0, len(issues))
	for _, issue := range issues {
		out = append(out, toIssueResponse(issue, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseIssueFilter(r *http.Request) (model.IssueFilter, error) {
	q := r.URL.Query()
	filter := model.IssueFilter{ArticleID: strings.TrimSpace(q.Get("article_id"))}

	if raw := q.Get("status"); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			return filter, model.NewInvalidRequestError("不明なステータスです: " + raw)
		}
		filter.Status = status
	}
	if raw := q.Get("type"); raw != "" {
		t := model.IssueType(strings.ToUpper(strings.TrimSpace(raw)))
		if !t.Valid() {
			return filter, model.NewInvalidRequestError("不明な課題種別です: " + raw)
		}
		filter.Type = t
	}

	limit, err := parseLimit(r, defaultIssueListLimit, maxIssueListLimit)
	if err != nil {
		return filter, err
	}
	offset, err := parseOffset(r)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset
	return filter, nil
}

// parseStatus はステータス文字列を検証する。
// 入力値の誤りは状態遷移の競合ではなくリクエスト不正として扱う。
func parseStatus(raw string) (model.IssueStatus, bool) {
	status, err := model.ParseIssueStatus(raw)
	if err != nil {
		return "", false
	}
	return status, true
}

// GetIssue は課題を返す。
// GET /api/governance/issues/{id}
func (h *GovernanceHandler) GetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.issues.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueResponse(issue, h.now()))
}

// IssueHistory は課題の監査履歴を古い順に返す。
// GET /api/governance/issues/{id}/history
func (h *GovernanceHandler) IssueHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.issues.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// AssignIssue は課題に担当者を割り当てる。
// POST /api/governance/issues/{id}/assign
func (h *GovernanceHandler) AssignIssue(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	issue, err := h.issues.Assign(r.Context(), chi.URLParam(r, "id"), governance.AssignRequest{
		Responsible:  strings.TrimSpace(req.Responsible),
		DueDate:      req.DueDate,
		Actor:        middleware.ActorFromContext(r.Context()),
		Note:         req.Note,
		CreateTicket: req.CreateTicket,
	})
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueResponse(issue, h.now()))
}

// UpdateIssueStatus は課題のステータスを変更する。
// POST /api/governance/issues/{id}/status
func (h *GovernanceHandler) UpdateIssueStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		middleware.WriteDomainError(w, h.logger, model.NewInvalidRequestError("不明なステータスです: "+req.Status))
		return
	}

	issue, err := h.issues.UpdateStatus(r.Context(), chi.URLParam(r, "id"), governance.StatusRequest{
		Status: status,
		Actor:  middleware.ActorFromContext(r.Context()),
		Reason: req.Reason,
		Note:   req.Note,
	})
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueResponse(issue, h.now()))
}

// BulkUpdateStatus は複数の課題のステータスを課題ごとに独立して変更する。
// 一部が失敗しても200を返し、結果は課題ごとに返す。
// POST /api/governance/issues/bulk-status
func (h *GovernanceHandler) BulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IssueIDs) == 0 || len(req.IssueIDs) > maxBulkIssues {
		middleware.WriteDomainError(w, h.logger, model.NewInvalidRequestError("issue_idsは1件以上500件以下で指定してください"))
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		middleware.WriteDomainError(w, h.logger, model.NewInvalidRequestError("不明なステータスです: "+req.Status))
		return
	}

	results := h.issues.BulkUpdateStatus(r.Context(), req.IssueIDs, governance.StatusRequest{
		Status: status,
		Actor:  middleware.ActorFromContext(r.Context()),
		Reason: req.Reason,
		Note:   req.Note,
	}, req.Label)
	writeJSON(w, http.StatusOK, toBulkResults(results, h.now()))
}

// ListDuplicateGroups は2件以上の記事が共有するコンテンツハッシュの一覧を返す。
// GET /api/governance/duplicates
func (h *GovernanceHandler) ListDuplicateGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.duplicates.ListGroups(r.Context())
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{Hash: g.Hash, ArticleIDs: g.ArticleIDs, Size: len(g.ArticleIDs)})
	}
	writeJSON(w, http.StatusOK, out)
}

// AnalyzeDuplicates は全重複グループを解析して課題をオープンする。
// 一部のグループの解析に失敗した場合も処理件数は返す。
// POST /api/governance/duplicates/analyze
func (h *GovernanceHandler) AnalyzeDuplicates(w http.ResponseWriter, r *http.Request) {
	opened, err := h.duplicates.AnalyzeAll(r.Context())
	if err != nil && opened == 0 {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	resp := map[string]any{"issues": opened}
	if err != nil {
		h.logger.Warn("重複解析の一部に失敗しました", slog.String("error", err.Error()))
		resp["partial"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveDuplicateGroup は重複グループをMERGEまたはIGNOREで解決する。
// POST /api/governance/duplicates/{hash}/resolve
func (h *GovernanceHandler) ResolveDuplicateGroup(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.duplicates.ResolveGroup(r.Context(), chi.URLParam(r, "hash"), governance.ResolveRequest{
		Action:      governance.ResolveAction(strings.ToUpper(strings.TrimSpace(req.Action))),
		CanonicalID: strings.TrimSpace(req.CanonicalID),
		Actor:       middleware.ActorFromContext(r.Context()),
		Reason:      req.Reason,
	})
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	resp := resolveResponse{
		Hash:    result.Hash,
		Action:  string(result.Action),
		Results: toBulkResults(result.Results, h.now()),
	}
	if result.Ticket != nil {
		resp.Ticket = &ticketResponse{ID: result.Ticket.ID, Protocol: result.Ticket.Protocol}
	}
	writeJSON(w, http.StatusOK, resp)
}
