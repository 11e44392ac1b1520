package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/kbsync/internal/governance"
	"github.com/hitoshi/kbsync/internal/middleware"
	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限バイト数。
const maxRequestBodySize = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをoutにデコードする。
// ボディが空の場合はoutを変更せずに成功扱いとする。
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// parseLimit はlimitクエリパラメータを解析する。未指定の場合はdefを返す。
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, model.NewInvalidRequestError("limitは1から" + strconv.Itoa(max) + "の整数で指定してください")
	}
	return n, nil
}

// parseOffset はoffsetクエリパラメータを解析する。
func parseOffset(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewInvalidRequestError("offsetは0以上の整数で指定してください")
	}
	return n, nil
}

// runResponse は同期実行記録のAPIレスポンス。
type runResponse struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	DaysBack   *int       `json:"days_back"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMs *int64     `json:"duration_ms"`
	Note       *string    `json:"note"`
	Processed  int        `json:"processed"`
	Synced     int        `json:"synced"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	NotFound   int        `json:"not_found"`
	Errors     int        `json:"errors"`
}

func toRunResponse(run *model.SyncRun) runResponse {
	return runResponse{
		ID:         run.ID,
		Mode:       string(run.Mode),
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		DaysBack:   run.DaysBack,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMs: run.DurationMs,
		Note:       run.Note,
		Processed:  run.Processed,
		Synced:     run.Synced,
		Updated:    run.Updated,
		Skipped:    run.Skipped,
		NotFound:   run.NotFound,
		Errors:     run.Errors,
	}
}

// configResponse は同期設定のAPIレスポンス。
type configResponse struct {
	Enabled         bool       `json:"enabled"`
	DefaultMode     string     `json:"default_mode"`
	IntervalMinutes int        `json:"interval_minutes"`
	DefaultDaysBack *int       `json:"default_days_back"`
	LastRunAt       *time.Time `json:"last_run_at"`
	LastRunStatus   *string    `json:"last_run_status"`
	LastSuccessAt   *time.Time `json:"last_success_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Running         bool       `json:"running"`
}

func toConfigResponse(cfg *model.SyncConfig, running bool) configResponse {
	resp := configResponse{
		Enabled:         cfg.Enabled,
		DefaultMode:     string(cfg.DefaultMode),
		IntervalMinutes: cfg.IntervalMinutes,
		DefaultDaysBack: cfg.DefaultDaysBack,
		LastRunAt:       cfg.LastRunAt,
		LastSuccessAt:   cfg.LastSuccessAt,
		UpdatedAt:       cfg.UpdatedAt,
		Running:         running,
	}
	if cfg.LastRunStatus != nil {
		resp.LastRunStatus = model.StringPtr(string(*cfg.LastRunStatus))
	}
	return resp
}

// articleSyncResponse は記事単位の再同期結果のAPIレスポンス。
type articleSyncResponse struct {
	ArticleID  string  `json:"article_id"`
	Outcome    string  `json:"outcome"`
	Error      string  `json:"error,omitempty"`
	Title      string  `json:"title,omitempty"`
	SyncState  string  `json:"sync_state,omitempty"`
	SyncStatus string  `json:"sync_status,omitempty"`
	Hash       *string `json:"content_hash,omitempty"`
	System     *string `json:"system,omitempty"`
	Module     *string `json:"module,omitempty"`
	Revision   *int64  `json:"revision,omitempty"`
}

func toArticleSyncResponse(result *mirror.SyncResult) articleSyncResponse {
	resp := articleSyncResponse{
		ArticleID: result.ArticleID,
		Outcome:   string(result.Outcome),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	if a := result.Article; a != nil {
		resp.Title = a.Title
		resp.SyncState = string(a.SyncState)
		resp.SyncStatus = string(a.SyncStatus)
		resp.Hash = a.ContentHash
		resp.System = a.System
		resp.Module = a.Module
		resp.Revision = a.Revision
	}
	return resp
}

// issueResponse はガバナンス課題のAPIレスポンス。
type issueResponse struct {
	ID              string         `json:"id"`
	ArticleID       string         `json:"article_id"`
	Type            string         `json:"type"`
	Severity        string         `json:"severity"`
	Status          string         `json:"status"`
	Message         string         `json:"message"`
	Evidence        model.Evidence `json:"evidence"`
	SlaDueAt        *time.Time     `json:"sla_due_at"`
	Overdue         bool           `json:"overdue"`
	Responsible     *string        `json:"responsible"`
	AssignedAt      *time.Time     `json:"assigned_at"`
	AssignmentDueAt *time.Time     `json:"assignment_due_at"`
	TicketID        *string        `json:"ticket_id"`
	TicketProtocol  *string        `json:"ticket_protocol"`
	ResolvedAt      *time.Time     `json:"resolved_at"`
	ResolvedBy      *string        `json:"resolved_by"`
	IgnoredReason   *string        `json:"ignored_reason"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toIssueResponse(issue *model.GovernanceIssue, now time.Time) issueResponse {
	evidence := issue.Evidence
	if evidence == nil {
		evidence = model.Evidence{}
	}
	return issueResponse{
		ID:              issue.ID,
		ArticleID:       issue.ArticleID,
		Type:            string(issue.Type),
		Severity:        string(issue.Severity),
		Status:          string(issue.Status),
		Message:         issue.Message,
		Evidence:        evidence,
		SlaDueAt:        issue.SlaDueAt,
		Overdue:         governance.IsOverdue(now, issue.SlaDueAt, issue.Status),
		Responsible:     issue.Responsible,
		AssignedAt:      issue.AssignedAt,
		AssignmentDueAt: issue.AssignmentDueAt,
		TicketID:        issue.TicketID,
		TicketProtocol:  issue.TicketProtocol,
		ResolvedAt:      issue.ResolvedAt,
		ResolvedBy:      issue.ResolvedBy,
		IgnoredReason:   issue.IgnoredReason,
		CreatedAt:       issue.CreatedAt,
		UpdatedAt:       issue.UpdatedAt,
	}
}

// historyResponse は課題履歴1件のAPIレスポンス。
type historyResponse struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	OldValue  json.RawMessage `json:"old_value"`
	NewValue  json.RawMessage `json:"new_value"`
	Actor     string          `json:"actor"`
	Note      *string         `json:"note"`
	CreatedAt time.Time       `json:"created_at"`
}

func toHistoryResponse(entry *model.IssueHistory) historyResponse {
	return historyResponse{
		ID:        entry.ID,
		Action:    string(entry.Action),
		OldValue:  nullIfEmpty(entry.OldValue),
		NewValue:  nullIfEmpty(entry.NewValue),
		Actor:     entry.Actor,
		Note:      entry.Note,
		CreatedAt: entry.CreatedAt,
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// bulkResultResponse は一括操作の課題ごとの結果。
type bulkResultResponse struct {
	IssueID string         `json:"issue_id"`
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Issue   *issueResponse `json:"issue,omitempty"`
}

func toBulkResults(results []governance.BulkResult, now time.Time) []bulkResultResponse {
	out := make([]bulkResultResponse, 0, len(results))
	for _, r := range results {
		item := bulkResultResponse{IssueID: r.IssueID, OK: r.OK, Error: r.Error}
		if r.Issue != nil {
			issue := toIssueResponse(r.Issue, now)
			item.Issue = &issue
		}
		out = append(out, item)
	}
	return out
}

// groupResponse は重複グループのAPIレスポンス。
type groupResponse struct {
	Hash       string   `json:"hash"`
	ArticleIDs []string `json:"article_ids"`
	Size       int      `json:"size"`
}

// ticketResponse は作成されたチケットのAPIレスポンス。
type ticketResponse struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
}

// resolveResponse は重複グループ解決のAPIレスポンス。
type resolveResponse struct {
	Hash    string               `json:"hash"`
	Action  string               `json:"action"`
	Ticket  *ticketResponse      `json:"ticket,omitempty"`
	Results []bulkResultResponse `json:"results"`
}
