// Package governance はコンテンツ品質課題のライフサイクル、SLA、重複検出を提供する。
//
// 課題は(記事ID, 課題種別)ごとに1行だけ存在し、再発時は新しい行を作らずに再オープンする。
// 全ての変更は(記事ID, 課題種別)単位のロックを取ったトランザクション内で読み取り・更新し、
// 監査履歴を同じトランザクションで追記する。イベントはコミット後に配信する。
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kbsync/internal/events"
	"github.com/hitoshi/kbsync/internal/metrics"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/repository"
	"github.com/hitoshi/kbsync/internal/ticketing"
)

// Transactor はcontextにトランザクションを載せて処理を実行する。
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TicketCreator はチケット管理システムへの起票を行う。
type TicketCreator interface {
	Enabled() bool
	CreateTicket(ctx context.Context, req ticketing.TicketRequest) (*ticketing.Ticket, error)
}

// OpenRequest は課題のオープン（作成・再オープン・内容更新）要求。
type OpenRequest struct {
	ArticleID string
	Type      model.IssueType
	Severity  model.Severity
	Message   string
	Evidence  model.Evidence
}

// AssignRequest は担当者割り当て要求。Responsibleが空の場合は割り当てを解除する。
type AssignRequest struct {
	Responsible  string
	DueDate      *time.Time
	Actor        string
	Note         string
	CreateTicket bool
}

// StatusRequest はステータス変更要求。
type StatusRequest struct {
	Status model.IssueStatus
	Actor  string
	Reason string
	Note   string
	// Ticket が指定された場合は課題にチケット情報を記録する。
	Ticket *ticketing.Ticket
}

// BulkResult は一括ステータス変更の課題ごとの結果。
type BulkResult struct {
	IssueID string                 `json:"issue_id"`
	OK      bool                   `json:"ok"`
	Error   string                 `json:"error,omitempty"`
	Issue   *model.GovernanceIssue `json:"issue,omitempty"`
}

// Lifecycle は課題の状態遷移と監査履歴を管理する。
type Lifecycle struct {
	tx        Transactor
	issues    repository.IssueRepository
	history   repository.IssueHistoryRepository
	sla       *SLA
	tickets   TicketCreator
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewLifecycle はLifecycleを生成する。ticketsはnilでもよい。
func NewLifecycle(
	tx Transactor,
	issues repository.IssueRepository,
	history repository.IssueHistoryRepository,
	sla *SLA,
	tickets TicketCreator,
	publisher events.Publisher,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Lifecycle {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Lifecycle{
		tx:        tx,
		issues:    issues,
		history:   history,
		sla:       sla,
		tickets:   tickets,
		publisher: publisher,
		metrics:   mc,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// snapshot は履歴に保存する課題の状態。
type snapshot struct {
	Status         model.IssueStatus `json:"status"`
	Severity       model.Severity    `json:"severity"`
	Responsible    *string           `json:"responsible"`
	AssignmentDue  *time.Time        `json:"assignment_due_at"`
	SlaDueAt       *time.Time        `json:"sla_due_at"`
	ResolvedBy     *string           `json:"resolved_by"`
	IgnoredReason  *string           `json:"ignored_reason"`
	TicketProtocol *string           `json:"ticket_protocol"`
}

func takeSnapshot(issue *model.GovernanceIssue) json.RawMessage {
	if issue == nil {
		return nil
	}
	b, _ := json.Marshal(snapshot{
		Status:         issue.Status,
		Severity:       issue.Severity,
		Responsible:    issue.Responsible,
		AssignmentDue:  issue.AssignmentDueAt,
		SlaDueAt:       issue.SlaDueAt,
		ResolvedBy:     issue.ResolvedBy,
		IgnoredReason:  issue.IgnoredReason,
		TicketProtocol: issue.TicketProtocol,
	})
	return b
}

// pending はコミット後に行う通知をまとめる。
type pending struct {
	events  []events.Event
	actions []model.IssueAction
}

func (p *pending) add(issue *model.GovernanceIssue, eventType string, action model.IssueAction, actor string) {
	p.actions = append(p.actions, action)
	if eventType == "" {
		return
	}
	p.events = append(p.events, events.Event{
		Type:      eventType,
		IssueID:   issue.ID,
		ArticleID: issue.ArticleID,
		IssueType: string(issue.Type),
		Status:    string(issue.Status),
		Actor:     actor,
	})
}

func (l *Lifecycle) appendHistory(ctx context.Context, issueID string, action model.IssueAction, before, after json.RawMessage, actor, note string) error {
	return l.history.Append(ctx, &model.IssueHistory{
		ID:        uuid.New().String(),
		IssueID:   issueID,
		Action:    action,
		OldValue:  before,
		NewValue:  after,
		Actor:     actorOrSystem(actor),
		Note:      model.StringPtr(note),
		CreatedAt: l.now(),
	})
}

// flush はコミット後にメトリクスとイベントを記録する。配信失敗は遷移を失敗させない。
func (l *Lifecycle) flush(ctx context.Context, issueType model.IssueType, p *pending) {
	for _, a := range p.actions {
		l.metrics.RecordIssueTransition(string(issueType), string(a))
	}
	for _, e := range p.events {
		if err := l.publisher.Publish(ctx, e); err != nil {
			l.logger.Warn("課題イベントの配信に失敗しました",
				slog.String("issue_id", e.IssueID),
				slog.String("type", e.Type),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Open は課題を作成・再オープン・内容更新する。
//   - 未作成: OPENで作成しCREATED履歴を残す
//   - RESOLVED/IGNORED: OPENに戻し、解決情報を消去してSLAを現在時刻から再計算する
//   - 対応中: メッセージ・根拠・重要度のみ更新し、履歴は残さない
func (l *Lifecycle) Open(ctx context.Context, req OpenRequest) (*model.GovernanceIssue, error) {
	return l.open(ctx, req, false)
}

// OpenUnlessClosed はOpenと同様だが、RESOLVED/IGNOREDの課題は変更せずに返す。
// 常設のレビュー課題のように、担当者が閉じた判断を同期処理で覆さない用途に使う。
func (l *Lifecycle) OpenUnlessClosed(ctx context.Context, req OpenRequest) (*model.GovernanceIssue, error) {
	return l.open(ctx, req, true)
}

func (l *Lifecycle) open(ctx context.Context, req OpenRequest, keepClosed bool) (*model.GovernanceIssue, error) {
	if req.ArticleID == "" || !req.Type.Valid() || !req.Severity.Valid() {
		return nil, fmt.Errorf("課題のオープン要求が不正です: article=%q type=%q severity=%q",
			req.ArticleID, req.Type, req.Severity)
	}

	var result *model.GovernanceIssue
	p := &pending{}

	err := l.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := l.issues.LockKey(ctx, req.ArticleID, req.Type); err != nil {
			return err
		}

		existing, err := l.issues.FindByArticleAndType(ctx, req.ArticleID, req.Type)
		if err != nil {
			return err
		}
		now := l.now()

		switch {
		case existing == nil:
			due := l.sla.DueAt(now, req.Severity)
			issue := &model.GovernanceIssue{
				ID:        uuid.New().String(),
				ArticleID: req.ArticleID,
				Type:      req.Type,
				Severity:  req.Severity,
				Status:    model.IssueStatusOpen,
				Message:   req.Message,
				Evidence:  req.Evidence,
				SlaDueAt:  &due,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := l.issues.Create(ctx, issue); err != nil {
				return err
			}
			if err := l.appendHistory(ctx, issue.ID, model.IssueActionCreated, nil, takeSnapshot(issue), model.SystemActor, ""); err != nil {
				return err
			}
			p.add(issue, events.TypeIssueOpened, model.IssueActionCreated, model.SystemActor)
			result = issue

		case existing.Status.Terminal():
			if keepClosed {
				result = existing
				return nil
			}
			before := takeSnapshot(existing)
			previous := existing.Status

			existing.Status = model.IssueStatusOpen
			existing.Severity = req.Severity
			existing.Message = req.Message
			existing.Evidence = req.Evidence
			clearResolution(existing)
			clearAssignment(existing)
			due := l.sla.DueAt(now, req.Severity)
			existing.SlaDueAt = &due
			existing.UpdatedAt = now

			if err := l.issues.Update(ctx, existing); err != nil {
				return err
			}
			after := takeSnapshot(existing)
			note := fmt.Sprintf("%s から再発", previous)
			if err := l.appendHistory(ctx, existing.ID, model.IssueActionReopened, before, after, model.SystemActor, note); err != nil {
				return err
			}
			if err := l.appendHistory(ctx, existing.ID, model.IssueActionStatusChanged, before, after, model.SystemActor, note); err != nil {
				return err
			}
			p.add(existing, events.TypeIssueReopened, model.IssueActionReopened, model.SystemActor)
			p.add(existing, "", model.IssueActionStatusChanged, model.SystemActor)
			result = existing

		default:
			if existing.Severity != req.Severity {
				due := l.sla.DueAt(existing.CreatedAt, req.Severity)
				existing.SlaDueAt = &due
			}
			existing.Severity = req.Severity
			existing.Message = req.Message
			existing.Evidence = req.Evidence
			existing.UpdatedAt = now
			if err := l.issues.Update(ctx, existing); err != nil {
				return err
			}
			result = existing
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("課題のオープンに失敗しました: %w", err)
	}

	l.flush(ctx, req.Type, p)
	return result, nil
}

// Assign は担当者を割り当てる。RESOLVED/IGNOREDの課題には割り当てられない。
// Responsibleが空の場合は割り当てを解除してOPENに戻す。
// CreateTicketが指定された場合は割り当て前にチケットを起票する。
func (l *Lifecycle) Assign(ctx context.Context, issueID string, req AssignRequest) (*model.GovernanceIssue, error) {
	responsible := strings.TrimSpace(req.Responsible)

	var ticket *ticketing.Ticket
	if req.CreateTicket && responsible != "" {
		current, err := l.Get(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%w: issue is %s", model.ErrInvalidTransition, current.Status)
		}
		if l.tickets == nil || !l.tickets.Enabled() {
			return nil, model.ErrTicketingDisabled
		}
		ticket, err = l.tickets.CreateTicket(ctx, ticketing.TicketRequest{
			Title:       fmt.Sprintf("[%s] %s", current.Type, current.ArticleID),
			Description: current.Message,
			Assignee:    responsible,
			ArticleIDs:  []string{current.ArticleID},
			IssueIDs:    []string{current.ID},
			Metadata:    map[string]any{"severity": current.Severity, "sla_due_at": current.SlaDueAt},
		})
		if err != nil {
			return nil, fmt.Errorf("チケットの起票に失敗しました: %w", err)
		}
	}

	var result *model.GovernanceIssue
	p := &pending{}

	err := l.mutate(ctx, issueID, func(ctx context.Context, issue *model.GovernanceIssue) error {
		if issue.Status.Terminal() {
			return fmt.Errorf("%w: issue is %s", model.ErrInvalidTransition, issue.Status)
		}
		before := takeSnapshot(issue)
		now := l.now()

		action := model.IssueActionAssigned
		eventType := events.TypeIssueAssigned
		if responsible == "" {
			action = model.IssueActionUnassigned
			eventType = events.TypeIssueUnassigned
			clearAssignment(issue)
			issue.Status = model.IssueStatusOpen
		} else {
			issue.Responsible = &responsible
			issue.AssignedAt = &now
			issue.AssignmentDueAt = req.DueDate
			issue.Status = model.IssueStatusAssigned
			if ticket != nil {
				issue.TicketID = &ticket.ID
				issue.TicketProtocol = model.StringPtr(ticket.Protocol)
			}
		}
		issue.UpdatedAt = now

		if err := l.issues.Update(ctx, issue); err != nil {
			return err
		}
		if err := l.appendHistory(ctx, issue.ID, action, before, takeSnapshot(issue), req.Actor, req.Note); err != nil {
			return err
		}
		p.add(issue, eventType, action, req.Actor)
		result = issue
		return nil
	})
	if err != nil {
		if ticket != nil {
			// 起票済みのチケットは課題に紐付かないため運用側で照合する
			l.logger.Error("起票したチケットを課題に記録できませんでした",
				slog.String("issue_id", issueID),
				slog.String("ticket_id", ticket.ID),
				slog.String("ticket_protocol", ticket.Protocol),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	l.flush(ctx, result.Type, p)
	return result, nil
}

// UpdateStatus は課題のステータスを変更する。
//   - IGNOREDには空でない理由が必要
//   - RESOLVED/IGNOREDでは解決日時・解決者を記録し、割り当てを解除する
//   - それ以外では解決情報を消去する。RESOLVED/IGNOREDから戻す場合はSLAを再計算する
func (l *Lifecycle) UpdateStatus(ctx context.Context, issueID string, req StatusRequest) (*model.GovernanceIssue, error) {
	if req.Status == model.IssueStatusIgnored && strings.TrimSpace(req.Reason) == "" {
		return nil, model.ErrIgnoredReasonRequired
	}
	if _, err := model.ParseIssueStatus(string(req.Status)); err != nil {
		return nil, err
	}

	var result *model.GovernanceIssue
	p := &pending{}

	err := l.mutate(ctx, issueID, func(ctx context.Context, issue *model.GovernanceIssue) error {
		if req.Status == model.IssueStatusAssigned && issue.Responsible == nil {
			return fmt.Errorf("%w: assign a responsible person instead", model.ErrInvalidTransition)
		}

		before := takeSnapshot(issue)
		previous := issue.Status
		now := l.now()

		if previous == req.Status && req.Ticket == nil && req.Status != model.IssueStatusIgnored {
			result = issue
			return nil
		}

		issue.Status = req.Status
		switch {
		case req.Status.Terminal():
			actor := actorOrSystem(req.Actor)
			issue.ResolvedAt = &now
			issue.ResolvedBy = &actor
			clearAssignment(issue)
			if req.Status == model.IssueStatusIgnored {
				reason := strings.TrimSpace(req.Reason)
				issue.IgnoredReason = &reason
			} else {
				issue.IgnoredReason = nil
			}
		default:
			clearResolution(issue)
			if req.Status == model.IssueStatusOpen {
				clearAssignment(issue)
			}
			if previous.Terminal() {
				due := l.sla.DueAt(now, issue.Severity)
				issue.SlaDueAt = &due
			}
		}
		if req.Ticket != nil {
			issue.TicketID = &req.Ticket.ID
			issue.TicketProtocol = model.StringPtr(req.Ticket.Protocol)
		}
		issue.UpdatedAt = now

		if err := l.issues.Update(ctx, issue); err != nil {
			return err
		}

		after := takeSnapshot(issue)
		if previous.Terminal() && !req.Status.Terminal() {
			if err := l.appendHistory(ctx, issue.ID, model.IssueActionReopened, before, after, req.Actor, req.Note); err != nil {
				return err
			}
			p.add(issue, events.TypeIssueReopened, model.IssueActionReopened, req.Actor)
		}

		action := model.IssueActionStatusChanged
		if req.Status == model.IssueStatusIgnored {
			action = model.IssueActionIgnored
		}
		note := req.Note
		if req.Status == model.IssueStatusIgnored && note == "" {
			note = strings.TrimSpace(req.Reason)
		}
		if err := l.appendHistory(ctx, issue.ID, action, before, after, req.Actor, note); err != nil {
			return err
		}
		p.add(issue, events.TypeIssueStatusChanged, action, req.Actor)
		result = issue
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.flush(ctx, result.Type, p)
	return result, nil
}

// BulkUpdateStatus は複数の課題のステータスを変更する。
// 課題ごとに独立したトランザクションで処理し、1件の失敗は他の課題に影響しない。
// actionLabelは履歴のメモの接頭辞として記録する。
func (l *Lifecycle) BulkUpdateStatus(ctx context.Context, issueIDs []string, req StatusRequest, actionLabel string) []BulkResult {
	note := req.Note
	if actionLabel != "" {
		note = strings.TrimSpace("[" + actionLabel + "] " + req.Note)
	}

	results := make([]BulkResult, 0, len(issueIDs))
	for _, id := range issueIDs {
		r := req
		r.Note = note
		issue, err := l.UpdateStatus(ctx, id, r)
		if err != nil {
			l.logger.Warn("一括ステータス変更で課題の更新に失敗しました",
				slog.String("issue_id", id),
				slog.String("error", err.Error()),
			)
			results = append(results, BulkResult{IssueID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{IssueID: id, OK: true, Issue: issue})
	}
	return results
}

// Get は課題を取得する。存在しない場合はmodel.ErrIssueNotFoundを返す。
func (l *Lifecycle) Get(ctx context.Context, issueID string) (*model.GovernanceIssue, error) {
	issue, err := l.issues.FindByID(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, model.ErrIssueNotFound
	}
	return issue, nil
}

// List は条件に一致する課題を返す。
func (l *Lifecycle) List(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error) {
	return l.issues.List(ctx, filter)
}

// History は課題の監査履歴を古い順に返す。
func (l *Lifecycle) History(ctx context.Context, issueID string) ([]*model.IssueHistory, error) {
	if _, err := l.Get(ctx, issueID); err != nil {
		return nil, err
	}
	return l.history.ListByIssue(ctx, issueID)
}

// mutate は課題IDで指定した課題をロックし、fnで読み取り・更新する。
func (l *Lifecycle) mutate(ctx context.Context, issueID string, fn func(ctx context.Context, issue *model.GovernanceIssue) error) error {
	return l.tx.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := l.issues.FindByID(ctx, issueID)
		if err != nil {
			return err
		}
		if current == nil {
			return model.ErrIssueNotFound
		}
		if err := l.issues.LockKey(ctx, current.ArticleID, current.Type); err != nil {
			return err
		}
		issue, err := l.issues.FindByIDForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if issue == nil {
			return model.ErrIssueNotFound
		}
		return fn(ctx, issue)
	})
}

func clearResolution(issue *model.GovernanceIssue) {
	issue.ResolvedAt = nil
	issue.ResolvedBy = nil
	issue.IgnoredReason = nil
}

func clearAssignment(issue *model.GovernanceIssue) {
	issue.Responsible = nil
	issue.AssignedAt = nil
	issue.AssignmentDueAt = nil
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return model.SystemActor
	}
	return actor
}
