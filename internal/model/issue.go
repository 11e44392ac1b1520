package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IssueType はガバナンス課題の種別を表す。
type IssueType string

const (
	IssueTypeDuplicateContent    IssueType = "DUPLICATE_CONTENT"
	IssueTypeIncompleteContent   IssueType = "INCOMPLETE_CONTENT"
	IssueTypeInconsistentContent IssueType = "INCONSISTENT_CONTENT"
	IssueTypeOutdatedContent     IssueType = "OUTDATED_CONTENT"
	IssueTypeReviewRequired      IssueType = "REVIEW_REQUIRED"
	IssueTypeNotAIReady          IssueType = "NOT_AI_READY"
)

// Valid は既知の課題種別かどうかを返す。
func (t IssueType) Valid() bool {
	switch t {
	case IssueTypeDuplicateContent, IssueTypeIncompleteContent, IssueTypeInconsistentContent,
		IssueTypeOutdatedContent, IssueTypeReviewRequired, IssueTypeNotAIReady:
		return true
	}
	return false
}

// Severity は課題の重要度を表す。
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Valid は既知の重要度かどうかを返す。
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarn || s == SeverityError
}

// IssueStatus は課題のライフサイクル上の状態を表す。
type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "OPEN"
	IssueStatusAssigned   IssueStatus = "ASSIGNED"
	IssueStatusInProgress IssueStatus = "IN_PROGRESS"
	IssueStatusResolved   IssueStatus = "RESOLVED"
	IssueStatusIgnored    IssueStatus = "IGNORED"
)

// ParseIssueStatus は文字列を課題ステータスに変換する。
func ParseIssueStatus(s string) (IssueStatus, error) {
	status := IssueStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case IssueStatusOpen, IssueStatusAssigned, IssueStatusInProgress, IssueStatusResolved, IssueStatusIgnored:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// Terminal はRESOLVEDまたはIGNOREDかどうかを返す。
func (s IssueStatus) Terminal() bool {
	return s == IssueStatusResolved || s == IssueStatusIgnored
}

// Evidence は課題の根拠データ。JSONBとして保存する。
type Evidence map[string]any

// Value はdriver.Valuerを実装する。
func (e Evidence) Value() (driver.Value, error) {
	if e == nil {
		return "{}", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("evidenceのエンコードに失敗しました: %w", err)
	}
	return string(b), nil
}

// Scan はsql.Scannerを実装する。
func (e *Evidence) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*e = Evidence{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported evidence type: %T", src)
	}
	out := Evidence{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("evidenceのデコードに失敗しました: %w", err)
	}
	*e = out
	return nil
}

// GovernanceIssue は記事1件・課題種別1つに紐づくコンテンツ品質課題。
// (ArticleID, Type) ごとに1行のみ保持し、再発時は行を追加せず状態を戻す。
type GovernanceIssue struct {
	ID        string      `db:"id"`
	ArticleID string      `db:"article_id"`
	Type      IssueType   `db:"issue_type"`
	Severity  Severity    `db:"severity"`
	Status    IssueStatus `db:"status"`
	Message   string      `db:"message"`
	Evidence  Evidence    `db:"evidence"`

	SlaDueAt *time.Time `db:"sla_due_at"`

	Responsible     *string    `db:"responsible"`
	AssignedAt      *time.Time `db:"assigned_at"`
	AssignmentDueAt *time.Time `db:"assignment_due_at"`
	TicketID        *string    `db:"ticket_id"`
	TicketProtocol  *string    `db:"ticket_protocol"`

	ResolvedAt    *time.Time `db:"resolved_at"`
	ResolvedBy    *string    `db:"resolved_by"`
	IgnoredReason *string    `db:"ignored_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Validate は永続化前に課題の不変条件を検証する。
// IGNOREDの課題には空でない無視理由が必須。
func (i *GovernanceIssue) Validate() error {
	if i.ArticleID == "" {
		return fmt.Errorf("article_id is required")
	}
	if !i.Type.Valid() {
		return fmt.Errorf("unknown issue type: %q", i.Type)
	}
	if !i.Severity.Valid() {
		return fmt.Errorf("unknown severity: %q", i.Severity)
	}
	if i.Status == IssueStatusIgnored && strings.TrimSpace(StringValue(i.IgnoredReason)) == "" {
		return ErrIgnoredReasonRequired
	}
	if i.SlaDueAt == nil {
		return fmt.Errorf("sla_due_at is required once severity is known")
	}
	return nil
}

// IssueAction は課題履歴のアクション種別。
type IssueAction string

const (
	IssueActionCreated       IssueAction = "CREATED"
	IssueActionAssigned      IssueAction = "ASSIGNED"
	IssueActionUnassigned    IssueAction = "UNASSIGNED"
	IssueActionStatusChanged IssueAction = "STATUS_CHANGED"
	IssueActionReopened      IssueAction = "REOPENED"
	IssueActionIgnored       IssueAction = "IGNORED"
)

// IssueHistory は課題の監査証跡1件。追記のみで更新・削除はしない。
type IssueHistory struct {
	ID        string          `db:"id"`
	IssueID   string          `db:"issue_id"`
	Action    IssueAction     `db:"action"`
	OldValue  json.RawMessage `db:"old_value"`
	NewValue  json.RawMessage `db:"new_value"`
	Actor     string          `db:"actor"`
	Note      *string         `db:"note"`
	CreatedAt time.Time       `db:"created_at"`
}

// IssueFilter は課題一覧の絞り込み条件。
type IssueFilter struct {
	ArticleID string
	Type      IssueType
	Status    IssueStatus
	Limit     int
	Offset    int
}

// SystemActor はシステム自身による操作の実行者名。
const SystemActor = "system"
