package model

import (
	"errors"
	"fmt"
)

// ドメイン層で判定に使う番兵エラー。
var (
	ErrInvalidSyncMode        = errors.New("invalid sync mode")
	ErrInvalidSyncConfig      = errors.New("invalid sync config")
	ErrSyncAlreadyRunning     = errors.New("sync already running")
	ErrSyncNotRunning         = errors.New("no sync running")
	ErrIssueNotFound          = errors.New("governance issue not found")
	ErrIgnoredReasonRequired  = errors.New("ignored reason is required")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrSourceNotFound         = errors.New("article not found in source")
	ErrTicketingDisabled      = errors.New("ticketing integration is not configured")
	ErrInvalidResolution      = errors.New("invalid duplicate resolution")
	ErrDuplicateGroupNotFound = errors.New("duplicate group not found")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, sync, governance, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSyncAlreadyRunning = "SYNC_ALREADY_RUNNING"
	ErrCodeSyncNotRunning     = "SYNC_NOT_RUNNING"
	ErrCodeInvalidSyncMode    = "INVALID_SYNC_MODE"
	ErrCodeInvalidSyncConfig  = "INVALID_SYNC_CONFIG"
	ErrCodeIssueNotFound      = "ISSUE_NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeReasonRequired     = "IGNORED_REASON_REQUIRED"
	ErrCodeTicketingDisabled  = "TICKETING_DISABLED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeArticleNotFound    = "ARTICLE_NOT_FOUND"
	ErrCodeGroupNotFound      = "DUPLICATE_GROUP_NOT_FOUND"
)

// NewSyncAlreadyRunningError は同期実行中の競合エラーを生成する。
func NewSyncAlreadyRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  "別の同期が実行中です。",
		Category: "sync",
		Action:   "実行中の同期が完了してから再度お試しください。",
	}
}

// NewSyncNotRunningError は停止対象の同期が存在しない場合のエラーを生成する。
func NewSyncNotRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncNotRunning,
		Message:  "実行中の同期はありません。",
		Category: "sync",
		Action:   "同期の状態を確認してください。",
	}
}

// NewInvalidSyncModeError は無効な同期モードエラーを生成する。
func NewInvalidSyncModeError(mode string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSyncMode,
		Message:  fmt.Sprintf("無効な同期モードです: %s", mode),
		Category: "validation",
		Action:   "FULL、DELTA_WINDOW、DELTA_SURGICAL のいずれかを指定してください。",
	}
}

// NewInvalidSyncConfigError は同期設定の検証エラーを生成する。
func NewInvalidSyncConfigError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSyncConfig,
		Message:  fmt.Sprintf("同期設定が不正です: %s", reason),
		Category: "validation",
		Action:   "実行間隔は1分以上、遡及日数は1日以上を指定してください。",
	}
}

// NewIssueNotFoundError は課題未検出エラーを生成する。
func NewIssueNotFoundError(issueID string) *APIError {
	return &APIError{
		Code:     ErrCodeIssueNotFound,
		Message:  fmt.Sprintf("指定された課題が見つかりません: %s", issueID),
		Category: "governance",
		Action:   "課題IDを確認してください。",
	}
}

// NewInvalidTransitionError は許可されない状態遷移のエラーを生成する。
func NewInvalidTransitionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("この操作は現在の状態では実行できません: %s", reason),
		Category: "governance",
		Action:   "課題の現在の状態を確認してください。",
	}
}

// NewIgnoredReasonRequiredError は無視理由未入力エラーを生成する。
func NewIgnoredReasonRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeReasonRequired,
		Message:  "課題を無視するには理由の入力が必要です。",
		Category: "validation",
		Action:   "無視する理由を入力してください。",
	}
}

// NewTicketingDisabledError はチケット連携が無効な場合のエラーを生成する。
func NewTicketingDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeTicketingDisabled,
		Message:  "チケット連携が設定されていません。",
		Category: "system",
		Action:   "管理者にTICKETING_BASE_URLの設定を依頼してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewArticleNotFoundError は記事未検出エラーを生成する。
func NewArticleNotFoundError(articleID string) *APIError {
	return &APIError{
		Code:     ErrCodeArticleNotFound,
		Message:  fmt.Sprintf("指定された記事がソースに存在しません: %s", articleID),
		Category: "sync",
		Action:   "記事IDを確認してください。",
	}
}

// NewDuplicateGroupNotFoundError は重複グループ未検出エラーを生成する。
func NewDuplicateGroupNotFoundError(hash string) *APIError {
	return &APIError{
		Code:     ErrCodeGroupNotFound,
		Message:  fmt.Sprintf("指定されたハッシュの重複グループが見つかりません: %s", hash),
		Category: "governance",
		Action:   "重複グループ一覧を再取得してください。",
	}
}
