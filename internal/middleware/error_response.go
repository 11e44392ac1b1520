package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/kbsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインエラーをHTTPステータスと統一フォーマットに変換して書き込む。
// 想定外のエラーはログに記録して500を返す。
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, apiErr := classifyDomainError(err)
	if apiErr == nil {
		logger.Error("リクエストの処理に失敗しました", slog.String("error", err.Error()))
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, status, apiErr)
}

func classifyDomainError(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return http.StatusBadRequest, apiErr
	case errors.Is(err, model.ErrSyncAlreadyRunning):
		return http.StatusConflict, model.NewSyncAlreadyRunningError()
	case errors.Is(err, model.ErrSyncNotRunning):
		return http.StatusConflict, model.NewSyncNotRunningError()
	case errors.Is(err, model.ErrInvalidSyncMode):
		return http.StatusBadRequest, model.NewInvalidSyncModeError(err.Error())
	case errors.Is(err, model.ErrInvalidSyncConfig):
		return http.StatusBadRequest, model.NewInvalidSyncConfigError(err.Error())
	case errors.Is(err, model.ErrIssueNotFound):
		return http.StatusNotFound, model.NewIssueNotFoundError(err.Error())
	case errors.Is(err, model.ErrDuplicateGroupNotFound):
		return http.StatusNotFound, model.NewDuplicateGroupNotFoundError(err.Error())
	case errors.Is(err, model.ErrIgnoredReasonRequired):
		return http.StatusBadRequest, model.NewIgnoredReasonRequiredError()
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, model.NewInvalidTransitionError(err.Error())
	case errors.Is(err, model.ErrInvalidResolution):
		return http.StatusBadRequest, model.NewInvalidRequestError(err.Error())
	case errors.Is(err, model.ErrTicketingDisabled):
		return http.StatusServiceUnavailable, model.NewTicketingDisabledError()
	case errors.Is(err, model.ErrSourceNotFound):
		return http.StatusNotFound, model.NewArticleNotFoundError(err.Error())
	default:
		return http.StatusInternalServerError, nil
	}
}
