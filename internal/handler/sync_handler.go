package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/kbsync/internal/middleware"
	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
)

const (
	defaultRunListLimit = 20
	maxRunListLimit     = 200
)

// SyncRunner は同期の起動と中断を行う。
type SyncRunner interface {
	Start(ctx context.Context, req orchestrator.RunRequest) (*model.SyncRun, error)
	Stop() error
	Running() bool
}

// SyncRunReader は同期実行履歴を参照する。
type SyncRunReader interface {
	FindLatest(ctx context.Context) (*model.SyncRun, error)
	List(ctx context.Context, limit int) ([]*model.SyncRun, error)
}

// SyncConfigStore は同期設定を参照・更新する。
type SyncConfigStore interface {
	Get(ctx context.Context) (*model.SyncConfig, error)
	Update(ctx context.Context, cfg *model.SyncConfig) error
}

// ArticleSyncer は記事1件を再同期する。
type ArticleSyncer interface {
	Sync(ctx context.Context, id string) (*mirror.SyncResult, error)
}

// SyncHandler は同期の起動・状態参照・設定のHTTPハンドラー。
type SyncHandler struct {
	runner   SyncRunner
	runs     SyncRunReader
	settings SyncConfigStore
	articles ArticleSyncer
	logger   *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(runner SyncRunner, runs SyncRunReader, settings SyncConfigStore, articles ArticleSyncer, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		runner:   runner,
		runs:     runs,
		settings: settings,
		articles: articles,
		logger:   logger,
	}
}

// startRunRequest は同期起動リクエストのボディ。
// modeを省略した場合は同期設定の既定モードと既定日数を使う。
type startRunRequest struct {
	Mode     string `json:"mode"`
	DaysBack *int   `json:"days_back"`
}

// updateConfigRequest は同期設定更新リクエストのボディ。
type updateConfigRequest struct {
	Enabled         *bool   `json:"enabled"`
	DefaultMode     *string `json:"default_mode"`
	IntervalMinutes *int    `json:"interval_minutes"`
	DefaultDaysBack *int    `json:"default_days_back"`
	ClearDaysBack   bool    `json:"clear_days_back"`
}

// StartRun は同期をバックグラウンドで開始する。
// POST /api/sync/runs
func (h *SyncHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	runReq := orchestrator.RunRequest{DaysBack: req.DaysBack, Trigger: model.SyncTriggerManual}
	if strings.TrimSpace(req.Mode) == "" {
		cfg, err := h.settings.Get(r.Context())
		if err != nil {
			middleware.WriteDomainError(w, h.logger, err)
			return
		}
		runReq.Mode = cfg.DefaultMode
		if runReq.DaysBack == nil {
			runReq.DaysBack = cfg.DefaultDaysBack
		}
	} else {
		mode, err := model.ParseSyncMode(req.Mode)
		if err != nil {
			middleware.WriteDomainError(w, h.logger, err)
			return
		}
		runReq.Mode = mode
	}

	run, err := h.runner.Start(r.Context(), runReq)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	h.logger.Info("同期を手動で開始しました",
		slog.String("run_id", run.ID),
		slog.String("mode", string(run.Mode)),
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

// StopRun は実行中の同期に中断を要求する。
// POST /api/sync/stop
func (h *SyncHandler) StopRun(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Stop(); err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("同期の中断を受け付けました",
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// LatestRun は最新の同期実行を返す。実行履歴がない場合は204を返す。
// GET /api/sync/runs/latest
func (h *SyncHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.FindLatest(r.Context())
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// ListRuns は同期実行履歴を新しい順に返す。
// GET /api/sync/runs?limit=
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunListLimit, maxRunListLimit)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConfig は同期設定と実行中かどうかを返す。
// GET /api/sync/config
func (h *SyncHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.Get(r.Context())
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(cfg, h.runner.Running()))
}

// UpdateConfig は同期設定を部分更新する。
// PUT /api/sync/config
func (h *SyncHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := h.settings.Get(r.Context())
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.DefaultMode != nil {
		mode, err := model.ParseSyncMode(*req.DefaultMode)
		if err != nil {
			middleware.WriteDomainError(w, h.logger, err)
			return
		}
		cfg.DefaultMode = mode
	}
	if req.IntervalMinutes != nil {
		cfg.IntervalMinutes = *req.IntervalMinutes
	}
	if req.ClearDaysBack {
		cfg.DefaultDaysBack = nil
	} else if req.DefaultDaysBack != nil {
		cfg.DefaultDaysBack = req.DefaultDaysBack
	}

	if err := cfg.Validate(); err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}
	if err := h.settings.Update(r.Context(), cfg); err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	h.logger.Info("同期設定を更新しました",
		slog.Bool("enabled", cfg.Enabled),
		slog.String("default_mode", string(cfg.DefaultMode)),
		slog.Int("interval_minutes", cfg.IntervalMinutes),
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, toConfigResponse(cfg, h.runner.Running()))
}

// SyncArticle は記事1件を即時に再同期する。
// ソースに存在しない記事もNOT_FOUNDの結果として200で返す。
// POST /api/articles/{id}/sync
func (h *SyncHandler) SyncArticle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		middleware.WriteDomainError(w, h.logger, model.NewInvalidRequestError("記事IDが指定されていません"))
		return
	}

	result, err := h.articles.Sync(r.Context(), id)
	if err != nil {
		middleware.WriteDomainError(w, h.logger, err)
		return
	}

	h.logger.Info("記事を再同期しました",
		slog.String("article_id", id),
		slog.String("outcome", string(result.Outcome)),
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, toArticleSyncResponse(result))
}
