package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
)

func newTestSyncHandler(runner *mockRunner, runs *mockRunReader, settings *memConfigStore, articles *mockArticleSyncer) *SyncHandler {
	if runner == nil {
		runner = &mockRunner{}
	}
	if settings == nil {
		settings = &memConfigStore{cfg: model.DefaultSyncConfig()}
	}
	return NewSyncHandler(runner, runs, settings, articles, newTestLogger(&bytes.Buffer{}))
}

func runningRun(mode model.SyncMode) *model.SyncRun {
	return &model.SyncRun{
		ID:        "run-1",
		Mode:      mode,
		Trigger:   model.SyncTriggerManual,
		Status:    model.RunStatusRunning,
		StartedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestSyncHandler_StartRun_Accepted(t *testing.T) {
	var got orchestrator.RunRequest
	runner := &mockRunner{
		startFn: func(_ context.Context, req orchestrator.RunRequest) (*model.SyncRun, error) {
			got = req
			return runningRun(req.Mode), nil
		},
	}
	h := newTestSyncHandler(runner, nil, nil, nil)

	w := httptest.NewRecorder()
	h.StartRun(w, withActor(jsonRequest(http.MethodPost, "/api/sync/runs", `{"mode":"delta-window","days_back":3}`), "ops"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if got.Mode != model.SyncModeDeltaWindow || got.DaysBack == nil || *got.DaysBack != 3 {
		t.Errorf("request = %+v", got)
	}
	if got.Trigger != model.SyncTriggerManual {
		t.Errorf("trigger = %q, want MANUAL", got.Trigger)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "run-1" || body["status"] != "RUNNING" || body["mode"] != "DELTA_WINDOW" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["processed"]; !ok {
		t.Errorf("件数がレスポンスに含まれていない: %v", body)
	}
}

func TestSyncHandler_StartRun_DefaultsFromConfig(t *testing.T) {
	var got orchestrator.RunRequest
	runner := &mockRunner{
		startFn: func(_ context.Context, req orchestrator.RunRequest) (*model.SyncRun, error) {
			got = req
			return runningRun(req.Mode), nil
		},
	}
	settings := &memConfigStore{cfg: model.SyncConfig{DefaultMode: model.SyncModeFull, IntervalMinutes: 60, DefaultDaysBack: intPtr(5)}}
	h := newTestSyncHandler(runner, nil, settings, nil)

	w := httptest.NewRecorder()
	h.StartRun(w, jsonRequest(http.MethodPost, "/api/sync/runs", ""))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got.Mode != model.SyncModeFull || got.DaysBack == nil || *got.DaysBack != 5 {
		t.Errorf("request = %+v", got)
	}
}

func TestSyncHandler_StartRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		status   int
		code     string
	}{
		{"実行中", `{"mode":"FULL"}`, model.ErrSyncAlreadyRunning, http.StatusConflict, model.ErrCodeSyncAlreadyRunning},
		{"不正なモード", `{"mode":"weekly"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidSyncMode},
		{"不正な日数", `{"mode":"DELTA_WINDOW","days_back":0}`, model.ErrInvalidSyncConfig, http.StatusBadRequest, model.ErrCodeInvalidSyncConfig},
		{"不正なJSON", `{"mode":`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"未知のフィールド", `{"mode":"FULL","force":true}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			runner := &mockRunner{
				startFn: func(context.Context, orchestrator.RunRequest) (*model.SyncRun, error) {
					called = true
					return nil, tt.startErr
				},
			}
			h := newTestSyncHandler(runner, nil, nil, nil)

			w := httptest.NewRecorder()
			h.StartRun(w, jsonRequest(http.MethodPost, "/api/sync/runs", tt.body))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if tt.startErr == nil && called {
				t.Error("入力不正なのに同期が起動された")
			}
		})
	}
}

func TestSyncHandler_StopRun(t *testing.T) {
	t.Run("実行中なら202", func(t *testing.T) {
		h := newTestSyncHandler(&mockRunner{stopFn: func() error { return nil }}, nil, nil, nil)
		w := httptest.NewRecorder()
		h.StopRun(w, httptest.NewRequest(http.MethodPost, "/api/sync/stop", nil))
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
	})

	t.Run("未実行なら409", func(t *testing.T) {
		h := newTestSyncHandler(&mockRunner{}, nil, nil, nil)
		w := httptest.NewRecorder()
		h.StopRun(w, httptest.NewRequest(http.MethodPost, "/api/sync/stop", nil))
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
		if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeSyncNotRunning {
			t.Errorf("code = %q", body.Code)
		}
	})
}

func TestSyncHandler_LatestRun(t *testing.T) {
	finished := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	duration := int64(300000)
	run := &model.SyncRun{
		ID: "run-9", Mode: model.SyncModeFull, Trigger: model.SyncTriggerScheduled,
		Status: model.RunStatusSuccess, StartedAt: finished.Add(-5 * time.Minute),
		FinishedAt: &finished, DurationMs: &duration,
		SyncCounters: model.SyncCounters{Processed: 10, Synced: 8, Updated: 3, NotFound: 1, Errors: 1},
	}

	t.Run("最新の実行を返す", func(t *testing.T) {
		runs := &mockRunReader{latestFn: func(context.Context) (*model.SyncRun, error) { return run, nil }}
		h := newTestSyncHandler(nil, runs, nil, nil)

		w := httptest.NewRecorder()
		h.LatestRun(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs/latest", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body runResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ID != "run-9" || body.Trigger != "SCHEDULED" || body.Processed != 10 || body.NotFound != 1 {
			t.Errorf("body = %+v", body)
		}
		if body.DurationMs == nil || *body.DurationMs != 300000 {
			t.Errorf("duration_ms = %v", body.DurationMs)
		}
	})

	t.Run("履歴がなければ204", func(t *testing.T) {
		runs := &mockRunReader{latestFn: func(context.Context) (*model.SyncRun, error) { return nil, nil }}
		h := newTestSyncHandler(nil, runs, nil, nil)

		w := httptest.NewRecorder()
		h.LatestRun(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs/latest", nil))
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
	})

	t.Run("DBエラーは500", func(t *testing.T) {
		var logs bytes.Buffer
		runs := &mockRunReader{latestFn: func(context.Context) (*model.SyncRun, error) { return nil, errors.New("db down") }}
		h := NewSyncHandler(&mockRunner{}, runs, &memConfigStore{}, nil, newTestLogger(&logs))

		w := httptest.NewRecorder()
		h.LatestRun(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs/latest", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
		if !bytes.Contains(logs.Bytes(), []byte("db down")) {
			t.Errorf("エラーがログに記録されていない")
		}
	})
}

func TestSyncHandler_ListRuns_Limit(t *testing.T) {
	var gotLimit int
	runs := &mockRunReader{listFn: func(_ context.Context, limit int) ([]*model.SyncRun, error) {
		gotLimit = limit
		return []*model.SyncRun{runningRun(model.SyncModeFull)}, nil
	}}
	h := newTestSyncHandler(nil, runs, nil, nil)

	w := httptest.NewRecorder()
	h.ListRuns(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs?limit=5", nil))
	if w.Code != http.StatusOK || gotLimit != 5 {
		t.Fatalf("status = %d, limit = %d", w.Code, gotLimit)
	}
	var body []runResponse
	_ = json.NewDecoder(w.Body).Decode(&body)
	if len(body) != 1 {
		t.Errorf("len = %d, want 1", len(body))
	}

	w = httptest.NewRecorder()
	h.ListRuns(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs", nil))
	if gotLimit != defaultRunListLimit {
		t.Errorf("default limit = %d", gotLimit)
	}

	for _, raw := range []string{"0", "abc", "1000"} {
		w = httptest.NewRecorder()
		h.ListRuns(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs?limit="+raw, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", raw, w.Code)
		}
	}
}

func TestSyncHandler_Config(t *testing.T) {
	settings := &memConfigStore{cfg: model.DefaultSyncConfig()}
	runner := &mockRunner{runningFn: func() bool { return true }}
	h := newTestSyncHandler(runner, nil, settings, nil)

	w := httptest.NewRecorder()
	h.GetConfig(w, httptest.NewRequest(http.MethodGet, "/api/sync/config", nil))
	var got configResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.DefaultMode != "DELTA_SURGICAL" || got.IntervalMinutes != 30 || !got.Running {
		t.Errorf("config = %+v", got)
	}

	w = httptest.NewRecorder()
	h.UpdateConfig(w, jsonRequest(http.MethodPut, "/api/sync/config", `{"enabled":true,"default_mode":"full","interval_minutes":15,"default_days_back":4}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !settings.cfg.Enabled || settings.cfg.DefaultMode != model.SyncModeFull || settings.cfg.IntervalMinutes != 15 {
		t.Errorf("stored = %+v", settings.cfg)
	}
	if settings.cfg.DefaultDaysBack == nil || *settings.cfg.DefaultDaysBack != 4 {
		t.Errorf("default_days_back = %v", settings.cfg.DefaultDaysBack)
	}

	w = httptest.NewRecorder()
	h.UpdateConfig(w, jsonRequest(http.MethodPut, "/api/sync/config", `{"clear_days_back":true}`))
	if settings.cfg.DefaultDaysBack != nil {
		t.Errorf("default_days_back was not cleared")
	}
}

func TestSyncHandler_UpdateConfig_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"間隔0", `{"interval_minutes":0}`, model.ErrCodeInvalidSyncConfig},
		{"日数0", `{"default_days_back":0}`, model.ErrCodeInvalidSyncConfig},
		{"モード不正", `{"default_mode":"hourly"}`, model.ErrCodeInvalidSyncMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := &memConfigStore{cfg: model.DefaultSyncConfig()}
			h := newTestSyncHandler(nil, nil, settings, nil)

			w := httptest.NewRecorder()
			h.UpdateConfig(w, jsonRequest(http.MethodPut, "/api/sync/config", tt.body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if settings.updated != 0 {
				t.Error("不正な設定が保存された")
			}
		})
	}
}

func TestSyncHandler_SyncArticle(t *testing.T) {
	hash := "abc123"
	articles := &mockArticleSyncer{syncFn: func(_ context.Context, id string) (*mirror.SyncResult, error) {
		switch id {
		case "kb-1":
			return &mirror.SyncResult{ArticleID: id, Outcome: mirror.OutcomeUpdated, Article: &model.Article{
				ID: id, Title: "VPN設定", ContentHash: &hash,
				SyncState: model.SyncStateSynced, SyncStatus: model.SyncStatusOK,
			}}, nil
		case "kb-404":
			return &mirror.SyncResult{ArticleID: id, Outcome: mirror.OutcomeNotFound}, nil
		default:
			return nil, errors.New("unexpected")
		}
	}}
	h := newTestSyncHandler(nil, nil, nil, articles)

	w := httptest.NewRecorder()
	h.SyncArticle(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/articles/kb-1/sync", nil), "id", "kb-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body articleSyncResponse
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Outcome != "UPDATED" || body.Title != "VPN設定" || body.Hash == nil || *body.Hash != hash {
		t.Errorf("body = %+v", body)
	}

	w = httptest.NewRecorder()
	h.SyncArticle(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/articles/kb-404/sync", nil), "id", "kb-404"))
	body = articleSyncResponse{}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if w.Code != http.StatusOK || body.Outcome != "NOT_FOUND" {
		t.Errorf("status = %d, body = %+v", w.Code, body)
	}

	w = httptest.NewRecorder()
	h.SyncArticle(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/articles/%20/sync", nil), "id", " "))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty id: status = %d, want 400", w.Code)
	}
}
