package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/kbsync/internal/governance"
	"github.com/hitoshi/kbsync/internal/middleware"
	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
)

// --- モック定義 ---

type mockRunner struct {
	startFn   func(ctx context.Context, req orchestrator.RunRequest) (*model.SyncRun, error)
	stopFn    func() error
	runningFn func() bool
}

func (m *mockRunner) Start(ctx context.Context, req orchestrator.RunRequest) (*model.SyncRun, error) {
	return m.startFn(ctx, req)
}

func (m *mockRunner) Stop() error {
	if m.stopFn == nil {
		return model.ErrSyncNotRunning
	}
	return m.stopFn()
}

func (m *mockRunner) Running() bool {
	if m.runningFn == nil {
		return false
	}
	return m.runningFn()
}

type mockRunReader struct {
	latestFn func(ctx context.Context) (*model.SyncRun, error)
	listFn   func(ctx context.Context, limit int) ([]*model.SyncRun, error)
}

func (m *mockRunReader) FindLatest(ctx context.Context) (*model.SyncRun, error) {
	return m.latestFn(ctx)
}

func (m *mockRunReader) List(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return m.listFn(ctx, limit)
}

type memConfigStore struct {
	cfg     model.SyncConfig
	updated int
	getErr  error
}

func (m *memConfigStore) Get(context.Context) (*model.SyncConfig, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	c := m.cfg
	return &c, nil
}

func (m *memConfigStore) Update(_ context.Context, cfg *model.SyncConfig) error {
	m.cfg = *cfg
	m.updated++
	return nil
}

type mockArticleSyncer struct {
	syncFn func(ctx context.Context, id string) (*mirror.SyncResult, error)
}

func (m *mockArticleSyncer) Sync(ctx context.Context, id string) (*mirror.SyncResult, error) {
	return m.syncFn(ctx, id)
}

type mockIssueService struct {
	getFn     func(ctx context.Context, id string) (*model.GovernanceIssue, error)
	listFn    func(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error)
	historyFn func(ctx context.Context, id string) ([]*model.IssueHistory, error)
	assignFn  func(ctx context.Context, id string, req governance.AssignRequest) (*model.GovernanceIssue, error)
	statusFn  func(ctx context.Context, id string, req governance.StatusRequest) (*model.GovernanceIssue, error)
	bulkFn    func(ctx context.Context, ids []string, req governance.StatusRequest, label string) []governance.BulkResult
}

func (m *mockIssueService) Get(ctx context.Context, id string) (*model.GovernanceIssue, error) {
	return m.getFn(ctx, id)
}

func (m *mockIssueService) List(ctx context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error) {
	return m.listFn(ctx, filter)
}

func (m *mockIssueService) History(ctx context.Context, id string) ([]*model.IssueHistory, error) {
	return m.historyFn(ctx, id)
}

func (m *mockIssueService) Assign(ctx context.Context, id string, req governance.AssignRequest) (*model.GovernanceIssue, error) {
	return m.assignFn(ctx, id, req)
}

func (m *mockIssueService) UpdateStatus(ctx context.Context, id string, req governance.StatusRequest) (*model.GovernanceIssue, error) {
	return m.statusFn(ctx, id, req)
}

func (m *mockIssueService) BulkUpdateStatus(ctx context.Context, ids []string, req governance.StatusRequest, label string) []governance.BulkResult {
	return m.bulkFn(ctx, ids, req, label)
}

type mockDuplicateService struct {
	listFn    func(ctx context.Context) ([]model.DuplicateGroup, error)
	analyzeFn func(ctx context.Context) (int, error)
	resolveFn func(ctx context.Context, hash string, req governance.ResolveRequest) (*governance.ResolveResult, error)
}

func (m *mockDuplicateService) ListGroups(ctx context.Context) ([]model.DuplicateGroup, error) {
	return m.listFn(ctx)
}

func (m *mockDuplicateService) AnalyzeAll(ctx context.Context) (int, error) {
	return m.analyzeFn(ctx)
}

func (m *mockDuplicateService) ResolveGroup(ctx context.Context, hash string, req governance.ResolveRequest) (*governance.ResolveResult, error) {
	return m.resolveFn(ctx, hash, req)
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

// withChiURLParam はchiのURLパラメータをリクエストコンテキストに設定する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// withActor は操作者をリクエストコンテキストに設定する。
func withActor(r *http.Request, actor string) *http.Request {
	return r.WithContext(middleware.ContextWithActor(r.Context(), actor))
}

func jsonRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseAPIErrorResponse はレスポンスボディを統一エラーフォーマットとして解析する。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func intPtr(n int) *int { return &n }
