package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/kbsync/internal/mirror"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/source"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memRunRepo はSyncRunRepositoryのインメモリ実装。RUNNINGは1件のみ許可する。
type memRunRepo struct {
	mu          sync.Mutex
	runs        []*model.SyncRun
	checkpoints int
	lastSuccess *model.SyncRun
}

func (m *memRunRepo) Create(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Status == model.RunStatusRunning {
			return model.ErrSyncAlreadyRunning
		}
	}
	c := *run
	m.runs = append(m.runs, &c)
	return nil
}

func (m *memRunRepo) Checkpoint(_ context.Context, id string, counters model.SyncCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	for _, r := range m.runs {
		if r.ID == id {
			r.SyncCounters = counters
		}
	}
	return nil
}

func (m *memRunRepo) Finish(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID && r.Status == model.RunStatusRunning {
			c := *run
			m.runs[i] = &c
		}
	}
	return nil
}

func (m *memRunRepo) FindLatest(context.Context) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return nil, nil
	}
	return m.runs[len(m.runs)-1], nil
}

func (m *memRunRepo) FindLastSuccessful(context.Context) (*model.SyncRun, error) {
	return m.lastSuccess, nil
}

func (m *memRunRepo) List(context.Context, int) ([]*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.SyncRun(nil), m.runs...), nil
}

func (m *memRunRepo) FailStaleRunning(_ context.Context, before time.Time, note string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.runs {
		if r.Status == model.RunStatusRunning && r.StartedAt.Before(before) {
			r.Status = model.RunStatusFailed
			r.Note = model.StringPtr(note)
			n++
		}
	}
	return n, nil
}

func (m *memRunRepo) all() []*model.SyncRun {
	runs, _ := m.List(context.Background(), 0)
	return runs
}

// memSettings はSyncConfigRepositoryのインメモリ実装。
type memSettings struct {
	mu       sync.Mutex
	cfg      model.SyncConfig
	recorded []model.RunStatus
}

func (m *memSettings) Get(context.Context) (*model.SyncConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cfg
	return &c, nil
}

func (m *memSettings) Update(_ context.Context, cfg *model.SyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = *cfg
	return nil
}

func (m *memSettings) RecordRun(_ context.Context, status model.RunStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, status)
	m.cfg.LastRunAt = &at
	m.cfg.LastRunStatus = &status
	return nil
}

// mockMirror はArticleSyncerのモック。
type mockMirror struct {
	mu     sync.Mutex
	synced []string
	SyncFn func(ctx context.Context, id string) (*mirror.SyncResult, error)
}

func (m *mockMirror) Sync(ctx context.Context, id string) (*mirror.SyncResult, error) {
	m.mu.Lock()
	m.synced = append(m.synced, id)
	m.mu.Unlock()
	if m.SyncFn != nil {
		return m.SyncFn(ctx, id)
	}
	return &mirror.SyncResult{ArticleID: id, Outcome: mirror.OutcomeUpdated}, nil
}

func (m *mockMirror) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.synced...)
}

// pagedCatalog はページごとの記事IDを返すCatalog。
// clampがtrueの場合は範囲外のページに最終ページを返す。
type pagedCatalog struct {
	mu    sync.Mutex
	pages [][]string
	total int
	clamp bool
	calls []int
	err   error
}

func (c *pagedCatalog) SearchArticles(_ context.Context, page, _ int) (*source.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, page)
	if c.err != nil {
		return nil, c.err
	}
	result := &source.SearchResult{TotalSize: c.total}
	idx := page - 1
	if c.clamp && idx >= len(c.pages) {
		idx = len(c.pages) - 1
	}
	if idx < len(c.pages) {
		for _, id := range c.pages[idx] {
			result.Items = append(result.Items, model.SourceSummary{ID: id})
		}
	}
	return result, nil
}

// staticFeed はページごとのサマリーを返すSummaryFeed。
type staticFeed struct {
	pages [][]model.SourceSummary
}

func (f *staticFeed) ListSummaries(_ context.Context, page int) ([]model.SourceSummary, error) {
	if page-1 < len(f.pages) {
		return f.pages[page-1], nil
	}
	return nil, nil
}

// memCandidates はCandidateSourceのインメモリ実装。
type memCandidates struct {
	articles map[string]*model.Article
	updated  []string
	since    time.Time
}

func (m *memCandidates) FindByID(_ context.Context, id string) (*model.Article, error) {
	return m.articles[id], nil
}

func (m *memCandidates) ListIDsUpdatedSince(_ context.Context, since time.Time) ([]string, error) {
	m.since = since
	return m.updated, nil
}

// mockSweeper はMissingSweeperのモック。
type mockSweeper struct {
	calls  int
	marked int64
	err    error
}

func (m *mockSweeper) Run(context.Context, time.Time) (int64, error) {
	m.calls++
	return m.marked, m.err
}

var errBoom = errors.New("boom")
