package governance

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/kbsync/internal/events"
	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/ticketing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeTx はトランザクションを張らずにfnを実行する。
type fakeTx struct {
	calls int
}

func (f *fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

// memIssueRepo はIssueRepositoryのインメモリ実装。
type memIssueRepo struct {
	mu        sync.Mutex
	byID      map[string]*model.GovernanceIssue
	locks     []string
	updateErr map[string]error
}

func newMemIssueRepo() *memIssueRepo {
	return &memIssueRepo{byID: map[string]*model.GovernanceIssue{}, updateErr: map[string]error{}}
}

func cloneIssue(i *model.GovernanceIssue) *model.GovernanceIssue {
	c := *i
	return &c
}

func (m *memIssueRepo) LockKey(_ context.Context, articleID string, issueType model.IssueType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, articleID+"|"+string(issueType))
	return nil
}

func (m *memIssueRepo) FindByID(_ context.Context, id string) (*model.GovernanceIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byID[id]; ok {
		return cloneIssue(i), nil
	}
	return nil, nil
}

func (m *memIssueRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.GovernanceIssue, error) {
	return m.FindByID(ctx, id)
}

func (m *memIssueRepo) FindByArticleAndType(_ context.Context, articleID string, issueType model.IssueType) (*model.GovernanceIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.byID {
		if i.ArticleID == articleID && i.Type == issueType {
			return cloneIssue(i), nil
		}
	}
	return nil, nil
}

func (m *memIssueRepo) Create(_ context.Context, issue *model.GovernanceIssue) error {
	if err := issue.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[issue.ID] = cloneIssue(issue)
	return nil
}

func (m *memIssueRepo) Update(_ context.Context, issue *model.GovernanceIssue) error {
	if err := m.updateErr[issue.ID]; err != nil {
		return err
	}
	if err := issue.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[issue.ID] = cloneIssue(issue)
	return nil
}

func (m *memIssueRepo) List(_ context.Context, filter model.IssueFilter) ([]*model.GovernanceIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.GovernanceIssue
	for _, i := range m.byID {
		if filter.ArticleID != "" && i.ArticleID != filter.ArticleID {
			continue
		}
		if filter.Type != "" && i.Type != filter.Type {
			continue
		}
		if filter.Status != "" && i.Status != filter.Status {
			continue
		}
		out = append(out, cloneIssue(i))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ArticleID < out[b].ArticleID })
	return out, nil
}

func (m *memIssueRepo) all() []*model.GovernanceIssue {
	out, _ := m.List(context.Background(), model.IssueFilter{})
	return out
}

// memHistoryRepo はIssueHistoryRepositoryのインメモリ実装。
type memHistoryRepo struct {
	mu      sync.Mutex
	entries []*model.IssueHistory
}

func (m *memHistoryRepo) Append(_ context.Context, entry *model.IssueHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memHistoryRepo) ListByIssue(_ context.Context, issueID string) ([]*model.IssueHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.IssueHistory
	for _, e := range m.entries {
		if e.IssueID == issueID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memHistoryRepo) actions(issueID string) []model.IssueAction {
	entries, _ := m.ListByIssue(context.Background(), issueID)
	out := make([]model.IssueAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// mockTickets はTicketCreatorのモック。
type mockTickets struct {
	enabled  bool
	requests []ticketing.TicketRequest
	err      error
}

func (m *mockTickets) Enabled() bool { return m.enabled }

func (m *mockTickets) CreateTicket(_ context.Context, req ticketing.TicketRequest) (*ticketing.Ticket, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.requests = append(m.requests, req)
	return &ticketing.Ticket{ID: "T-1", Protocol: "2024-0001"}, nil
}

// clock はテスト用の固定時計。
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

type lifecycleFixture struct {
	lifecycle *Lifecycle
	issues    *memIssueRepo
	history   *memHistoryRepo
	recorder  *events.Recorder
	tickets   *mockTickets
	clock     *clock
	logs      *bytes.Buffer
}

func newLifecycleFixture() *lifecycleFixture {
	f := &lifecycleFixture{
		issues:   newMemIssueRepo(),
		history:  &memHistoryRepo{},
		recorder: &events.Recorder{},
		tickets:  &mockTickets{enabled: true},
		clock:    &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		logs:     &bytes.Buffer{},
	}
	f.lifecycle = NewLifecycle(&fakeTx{}, f.issues, f.history, NewSLA(time.UTC), f.tickets, f.recorder, nil, newTestLogger(f.logs))
	f.lifecycle.now = f.clock.Now
	return f
}

// memArticles はDuplicateSource/StaleSourceのインメモリ実装。
type memArticles struct {
	byHash  map[string][]string
	missing map[string]bool
	stale   []*model.Article
}

func (m *memArticles) ListDuplicateGroups(_ context.Context) ([]model.DuplicateGroup, error) {
	var groups []model.DuplicateGroup
	hashes := make([]string, 0, len(m.byHash))
	for h := range m.byHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		ids, _ := m.ListIDsByHash(context.Background(), h)
		if len(ids) > 1 {
			groups = append(groups, model.DuplicateGroup{Hash: h, ArticleIDs: ids})
		}
	}
	return groups, nil
}

func (m *memArticles) ListIDsByHash(_ context.Context, hash string) ([]string, error) {
	var ids []string
	for _, id := range m.byHash[hash] {
		if !m.missing[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memArticles) ListNotUpdatedSince(_ context.Context, before time.Time, afterID string, limit int) ([]*model.Article, error) {
	var out []*model.Article
	for _, a := range m.stale {
		if a.ID > afterID && a.SourceUpdatedAt != nil && a.SourceUpdatedAt.Before(before) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
