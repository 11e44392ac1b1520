package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/kbsync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, serverURL string, maxAttempts int) *Client {
	t.Helper()
	var buf bytes.Buffer
	return NewClient(&http.Client{Timeout: 5 * time.Second}, Config{
		BaseURL:        serverURL,
		APIToken:       "secret",
		PageSize:       2,
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, newTestLogger(&buf))
}

func TestClient_FetchArticle_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/articles/42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want Bearer secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"article":{"id":42,"title":"Hello","revision":7,"updated_at":"2024-01-02T03:04:05","section_id":"menu-1","body":"<p>Hi</p>","text":"Hi"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 1)
	article, err := client.FetchArticle(context.Background(), "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if article.ID != "42" {
		t.Errorf("ID = %q, want 42", article.ID)
	}
	if article.Revision != "7" {
		t.Errorf("Revision = %q, want 7", article.Revision)
	}
	if article.MenuRef != "menu-1" {
		t.Errorf("MenuRef = %q, want menu-1", article.MenuRef)
	}
	if article.ContentHTML != "<p>Hi</p>" || article.ContentText != "Hi" {
		t.Errorf("unexpected content: %q / %q", article.ContentHTML, article.ContentText)
	}
}

func TestClient_FetchArticle_UnwrappedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"abc","title":"Plain","revision":"3"}`)
	}))
	defer server.Close()

	article, err := newTestClient(t, server.URL, 1).FetchArticle(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if article.Title != "Plain" || article.Revision != "3" {
		t.Errorf("unexpected article: %+v", article)
	}
}

func TestClient_FetchArticle_NotFound(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 3).FetchArticle(context.Background(), "missing")
	if !errors.Is(err, model.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should be true")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("404 should not be retried, calls = %d", got)
	}
}

func TestClient_FetchArticle_RetriesOn5xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"1","title":"ok"}`)
	}))
	defer server.Close()

	article, err := newTestClient(t, server.URL, 3).FetchArticle(context.Background(), "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if article.Title != "ok" {
		t.Errorf("Title = %q, want ok", article.Title)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_FetchArticle_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 2).FetchArticle(context.Background(), "1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, model.ErrSourceNotFound) {
		t.Error("transient failure must not be reported as not found")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestClient_FetchArticle_FatalStatusNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL, 3).FetchArticle(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestClient_SearchArticles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("per_page") != "2" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"articles":[{"id":1,"revision":"5"},{"id":2,"updated_at":"2024-05-01T10:00:00Z"}],"count":4}`)
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL, 1).SearchArticles(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalSize != 4 {
		t.Errorf("TotalSize = %d, want 4", result.TotalSize)
	}
	if len(result.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(result.Items))
	}
	if result.Items[0].ID != "1" || result.Items[0].Revision != "5" {
		t.Errorf("unexpected first item: %+v", result.Items[0])
	}
	if result.Items[1].UpdatedAt != "2024-05-01T10:00:00Z" {
		t.Errorf("unexpected second item: %+v", result.Items[1])
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   StatusClass
	}{
		{200, StatusOK},
		{204, StatusOK},
		{404, StatusNotFound},
		{410, StatusNotFound},
		{408, StatusRetryable},
		{429, StatusRetryable},
		{500, StatusRetryable},
		{503, StatusRetryable},
		{400, StatusFatal},
		{401, StatusFatal},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseRevision(t *testing.T) {
	if n, ok := ParseRevision("12"); !ok || n != 12 {
		t.Errorf("ParseRevision(12) = %d, %v", n, ok)
	}
	if n, ok := ParseRevision(" 6\n"); !ok || n != 6 {
		t.Errorf("ParseRevision(padded) = %d, %v", n, ok)
	}
	if _, ok := ParseRevision("v12"); ok {
		t.Error("non-numeric revision should not parse")
	}
	if _, ok := ParseRevision(""); ok {
		t.Error("empty revision should not parse")
	}
}

func TestClient_OnStatusObservesEveryAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"1","title":"t"}`)
	}))
	defer server.Close()

	var statuses []int
	var buf bytes.Buffer
	client := NewClient(server.Client(), Config{
		BaseURL:        server.URL,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		OnStatus:       func(code int) { statuses = append(statuses, code) },
	}, newTestLogger(&buf))

	if _, err := client.FetchArticle(context.Background(), "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != http.StatusServiceUnavailable || statuses[1] != http.StatusOK {
		t.Errorf("statuses = %v, want [503 200]", statuses)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"2024-01-02T03:04:05-03:00", time.Date(2024, 1, 2, 6, 4, 5, 0, time.UTC), true},
		{"2024-01-02T03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"2024-01-02T03:04:05.250", time.Date(2024, 1, 2, 3, 4, 5, 250000000, time.UTC), true},
		{"2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
