package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/kbsync/internal/model"
)

// revisionExtension は変更フィード内でリビジョン番号を運ぶ拡張要素の名前空間と要素名。
const (
	revisionNamespace = "kb"
	revisionElement   = "revision"
)

// ChangesFeed はソースが公開する「最近の変更」RSS/Atomフィードを読み取る。
// 1ページのみを提供し、2ページ目以降は常に空を返す。
type ChangesFeed struct {
	httpClient *http.Client
	feedURL    string
	logger     *slog.Logger
}

// NewChangesFeed はChangesFeedを生成する。
func NewChangesFeed(httpClient *http.Client, feedURL string, logger *slog.Logger) *ChangesFeed {
	return &ChangesFeed{
		httpClient: httpClient,
		feedURL:    feedURL,
		logger:     logger.With(slog.String("component", "changes_feed")),
	}
}

// ListSummaries はフィードのエントリをサマリーとして返す。pageは1始まり。
func (f *ChangesFeed) ListSummaries(ctx context.Context, page int) ([]model.SourceSummary, error) {
	if page > 1 {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("変更フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("変更フィードがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	parser := gofeed.NewParser()
	parsed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("変更フィードのパースに失敗しました: %w", err)
	}

	summaries := make([]model.SourceSummary, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		s, ok := summaryFromItem(item)
		if !ok {
			f.logger.Warn("IDを特定できないエントリをスキップしました",
				slog.String("title", item.Title),
			)
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func summaryFromItem(item *gofeed.Item) (model.SourceSummary, bool) {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return model.SourceSummary{}, false
	}

	s := model.SourceSummary{
		ID:    id,
		Title: item.Title,
	}

	switch {
	case item.UpdatedParsed != nil:
		s.UpdatedAt = item.UpdatedParsed.UTC().Format(time.RFC3339)
	case item.PublishedParsed != nil:
		s.UpdatedAt = item.PublishedParsed.UTC().Format(time.RFC3339)
	}

	if len(item.Categories) > 0 {
		s.MenuRef = item.Categories[0]
	}

	if ns, ok := item.Extensions[revisionNamespace]; ok {
		if exts := ns[revisionElement]; len(exts) > 0 {
			s.Revision = exts[0].Value
		}
	}
	return s, true
}
