// Package source はナレッジベース提供元（ソースシステム）のAPIクライアントを提供する。
// 記事の個別取得、一覧の検索、変更フィードの読み取りを含む。
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kbsync/internal/model"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	// maxResponseSize はレスポンスボディの最大サイズ（10MB）。
	maxResponseSize = 10 << 20
	userAgent       = "kbsync/1.0"
)

// Config はClientの設定。
type Config struct {
	BaseURL        string
	APIToken       string
	PageSize       int
	MaxAttempts    int
	RateLimit      int // 1秒あたりの最大リクエスト数。0以下は無制限
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnStatus はレスポンス受信ごとにHTTPステータスコードを通知する。nilの場合は通知しない。
	OnStatus func(statusCode int)
}

// SearchResult は記事一覧の1ページ分の結果。
type SearchResult struct {
	Items     []model.SourceSummary
	TotalSize int
}

// Client はソースシステムのREST APIクライアント。
// 一時的な失敗（429/5xx/通信エラー）は指数バックオフで再試行する。
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiToken       string
	pageSize       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
	onStatus       func(statusCode int)
	logger         *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	c := &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:       cfg.APIToken,
		pageSize:       cfg.PageSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		onStatus:       cfg.OnStatus,
		logger:         logger.With(slog.String("component", "source_client")),
	}
	if c.pageSize <= 0 {
		c.pageSize = 50
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return c
}

// PageSize は既定のページサイズを返す。
func (c *Client) PageSize() int {
	return c.pageSize
}

// FetchArticle は記事の完全なレコードを取得する。
// ソースに記事が存在しない場合はmodel.ErrSourceNotFoundを返す。
func (c *Client) FetchArticle(ctx context.Context, id string) (*model.SourceArticle, error) {
	endpoint := fmt.Sprintf("%s/articles/%s", c.baseURL, url.PathEscape(id))

	var payload articlePayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	article := payload.toModel()
	if article.ID == "" {
		article.ID = id
	}
	return article, nil
}

// SearchArticles は記事一覧の指定ページを取得する。pageは1始まり。
func (c *Client) SearchArticles(ctx context.Context, page, pageSize int) (*SearchResult, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	endpoint := fmt.Sprintf("%s/articles?%s", c.baseURL, q.Encode())

	var payload searchPayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	result := &SearchResult{
		Items:     make([]model.SourceSummary, 0, len(payload.Articles)),
		TotalSize: payload.Count,
	}
	for _, a := range payload.Articles {
		result.Items = append(result.Items, a.toSummary())
	}
	return result, nil
}

// ListSummaries はサマリーフィードとしてSearchArticlesを提供する。
func (c *Client) ListSummaries(ctx context.Context, page int) ([]model.SourceSummary, error) {
	result, err := c.SearchArticles(ctx, page, c.pageSize)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// getJSON はGETリクエストを再試行付きで実行し、JSONをデコードする。
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, status, err := c.doRequest(ctx, endpoint)
		if err == nil {
			switch ClassifyStatus(status) {
			case StatusOK:
				if err := json.Unmarshal(body, out); err != nil {
					return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
				}
				return nil
			case StatusNotFound:
				return model.ErrSourceNotFound
			case StatusRetryable:
				lastErr = fmt.Errorf("ソースAPIがステータス %d を返しました", status)
			default:
				return fmt.Errorf("ソースAPIがステータス %d を返しました", status)
			}
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("ソースAPIの呼び出しに失敗したため再試行します",
			slog.String("url", endpoint),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%d回の試行後も失敗しました: %w", c.maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("レート制限の待機に失敗しました: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの実行に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if c.onStatus != nil {
		c.onStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > c.maxBackoff {
			return c.maxBackoff
		}
	}
	return backoff
}

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusNotFound は記事が存在しない（404/410）。
	StatusNotFound
	// StatusRetryable は再試行で回復しうる失敗（408/429/5xx）。
	StatusRetryable
	// StatusFatal は再試行しても回復しない失敗（その他の4xx）。
	StatusFatal
)

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return StatusNotFound
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return StatusRetryable
	case statusCode >= 500:
		return StatusRetryable
	default:
		return StatusFatal
	}
}

// IsNotFound はエラーがソース上の記事不存在を表すかどうかを返す。
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrSourceNotFound)
}
