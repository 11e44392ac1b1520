// Package ticketing は外部チケット管理システムとの連携を提供する。
// 課題の担当割り当てや重複グループの統合時にチケットを起票する。
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/kbsync/internal/model"
)

// Ticket は起票されたチケットの識別情報。
type Ticket struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
}

// TicketRequest はチケット起票の内容。
type TicketRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Assignee    string         `json:"assignee,omitempty"`
	ArticleIDs  []string       `json:"article_ids"`
	IssueIDs    []string       `json:"issue_ids"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Client はチケット管理システムのAPIクライアント。
// ベースURLが未設定の場合は起票時にmodel.ErrTicketingDisabledを返す。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL, apiToken string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		logger:     logger,
	}
}

// Enabled は連携先が設定されているかどうかを返す。
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// CreateTicket はチケットを起票する。
func (c *Client) CreateTicket(ctx context.Context, payload TicketRequest) (*Ticket, error) {
	if !c.Enabled() {
		return nil, model.ErrTicketingDisabled
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("チケット内容のエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "kbsync/1.0")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("チケット管理APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Error("チケット管理APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("チケット管理APIがステータス %d を返しました", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var ticket Ticket
	if err := json.Unmarshal(respBody, &ticket); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if ticket.ID == "" {
		return nil, fmt.Errorf("チケットIDがレスポンスに含まれていません")
	}

	c.logger.Info("チケットを起票しました",
		slog.String("ticket_id", ticket.ID),
		slog.String("protocol", ticket.Protocol),
	)
	return &ticket, nil
}
