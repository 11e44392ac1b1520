// Package events はガバナンス課題と同期実行のドメインイベントを外部へ配信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// イベント種別。RabbitMQではルーティングキーとして使う。
const (
	TypeIssueOpened        = "issue.opened"
	TypeIssueReopened      = "issue.reopened"
	TypeIssueAssigned      = "issue.assigned"
	TypeIssueUnassigned    = "issue.unassigned"
	TypeIssueStatusChanged = "issue.status_changed"
	TypeSyncRunFinished    = "sync.run_finished"
)

// Event は配信されるドメインイベント。
type Event struct {
	Type       string            `json:"type"`
	IssueID    string            `json:"issue_id,omitempty"`
	ArticleID  string            `json:"article_id,omitempty"`
	IssueType  string            `json:"issue_type,omitempty"`
	Status     string            `json:"status,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher はイベントの配信先。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher はイベントを破棄するPublisher。RABBITMQ_URL未設定時に使う。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

var _ Publisher = NopPublisher{}

// Config はRabbitMQの接続設定。
type Config struct {
	URL      string
	Exchange string
}

// RabbitMQ はtopic exchangeにイベントを配信するPublisher。
type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

var _ Publisher = (*RabbitMQ)(nil)

// NewRabbitMQ はRabbitMQに接続し、exchangeを宣言する。
func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq", slog.String("exchange", cfg.Exchange))

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// Publish はイベントをJSONで配信する。
func (r *RabbitMQ) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    event.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	r.logger.Debug("published event",
		slog.String("type", event.Type),
		slog.String("issue_id", event.IssueID),
	)
	return nil
}

// Close はチャネルと接続を閉じる。
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Recorder は配信されたイベントをメモリに保持するPublisher。テストで使う。
type Recorder struct {
	Events []Event
}

// Publish はイベントを記録する。
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.Events = append(r.Events, event)
	return nil
}

// Types は記録されたイベント種別を順に返す。
func (r *Recorder) Types() []string {
	types := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		types = append(types, e.Type)
	}
	return types
}
