// Package events 负责把账本与任务里程碑投递到外部消息系统。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// 账本与奖励相关的事件主题。
const (
	TopicActionLogged    = "action.logged"
	TopicActionVerified  = "action.verified"
	TopicActionAnchored  = "action.anchored"
	TopicActionCompleted = "action.completed"
	TopicActionDisputed  = "action.disputed"
	TopicActionRejected  = "action.rejected"
	TopicRewardPayout    = "reward.payout"
	TopicTaskChanged     = "task.changed"
)

// Event 是一次里程碑通知。
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New 构造带唯一 ID 的事件。
func New(topic, subject string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Subject:   subject,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler 处理消费到的事件。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备投递与消费能力。
type Bus interface {
	Publisher
	Consumer
}

func encode(evt Event) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return body, nil
}

func decode(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return evt, nil
}

// AuditHandler 将事件写入审计日志，作为默认的消费端。
func AuditHandler(log *slog.Logger) Handler {
	return func(_ context.Context, evt Event) error {
		if log == nil {
			return nil
		}
		log.Info("里程碑事件",
			slog.String("event_id", evt.ID),
			slog.String("topic", evt.Topic),
			slog.String("subject", evt.Subject),
			slog.Any("payload", evt.Payload),
		)
		return nil
	}
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }
