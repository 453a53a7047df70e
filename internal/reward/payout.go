package reward

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChaosCore/internal/events"
)

// Distribution 是一次奖励发放请求。
type Distribution struct {
	ActionID  string             `json:"action_id"`
	Rewards   map[string]float64 `json:"rewards"`
	Ref       string             `json:"ref,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Payout 负责实际的价值转移，返回不透明的发放凭据。
type Payout interface {
	Pay(ctx context.Context, dist Distribution) (string, error)
}

// PayoutFunc 允许使用普通函数实现 Payout。
type PayoutFunc func(ctx context.Context, dist Distribution) (string, error)

// Pay 实现 Payout 接口。
func (f PayoutFunc) Pay(ctx context.Context, dist Distribution) (string, error) {
	return f(ctx, dist)
}

// EventPayout 把发放指令投递到事件总线，由外部支付服务消费执行。
type EventPayout struct {
	publisher events.Publisher
}

// NewEventPayout 创建基于事件总线的支付方。
func NewEventPayout(publisher events.Publisher) *EventPayout {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &EventPayout{publisher: publisher}
}

// Pay 生成发放凭据并发布 reward.payout 事件。
func (p *EventPayout) Pay(ctx context.Context, dist Distribution) (string, error) {
	ref := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	rewards := make(map[string]any, len(dist.Rewards))
	for agent, amount := range dist.Rewards {
		rewards[agent] = amount
	}
	evt := events.New(events.TopicRewardPayout, dist.ActionID, map[string]any{
		"ref":     ref,
		"rewards": rewards,
	})
	if err := p.publisher.Publish(ctx, evt); err != nil {
		return "", err
	}
	return ref, nil
}

var _ Payout = (*EventPayout)(nil)
