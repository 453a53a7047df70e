package events

import (
	"context"
	"fmt"
	"strings"

	"ChaosCore/internal/config"
)

// Open 按配置创建事件总线。driver 为 none 时返回 nil 总线与 Nop 发布器。
func Open(ctx context.Context, cfg config.EventsConfig) (Publisher, Consumer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		bus := NewMemoryBus(0)
		return bus, bus, nil
	case "none":
		return Nop{}, nil, nil
	case "redis":
		bus, err := NewRedisBus(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		return bus, bus, nil
	case "rabbitmq":
		bus, err := NewRabbitMQBus(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.RabbitMQ.Queue == "" {
			return bus, nil, nil
		}
		return bus, bus, nil
	default:
		return nil, nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}
