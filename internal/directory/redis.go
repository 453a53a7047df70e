package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	statusActive   = "active"
	statusInactive = "inactive"
)

// RedisConfig 描述 Redis 目录的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisDirectory 将智能体保存在一个 Redis hash 中，field 为智能体 ID，value 为状态。
type RedisDirectory struct {
	client *redis.Client
	key    string
}

// NewRedisDirectory 建立连接并校验 Redis 可用。
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisDirectoryWithClient(client, cfg.Key), nil
}

// NewRedisDirectoryWithClient 复用已有的 Redis 客户端。
func NewRedisDirectoryWithClient(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = "chaoscore:agents"
	}
	return &RedisDirectory{client: client, key: key}
}

// Register 写入或更新智能体状态。
func (d *RedisDirectory) Register(ctx context.Context, agentID string, active bool) error {
	status := statusInactive
	if active {
		status = statusActive
	}
	if err := d.client.HSet(ctx, d.key, agentID, status).Err(); err != nil {
		return fmt.Errorf("写入智能体目录失败: %w", err)
	}
	return nil
}

// Exists 实现 Directory 接口。
func (d *RedisDirectory) Exists(ctx context.Context, agentID string) (bool, error) {
	ok, err := d.client.HExists(ctx, d.key, agentID).Result()
	if err != nil {
		return false, fmt.Errorf("查询智能体目录失败: %w", err)
	}
	return ok, nil
}

// IsActive 实现 Directory 接口。
func (d *RedisDirectory) IsActive(ctx context.Context, agentID string) (bool, error) {
	status, err := d.client.HGet(ctx, d.key, agentID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询智能体状态失败: %w", err)
	}
	return status == statusActive, nil
}

// List 实现 Directory 接口。
func (d *RedisDirectory) List(ctx context.Context) ([]string, error) {
	ids, err := d.client.HKeys(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("读取智能体目录失败: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close 关闭 Redis 连接。
func (d *RedisDirectory) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
