package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件发布的连接参数。
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	Channel      string
	HistoryKey   string
	HistoryLimit int64
}

// RedisPublisher 通过 PUBLISH 广播事件，并在 list 中保留最近的事件。
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	historyKey string
	limit      int64
}

// NewRedisPublisher 创建 Redis 发布器并检查连接。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "coindb:events"
	}
	historyKey := cfg.HistoryKey
	if historyKey == "" {
		historyKey = channel + ":history"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	return &RedisPublisher{client: client, channel: channel, historyKey: historyKey, limit: limit}
}

// Publish 在同一个事务管道中广播事件并写入历史列表。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		pipe.LPush(ctx, p.historyKey, payload)
		pipe.LTrim(ctx, p.historyKey, 0, p.limit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Recent 返回最近的 n 个事件，最新的在前。
func (p *RedisPublisher) Recent(ctx context.Context, n int64) ([]Event, error) {
	if n <= 0 {
		n = p.limit
	}
	raw, err := p.client.LRange(ctx, p.historyKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取事件历史失败: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
