package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"hostinbox/backend/internal/domain"
)

// DefaultEventChannel 事件发布频道
const DefaultEventChannel = "hostinbox:events"

// Publisher 通过 Redis Pub/Sub 向下游广播事件
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建事件发布器
func NewPublisher(client *Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &Publisher{client: client.rdb, channel: channel}
}

// Notify 发布事件，频道名按事件类型追加后缀
func (p *Publisher) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.eventChannel(event.Event), data).Err()
}

func (p *Publisher) eventChannel(event domain.WebhookEventType) string {
	return fmt.Sprintf("%s:%s", p.channel, event)
}
