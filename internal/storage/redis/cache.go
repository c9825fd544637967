package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hostinbox/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 预订与账户的读缓存
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache 创建缓存实例，ttl 为 0 时使用 10 分钟
func NewCache(client *Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client.rdb, ttl: ttl}
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

func conversationIndexKey(conversationID string) string {
	return fmt.Sprintf("reservation:conv:%s", conversationID)
}

func accountKey(address string) string {
	return fmt.Sprintf("account:%s", address)
}

// ========== 预订缓存 ==========

// CacheReservation 缓存预订，同时写入会话索引
func (c *Cache) CacheReservation(ctx context.Context, r *domain.Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, reservationKey(r.ID), data, c.ttl)
	if r.ConversationID != "" {
		pipe.Set(ctx, conversationIndexKey(r.ConversationID), r.ID, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetCachedReservation 获取缓存的预订
func (c *Cache) GetCachedReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	data, err := c.client.Get(ctx, reservationKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var r domain.Reservation
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetCachedReservationByConversation 通过会话索引获取缓存的预订
func (c *Cache) GetCachedReservationByConversation(ctx context.Context, conversationID string) (*domain.Reservation, error) {
	id, err := c.client.Get(ctx, conversationIndexKey(conversationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return c.GetCachedReservation(ctx, id)
}

// DeleteCachedReservation 删除缓存的预订
func (c *Cache) DeleteCachedReservation(ctx context.Context, id string) error {
	return c.client.Del(ctx, reservationKey(id)).Err()
}

// ========== 账户缓存 ==========

// cachedAccount 账户 JSON 不输出凭据，缓存中需要保留密文
type cachedAccount struct {
	*domain.EmailAccount
	SealedCredentials string `json:"sealedCredentials,omitempty"`
}

// CacheAccount 缓存邮箱账户（含加密凭据）
func (c *Cache) CacheAccount(ctx context.Context, a *domain.EmailAccount) error {
	data, err := json.Marshal(cachedAccount{EmailAccount: a, SealedCredentials: a.EncryptedCredentials})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, accountKey(a.Address), data, c.ttl).Err()
}

// GetCachedAccount 获取缓存的邮箱账户
func (c *Cache) GetCachedAccount(ctx context.Context, address string) (*domain.EmailAccount, error) {
	data, err := c.client.Get(ctx, accountKey(address)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var a domain.EmailAccount
	cached := cachedAccount{EmailAccount: &a}
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		return nil, err
	}
	a.EncryptedCredentials = cached.SealedCredentials
	return &a, nil
}

// DeleteCachedAccount 删除缓存的邮箱账户
func (c *Cache) DeleteCachedAccount(ctx context.Context, address string) error {
	return c.client.Del(ctx, accountKey(address)).Err()
}
