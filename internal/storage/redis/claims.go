package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

// ClaimStore 基于 SETNX 的认领标记，键不设置过期时间
type ClaimStore struct {
	client *redis.Client
	now    func() time.Time
}

var _ storage.ClaimRepository = (*ClaimStore)(nil)

// NewClaimStore 创建认领存储
func NewClaimStore(client *Client) *ClaimStore {
	return &ClaimStore{
		client: client.rdb,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func claimKey(address, messageID string) string {
	return fmt.Sprintf("claim:%s:%s", address, messageID)
}

// ClaimMessage 认领消息
func (s *ClaimStore) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	data, err := json.Marshal(&domain.MessageClaim{
		AccountAddress: address,
		MessageID:      messageID,
		ClaimedBy:      claimedBy,
		ClaimedAt:      s.now(),
	})
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, claimKey(address, messageID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrClaimExists
	}
	return nil
}

// GetClaim 获取认领标记
func (s *ClaimStore) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	data, err := s.client.Get(ctx, claimKey(address, messageID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, storage.ErrClaimNotFound
		}
		return nil, err
	}

	var claim domain.MessageClaim
	if err := json.Unmarshal([]byte(data), &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// ReleaseClaim 删除认领标记
func (s *ClaimStore) ReleaseClaim(ctx context.Context, address, messageID string) error {
	n, err := s.client.Del(ctx, claimKey(address, messageID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrClaimNotFound
	}
	return nil
}
