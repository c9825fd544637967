package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
	"hostinbox/backend/internal/storage/redis"
)

// Store 混合存储实现：底层存储（通常是关系库）为权威数据源，Redis 作为预订与账户的读缓存。
// 认领标记可以交给独立的 ClaimRepository（pgx 串行化事务或 Redis SETNX）。
type Store struct {
	storage.Store

	cache  *redis.Cache
	redis  *redis.Client
	claims storage.ClaimRepository
	log    *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建混合存储实例，claims 为 nil 时使用底层存储的认领实现
func NewStore(db storage.Store, rc *redis.Client, claims storage.ClaimRepository, cacheTTL time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if claims == nil {
		claims = db
	}
	return &Store{
		Store:  db,
		cache:  redis.NewCache(rc, cacheTTL),
		redis:  rc,
		claims: claims,
		log:    log.Named("hybrid"),
	}
}

// Ping 同时检查关系库与 Redis
func (s *Store) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.redis.Ping(ctx)
}

// Close 关闭关系库与 Redis 连接
func (s *Store) Close() error {
	dbErr := s.Store.Close()
	if err := s.redis.Close(); err != nil {
		return err
	}
	return dbErr
}

// ========== Reservation Repository ==========

// GetReservation 先读缓存，未命中时回源并回填
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if r, err := s.cache.GetCachedReservation(ctx, id); err == nil {
		return r, nil
	}

	r, err := s.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, r)
	return r, nil
}

// FindReservationByConversation 通过会话索引读缓存
func (s *Store) FindReservationByConversation(ctx context.Context, conversationID string) (*domain.Reservation, error) {
	if r, err := s.cache.GetCachedReservationByConversation(ctx, conversationID); err == nil {
		return r, nil
	}

	r, err := s.Store.FindReservationByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, r)
	return r, nil
}

// UpsertReservation 写关系库后刷新缓存
func (s *Store) UpsertReservation(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error) {
	merged, err := s.Store.UpsertReservation(ctx, reservation)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, merged)
	return merged, nil
}

func (s *Store) fill(ctx context.Context, r *domain.Reservation) {
	if err := s.cache.CacheReservation(ctx, r); err != nil {
		s.log.Warn("failed to cache reservation", zap.String("reservation_id", r.ID), zap.Error(err))
	}
}

// ========== Account Repository ==========

// GetEmailAccount 先读缓存
func (s *Store) GetEmailAccount(ctx context.Context, address string) (*domain.EmailAccount, error) {
	if a, err := s.cache.GetCachedAccount(ctx, address); err == nil {
		return a, nil
	}

	a, err := s.Store.GetEmailAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.cache.CacheAccount(ctx, a); err != nil {
		s.log.Warn("failed to cache account", zap.String("account", address), zap.Error(err))
	}
	return a, nil
}

// SaveEmailAccount 写入后失效缓存
func (s *Store) SaveEmailAccount(ctx context.Context, account *domain.EmailAccount) error {
	if err := s.Store.SaveEmailAccount(ctx, account); err != nil {
		return err
	}
	s.invalidateAccount(ctx, account.Address)
	return nil
}

// UpdateEmailHistoryCursor 推进游标并失效缓存
func (s *Store) UpdateEmailHistoryCursor(ctx context.Context, address string, cursor uint64) error {
	if err := s.Store.UpdateEmailHistoryCursor(ctx, address, cursor); err != nil {
		return err
	}
	s.invalidateAccount(ctx, address)
	return nil
}

// TouchEmailAccount 刷新触发时间并失效缓存
func (s *Store) TouchEmailAccount(ctx context.Context, address string, triggeredAt time.Time) error {
	if err := s.Store.TouchEmailAccount(ctx, address, triggeredAt); err != nil {
		return err
	}
	s.invalidateAccount(ctx, address)
	return nil
}

// SetEmailAccountStatus 设置状态并失效缓存
func (s *Store) SetEmailAccountStatus(ctx context.Context, address string, status domain.AccountStatus, lastError string) error {
	if err := s.Store.SetEmailAccountStatus(ctx, address, status, lastError); err != nil {
		return err
	}
	s.invalidateAccount(ctx, address)
	return nil
}

// UpdateEmailCredentials 替换凭据并失效缓存
func (s *Store) UpdateEmailCredentials(ctx context.Context, address, sealed string) error {
	if err := s.Store.UpdateEmailCredentials(ctx, address, sealed); err != nil {
		return err
	}
	s.invalidateAccount(ctx, address)
	return nil
}

func (s *Store) invalidateAccount(ctx context.Context, address string) {
	if err := s.cache.DeleteCachedAccount(ctx, address); err != nil {
		s.log.Warn("failed to invalidate account cache", zap.String("account", address), zap.Error(err))
	}
}

// ========== Claim Repository ==========

// ClaimMessage 委托给配置的认领后端
func (s *Store) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	return s.claims.ClaimMessage(ctx, address, messageID, claimedBy)
}

// GetClaim 委托给配置的认领后端
func (s *Store) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	return s.claims.GetClaim(ctx, address, messageID)
}

// ReleaseClaim 委托给配置的认领后端
func (s *Store) ReleaseClaim(ctx context.Context, address, messageID string) error {
	return s.claims.ReleaseClaim(ctx, address, messageID)
}
