package storage

import (
	"context"
	"errors"
	"time"

	"hostinbox/backend/internal/domain"
)

var (
	// ErrReservationNotFound 预订未找到
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrClientNotFound 客人未找到
	ErrClientNotFound = errors.New("client not found")
	// ErrHostNotFound 房东未找到
	ErrHostNotFound = errors.New("host not found")
	// ErrPropertyNotFound 房源未找到
	ErrPropertyNotFound = errors.New("property not found")
	// ErrConversationNotFound 会话未找到
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrAccountNotFound 邮箱账户未找到
	ErrAccountNotFound = errors.New("email account not found")
	// ErrClaimExists 消息已被认领
	ErrClaimExists = errors.New("message already claimed")
	// ErrClaimNotFound 认领标记不存在
	ErrClaimNotFound = errors.New("claim not found")
)

// ReservationRepository 预订存取
type ReservationRepository interface {
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	FindReservationByConversation(ctx context.Context, conversationID string) (*domain.Reservation, error)
	// UpsertReservation 合并写入并返回合并后的记录
	UpsertReservation(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error)
}

// ClientRepository 客人存取
type ClientRepository interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	UpsertClient(ctx context.Context, client *domain.Client) (*domain.Client, error)
}

// HostRepository 房东与房源存取
type HostRepository interface {
	GetHost(ctx context.Context, id string) (*domain.Host, error)
	UpsertHost(ctx context.Context, host *domain.Host) (*domain.Host, error)
	GetProperty(ctx context.Context, id string) (*domain.Property, error)
	UpsertProperty(ctx context.Context, property *domain.Property) (*domain.Property, error)
}

// ConversationRepository 会话与消息存取
type ConversationRepository interface {
	// TouchConversation 更新会话摘要，不存在时创建
	TouchConversation(ctx context.Context, propertyID, conversationID string, summary domain.ConversationSummary) error
	GetConversation(ctx context.Context, propertyID, conversationID string) (*domain.Conversation, error)
	// AppendMessage 以消息ID为键写入；已存在时更新，created 为 false
	AppendMessage(ctx context.Context, propertyID, conversationID, messageID string, message *domain.ConversationMessage) (created bool, err error)
	ListMessages(ctx context.Context, propertyID, conversationID string) ([]domain.ConversationMessage, error)
}

// AccountRepository 邮箱集成账户存取
type AccountRepository interface {
	GetEmailAccount(ctx context.Context, address string) (*domain.EmailAccount, error)
	SaveEmailAccount(ctx context.Context, account *domain.EmailAccount) error
	ListEmailAccounts(ctx context.Context) ([]domain.EmailAccount, error)
	// UpdateEmailHistoryCursor 只会推进游标，不会回退
	UpdateEmailHistoryCursor(ctx context.Context, address string, cursor uint64) error
	TouchEmailAccount(ctx context.Context, address string, triggeredAt time.Time) error
	SetEmailAccountStatus(ctx context.Context, address string, status domain.AccountStatus, lastError string) error
	UpdateEmailCredentials(ctx context.Context, address, sealed string) error
}

// InboundRepository 入站邮件审计
type InboundRepository interface {
	RecordInboundEmail(ctx context.Context, record *domain.InboundEmail) error
	ListInboundEmails(ctx context.Context, address string, limit int) ([]domain.InboundEmail, error)
}

// RawPayloadStore 原始邮件归档
type RawPayloadStore interface {
	// StoreRawEmailPayload 归档原始内容并返回存储位置
	StoreRawEmailPayload(ctx context.Context, payload *domain.RawEmailPayload) (string, error)
}

// ClaimRepository 消息认领标记。
//
// ClaimMessage 对同一 (address, messageID) 必须线性化：并发调用恰好一个成功，
// 其余返回 ErrClaimExists。标记没有过期时间。
type ClaimRepository interface {
	ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error
	GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error)
	// ReleaseClaim 仅供管理员手动修复卡住的消息
	ReleaseClaim(ctx context.Context, address, messageID string) error
}

// DeliveryRepository 下游通知投递记录
type DeliveryRepository interface {
	SaveWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error)
}

// Store 聚合所有存储接口
type Store interface {
	ReservationRepository
	ClientRepository
	HostRepository
	ConversationRepository
	AccountRepository
	InboundRepository
	ClaimRepository
	DeliveryRepository

	Ping(ctx context.Context) error
	Close() error
}

// WithClaims 返回一个把认领操作交给 claims 的 Store，其余操作仍由 store 完成。
// 认领与人工释放因此始终落在同一个后端。
func WithClaims(store Store, claims ClaimRepository) Store {
	if claims == nil {
		return store
	}
	return &claimOverride{Store: store, claims: claims}
}

type claimOverride struct {
	Store
	claims ClaimRepository
}

func (s *claimOverride) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	return s.claims.ClaimMessage(ctx, address, messageID, claimedBy)
}

func (s *claimOverride) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	return s.claims.GetClaim(ctx, address, messageID)
}

func (s *claimOverride) ReleaseClaim(ctx context.Context, address, messageID string) error {
	return s.claims.ReleaseClaim(ctx, address, messageID)
}
