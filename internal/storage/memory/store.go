package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

// Store 使用内存保存全部数据，主要用于开发验证与测试。
// 所有读写都返回副本，调用方修改返回值不会影响存储内容。
type Store struct {
	mu sync.RWMutex

	reservations   map[string]*domain.Reservation
	byConversation map[string]string // conversationID -> reservationID
	clients        map[string]*domain.Client
	hosts          map[string]*domain.Host
	properties     map[string]*domain.Property

	conversations map[string]*domain.Conversation                   // propertyID/conversationID -> 摘要
	messages      map[string]map[string]*domain.ConversationMessage // propertyID/conversationID -> messageID -> message

	accounts   map[string]*domain.EmailAccount
	inbound    []*domain.InboundEmail
	claims     map[string]*domain.MessageClaim // address/messageID -> claim
	deliveries []*domain.WebhookDelivery

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		reservations:   make(map[string]*domain.Reservation),
		byConversation: make(map[string]string),
		clients:        make(map[string]*domain.Client),
		hosts:          make(map[string]*domain.Host),
		properties:     make(map[string]*domain.Property),
		conversations:  make(map[string]*domain.Conversation),
		messages:       make(map[string]map[string]*domain.ConversationMessage),
		accounts:       make(map[string]*domain.EmailAccount),
		claims:         make(map[string]*domain.MessageClaim),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟，测试使用
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

var _ storage.Store = (*Store)(nil)

// Ping 内存存储始终可用
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close 内存存储无需释放资源
func (s *Store) Close() error { return nil }

func convKey(propertyID, conversationID string) string {
	return propertyID + "/" + conversationID
}

// ========== Reservation Repository ==========

// GetReservation 根据 ID 获取预订
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, storage.ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

// FindReservationByConversation 根据会话 ID 查找预订
func (s *Store) FindReservationByConversation(ctx context.Context, conversationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byConversation[conversationID]
	if !ok {
		return nil, storage.ErrReservationNotFound
	}
	r, ok := s.reservations[id]
	if !ok {
		return nil, storage.ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

// UpsertReservation 合并写入预订
func (s *Store) UpsertReservation(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.reservations[reservation.ID]
	if !ok {
		stored = cloneReservation(reservation)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
	} else {
		stored.Merge(cloneReservation(reservation))
	}
	stored.UpdatedAt = now
	s.reservations[stored.ID] = stored
	if stored.ConversationID != "" {
		s.byConversation[stored.ConversationID] = stored.ID
	}
	return cloneReservation(stored), nil
}

// ========== Client Repository ==========

// GetClient 根据 ID 获取客人
func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(c), nil
}

// UpsertClient 合并写入客人
func (s *Store) UpsertClient(ctx context.Context, client *domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.clients[client.ID]
	if !ok {
		stored = cloneClient(client)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
	} else {
		stored.Merge(cloneClient(client))
	}
	stored.UpdatedAt = now
	s.clients[stored.ID] = stored
	return cloneClient(stored), nil
}

// ========== Host Repository ==========

// GetHost 根据 ID 获取房东
func (s *Store) GetHost(ctx context.Context, id string) (*domain.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[id]
	if !ok {
		return nil, storage.ErrHostNotFound
	}
	cp := *h
	cp.Metadata = cloneMap(h.Metadata)
	return &cp, nil
}

// UpsertHost 合并写入房东
func (s *Store) UpsertHost(ctx context.Context, host *domain.Host) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	in := *host
	in.Metadata = cloneMap(host.Metadata)
	stored, ok := s.hosts[host.ID]
	if !ok {
		stored = &in
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
	} else {
		stored.Merge(&in)
	}
	stored.UpdatedAt = now
	s.hosts[stored.ID] = stored

	out := *stored
	out.Metadata = cloneMap(stored.Metadata)
	return &out, nil
}

// GetProperty 根据 ID 获取房源
func (s *Store) GetProperty(ctx context.Context, id string) (*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[id]
	if !ok {
		return nil, storage.ErrPropertyNotFound
	}
	return cloneProperty(p), nil
}

// UpsertProperty 合并写入房源
func (s *Store) UpsertProperty(ctx context.Context, property *domain.Property) (*domain.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.properties[property.ID]
	if !ok {
		stored = cloneProperty(property)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
	} else {
		stored.Merge(cloneProperty(property))
	}
	stored.UpdatedAt = now
	s.properties[stored.ID] = stored
	return cloneProperty(stored), nil
}

// ========== Conversation Repository ==========

// TouchConversation 更新会话摘要
func (s *Store) TouchConversation(ctx context.Context, propertyID, conversationID string, summary domain.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey(propertyID, conversationID)
	conv, ok := s.conversations[key]
	if !ok {
		conv = &domain.Conversation{PropertyID: propertyID, ID: conversationID}
		s.conversations[key] = conv
	}
	conv.Apply(summary, s.now())
	return nil
}

// GetConversation 获取会话摘要
func (s *Store) GetConversation(ctx context.Context, propertyID, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convKey(propertyID, conversationID)]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}
	cp := *conv
	return &cp, nil
}

// AppendMessage 以消息 ID 为键写入消息，重复写入时更新已有记录
func (s *Store) AppendMessage(ctx context.Context, propertyID, conversationID, messageID string, message *domain.ConversationMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey(propertyID, conversationID)
	bucket, ok := s.messages[key]
	if !ok {
		bucket = make(map[string]*domain.ConversationMessage)
		s.messages[key] = bucket
	}

	now := s.now()
	msg := cloneMessage(message)
	msg.PropertyID = propertyID
	msg.ConversationID = conversationID
	msg.ID = messageID
	msg.UpdatedAt = now

	existing, exists := bucket[messageID]
	if exists {
		msg.CreatedAt = existing.CreatedAt
	} else {
		msg.CreatedAt = now
	}
	bucket[messageID] = msg
	return !exists, nil
}

// ListMessages 按发送时间升序列出会话消息
func (s *Store) ListMessages(ctx context.Context, propertyID, conversationID string) ([]domain.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.messages[convKey(propertyID, conversationID)]
	out := make([]domain.ConversationMessage, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, *cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

// ========== Account Repository ==========

// GetEmailAccount 根据地址获取账户
func (s *Store) GetEmailAccount(ctx context.Context, address string) (*domain.EmailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// SaveEmailAccount 保存账户（整体覆盖）
func (s *Store) SaveEmailAccount(ctx context.Context, account *domain.EmailAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a := cloneAccount(account)
	if existing, ok := s.accounts[a.Address]; ok {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.Status == "" {
		a.Status = domain.AccountStatusActive
	}
	a.UpdatedAt = now
	s.accounts[a.Address] = a
	return nil
}

// ListEmailAccounts 按地址排序列出全部账户
func (s *Store) ListEmailAccounts(ctx context.Context) ([]domain.EmailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.EmailAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// UpdateEmailHistoryCursor 推进历史游标，较小的值被忽略
func (s *Store) UpdateEmailHistoryCursor(ctx context.Context, address string, cursor uint64) error {
	return s.updateAccount(address, func(a *domain.EmailAccount) {
		if cursor > a.HistoryCursor {
			a.HistoryCursor = cursor
		}
		now := s.now()
		a.LastSyncedAt = &now
	})
}

// TouchEmailAccount 刷新最近触发时间
func (s *Store) TouchEmailAccount(ctx context.Context, address string, triggeredAt time.Time) error {
	return s.updateAccount(address, func(a *domain.EmailAccount) {
		t := triggeredAt.UTC()
		a.LastTriggeredAt = &t
	})
}

// SetEmailAccountStatus 设置账户状态
func (s *Store) SetEmailAccountStatus(ctx context.Context, address string, status domain.AccountStatus, lastError string) error {
	return s.updateAccount(address, func(a *domain.EmailAccount) {
		a.Status = status
		a.LastError = lastError
	})
}

// UpdateEmailCredentials 替换加密后的凭据
func (s *Store) UpdateEmailCredentials(ctx context.Context, address, sealed string) error {
	return s.updateAccount(address, func(a *domain.EmailAccount) {
		a.EncryptedCredentials = sealed
	})
}

func (s *Store) updateAccount(address string, fn func(a *domain.EmailAccount)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[address]
	if !ok {
		return storage.ErrAccountNotFound
	}
	fn(a)
	a.UpdatedAt = s.now()
	return nil
}

// ========== Inbound Repository ==========

// RecordInboundEmail 记录入站邮件，同一账户同一消息只保留最新一条
func (s *Store) RecordInboundEmail(ctx context.Context, record *domain.InboundEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	for i, existing := range s.inbound {
		if existing.AccountAddress == cp.AccountAddress && existing.MessageID == cp.MessageID {
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
			s.inbound[i] = &cp
			return nil
		}
	}
	s.inbound = append(s.inbound, &cp)
	return nil
}

// ListInboundEmails 按时间倒序列出账户的入站记录
func (s *Store) ListInboundEmails(ctx context.Context, address string, limit int) ([]domain.InboundEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InboundEmail, 0)
	for i := len(s.inbound) - 1; i >= 0; i-- {
		if address != "" && s.inbound[i].AccountAddress != address {
			continue
		}
		out = append(out, *s.inbound[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ========== Claim Repository ==========

// ClaimMessage 在同一把写锁内完成读取与创建
func (s *Store) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := address + "/" + messageID
	if _, exists := s.claims[key]; exists {
		return storage.ErrClaimExists
	}
	s.claims[key] = &domain.MessageClaim{
		AccountAddress: address,
		MessageID:      messageID,
		ClaimedBy:      claimedBy,
		ClaimedAt:      s.now(),
	}
	return nil
}

// GetClaim 获取认领标记
func (s *Store) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[address+"/"+messageID]
	if !ok {
		return nil, storage.ErrClaimNotFound
	}
	cp := *c
	return &cp, nil
}

// ReleaseClaim 删除认领标记
func (s *Store) ReleaseClaim(ctx context.Context, address, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := address + "/" + messageID
	if _, ok := s.claims[key]; !ok {
		return storage.ErrClaimNotFound
	}
	delete(s.claims, key)
	return nil
}

// ========== Delivery Repository ==========

// SaveWebhookDelivery 保存或更新投递记录
func (s *Store) SaveWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *delivery
	for i, existing := range s.deliveries {
		if existing.ID == cp.ID {
			s.deliveries[i] = &cp
			return nil
		}
	}
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// ListWebhookDeliveries 按时间倒序列出投递记录
func (s *Store) ListWebhookDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.WebhookDelivery, 0, len(s.deliveries))
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		out = append(out, *s.deliveries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
