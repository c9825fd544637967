package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 MySQL
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	now := func() time.Time { return time.Now().UTC() }
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        now,
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db, now: now}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// ConfigurePool 调整连接池参数
func (s *Store) ConfigurePool(maxOpen, maxIdle int, lifetime time.Duration) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}
	return nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Reservation{},
		&domain.Client{},
		&domain.Host{},
		&domain.Property{},
		&domain.Conversation{},
		&domain.ConversationMessage{},
		&domain.EmailAccount{},
		&domain.InboundEmail{},
		&domain.MessageClaim{},
		&domain.WebhookDelivery{},
	)
}

// DB 返回底层 gorm 连接，供迁移命令使用
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping 测试数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// ========== Reservation Repository ==========

// GetReservation 根据 ID 获取预订
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, storage.ErrReservationNotFound)
	}
	return &r, nil
}

// FindReservationByConversation 根据会话 ID 查找最近更新的预订
func (s *Store) FindReservationByConversation(ctx context.Context, conversationID string) (*domain.Reservation, error) {
	var r domain.Reservation
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("updated_at DESC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err, storage.ErrReservationNotFound)
	}
	return &r, nil
}

// UpsertReservation 在行锁内读取、合并并写回
func (s *Store) UpsertReservation(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error) {
	var out domain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate).Where("id = ?", reservation.ID).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = *reservation
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		out.Merge(reservation)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== Client Repository ==========

// GetClient 根据 ID 获取客人
func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, storage.ErrClientNotFound)
	}
	return &c, nil
}

// UpsertClient 合并写入客人
func (s *Store) UpsertClient(ctx context.Context, client *domain.Client) (*domain.Client, error) {
	var out domain.Client
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate).Where("id = ?", client.ID).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = *client
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		out.Merge(client)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== Host Repository ==========

// GetHost 根据 ID 获取房东
func (s *Store) GetHost(ctx context.Context, id string) (*domain.Host, error) {
	var h domain.Host
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&h).Error; err != nil {
		return nil, notFound(err, storage.ErrHostNotFound)
	}
	return &h, nil
}

// UpsertHost 合并写入房东
func (s *Store) UpsertHost(ctx context.Context, host *domain.Host) (*domain.Host, error) {
	var out domain.Host
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate).Where("id = ?", host.ID).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = *host
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		out.Merge(host)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProperty 根据 ID 获取房源
func (s *Store) GetProperty(ctx context.Context, id string) (*domain.Property, error) {
	var p domain.Property
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, storage.ErrPropertyNotFound)
	}
	return &p, nil
}

// UpsertProperty 合并写入房源
func (s *Store) UpsertProperty(ctx context.Context, property *domain.Property) (*domain.Property, error) {
	var out domain.Property
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate).Where("id = ?", property.ID).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = *property
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		out.Merge(property)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== Conversation Repository ==========

// TouchConversation 更新会话摘要，不存在时创建
func (s *Store) TouchConversation(ctx context.Context, propertyID, conversationID string, summary domain.ConversationSummary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv domain.Conversation
		err := tx.Clauses(forUpdate).
			Where("property_id = ? AND id = ?", propertyID, conversationID).
			First(&conv).Error
		created := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !created {
			return err
		}
		if created {
			conv = domain.Conversation{PropertyID: propertyID, ID: conversationID}
		}
		conv.Apply(summary, s.now())
		if created {
			return tx.Create(&conv).Error
		}
		return tx.Save(&conv).Error
	})
}

// GetConversation 获取会话摘要
func (s *Store) GetConversation(ctx context.Context, propertyID, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).
		Where("property_id = ? AND id = ?", propertyID, conversationID).
		First(&conv).Error
	if err != nil {
		return nil, notFound(err, storage.ErrConversationNotFound)
	}
	return &conv, nil
}

// AppendMessage 以 (propertyID, conversationID, messageID) 为主键写入消息
func (s *Store) AppendMessage(ctx context.Context, propertyID, conversationID, messageID string, message *domain.ConversationMessage) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := *message
		msg.PropertyID = propertyID
		msg.ConversationID = conversationID
		msg.ID = messageID

		var existing domain.ConversationMessage
		err := tx.Clauses(forUpdate).
			Where("property_id = ? AND conversation_id = ? AND id = ?", propertyID, conversationID, messageID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			return tx.Create(&msg).Error
		}
		if err != nil {
			return err
		}
		msg.CreatedAt = existing.CreatedAt
		return tx.Save(&msg).Error
	})
	return created, err
}

// ListMessages 按发送时间升序列出会话消息
func (s *Store) ListMessages(ctx context.Context, propertyID, conversationID string) ([]domain.ConversationMessage, error) {
	var msgs []domain.ConversationMessage
	err := s.db.WithContext(ctx).
		Where("property_id = ? AND conversation_id = ?", propertyID, conversationID).
		Order("sent_at ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

// ========== Account Repository ==========

// GetEmailAccount 根据地址获取账户
func (s *Store) GetEmailAccount(ctx context.Context, address string) (*domain.EmailAccount, error) {
	var a domain.EmailAccount
	if err := s.db.WithContext(ctx).Where("address = ?", address).First(&a).Error; err != nil {
		return nil, notFound(err, storage.ErrAccountNotFound)
	}
	return &a, nil
}

// SaveEmailAccount 保存账户
func (s *Store) SaveEmailAccount(ctx context.Context, account *domain.EmailAccount) error {
	if account.Status == "" {
		account.Status = domain.AccountStatusActive
	}
	return s.db.WithContext(ctx).Save(account).Error
}

// ListEmailAccounts 列出全部账户
func (s *Store) ListEmailAccounts(ctx context.Context) ([]domain.EmailAccount, error) {
	var accounts []domain.EmailAccount
	err := s.db.WithContext(ctx).Order("address ASC").Find(&accounts).Error
	return accounts, err
}

// UpdateEmailHistoryCursor 条件更新保证游标只前进
func (s *Store) UpdateEmailHistoryCursor(ctx context.Context, address string, cursor uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		result := tx.Model(&domain.EmailAccount{}).
			Where("address = ? AND history_cursor < ?", address, cursor).
			Updates(map[string]interface{}{
				"history_cursor": cursor,
				"last_synced_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		// 游标未前进：仅刷新同步时间，同时确认账户存在
		result = tx.Model(&domain.EmailAccount{}).
			Where("address = ?", address).
			Update("last_synced_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrAccountNotFound
		}
		return nil
	})
}

// TouchEmailAccount 刷新最近触发时间
func (s *Store) TouchEmailAccount(ctx context.Context, address string, triggeredAt time.Time) error {
	return s.updateAccount(ctx, address, map[string]interface{}{"last_triggered_at": triggeredAt.UTC()})
}

// SetEmailAccountStatus 设置账户状态
func (s *Store) SetEmailAccountStatus(ctx context.Context, address string, status domain.AccountStatus, lastError string) error {
	return s.updateAccount(ctx, address, map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	})
}

// UpdateEmailCredentials 替换加密后的凭据
func (s *Store) UpdateEmailCredentials(ctx context.Context, address, sealed string) error {
	return s.updateAccount(ctx, address, map[string]interface{}{"encrypted_credentials": sealed})
}

func (s *Store) updateAccount(ctx context.Context, address string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&domain.EmailAccount{}).
		Where("address = ?", address).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// ========== Inbound Repository ==========

// RecordInboundEmail 按 (account, message) 唯一键写入审计记录
func (s *Store) RecordInboundEmail(ctx context.Context, record *domain.InboundEmail) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_address"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"parser", "provider", "from", "subject", "reservation_id",
			"conversation_id", "property_id", "raw_path", "received_at",
		}),
	}).Create(record).Error
}

// ListInboundEmails 按时间倒序列出入站记录
func (s *Store) ListInboundEmails(ctx context.Context, address string, limit int) ([]domain.InboundEmail, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if address != "" {
		query = query.Where("account_address = ?", address)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []domain.InboundEmail
	err := query.Find(&records).Error
	return records, err
}

// ========== Claim Repository ==========

// ClaimMessage 依赖主键唯一约束，重复插入即认领冲突
func (s *Store) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	claim := &domain.MessageClaim{
		AccountAddress: address,
		MessageID:      messageID,
		ClaimedBy:      claimedBy,
		ClaimedAt:      s.now(),
	}
	err := s.db.WithContext(ctx).Create(claim).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrClaimExists
	}
	return err
}

// GetClaim 获取认领标记
func (s *Store) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	var c domain.MessageClaim
	err := s.db.WithContext(ctx).
		Where("account_address = ? AND message_id = ?", address, messageID).
		First(&c).Error
	if err != nil {
		return nil, notFound(err, storage.ErrClaimNotFound)
	}
	return &c, nil
}

// ReleaseClaim 删除认领标记
func (s *Store) ReleaseClaim(ctx context.Context, address, messageID string) error {
	result := s.db.WithContext(ctx).
		Where("account_address = ? AND message_id = ?", address, messageID).
		Delete(&domain.MessageClaim{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrClaimNotFound
	}
	return nil
}

// ========== Delivery Repository ==========

// SaveWebhookDelivery 保存投递记录
func (s *Store) SaveWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	return s.db.WithContext(ctx).Save(delivery).Error
}

// ListWebhookDeliveries 按时间倒序列出投递记录
func (s *Store) ListWebhookDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var deliveries []domain.WebhookDelivery
	err := query.Find(&deliveries).Error
	return deliveries, err
}

// Open 根据数据库类型创建存储实例
func Open(dbType, dsn string) (*Store, error) {
	switch dbType {
	case "mysql":
		return NewMySQLStore(dsn)
	case "postgres", "postgresql":
		return NewStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbType)
	}
}
