package domain

import "time"

// AccountStatus 邮箱集成账户状态
type AccountStatus string

const (
	AccountStatusActive                 AccountStatus = "active"
	AccountStatusErrorHistoryProcessing AccountStatus = "error_history_processing"
	AccountStatusRevoked                AccountStatus = "revoked"
)

// 邮箱提供方
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
	ProviderSMTP  = "smtp"
	ProviderAPI   = "api"
)

// 账户元数据中可覆盖身份信息的键
const (
	MetaHostID       = "hostId"
	MetaHostEmail    = "hostEmail"
	MetaHostName     = "hostName"
	MetaPropertyID   = "propertyId"
	MetaPropertyName = "propertyName"
)

// EmailAccount 邮箱集成账户，以邮箱地址为主键。
//
// HistoryCursor 只会单调递增。
type EmailAccount struct {
	Address              string            `json:"address" gorm:"primaryKey;type:varchar(255)"`
	HostID               string            `json:"hostId" gorm:"type:varchar(128);index"`
	Provider             string            `json:"provider" gorm:"type:varchar(32)"`
	Status               AccountStatus     `json:"status" gorm:"type:varchar(32);index"`
	EncryptedCredentials string            `json:"-" gorm:"type:text"`
	HistoryCursor        uint64            `json:"historyCursor"`
	LastTriggeredAt      *time.Time        `json:"lastTriggeredAt,omitempty"`
	LastSyncedAt         *time.Time        `json:"lastSyncedAt,omitempty"`
	LastError            string            `json:"lastError,omitempty" gorm:"type:text"`
	Metadata             map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Meta 读取元数据，不存在时返回空串
func (a *EmailAccount) Meta(key string) string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	return a.Metadata[key]
}

// IsRevoked 账户授权是否已失效
func (a *EmailAccount) IsRevoked() bool {
	return a.Status == AccountStatusRevoked
}
