package domain

import "time"

// InboundEmail 入站邮件审计记录
type InboundEmail struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountAddress string    `json:"accountAddress" gorm:"type:varchar(255);uniqueIndex:idx_inbound_account_message"`
	MessageID      string    `json:"messageId" gorm:"type:varchar(255);uniqueIndex:idx_inbound_account_message"`
	Parser         string    `json:"parser" gorm:"type:varchar(64)"`
	Provider       string    `json:"provider" gorm:"type:varchar(32)"`
	From           string    `json:"from" gorm:"type:varchar(500)"`
	Subject        string    `json:"subject" gorm:"type:varchar(500)"`
	ReservationID  string    `json:"reservationId" gorm:"type:varchar(128);index"`
	ConversationID string    `json:"conversationId" gorm:"type:varchar(128)"`
	PropertyID     string    `json:"propertyId" gorm:"type:varchar(128)"`
	RawPath        string    `json:"rawPath,omitempty" gorm:"type:varchar(500)"`
	ReceivedAt     time.Time `json:"receivedAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RawEmailPayload 归档的原始邮件内容
type RawEmailPayload struct {
	AccountAddress string            `json:"accountAddress"`
	MessageID      string            `json:"messageId"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	HTML           string            `json:"html"`
	ReceivedAt     time.Time         `json:"receivedAt"`
}
