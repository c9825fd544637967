package domain

import "time"

// MessageDirection 消息方向
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"  // 客人发来
	DirectionOutbound MessageDirection = "outbound" // 房东发出
	DirectionSystem   MessageDirection = "system"   // 平台通知
)

// MessagePreviewLength 会话摘要中消息预览的最大字符数
const MessagePreviewLength = 160

// ConversationMessage 会话中的一条消息。
//
// ID 等于邮件提供方的原生消息 ID，在同一会话内作为天然去重键。
type ConversationMessage struct {
	PropertyID     string            `json:"propertyId" gorm:"primaryKey;type:varchar(128)"`
	ConversationID string            `json:"conversationId" gorm:"primaryKey;type:varchar(128)"`
	ID             string            `json:"id" gorm:"primaryKey;type:varchar(255)"`
	ReservationID  string            `json:"reservationId" gorm:"type:varchar(128);index"`
	ClientID       string            `json:"clientId" gorm:"type:varchar(128);index"`
	Channel        string            `json:"channel" gorm:"type:varchar(32)"`
	Direction      MessageDirection  `json:"direction" gorm:"type:varchar(16)"`
	SentAt         time.Time         `json:"sentAt" gorm:"index"`
	Subject        string            `json:"subject,omitempty" gorm:"type:varchar(500)"`
	Body           string            `json:"body" gorm:"type:text"`
	Headers        map[string]string `json:"headers,omitempty" gorm:"serializer:json;type:text"`
	Provider       string            `json:"provider" gorm:"type:varchar(32)"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Conversation 会话级摘要
type Conversation struct {
	PropertyID         string           `json:"propertyId" gorm:"primaryKey;type:varchar(128)"`
	ID                 string           `json:"id" gorm:"primaryKey;type:varchar(128)"`
	ReservationID      string           `json:"reservationId" gorm:"type:varchar(128);index"`
	ClientID           string           `json:"clientId" gorm:"type:varchar(128)"`
	Channel            string           `json:"channel" gorm:"type:varchar(32)"`
	LastMessageID      string           `json:"lastMessageId" gorm:"type:varchar(255)"`
	LastMessagePreview string           `json:"lastMessagePreview" gorm:"type:varchar(500)"`
	LastDirection      MessageDirection `json:"lastDirection" gorm:"type:varchar(16)"`
	LastProvider       string           `json:"lastProvider" gorm:"type:varchar(32)"`
	LastMessageAt      time.Time        `json:"lastMessageAt"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// ConversationSummary touchConversation 的输入
type ConversationSummary struct {
	ReservationID string
	ClientID      string
	Channel       string
	LastMessageID string
	Preview       string
	Direction     MessageDirection
	Provider      string
	LastMessageAt time.Time
}

// Apply 将摘要写入会话；较旧的消息不会覆盖较新的预览
func (c *Conversation) Apply(s ConversationSummary, now time.Time) {
	c.ReservationID = firstNonEmpty(c.ReservationID, s.ReservationID)
	c.ClientID = firstNonEmpty(c.ClientID, s.ClientID)
	c.Channel = firstNonEmpty(c.Channel, s.Channel)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if !c.LastMessageAt.IsZero() && s.LastMessageAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageID = s.LastMessageID
	c.LastMessagePreview = s.Preview
	c.LastDirection = s.Direction
	c.LastProvider = s.Provider
	c.LastMessageAt = s.LastMessageAt
}
