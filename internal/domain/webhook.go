package domain

import "time"

// WebhookEventType 下游通知事件类型
type WebhookEventType string

const (
	WebhookEventMessageIngested  WebhookEventType = "reservation.message_ingested" // 消息已入库
	WebhookEventAccountRevoked   WebhookEventType = "account.revoked"              // 邮箱授权失效
	WebhookEventHistoryProcessed WebhookEventType = "account.history_processed"    // 一轮历史处理完成
)

// WebhookEvent 下游通知事件
type WebhookEvent struct {
	ID        string           `json:"id"`
	Event     WebhookEventType `json:"event"`
	Account   string           `json:"account,omitempty"` // 事件所属邮箱地址
	Timestamp time.Time        `json:"timestamp"`
	Data      interface{}      `json:"data"`
}

// MessageIngestedData reservation.message_ingested 事件数据
type MessageIngestedData struct {
	AccountAddress string           `json:"accountAddress"`
	MessageID      string           `json:"messageId"`
	Parser         string           `json:"parser"`
	Channel        string           `json:"channel"`
	ReservationID  string           `json:"reservationId"`
	ConversationID string           `json:"conversationId"`
	HostID         string           `json:"hostId"`
	PropertyID     string           `json:"propertyId"`
	ClientID       string           `json:"clientId"`
	Direction      MessageDirection `json:"direction"`
	Status         string           `json:"status,omitempty"`
}

// WebhookDelivery Webhook 投递记录
type WebhookDelivery struct {
	ID         string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Endpoint   string           `json:"endpoint" gorm:"type:varchar(500);index"`
	EventID    string           `json:"eventId" gorm:"type:varchar(36);index"`
	Event      WebhookEventType `json:"event" gorm:"type:varchar(64)"`
	Payload    string           `json:"payload" gorm:"type:text"`     // JSON payload
	StatusCode int              `json:"statusCode"`                   // HTTP 状态码
	Response   string           `json:"response" gorm:"type:text"`    // 响应内容
	Duration   int64            `json:"duration"`                     // 请求耗时（毫秒）
	Success    bool             `json:"success"`                      // 是否成功
	Error      string           `json:"error" gorm:"type:text"`       // 错误信息
	Attempts   int              `json:"attempts"`                     // 尝试次数
	NextRetry  *time.Time       `json:"nextRetry"`                    // 下次重试时间
	CreatedAt  time.Time        `json:"createdAt"`
}
