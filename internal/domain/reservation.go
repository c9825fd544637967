package domain

import "time"

// ReservationSchemaVersion 当前预订记录结构版本
const ReservationSchemaVersion = 2

// SourceRef 记录预订最初来自哪个提供方以及哪封邮件
type SourceRef struct {
	Provider   string `json:"provider" gorm:"type:varchar(32)"`
	ExternalID string `json:"externalId" gorm:"type:varchar(128)"`
	MessageID  string `json:"messageId" gorm:"type:varchar(255)"`
}

// Reservation 预订记录。
//
// ID、HostID、PropertyID、ClientID 一旦写入即为权威值，后续消息只能复用。
type Reservation struct {
	ID             string            `json:"id" gorm:"primaryKey;type:varchar(128)"`
	HostID         string            `json:"hostId" gorm:"type:varchar(128);index"`
	PropertyID     string            `json:"propertyId" gorm:"type:varchar(128);index"`
	ClientID       string            `json:"clientId" gorm:"type:varchar(128);index"`
	Channel        string            `json:"channel" gorm:"type:varchar(32)"`
	Status         string            `json:"status" gorm:"type:varchar(32)"`
	PaymentStatus  string            `json:"paymentStatus,omitempty" gorm:"type:varchar(64)"`
	StayStart      *time.Time        `json:"stayStart,omitempty"`
	StayEnd        *time.Time        `json:"stayEnd,omitempty"`
	ConversationID string            `json:"conversationId,omitempty" gorm:"type:varchar(128);index"`
	Source         SourceRef         `json:"source" gorm:"embedded;embeddedPrefix:source_"`
	Totals         *Totals           `json:"totals,omitempty" gorm:"serializer:json;type:text"`
	Services       []string          `json:"services,omitempty" gorm:"serializer:json;type:text"`
	Notes          string            `json:"notes,omitempty" gorm:"type:text"`
	Metadata       map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	SchemaVersion  int               `json:"schemaVersion"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Merge 把 in 合并到当前记录：in 中为空的字段不会覆盖已有值。
// 已存在的身份字段（宿主、房源、客人、会话）保持不变，来源信息仅在首次写入时设置。
func (r *Reservation) Merge(in *Reservation) {
	if in == nil {
		return
	}
	if r.ID == "" {
		r.ID = in.ID
	}
	r.HostID = firstNonEmpty(r.HostID, in.HostID)
	r.PropertyID = firstNonEmpty(r.PropertyID, in.PropertyID)
	r.ClientID = firstNonEmpty(r.ClientID, in.ClientID)
	r.ConversationID = firstNonEmpty(r.ConversationID, in.ConversationID)
	if r.Source.Provider == "" && r.Source.MessageID == "" {
		r.Source = in.Source
	}

	r.Channel = firstNonEmpty(in.Channel, r.Channel)
	r.Status = firstNonEmpty(in.Status, r.Status)
	r.PaymentStatus = firstNonEmpty(in.PaymentStatus, r.PaymentStatus)
	r.Notes = firstNonEmpty(in.Notes, r.Notes)
	if in.StayStart != nil {
		r.StayStart = in.StayStart
	}
	if in.StayEnd != nil {
		r.StayEnd = in.StayEnd
	}
	r.Totals = r.Totals.Merge(in.Totals)
	r.Services = mergeSet(r.Services, in.Services)
	r.Metadata = mergeMap(r.Metadata, in.Metadata)
	if in.SchemaVersion > r.SchemaVersion {
		r.SchemaVersion = in.SchemaVersion
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = in.UpdatedAt
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
	return dst
}

// mergeSet 追加 src 中尚未出现的元素，保持原有顺序
func mergeSet(dst, src []string) []string {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
