// Package identity 为每封入站邮件推导预订、会话、房东、房源与客人的稳定标识。
//
// 优先级（高到低）：已存在的预订记录、本次解析结果、邮箱账户元数据、确定性回退值。
// 回退值由可读信息 slug 化并加类型前缀生成，同一封邮件重试时结果不变。
package identity

import (
	"fmt"
	"strings"
	"time"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/textnorm"
)

// 回退标识前缀
const (
	PrefixHost         = "host-"
	PrefixClient       = "client-"
	PrefixConversation = "conv-"
	PrefixReservation  = "email-"
	PrefixProperty     = "property-"
)

// RawInput 与解析无关的原始邮件信息
type RawInput struct {
	MessageID  string
	ReceivedAt time.Time
}

// Identifiers 推导结果，所有 ID 字段保证非空
type Identifiers struct {
	ReservationID     string `json:"reservationId"`
	ConversationID    string `json:"conversationId"`
	HostID            string `json:"hostId"`
	HostEmail         string `json:"hostEmail"`
	PropertyID        string `json:"propertyId"`
	PropertyName      string `json:"propertyName"`
	ClientID          string `json:"clientId"`
	ClientDisplayName string `json:"clientDisplayName"`
	ClientEmail       string `json:"clientEmail"`
}

// Resolver 身份推导器，无状态
type Resolver struct{}

// NewResolver 创建推导器
func NewResolver() *Resolver {
	return &Resolver{}
}

// Derive 推导全部标识。existing 与 account 可以为 nil。
func (r *Resolver) Derive(p *domain.CanonicalEmailPayload, raw RawInput, existing *domain.Reservation, account *domain.EmailAccount) Identifiers {
	if p == nil {
		p = &domain.CanonicalEmailPayload{}
	}
	if existing == nil {
		existing = &domain.Reservation{}
	}
	fallback := DefaultFallback(raw.ReceivedAt)
	emailLocal := localPart(p.ClientEmail)

	// 人类可读的种子：客人姓名、邮箱本地部分、提供方消息ID
	seed := first(p.GuestName, emailLocal, raw.MessageID)

	var ids Identifiers

	ids.ReservationID = first(
		existing.ID,
		p.ReservationID,
		PrefixReservation+textnorm.Slugify(first(p.ConversationID, raw.MessageID, seed), fallback),
	)

	ids.ConversationID = first(
		existing.ConversationID,
		p.ConversationID,
		p.ReservationID,
		PrefixConversation+textnorm.Slugify(seed, fallback),
	)

	ids.HostEmail = strings.ToLower(first(p.HostEmail, account.Meta(domain.MetaHostEmail), accountAddress(account)))
	ids.HostID = first(
		existing.HostID,
		p.Metadata[domain.MetaHostID],
		account.Meta(domain.MetaHostID),
		accountHostID(account),
		PrefixHost+textnorm.Slugify(first(account.Meta(domain.MetaHostName), localPart(ids.HostEmail)), fallback),
	)

	ids.PropertyName = first(p.Metadata[domain.MetaPropertyName], account.Meta(domain.MetaPropertyName))
	ids.PropertyID = first(
		existing.PropertyID,
		p.Metadata[domain.MetaPropertyID],
		account.Meta(domain.MetaPropertyID),
		PrefixProperty+textnorm.Slugify(first(ids.PropertyName, localPart(ids.HostEmail)), fallback),
	)

	ids.ClientEmail = strings.ToLower(p.ClientEmail)
	if ids.ClientEmail != "" {
		ids.ClientID = first(existing.ClientID, PrefixClient+textnorm.Slugify(ids.ClientEmail, fallback))
	} else {
		ids.ClientID = first(existing.ClientID, PrefixClient+textnorm.Slugify(seed, fallback))
	}
	ids.ClientDisplayName = first(p.GuestName, emailLocal)

	return ids
}

// DefaultFallback 缺少任何可读信息时使用的 slug，形如 msg-<unix秒>
func DefaultFallback(receivedAt time.Time) string {
	if receivedAt.IsZero() {
		return "msg-0"
	}
	return fmt.Sprintf("msg-%d", receivedAt.Unix())
}

func first(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func localPart(address string) string {
	if i := strings.LastIndex(address, "@"); i > 0 {
		return address[:i]
	}
	return ""
}

func accountAddress(a *domain.EmailAccount) string {
	if a == nil {
		return ""
	}
	return a.Address
}

func accountHostID(a *domain.EmailAccount) string {
	if a == nil {
		return ""
	}
	return a.HostID
}
